// Package events는 포지션 상태 전이 이벤트의 발행과 구독을 제공합니다.
// 발행은 절대 블로킹하지 않으며, 버퍼가 가득 찬 구독자는 이벤트를
// 놓칩니다. 거래 루프가 느린 소비자를 기다리는 일은 없어야 합니다.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/assist-by/aegis/internal/domain"
)

// Bus는 거래 이벤트를 구독자들에게 전달합니다
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan domain.TradeEvent
	closed      bool
}

// NewBus는 새 이벤트 버스를 생성합니다
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe는 이벤트 수신 채널을 등록합니다
func (b *Bus) Subscribe(buffer int) <-chan domain.TradeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.TradeEvent, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish는 이벤트를 모든 구독자에게 비차단으로 전달합니다
func (b *Bus) Publish(event domain.TradeEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// 가득 찬 구독자는 건너뜁니다
			log.Printf("이벤트 구독자 버퍼 초과, 이벤트 유실: %s %s", event.Type, event.Symbol)
		}
	}
}

// Close는 모든 구독 채널을 닫습니다
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
