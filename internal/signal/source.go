// Package signal은 거래 시그널의 수신 경로를 제공합니다.
// 시그널 생성(전략, 분석)은 이 시스템의 범위 밖이며, 여기서는
// 외부에서 도착한 시그널을 꺼내는 인터페이스만 정의합니다.
package signal

import (
	"context"
	"fmt"

	"github.com/assist-by/aegis/internal/domain"
)

// ErrQueueFull은 큐 버퍼가 가득 차서 시그널을 버렸을 때 반환됩니다
var ErrQueueFull = fmt.Errorf("시그널 큐가 가득 찼습니다")

// Source는 시그널 입력원입니다. Next는 시그널이 도착할 때까지 대기하며
// 컨텍스트 취소 시 에러를 반환합니다.
type Source interface {
	Next(ctx context.Context) (domain.Signal, error)
	Close() error
}

// Queue는 프로세스 내부 시그널 큐입니다. 테스트와 단일 바이너리 구성에서
// 사용하며, Push는 블로킹하지 않습니다.
type Queue struct {
	ch chan domain.Signal
}

// NewQueue는 지정한 버퍼 크기의 큐를 생성합니다
func NewQueue(buffer int) *Queue {
	return &Queue{ch: make(chan domain.Signal, buffer)}
}

// Push는 시그널을 큐에 추가합니다. 버퍼가 가득 차면 버리고 에러를 반환합니다.
func (q *Queue) Push(s domain.Signal) error {
	select {
	case q.ch <- s:
		return nil
	default:
		return ErrQueueFull
	}
}

// Next는 다음 시그널을 반환합니다
func (q *Queue) Next(ctx context.Context) (domain.Signal, error) {
	select {
	case <-ctx.Done():
		return domain.Signal{}, ctx.Err()
	case s, ok := <-q.ch:
		if !ok {
			return domain.Signal{}, fmt.Errorf("시그널 큐가 닫혔습니다")
		}
		return s, nil
	}
}

// Close는 큐를 닫습니다
func (q *Queue) Close() error {
	close(q.ch)
	return nil
}
