// Package feed는 바이낸스 선물 마크 가격 스트림을 구독하고 최신 가격을
// 메모리에 유지합니다. 연결이 끊기면 자동으로 재접속하며, 스트림이 오래
// 끊긴 경우를 대비해 조회 시점 기준의 신선도 검사를 제공합니다.
package feed

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// BinanceFuturesWSURL은 USDT-M 선물 스트림의 기본 주소입니다
	BinanceFuturesWSURL = "wss://fstream.binance.com"
	// BinanceTestnetWSURL은 테스트넷 스트림 주소입니다
	BinanceTestnetWSURL = "wss://stream.binancefuture.com"

	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// pricePoint는 심볼의 마지막 마크 가격과 수신 시각입니다
type pricePoint struct {
	price float64
	at    time.Time
}

// Feed는 마크 가격 스트림 구독을 관리합니다
type Feed struct {
	mu sync.RWMutex

	baseURL   string
	symbols   []string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	prices map[string]pricePoint
}

// New는 지정한 심볼들의 마크 가격 피드를 생성합니다
func New(baseURL string, symbols []string) *Feed {
	if baseURL == "" {
		baseURL = BinanceFuturesWSURL
	}
	return &Feed{
		baseURL: baseURL,
		symbols: symbols,
		stopCh:  make(chan struct{}),
		prices:  make(map[string]pricePoint),
	}
}

// Start는 연결 루프를 시작합니다
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Printf("마크 가격 피드 시작 (심볼 %d개)", len(f.symbols))
}

// Stop은 연결을 종료합니다
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}

	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.Close()
	}

	log.Println("마크 가격 피드 종료")
}

// Price는 심볼의 마지막 마크 가격과 수신 시각을 반환합니다
func (f *Feed) Price(symbol string) (float64, time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.prices[symbol]
	if !ok {
		return 0, time.Time{}, false
	}
	return p.price, p.at, true
}

// Fresh는 maxAge 이내에 수신된 가격만 반환합니다.
// 스트림이 끊겨 있으면 호출자는 REST 조회로 대체해야 합니다.
func (f *Feed) Fresh(symbol string, maxAge time.Duration) (float64, bool) {
	price, at, ok := f.Price(symbol)
	if !ok || time.Since(at) > maxAge {
		return 0, false
	}
	return price, true
}

// streamURL은 결합 스트림 구독 주소를 만듭니다
func (f *Feed) streamURL() string {
	streams := make([]string, len(f.symbols))
	for i, s := range f.symbols {
		streams[i] = strings.ToLower(s) + "@markPrice@1s"
	}
	return fmt.Sprintf("%s/stream?streams=%s", f.baseURL, strings.Join(streams, "/"))
}

// connectionLoop는 연결이 끊길 때마다 재접속합니다
func (f *Feed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Printf("피드 연결 실패, 재시도 예정: %v", err)
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		time.Sleep(reconnectDelay)
	}
}

// connect는 웹소켓 연결을 수립합니다
func (f *Feed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.streamURL(), nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	log.Println("마크 가격 스트림 연결 완료")

	go f.pingLoop()

	return nil
}

// pingLoop는 연결 유지를 위해 주기적으로 핑을 보냅니다
func (f *Feed) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			conn := f.conn
			connected := f.connected
			f.mu.RUnlock()

			if !connected || conn == nil {
				return
			}
			conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

// readLoop는 스트림 메시지를 읽어 가격 캐시를 갱신합니다
func (f *Feed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("피드 읽기 오류: %v", err)
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

// markPriceEvent는 결합 스트림의 markPriceUpdate 페이로드입니다
type markPriceEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string  `json:"e"`
		Symbol    string  `json:"s"`
		MarkPrice float64 `json:"p,string"`
		EventTime int64   `json:"E"`
	} `json:"data"`
}

// processMessage는 수신한 메시지를 파싱해 캐시에 반영합니다
func (f *Feed) processMessage(data []byte) {
	var event markPriceEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	if event.Data.EventType != "markPriceUpdate" || event.Data.Symbol == "" {
		return
	}

	f.mu.Lock()
	f.prices[event.Data.Symbol] = pricePoint{
		price: event.Data.MarkPrice,
		at:    time.Now(),
	}
	f.mu.Unlock()
}
