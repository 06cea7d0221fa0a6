package protection

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/assist-by/aegis/internal/domain"
	"github.com/assist-by/aegis/internal/events"
	"github.com/assist-by/aegis/internal/exchange"
	"github.com/assist-by/aegis/internal/exchange/exchangetest"
	"github.com/assist-by/aegis/internal/position"
	"github.com/assist-by/aegis/internal/store"
)

const epsilon = 0.0001

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// recordingNotifier는 전송된 경보를 기록하는 테스트용 Notifier입니다
type recordingNotifier struct {
	alerts []domain.Alert
}

func (r *recordingNotifier) SendAlert(a domain.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingNotifier) SendEvent(domain.TradeEvent) error { return nil }

func (r *recordingNotifier) SendError(error) error { return nil }

func (r *recordingNotifier) SendInfo(string) error { return nil }

type fixture struct {
	fake     *exchangetest.Fake
	registry *position.Registry
	store    *store.Store
	bus      *events.Bus
	events   <-chan domain.TradeEvent
	notifier *recordingNotifier
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fake := exchangetest.New()
	fake.SetMark("BTCUSDT", 50000)
	fake.Positions = []domain.RemotePosition{{
		Symbol:       "BTCUSDT",
		PositionSide: domain.LongPosition,
		Quantity:     0.5,
		EntryPrice:   50000,
	}}

	st, err := store.New(filepath.Join(t.TempDir(), "aegis.db"))
	if err != nil {
		t.Fatalf("테스트 스토어 생성 실패: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	f := &fixture{
		fake:     fake,
		registry: position.NewRegistry(),
		store:    st,
		bus:      bus,
		events:   bus.Subscribe(8),
		notifier: &recordingNotifier{},
	}
	f.manager = NewManager(fake, f.registry, st, bus, f.notifier, Config{
		SettleDelayMaker:     time.Millisecond,
		SettleDelayTaker:     2 * time.Millisecond,
		RetryBase:            time.Millisecond,
		MaxAttempts:          4,
		TrailCapitalFraction: 0.25, // 25x에서 트레일링 거리 1%
	})
	return f
}

func openPosition() *domain.Position {
	return &domain.Position{
		Symbol:          "BTCUSDT",
		Side:            domain.LongPosition,
		Size:            0.5,
		EntryPrice:      50000,
		Leverage:        25,
		MaintMarginRate: 0.004,
		StopPrice:       49000,
		PeakPrice:       50000,
		State:           domain.StateOpen,
	}
}

func drainEvents(ch <-chan domain.TradeEvent) []domain.TradeEvent {
	var out []domain.TradeEvent
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestManagerProtectHappyPath(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Put(openPosition()); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	if err := f.manager.Protect(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Protect 실패: %v", err)
	}

	pos, ok := f.registry.Get("BTCUSDT")
	if !ok {
		t.Fatal("포지션이 레지스트리에서 사라졌습니다")
	}
	if pos.State != domain.StateProtected {
		t.Errorf("상태 기대값 %s, 실제 %s", domain.StateProtected, pos.State)
	}
	if pos.StopOrderID == 0 || pos.TakeProfitOrderID == 0 {
		t.Errorf("보호 주문 ID가 모두 기록되어야 합니다: 손절=%d 익절=%d",
			pos.StopOrderID, pos.TakeProfitOrderID)
	}

	if f.fake.PlacedCount() != 2 {
		t.Fatalf("주문 수 기대값 2, 실제 %d", f.fake.PlacedCount())
	}
	sl := f.fake.Placed[0]
	if sl.Type != domain.StopMarket || sl.Side != domain.Sell || !almostEqual(sl.StopPrice, 49000) {
		t.Errorf("손절 주문 오류: %+v", sl)
	}
	if !almostEqual(sl.Quantity, 0.5) {
		t.Errorf("손절 수량은 전량이어야 합니다: %.8f", sl.Quantity)
	}
	// 익절 트리거: 피크 50000 × (1 - 0.25/25) = 49500
	tp := f.fake.Placed[1]
	if tp.Type != domain.StopMarket || !almostEqual(tp.StopPrice, 49500) {
		t.Errorf("익절 주문 오류: %+v", tp)
	}
	if !almostEqual(pos.TakeProfitPrice, 49500) {
		t.Errorf("익절 가격 기대값 49500, 실제 %.4f", pos.TakeProfitPrice)
	}

	evts := drainEvents(f.events)
	if len(evts) != 1 || evts[0].Type != domain.EventProtected {
		t.Errorf("protected 이벤트를 기대했습니다: %+v", evts)
	}

	saved, err := f.store.LoadActivePositions()
	if err != nil || len(saved) != 1 || saved[0].State != domain.StateProtected {
		t.Errorf("보호 상태가 저장되어야 합니다: %v, %v", saved, err)
	}
	if len(f.notifier.alerts) != 0 {
		t.Errorf("정상 경로에서 경보가 없어야 합니다: %+v", f.notifier.alerts)
	}
}

// 테이커 진입 후 정산 지연이 세 번 이어지다 네 번째 시도에서 성공하는
// 경로. 익절 트리거는 실패 사이에 갱신된 마크 가격을 반영해야 합니다.
func TestManagerProtectSettlementRetry(t *testing.T) {
	f := newFixture(t)

	markCalls := 0
	f.fake.GetMarkPriceFunc = func(symbol string) (float64, error) {
		markCalls++
		return 50000 + 100*float64(markCalls-1), nil
	}
	placeCalls := 0
	f.fake.PlaceOrderFunc = func(order domain.OrderRequest) (*domain.OrderResponse, error) {
		placeCalls++
		if placeCalls <= 3 {
			return nil, &exchange.APIError{Code: -2022, Message: "ReduceOnly Order is rejected.", HTTPStatus: 400}
		}
		return &domain.OrderResponse{
			OrderID:   int64(9000 + placeCalls),
			Symbol:    order.Symbol,
			Status:    domain.OrderStatusNew,
			StopPrice: order.StopPrice,
		}, nil
	}

	pos := openPosition()
	pos.TakerEntry = true
	if err := f.registry.Put(pos); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	if err := f.manager.Protect(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("재시도 경로 Protect 실패: %v", err)
	}

	got, _ := f.registry.Get("BTCUSDT")
	if got.State != domain.StateProtected {
		t.Fatalf("상태 기대값 %s, 실제 %s", domain.StateProtected, got.State)
	}
	if got.ProtectionAttempts != 4 {
		t.Errorf("시도 횟수 기대값 4, 실제 %d", got.ProtectionAttempts)
	}
	// 4번째 시도의 마크는 50300, 피크도 50300까지 전진
	// → 익절 트리거 = 50300 × 0.99 = 49797
	if !almostEqual(got.PeakPrice, 50300) {
		t.Errorf("피크 기대값 50300, 실제 %.4f", got.PeakPrice)
	}
	if !almostEqual(got.TakeProfitPrice, 49797) {
		t.Errorf("익절 가격 기대값 49797, 실제 %.4f", got.TakeProfitPrice)
	}
	// 손절 트리거는 재시도 내내 고정
	sl := f.fake.Placed[len(f.fake.Placed)-2]
	if !almostEqual(sl.StopPrice, 49000) {
		t.Errorf("손절 트리거는 고정이어야 합니다: %.4f", sl.StopPrice)
	}
}

func TestManagerProtectVanishedRemote(t *testing.T) {
	f := newFixture(t)
	f.fake.Positions = nil
	if err := f.registry.Put(openPosition()); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	if err := f.manager.Protect(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("소멸 경로 Protect 실패: %v", err)
	}

	if _, ok := f.registry.Get("BTCUSDT"); ok {
		t.Error("원격에 없는 포지션은 로컬에서 제거되어야 합니다")
	}
	if f.fake.PlacedCount() != 0 {
		t.Errorf("소멸된 포지션에 주문이 나가면 안 됩니다: %d건", f.fake.PlacedCount())
	}
}

func TestManagerProtectFatalFails(t *testing.T) {
	f := newFixture(t)
	f.fake.PlaceOrderFunc = func(order domain.OrderRequest) (*domain.OrderResponse, error) {
		return nil, &exchange.APIError{Code: -2019, Message: "Margin is insufficient.", HTTPStatus: 400}
	}
	if err := f.registry.Put(openPosition()); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	err := f.manager.Protect(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatal("치명적 실패는 에러를 반환해야 합니다")
	}

	pos, _ := f.registry.Get("BTCUSDT")
	if pos.State != domain.StateProtectionFailed {
		t.Errorf("상태 기대값 %s, 실제 %s", domain.StateProtectionFailed, pos.State)
	}
	// 치명적 에러는 재시도 없이 즉시 중단
	if f.fake.PlacedCount() != 1 {
		t.Errorf("주문 시도 기대값 1, 실제 %d", f.fake.PlacedCount())
	}
	if len(f.notifier.alerts) != 1 || f.notifier.alerts[0].Severity != domain.SeverityCritical {
		t.Errorf("긴급 경보를 기대했습니다: %+v", f.notifier.alerts)
	}
}

func TestManagerProtectExhaustion(t *testing.T) {
	f := newFixture(t)
	f.fake.PlaceOrderFunc = func(order domain.OrderRequest) (*domain.OrderResponse, error) {
		return nil, &exchange.APIError{Code: -2022, Message: "ReduceOnly Order is rejected.", HTTPStatus: 400}
	}
	if err := f.registry.Put(openPosition()); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	err := f.manager.Protect(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatal("소진된 재시도는 에러를 반환해야 합니다")
	}

	pos, _ := f.registry.Get("BTCUSDT")
	if pos.State != domain.StateProtectionFailed {
		t.Errorf("상태 기대값 %s, 실제 %s", domain.StateProtectionFailed, pos.State)
	}
	if pos.ProtectionAttempts != 4 {
		t.Errorf("시도 횟수 기대값 4, 실제 %d", pos.ProtectionAttempts)
	}
	if len(f.notifier.alerts) != 1 || f.notifier.alerts[0].Severity != domain.SeverityCritical {
		t.Errorf("긴급 경보를 기대했습니다: %+v", f.notifier.alerts)
	}
}

func TestManagerProtectEmergencyClose(t *testing.T) {
	f := newFixture(t)
	// 마크가 이미 손절 49000 아래로 무너진 상황
	f.fake.SetMark("BTCUSDT", 48500)
	f.fake.GetPositionsFunc = func() ([]domain.RemotePosition, error) {
		// 시장가 청산 주문이 나간 뒤에는 원격 포지션이 사라집니다
		if f.fake.PlacedCount() >= 1 {
			return nil, nil
		}
		return []domain.RemotePosition{{
			Symbol:       "BTCUSDT",
			PositionSide: domain.LongPosition,
			Quantity:     0.5,
			EntryPrice:   50000,
		}}, nil
	}
	if err := f.registry.Put(openPosition()); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	if err := f.manager.Protect(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("비상 청산 실패: %v", err)
	}

	if f.fake.PlacedCount() != 1 {
		t.Fatalf("주문 수 기대값 1, 실제 %d", f.fake.PlacedCount())
	}
	closeOrder := f.fake.Placed[0]
	if closeOrder.Type != domain.Market || closeOrder.Side != domain.Sell {
		t.Errorf("시장가 청산 주문을 기대했습니다: %+v", closeOrder)
	}
	if _, ok := f.registry.Get("BTCUSDT"); ok {
		t.Error("비상 청산된 포지션은 레지스트리에서 제거되어야 합니다")
	}
	if len(f.notifier.alerts) != 1 || f.notifier.alerts[0].Severity != domain.SeverityCritical {
		t.Errorf("긴급 경보를 기대했습니다: %+v", f.notifier.alerts)
	}

	evts := drainEvents(f.events)
	if len(evts) != 1 || evts[0].Type != domain.EventClosed || evts[0].Reason != "emergency-stop" {
		t.Errorf("emergency-stop 사유의 closed 이벤트를 기대했습니다: %+v", evts)
	}
}

func TestManagerFailCancelsOrphanStop(t *testing.T) {
	f := newFixture(t)
	placeCalls := 0
	f.fake.PlaceOrderFunc = func(order domain.OrderRequest) (*domain.OrderResponse, error) {
		placeCalls++
		if placeCalls == 1 {
			return &domain.OrderResponse{OrderID: 5001, Symbol: order.Symbol, Status: domain.OrderStatusNew}, nil
		}
		return nil, &exchange.APIError{Code: -2015, Message: "Invalid API-key.", HTTPStatus: 401}
	}
	if err := f.registry.Put(openPosition()); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	if err := f.manager.Protect(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("익절 치명적 실패는 에러를 반환해야 합니다")
	}

	// 한쪽만 걸린 손절 주문은 회수됩니다
	if len(f.fake.Canceled) != 1 || f.fake.Canceled[0] != 5001 {
		t.Errorf("손절 주문 회수를 기대했습니다: %+v", f.fake.Canceled)
	}
	pos, _ := f.registry.Get("BTCUSDT")
	if pos.StopOrderID != 0 {
		t.Errorf("회수된 손절 ID는 지워져야 합니다: %d", pos.StopOrderID)
	}
	if pos.State != domain.StateProtectionFailed {
		t.Errorf("상태 기대값 %s, 실제 %s", domain.StateProtectionFailed, pos.State)
	}
}

func TestManagerVerify(t *testing.T) {
	tests := []struct {
		name          string
		openOrders    []domain.OrderResponse
		wantReprotect bool
		wantStopID    int64
		wantTPID      int64
	}{
		{
			name: "모든 보호 주문 생존",
			openOrders: []domain.OrderResponse{
				{OrderID: 11}, {OrderID: 22},
			},
			wantReprotect: false,
			wantStopID:    11,
			wantTPID:      22,
		},
		{
			name:          "익절 주문 소실",
			openOrders:    []domain.OrderResponse{{OrderID: 11}},
			wantReprotect: true,
			wantStopID:    11,
			wantTPID:      0,
		},
		{
			name:          "손절 주문 소실",
			openOrders:    []domain.OrderResponse{{OrderID: 22}},
			wantReprotect: true,
			wantStopID:    0,
			wantTPID:      22,
		},
		{
			name:          "둘 다 소실",
			openOrders:    nil,
			wantReprotect: true,
			wantStopID:    0,
			wantTPID:      0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.fake.OpenOrders["BTCUSDT"] = tt.openOrders

			pos := openPosition()
			pos.State = domain.StateProtected
			pos.StopOrderID = 11
			pos.TakeProfitOrderID = 22
			pos.ProtectionAttempts = 3
			if err := f.registry.Put(pos); err != nil {
				t.Fatalf("포지션 등록 실패: %v", err)
			}

			reprotect, err := f.manager.Verify(context.Background(), "BTCUSDT")
			if err != nil {
				t.Fatalf("Verify 실패: %v", err)
			}
			if reprotect != tt.wantReprotect {
				t.Fatalf("재설정 필요 기대값 %v, 실제 %v", tt.wantReprotect, reprotect)
			}

			got, _ := f.registry.Get("BTCUSDT")
			if got.StopOrderID != tt.wantStopID || got.TakeProfitOrderID != tt.wantTPID {
				t.Errorf("주문 ID 오류: 손절=%d 익절=%d", got.StopOrderID, got.TakeProfitOrderID)
			}
			if tt.wantReprotect {
				if got.State != domain.StateProtectionPending {
					t.Errorf("상태 기대값 %s, 실제 %s", domain.StateProtectionPending, got.State)
				}
				if got.ProtectionAttempts != 0 {
					t.Errorf("시도 횟수가 초기화되어야 합니다: %d", got.ProtectionAttempts)
				}
				if len(f.notifier.alerts) != 1 || f.notifier.alerts[0].Severity != domain.SeverityWarning {
					t.Errorf("경고 경보를 기대했습니다: %+v", f.notifier.alerts)
				}
			} else if got.State != domain.StateProtected {
				t.Errorf("상태가 유지되어야 합니다: %s", got.State)
			}
		})
	}
}
