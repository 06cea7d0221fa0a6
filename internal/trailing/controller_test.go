package trailing

import (
	"context"
	"errors"
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

type fixture struct {
	fake       *exchangetest.Fake
	registry   *position.Registry
	store      *store.Store
	bus        *events.Bus
	events     <-chan domain.TradeEvent
	controller *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fake := exchangetest.New()
	fake.SetMark("BTCUSDT", 50000)

	st, err := store.New(filepath.Join(t.TempDir(), "aegis.db"))
	if err != nil {
		t.Fatalf("저장소 초기화 실패: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	registry := position.NewRegistry()
	// 증거금 25%가 되돌림 허용치: 25배에서 가격 거리 1%
	controller := NewController(fake, registry, st, bus, Config{TrailCapitalFraction: 0.25})

	return &fixture{
		fake:       fake,
		registry:   registry,
		store:      st,
		bus:        bus,
		events:     bus.Subscribe(8),
		controller: controller,
	}
}

// trailingPosition은 손절 49000, 익절 49500이 배치된 롱 포지션입니다
func trailingPosition(state domain.PositionState) *domain.Position {
	now := time.Now()
	return &domain.Position{
		Symbol:            "BTCUSDT",
		Side:              domain.LongPosition,
		Size:              0.5,
		EntryPrice:        50000,
		Leverage:          25,
		MaintMarginRate:   0.004,
		StopPrice:         49000,
		TakeProfitPrice:   49500,
		PeakPrice:         50000,
		State:             state,
		EntryOrderID:      4001,
		StopOrderID:       5001,
		TakeProfitOrderID: 5002,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func remoteLong(qty, entry float64) *domain.RemotePosition {
	return &domain.RemotePosition{
		Symbol:       "BTCUSDT",
		PositionSide: domain.LongPosition,
		Quantity:     qty,
		EntryPrice:   entry,
	}
}

func drainEvents(ch <-chan domain.TradeEvent) []domain.TradeEvent {
	var out []domain.TradeEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestControllerActivation(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Put(trailingPosition(domain.StateProtected)); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	closed, err := f.controller.Tick(context.Background(), "BTCUSDT", 50000, remoteLong(0.5, 50000))
	if err != nil {
		t.Fatalf("틱 실패: %v", err)
	}
	if closed {
		t.Error("청산되면 안 됩니다")
	}

	pos, _ := f.registry.Get("BTCUSDT")
	if pos.State != domain.StateTrailing {
		t.Errorf("상태 = %s, 기대값 Trailing", pos.State)
	}
	if f.fake.PlacedCount() != 0 || len(f.fake.Canceled) != 0 {
		t.Errorf("가격 변동 없이는 주문이 없어야 합니다: 실행 %d, 취소 %d",
			f.fake.PlacedCount(), len(f.fake.Canceled))
	}
}

func TestControllerPeakRatchetReplacesTakeProfit(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Put(trailingPosition(domain.StateTrailing)); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	closed, err := f.controller.Tick(context.Background(), "BTCUSDT", 50600, remoteLong(0.5, 50000))
	if err != nil {
		t.Fatalf("틱 실패: %v", err)
	}
	if closed {
		t.Error("청산되면 안 됩니다")
	}

	pos, _ := f.registry.Get("BTCUSDT")
	if !almostEqual(pos.PeakPrice, 50600) {
		t.Errorf("피크 = %.4f, 기대값 50600", pos.PeakPrice)
	}
	// 새 트리거: 50600 × (1 - 0.01) = 50094.0
	if !almostEqual(pos.TakeProfitPrice, 50094.0) {
		t.Errorf("익절 트리거 = %.4f, 기대값 50094.0", pos.TakeProfitPrice)
	}
	if !almostEqual(pos.StopPrice, 49000) {
		t.Errorf("손절 트리거가 움직였습니다: %.4f", pos.StopPrice)
	}

	if len(f.fake.Canceled) != 1 || f.fake.Canceled[0] != 5002 {
		t.Fatalf("기존 익절 주문이 취소되어야 합니다: %v", f.fake.Canceled)
	}
	if f.fake.PlacedCount() != 1 {
		t.Fatalf("실행 주문 수 = %d, 기대값 1", f.fake.PlacedCount())
	}
	replacement := f.fake.LastPlaced()
	if replacement.Type != domain.StopMarket || replacement.Side != domain.Sell {
		t.Errorf("교체 주문 타입/방향 = %s/%s", replacement.Type, replacement.Side)
	}
	if !almostEqual(replacement.StopPrice, 50094.0) {
		t.Errorf("교체 주문 트리거 = %.4f", replacement.StopPrice)
	}
	if !almostEqual(replacement.Quantity, 0.5) {
		t.Errorf("교체 주문 수량 = %.4f", replacement.Quantity)
	}
	if pos.TakeProfitOrderID == 5002 || pos.TakeProfitOrderID == 0 {
		t.Errorf("익절 주문 ID가 갱신되어야 합니다: %d", pos.TakeProfitOrderID)
	}

	evs := drainEvents(f.events)
	if len(evs) != 1 || evs[0].Type != domain.EventTrailingUpdated {
		t.Fatalf("트레일링 갱신 이벤트 1건을 기대했습니다: %v", evs)
	}
	if evs[0].Reason != "peak-ratchet" || !almostEqual(evs[0].Price, 50094.0) {
		t.Errorf("이벤트 내용 = %+v", evs[0])
	}

	// 전진한 피크는 재시작 복구를 위해 저장됩니다
	saved, err := f.store.LoadActivePositions()
	if err != nil || len(saved) != 1 {
		t.Fatalf("저장된 포지션 조회 실패: %v (%d건)", err, len(saved))
	}
	if !almostEqual(saved[0].PeakPrice, 50600) {
		t.Errorf("저장된 피크 = %.4f, 기대값 50600", saved[0].PeakPrice)
	}
}

func TestControllerSubTickMoveKeepsOrder(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Put(trailingPosition(domain.StateTrailing)); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	// 피크는 전진하지만 내림 처리된 후보가 기존 트리거와 같아 교체하지 않습니다
	closed, err := f.controller.Tick(context.Background(), "BTCUSDT", 50000.04, remoteLong(0.5, 50000))
	if err != nil || closed {
		t.Fatalf("틱 결과 = (%v, %v)", closed, err)
	}

	pos, _ := f.registry.Get("BTCUSDT")
	if !almostEqual(pos.PeakPrice, 50000.04) {
		t.Errorf("피크 = %.4f, 기대값 50000.04", pos.PeakPrice)
	}
	if !almostEqual(pos.TakeProfitPrice, 49500) {
		t.Errorf("익절 트리거 = %.4f, 변경되면 안 됩니다", pos.TakeProfitPrice)
	}
	if f.fake.PlacedCount() != 0 || len(f.fake.Canceled) != 0 {
		t.Errorf("한 틱 미만 개선에는 교체가 없어야 합니다: 실행 %d, 취소 %d",
			f.fake.PlacedCount(), len(f.fake.Canceled))
	}
}

func TestControllerAdverseMoveKeepsPeak(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Put(trailingPosition(domain.StateTrailing)); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	// 익절 트리거 위에서의 하락: 피크와 주문 모두 그대로입니다
	closed, err := f.controller.Tick(context.Background(), "BTCUSDT", 49600, remoteLong(0.5, 50000))
	if err != nil || closed {
		t.Fatalf("틱 결과 = (%v, %v)", closed, err)
	}

	pos, _ := f.registry.Get("BTCUSDT")
	if !almostEqual(pos.PeakPrice, 50000) {
		t.Errorf("피크가 역방향으로 움직였습니다: %.4f", pos.PeakPrice)
	}
	if f.fake.PlacedCount() != 0 || len(f.fake.Canceled) != 0 {
		t.Error("역방향 변동에는 주문이 없어야 합니다")
	}
}

func TestControllerShortPeakRatchet(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	if err := f.registry.Put(&domain.Position{
		Symbol:            "BTCUSDT",
		Side:              domain.ShortPosition,
		Size:              0.5,
		EntryPrice:        50000,
		Leverage:          25,
		MaintMarginRate:   0.004,
		StopPrice:         51000,
		TakeProfitPrice:   50500,
		PeakPrice:         50000,
		State:             domain.StateTrailing,
		StopOrderID:       5001,
		TakeProfitOrderID: 5002,
		CreatedAt:         now,
		UpdatedAt:         now,
	}); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	remote := &domain.RemotePosition{
		Symbol: "BTCUSDT", PositionSide: domain.ShortPosition, Quantity: -0.5, EntryPrice: 50000,
	}
	closed, err := f.controller.Tick(context.Background(), "BTCUSDT", 49400, remote)
	if err != nil || closed {
		t.Fatalf("틱 결과 = (%v, %v)", closed, err)
	}

	pos, _ := f.registry.Get("BTCUSDT")
	if !almostEqual(pos.PeakPrice, 49400) {
		t.Errorf("피크 = %.4f, 기대값 49400", pos.PeakPrice)
	}
	// 숏의 새 트리거: 49400 × (1 + 0.01) = 49894.0, 기존 50500보다 아래로만 이동
	if !almostEqual(pos.TakeProfitPrice, 49894.0) {
		t.Errorf("익절 트리거 = %.4f, 기대값 49894.0", pos.TakeProfitPrice)
	}
	if !almostEqual(pos.StopPrice, 51000) {
		t.Errorf("손절 트리거가 움직였습니다: %.4f", pos.StopPrice)
	}
	replacement := f.fake.LastPlaced()
	if replacement.Side != domain.Buy || replacement.PositionSide != domain.ShortPosition {
		t.Errorf("교체 주문 방향 = %s/%s", replacement.Side, replacement.PositionSide)
	}
}

func TestControllerTrailExit(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Put(trailingPosition(domain.StateTrailing)); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	// 시장가 청산이 나가기 전까지는 원격 포지션이 남아 있습니다
	f.fake.GetPositionsFunc = func() ([]domain.RemotePosition, error) {
		if f.fake.PlacedCount() > 0 {
			return nil, nil
		}
		return []domain.RemotePosition{*remoteLong(0.5, 50000)}, nil
	}

	closed, err := f.controller.Tick(context.Background(), "BTCUSDT", 49400, remoteLong(0.5, 50000))
	if err != nil {
		t.Fatalf("틱 실패: %v", err)
	}
	if !closed {
		t.Fatal("청산이 확정되어야 합니다")
	}

	if len(f.fake.Canceled) != 2 || f.fake.Canceled[0] != 5001 || f.fake.Canceled[1] != 5002 {
		t.Errorf("보호 주문 두 건이 회수되어야 합니다: %v", f.fake.Canceled)
	}
	if f.fake.PlacedCount() != 1 {
		t.Fatalf("실행 주문 수 = %d, 기대값 1", f.fake.PlacedCount())
	}
	closeOrder := f.fake.LastPlaced()
	if closeOrder.Type != domain.Market || closeOrder.Side != domain.Sell {
		t.Errorf("청산 주문 타입/방향 = %s/%s", closeOrder.Type, closeOrder.Side)
	}
	if !almostEqual(closeOrder.Quantity, 0.5) {
		t.Errorf("청산 수량 = %.4f", closeOrder.Quantity)
	}

	if _, ok := f.registry.Get("BTCUSDT"); ok {
		t.Error("레지스트리에서 제거되어야 합니다")
	}

	evs := drainEvents(f.events)
	if len(evs) != 1 || evs[0].Type != domain.EventClosed {
		t.Fatalf("청산 이벤트 1건을 기대했습니다: %v", evs)
	}
	if evs[0].Reason != "trail-exit" {
		t.Errorf("청산 사유 = %s, 기대값 trail-exit", evs[0].Reason)
	}

	trades, err := f.store.TradesSince(time.Time{})
	if err != nil || len(trades) != 1 {
		t.Fatalf("거래 기록 조회 실패: %v (%d건)", err, len(trades))
	}
	if trades[0].Reason != "trail-exit" {
		t.Errorf("기록된 사유 = %s", trades[0].Reason)
	}
	// 손익 = (49400 - 50000) × 0.5
	if !almostEqual(trades[0].PnL, -300) {
		t.Errorf("기록된 손익 = %.4f, 기대값 -300", trades[0].PnL)
	}
}

func TestControllerStopExitAfterRemoteGone(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Put(trailingPosition(domain.StateTrailing)); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	// 발동해서 사라진 손절 주문의 취소는 거부됩니다
	f.fake.CancelOrderFunc = func(symbol string, orderID int64) error {
		if orderID == 5001 {
			return &exchange.APIError{Code: -2011, Message: "Unknown order sent.", HTTPStatus: 400}
		}
		return nil
	}

	closed, err := f.controller.Tick(context.Background(), "BTCUSDT", 48900, nil)
	if err != nil {
		t.Fatalf("틱 실패: %v", err)
	}
	if !closed {
		t.Fatal("청산이 확정되어야 합니다")
	}

	if f.fake.PlacedCount() != 0 {
		t.Errorf("원격이 이미 사라졌으면 시장가 청산이 없어야 합니다: %d", f.fake.PlacedCount())
	}
	if _, ok := f.registry.Get("BTCUSDT"); ok {
		t.Error("레지스트리에서 제거되어야 합니다")
	}

	evs := drainEvents(f.events)
	if len(evs) != 1 || evs[0].Reason != "stop-exit" {
		t.Fatalf("손절 청산 이벤트를 기대했습니다: %v", evs)
	}
	// 장부에는 트리거 가격을 기록합니다
	if !almostEqual(evs[0].Price, 49000) {
		t.Errorf("청산 가격 = %.4f, 기대값 49000", evs[0].Price)
	}
}

func TestControllerExternalCloseRemoteGone(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Put(trailingPosition(domain.StateTrailing)); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	// 트리거 사이의 가격에서 원격만 사라진 경우: 외부 청산으로 기록합니다
	closed, err := f.controller.Tick(context.Background(), "BTCUSDT", 49800, nil)
	if err != nil {
		t.Fatalf("틱 실패: %v", err)
	}
	if !closed {
		t.Fatal("청산이 확정되어야 합니다")
	}

	evs := drainEvents(f.events)
	if len(evs) != 1 || evs[0].Reason != "external-close" {
		t.Fatalf("외부 청산 이벤트를 기대했습니다: %v", evs)
	}
	if !almostEqual(evs[0].Price, 49800) {
		t.Errorf("청산 가격 = %.4f, 기대값 49800", evs[0].Price)
	}
}

func TestControllerCancelRaceSkipsReplace(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Put(trailingPosition(domain.StateTrailing)); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	// 교체용 취소가 체결과 경합: 재배치 없이 다음 틱으로 넘어갑니다
	f.fake.CancelOrderFunc = func(symbol string, orderID int64) error {
		return &exchange.APIError{Code: -2011, Message: "Unknown order sent.", HTTPStatus: 400}
	}

	closed, err := f.controller.Tick(context.Background(), "BTCUSDT", 50600, remoteLong(0.5, 50000))
	if err != nil || closed {
		t.Fatalf("틱 결과 = (%v, %v)", closed, err)
	}

	pos, _ := f.registry.Get("BTCUSDT")
	if pos.TakeProfitOrderID != 5002 {
		t.Errorf("익절 주문 ID가 보존되어야 합니다: %d", pos.TakeProfitOrderID)
	}
	if !almostEqual(pos.TakeProfitPrice, 49500) {
		t.Errorf("익절 트리거 = %.4f, 변경되면 안 됩니다", pos.TakeProfitPrice)
	}
	if !almostEqual(pos.PeakPrice, 50600) {
		t.Errorf("피크는 전진해야 합니다: %.4f", pos.PeakPrice)
	}
	if f.fake.PlacedCount() != 0 {
		t.Errorf("재배치가 없어야 합니다: %d", f.fake.PlacedCount())
	}
	if evs := drainEvents(f.events); len(evs) != 0 {
		t.Errorf("이벤트가 없어야 합니다: %v", evs)
	}
}

func TestControllerReplaceFailureClearsOrderID(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Put(trailingPosition(domain.StateTrailing)); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	f.fake.PlaceOrderFunc = func(order domain.OrderRequest) (*domain.OrderResponse, error) {
		return nil, &exchange.APIError{Code: -1001, Message: "Internal error.", HTTPStatus: 500}
	}

	closed, err := f.controller.Tick(context.Background(), "BTCUSDT", 50600, remoteLong(0.5, 50000))
	if err == nil {
		t.Fatal("재배치 실패는 에러로 보고되어야 합니다")
	}
	if closed {
		t.Error("청산되면 안 됩니다")
	}

	var posErr *position.PositionError
	if !errors.As(err, &posErr) {
		t.Errorf("PositionError를 기대했습니다: %v", err)
	}

	// 취소는 됐으므로 ID를 비워 보호 재검증이 새로 설정하게 합니다
	pos, _ := f.registry.Get("BTCUSDT")
	if pos.TakeProfitOrderID != 0 {
		t.Errorf("익절 주문 ID = %d, 기대값 0", pos.TakeProfitOrderID)
	}
	if len(f.fake.Canceled) != 1 || f.fake.Canceled[0] != 5002 {
		t.Errorf("기존 익절 주문이 취소되어야 합니다: %v", f.fake.Canceled)
	}
}

func TestControllerClosingResume(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Put(trailingPosition(domain.StateClosing)); err != nil {
		t.Fatalf("포지션 등록 실패: %v", err)
	}

	f.fake.GetPositionsFunc = func() ([]domain.RemotePosition, error) {
		if f.fake.PlacedCount() > 0 {
			return nil, nil
		}
		return []domain.RemotePosition{*remoteLong(0.5, 50000)}, nil
	}

	// 이전 틱에서 중단된 청산을 이어서 마무리합니다
	closed, err := f.controller.Tick(context.Background(), "BTCUSDT", 49400, remoteLong(0.5, 50000))
	if err != nil {
		t.Fatalf("틱 실패: %v", err)
	}
	if !closed {
		t.Fatal("청산이 확정되어야 합니다")
	}
	if _, ok := f.registry.Get("BTCUSDT"); ok {
		t.Error("레지스트리에서 제거되어야 합니다")
	}
	if f.fake.PlacedCount() != 1 || f.fake.LastPlaced().Type != domain.Market {
		t.Errorf("시장가 청산 1건을 기대했습니다: %d", f.fake.PlacedCount())
	}
}
