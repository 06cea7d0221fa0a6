// Package protection은 체결된 포지션에 손절과 트레일링 익절 주문을
// 설정합니다. 체결 직후에는 거래소 정산이 포지션 조회에 반영되기까지
// 지연이 있으므로, 진입 경로별 최소 대기와 분류 기반 재시도로 이 창을
// 극복합니다. 재시도가 모두 소진되면 포지션을 무방비 상태로 표시하고
// 긴급 경보를 발행합니다.
package protection

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/assist-by/aegis/internal/domain"
	"github.com/assist-by/aegis/internal/events"
	"github.com/assist-by/aegis/internal/exchange"
	"github.com/assist-by/aegis/internal/metrics"
	"github.com/assist-by/aegis/internal/notification"
	"github.com/assist-by/aegis/internal/position"
	"github.com/assist-by/aegis/internal/risk"
	"github.com/assist-by/aegis/internal/store"
)

// Config는 보호 주문 매니저의 설정입니다
type Config struct {
	SettleDelayMaker     time.Duration // 메이커 진입 후 첫 시도까지 최소 대기
	SettleDelayTaker     time.Duration // 테이커 진입 후 첫 시도까지 최소 대기 (더 김)
	RetryBase            time.Duration // 재시도 백오프 기준 간격
	MaxAttempts          int           // 보호 설정 시도 횟수 상한
	TrailCapitalFraction float64       // 트레일링 트리거 거리 계산용 자본 비율
}

// Manager는 단일 포지션에 대한 보호 주문 설정을 책임집니다.
// 심볼별 인플라이트 플래그로 동시 설정 시도를 차단합니다.
type Manager struct {
	exchange exchange.Exchange
	registry *position.Registry
	store    *store.Store
	bus      *events.Bus
	notifier notification.Notifier
	config   Config
}

// NewManager는 새 보호 주문 매니저를 생성합니다
func NewManager(ex exchange.Exchange, registry *position.Registry, st *store.Store,
	bus *events.Bus, notifier notification.Notifier, config Config) *Manager {
	if config.SettleDelayMaker <= 0 {
		config.SettleDelayMaker = time.Second
	}
	if config.SettleDelayTaker <= 0 {
		config.SettleDelayTaker = 2500 * time.Millisecond
	}
	if config.RetryBase <= 0 {
		config.RetryBase = 500 * time.Millisecond
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 4
	}
	return &Manager{
		exchange: ex,
		registry: registry,
		store:    st,
		bus:      bus,
		notifier: notifier,
		config:   config,
	}
}

// Protect는 포지션에 손절과 트레일링 익절 주문을 설정합니다.
// 손절 트리거는 진입 시 계산된 고정값을 사용하고, 익절 트리거는
// 시도 시점의 최고 유리 가격 기준으로 다시 계산합니다.
func (m *Manager) Protect(ctx context.Context, symbol string) error {
	if !m.registry.TryBeginProtection(symbol) {
		return position.NewPositionError(symbol, "protect", position.ErrProtectionInFlight)
	}
	defer m.registry.EndProtection(symbol)

	pos, ok := m.registry.Get(symbol)
	if !ok {
		return position.NewPositionError(symbol, "protect", position.ErrPositionNotFound)
	}
	switch pos.State {
	case domain.StateOpen, domain.StateProtectionPending:
	default:
		return nil
	}

	info, err := m.exchange.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return position.NewPositionError(symbol, "protect", err)
	}

	// 체결 직후 첫 시도라면 정산이 포지션 조회에 반영될 시간을 줍니다.
	// 테이커 체결은 메이커보다 반영이 느려 더 긴 플로어를 적용합니다.
	if pos.ProtectionAttempts == 0 && !pos.Recovered {
		delay := m.config.SettleDelayMaker
		if pos.TakerEntry {
			delay = m.config.SettleDelayTaker
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return position.NewPositionError(symbol, "protect", err)
		}
	}

	if pos.State == domain.StateOpen {
		m.transition(symbol, domain.StateProtectionPending)
	}

	trailDist := risk.PriceDistance(m.config.TrailCapitalFraction, pos.Leverage)

	var lastErr error
	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := m.config.RetryBase * time.Duration(1<<uint(attempt-2))
			log.Printf("[%s] 보호 주문 재시도 %d/%d, %v 대기", symbol, attempt, m.config.MaxAttempts, wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return position.NewPositionError(symbol, "protect", err)
			}
		}

		_ = m.registry.Update(symbol, func(p *domain.Position) error {
			p.ProtectionAttempts++
			return nil
		})

		// 1. 원격 포지션 재확인: 사라진 포지션에는 주문을 내지 않습니다
		remote, found, err := m.remotePosition(ctx, symbol, pos.Side)
		if err != nil {
			lastErr = err
			metrics.IncExchangeError(exchange.ClassOf(err).String())
			metrics.IncProtectionAttempt("retry")
			continue
		}
		if !found {
			log.Printf("[%s] 원격 포지션이 사라져 보호를 중단하고 로컬 기록을 정리합니다", symbol)
			m.discard(symbol)
			return nil
		}
		size := math.Abs(remote.Quantity)

		// 2. 신선한 마크 가격으로 최고 유리 가격을 전진시킵니다
		mark, err := m.exchange.GetMarkPrice(ctx, symbol)
		if err != nil {
			lastErr = err
			metrics.IncExchangeError(exchange.ClassOf(err).String())
			metrics.IncProtectionAttempt("retry")
			continue
		}
		_ = m.registry.Update(symbol, func(p *domain.Position) error {
			p.UpdatePeak(mark)
			return nil
		})
		pos, _ = m.registry.Get(symbol)

		// 3. 마크가 이미 손절 구간을 지났으면 즉시 발동할 주문 대신 비상 청산
		if pos.StopHit(mark) {
			return m.emergencyClose(ctx, pos, size, mark)
		}

		// 4. 손절: 전량, 진입 시 고정된 트리거. 이전 시도에서 이미
		// 배치되었으면 건너뜁니다.
		if pos.StopOrderID == 0 {
			resp, err := m.exchange.PlaceOrder(ctx, domain.OrderRequest{
				Symbol:        symbol,
				Side:          pos.Side.ExitSide(),
				PositionSide:  pos.Side,
				Type:          domain.StopMarket,
				Quantity:      size,
				StopPrice:     pos.StopPrice,
				ClientOrderID: exchange.NewClientOrderID(),
			})
			if err != nil {
				lastErr = err
				if done := m.handlePlaceError(ctx, symbol, "손절", err); done {
					return m.fail(ctx, symbol, err)
				}
				continue
			}
			_ = m.registry.Update(symbol, func(p *domain.Position) error {
				p.StopOrderID = resp.OrderID
				return nil
			})
			pos.StopOrderID = resp.OrderID
		}

		// 5. 익절: 전량, 최고 유리 가격에서 되돌림 거리만큼 물러난 트리거
		if pos.TakeProfitOrderID == 0 {
			trigger := risk.TrailTakeProfit(pos.Side, pos.PeakPrice, trailDist)
			trigger = risk.AdjustPrice(trigger, info.TickSize, info.PricePrecision)

			resp, err := m.exchange.PlaceOrder(ctx, domain.OrderRequest{
				Symbol:        symbol,
				Side:          pos.Side.ExitSide(),
				PositionSide:  pos.Side,
				Type:          domain.StopMarket,
				Quantity:      size,
				StopPrice:     trigger,
				ClientOrderID: exchange.NewClientOrderID(),
			})
			if err != nil {
				lastErr = err
				if done := m.handlePlaceError(ctx, symbol, "익절", err); done {
					return m.fail(ctx, symbol, err)
				}
				continue
			}
			_ = m.registry.Update(symbol, func(p *domain.Position) error {
				p.TakeProfitOrderID = resp.OrderID
				p.TakeProfitPrice = trigger
				return nil
			})
		}

		// 6. 성공: 두 주문 ID가 모두 기록된 상태
		m.transition(symbol, domain.StateProtected)
		pos, _ = m.registry.Get(symbol)
		if err := m.store.SavePosition(pos); err != nil {
			log.Printf("[%s] 보호 완료 상태 저장 실패: %v", symbol, err)
		}
		metrics.IncProtectionAttempt("success")
		m.bus.Publish(domain.TradeEvent{
			Type:   domain.EventProtected,
			Symbol: symbol,
			Side:   pos.Side,
			Size:   size,
			Price:  mark,
			Reason: "sl-tp-armed",
		})
		log.Printf("[%s] 보호 주문 설정 완료 (시도 %d회): 손절 %.4f, 익절 %.4f",
			symbol, pos.ProtectionAttempts, pos.StopPrice, pos.TakeProfitPrice)
		return nil
	}

	return m.fail(ctx, symbol, lastErr)
}

// Verify는 보호 중인 포지션의 손절/익절 주문이 거래소 주문 목록에
// 살아 있는지 확인합니다. 하나라도 사라졌으면 보호 대기 상태로 되돌리고
// 새로운 설정 라운드가 필요함을 반환합니다.
func (m *Manager) Verify(ctx context.Context, symbol string) (bool, error) {
	pos, ok := m.registry.Get(symbol)
	if !ok {
		return false, nil
	}
	if pos.State != domain.StateProtected && pos.State != domain.StateTrailing {
		return false, nil
	}

	orders, err := m.exchange.GetOpenOrders(ctx, symbol)
	if err != nil {
		return false, position.NewPositionError(symbol, "verify", err)
	}

	present := make(map[int64]bool, len(orders))
	for _, o := range orders {
		present[o.OrderID] = true
	}

	stopMissing := pos.StopOrderID == 0 || !present[pos.StopOrderID]
	tpMissing := pos.TakeProfitOrderID == 0 || !present[pos.TakeProfitOrderID]
	if !stopMissing && !tpMissing {
		return false, nil
	}

	log.Printf("[%s] 보호 주문 소실 감지 (손절 소실=%v, 익절 소실=%v)", symbol, stopMissing, tpMissing)
	if err := m.notifier.SendAlert(domain.Alert{
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf("%s 보호 주문이 주문 목록에서 사라져 다시 설정합니다", symbol),
		Context: map[string]string{
			"symbol":       symbol,
			"stop_missing": fmt.Sprintf("%v", stopMissing),
			"tp_missing":   fmt.Sprintf("%v", tpMissing),
		},
	}); err != nil {
		log.Printf("[%s] 경고 알림 전송 실패: %v", symbol, err)
	}

	_ = m.registry.Update(symbol, func(p *domain.Position) error {
		p.State = domain.StateProtectionPending
		p.ProtectionAttempts = 0
		if stopMissing {
			p.StopOrderID = 0
		}
		if tpMissing {
			p.TakeProfitOrderID = 0
		}
		return nil
	})
	return true, nil
}

// handlePlaceError는 보호 주문 실패를 분류해 처리합니다. true를 반환하면
// 치명적 실패로 재시도를 중단해야 합니다. 검증 거부는 다음 시도에서
// 새 마크 가격으로 트리거를 다시 계산하므로 재시도 경로에 합류합니다.
func (m *Manager) handlePlaceError(ctx context.Context, symbol, kind string, err error) bool {
	class := exchange.ClassOf(err)
	metrics.IncExchangeError(class.String())

	switch class {
	case exchange.ClassFatal:
		metrics.IncProtectionAttempt("failed")
		return true
	case exchange.ClassValidation:
		log.Printf("[%s] %s 주문 검증 거부, 새 가격으로 재계산합니다: %v", symbol, kind, err)
	case exchange.ClassSettlementPending:
		log.Printf("[%s] %s 주문이 정산 지연으로 거부되었습니다: %v", symbol, kind, err)
	default:
		log.Printf("[%s] %s 주문 일시적 실패: %v", symbol, kind, err)
	}
	metrics.IncProtectionAttempt("retry")
	return false
}

// emergencyClose는 보호 설정 전에 가격이 손절 구간을 지난 포지션을
// 시장가로 즉시 청산합니다.
func (m *Manager) emergencyClose(ctx context.Context, pos domain.Position, size, mark float64) error {
	symbol := pos.Symbol
	log.Printf("[%s] 마크 %.4f이 손절 %.4f을 이미 지나 비상 청산합니다", symbol, mark, pos.StopPrice)

	if err := m.notifier.SendAlert(domain.Alert{
		Severity: domain.SeverityCritical,
		Message:  fmt.Sprintf("%s 보호 설정 전에 가격이 손절 구간을 지나 비상 청산합니다", symbol),
		Context: map[string]string{
			"symbol": symbol,
			"mark":   fmt.Sprintf("%.4f", mark),
			"stop":   fmt.Sprintf("%.4f", pos.StopPrice),
		},
	}); err != nil {
		log.Printf("[%s] 긴급 경보 전송 실패: %v", symbol, err)
	}

	_, err := m.exchange.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:        symbol,
		Side:          pos.Side.ExitSide(),
		PositionSide:  pos.Side,
		Type:          domain.Market,
		Quantity:      size,
		ClientOrderID: exchange.NewClientOrderID(),
	})
	if err != nil {
		return position.NewPositionError(symbol, "emergency_close", err)
	}

	// 원격 수량이 실제로 0이 된 것을 확인한 뒤에만 로컬 기록을 정리합니다
	for i := 0; i < 5; i++ {
		_, found, err := m.remotePosition(ctx, symbol, pos.Side)
		if err == nil && !found {
			m.finalizeClosed(pos, mark, "emergency-stop")
			return nil
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return position.NewPositionError(symbol, "emergency_close", err)
		}
	}
	return position.NewPositionError(symbol, "emergency_close",
		fmt.Errorf("청산 주문 후에도 원격 포지션이 남아 있습니다"))
}

// fail은 보호 설정을 포기하고 포지션을 무방비 상태로 표시합니다.
// 한쪽만 걸린 손절 주문은 회수해 상태를 일관되게 유지합니다.
func (m *Manager) fail(ctx context.Context, symbol string, cause error) error {
	if pos, ok := m.registry.Get(symbol); ok && pos.StopOrderID != 0 {
		if err := m.exchange.CancelOrder(ctx, symbol, pos.StopOrderID); err != nil {
			log.Printf("[%s] 잔여 손절 주문 회수 실패: %v", symbol, err)
		} else {
			_ = m.registry.Update(symbol, func(p *domain.Position) error {
				p.StopOrderID = 0
				return nil
			})
		}
	}

	m.transition(symbol, domain.StateProtectionFailed)
	if pos, ok := m.registry.Get(symbol); ok {
		if err := m.store.SavePosition(pos); err != nil {
			log.Printf("[%s] 실패 상태 저장 실패: %v", symbol, err)
		}
	}

	metrics.IncProtectionFailure()
	if err := m.notifier.SendAlert(domain.Alert{
		Severity: domain.SeverityCritical,
		Message:  fmt.Sprintf("%s 보호 주문 설정이 %d회 시도 후 실패했습니다. 포지션이 무방비 상태입니다.", symbol, m.config.MaxAttempts),
		Context: map[string]string{
			"symbol": symbol,
			"cause":  fmt.Sprintf("%v", cause),
		},
	}); err != nil {
		log.Printf("[%s] 긴급 경보 전송 실패: %v", symbol, err)
	}

	return position.NewPositionError(symbol, "protect", cause)
}

// discard는 원격에서 사라진 포지션의 로컬 흔적을 제거합니다
func (m *Manager) discard(symbol string) {
	m.registry.Remove(symbol)
	if err := m.store.DeletePosition(symbol); err != nil {
		log.Printf("[%s] 포지션 기록 삭제 실패: %v", symbol, err)
	}
}

// finalizeClosed는 청산이 확인된 포지션의 장부를 마감합니다
func (m *Manager) finalizeClosed(pos domain.Position, exitPrice float64, reason string) {
	symbol := pos.Symbol
	m.registry.Remove(symbol)
	if err := m.store.RecordTrade(pos, exitPrice, reason); err != nil {
		log.Printf("[%s] 거래 기록 저장 실패: %v", symbol, err)
	}
	if err := m.store.DeletePosition(symbol); err != nil {
		log.Printf("[%s] 포지션 기록 삭제 실패: %v", symbol, err)
	}

	metrics.IncExit(reason, pos.Side)
	m.bus.Publish(domain.TradeEvent{
		Type:   domain.EventClosed,
		Symbol: symbol,
		Side:   pos.Side,
		Size:   pos.Size,
		Price:  exitPrice,
		Reason: reason,
	})
	log.Printf("[%s] 포지션 청산 확정: %s, 사유 %s, 가격 %.4f", symbol, pos.Side, reason, exitPrice)
}

func (m *Manager) transition(symbol string, state domain.PositionState) {
	_ = m.registry.Update(symbol, func(p *domain.Position) error {
		p.State = state
		return nil
	})
}

func (m *Manager) remotePosition(ctx context.Context, symbol string, side domain.PositionSide) (domain.RemotePosition, bool, error) {
	positions, err := m.exchange.GetPositions(ctx)
	if err != nil {
		return domain.RemotePosition{}, false, err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.PositionSide == side && p.Quantity != 0 {
			return p, true, nil
		}
	}
	return domain.RemotePosition{}, false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
