// Package trailing은 보호된 포지션의 익절 트리거를 최고 유리 가격에
// 따라 유리한 방향으로만 끌어올립니다. 손절 트리거는 절대 움직이지
// 않으며, 가격이 익절 또는 손절 트리거를 지나면 전량 청산을 수행합니다.
package trailing

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
	"github.com/assist-by/aegis/internal/position"
	"github.com/assist-by/aegis/internal/risk"
	"github.com/assist-by/aegis/internal/store"
)

// Config는 트레일링 컨트롤러의 설정입니다
type Config struct {
	TrailCapitalFraction float64 // 되돌림 거리 계산용 자본 비율 (배치 시와 동일해야 함)
}

// Controller는 틱마다 보호된 포지션의 피크를 전진시키고 익절 주문을
// 교체합니다. 바이낸스는 주문 수정이 없으므로 취소 후 재배치합니다.
type Controller struct {
	exchange exchange.Exchange
	registry *position.Registry
	store    *store.Store
	bus      *events.Bus
	config   Config
}

// NewController는 새 트레일링 컨트롤러를 생성합니다
func NewController(ex exchange.Exchange, registry *position.Registry, st *store.Store,
	bus *events.Bus, config Config) *Controller {
	return &Controller{
		exchange: ex,
		registry: registry,
		store:    st,
		bus:      bus,
		config:   config,
	}
}

// Tick은 포지션 하나를 한 틱 전진시킵니다. remote는 거래소가 이 틱에
// 보고한 포지션이며 nil이면 원격에서 이미 사라진 것입니다. 청산이
// 확정되면 closed가 true입니다.
func (c *Controller) Tick(ctx context.Context, symbol string, mark float64, remote *domain.RemotePosition) (closed bool, err error) {
	pos, ok := c.registry.Get(symbol)
	if !ok {
		return false, nil
	}

	switch pos.State {
	case domain.StateProtected:
		// 보호 완료 후 첫 틱에 트레일링을 가동합니다
		c.transition(symbol, domain.StateTrailing)
		pos.State = domain.StateTrailing
		log.Printf("[%s] 트레일링 가동: 피크 %.4f, 익절 %.4f", symbol, pos.PeakPrice, pos.TakeProfitPrice)
	case domain.StateTrailing:
	case domain.StateClosing:
		// 이전 틱의 청산이 끝나지 않았으면 이어서 마무리합니다
		return c.closePosition(ctx, pos, mark)
	default:
		return false, nil
	}

	// 원격 포지션이 사라졌다면 보호 주문이 발동한 것입니다.
	// 남은 주문을 회수하고 장부를 마감합니다.
	if remote == nil {
		c.sweepOrders(ctx, pos)
		reason, exitPrice := c.exitCause(pos, mark)
		c.finalize(pos, exitPrice, reason)
		return true, nil
	}

	// 가격이 트리거를 지났으면 원격 주문 발동을 기다리지 않고 청산합니다
	if pos.StopHit(mark) || pos.TakeProfitHit(mark) {
		return c.closePosition(ctx, pos, mark)
	}

	// 피크 전진: 유리한 방향으로만 움직입니다
	peakMoved := false
	_ = c.registry.Update(symbol, func(p *domain.Position) error {
		peakMoved = p.UpdatePeak(mark)
		return nil
	})
	if !peakMoved {
		return false, nil
	}
	pos, _ = c.registry.Get(symbol)

	if err := c.improveTakeProfit(ctx, &pos); err != nil {
		return false, err
	}

	if err := c.store.SavePosition(pos); err != nil {
		log.Printf("[%s] 트레일링 상태 저장 실패: %v", symbol, err)
	}
	return false, nil
}

// improveTakeProfit은 새 피크 기준의 후보 트리거가 기존보다 엄격히
// 유리하고 최소 한 틱 이상 개선될 때만 익절 주문을 교체합니다.
func (c *Controller) improveTakeProfit(ctx context.Context, pos *domain.Position) error {
	symbol := pos.Symbol
	if pos.TakeProfitOrderID == 0 {
		return nil
	}

	info, err := c.exchange.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return position.NewPositionError(symbol, "trail", err)
	}

	dist := risk.PriceDistance(c.config.TrailCapitalFraction, pos.Leverage)
	candidate := risk.TrailTakeProfit(pos.Side, pos.PeakPrice, dist)
	candidate = risk.AdjustPrice(candidate, info.TickSize, info.PricePrecision)

	improvement := candidate - pos.TakeProfitPrice
	if pos.Side == domain.ShortPosition {
		improvement = pos.TakeProfitPrice - candidate
	}
	if improvement < info.TickSize {
		return nil
	}

	// 교체: 취소가 체결과 경합하면 발동으로 보고 다음 틱에 원격 상태를 따릅니다
	if err := c.exchange.CancelOrder(ctx, symbol, pos.TakeProfitOrderID); err != nil {
		if exchange.ClassOf(err) == exchange.ClassSettlementPending {
			log.Printf("[%s] 익절 주문 취소가 체결과 경합했습니다: %v", symbol, err)
			return nil
		}
		return position.NewPositionError(symbol, "trail", err)
	}

	resp, err := c.exchange.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:        symbol,
		Side:          pos.Side.ExitSide(),
		PositionSide:  pos.Side,
		Type:          domain.StopMarket,
		Quantity:      pos.Size,
		StopPrice:     candidate,
		ClientOrderID: exchange.NewClientOrderID(),
	})
	if err != nil {
		// 취소는 됐는데 재배치가 실패한 상태: 익절 ID를 비워 다음 틱의
		// 보호 재검증이 새 설정 라운드를 열도록 합니다
		_ = c.registry.Update(symbol, func(p *domain.Position) error {
			p.TakeProfitOrderID = 0
			return nil
		})
		return position.NewPositionError(symbol, "trail", err)
	}

	_ = c.registry.Update(symbol, func(p *domain.Position) error {
		p.TakeProfitOrderID = resp.OrderID
		p.TakeProfitPrice = candidate
		return nil
	})
	pos.TakeProfitOrderID = resp.OrderID
	pos.TakeProfitPrice = candidate

	metrics.IncTrailingUpdate(pos.Side)
	c.bus.Publish(domain.TradeEvent{
		Type:   domain.EventTrailingUpdated,
		Symbol: symbol,
		Side:   pos.Side,
		Size:   pos.Size,
		Price:  candidate,
		Reason: "peak-ratchet",
	})
	log.Printf("[%s] 익절 트리거 상향: %.4f (피크 %.4f)", symbol, candidate, pos.PeakPrice)
	return nil
}

// closePosition은 전량 청산을 수행합니다. 보호 주문을 먼저 회수해
// 이중 체결을 막고, 남은 원격 수량만 시장가로 정리한 뒤 수량이 0이 된
// 것을 확인하고 장부를 마감합니다.
func (c *Controller) closePosition(ctx context.Context, pos domain.Position, mark float64) (bool, error) {
	symbol := pos.Symbol
	reason, _ := c.exitCause(pos, mark)

	if pos.State != domain.StateClosing {
		c.transition(symbol, domain.StateClosing)
		log.Printf("[%s] 청산 시작: 사유 %s, 마크 %.4f", symbol, reason, mark)
	}

	c.sweepOrders(ctx, pos)

	remote, found, err := c.remotePosition(ctx, symbol, pos.Side)
	if err != nil {
		return false, position.NewPositionError(symbol, "close", err)
	}
	if found {
		_, err := c.exchange.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:        symbol,
			Side:          pos.Side.ExitSide(),
			PositionSide:  pos.Side,
			Type:          domain.Market,
			Quantity:      math.Abs(remote.Quantity),
			ClientOrderID: exchange.NewClientOrderID(),
		})
		if err != nil {
			return false, position.NewPositionError(symbol, "close", err)
		}
	}

	for i := 0; i < 5; i++ {
		_, stillThere, err := c.remotePosition(ctx, symbol, pos.Side)
		if err == nil && !stillThere {
			c.finalize(pos, mark, reason)
			return true, nil
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return false, position.NewPositionError(symbol, "close", err)
		}
	}
	return false, position.NewPositionError(symbol, "close",
		fmt.Errorf("청산 주문 후에도 원격 포지션이 남아 있습니다"))
}

// sweepOrders는 남아 있는 보호 주문을 회수합니다. 이미 발동했거나
// 사라진 주문의 취소 실패는 무시합니다.
func (c *Controller) sweepOrders(ctx context.Context, pos domain.Position) {
	for _, orderID := range []int64{pos.StopOrderID, pos.TakeProfitOrderID} {
		if orderID == 0 {
			continue
		}
		if err := c.exchange.CancelOrder(ctx, pos.Symbol, orderID); err != nil {
			if exchange.ClassOf(err) != exchange.ClassSettlementPending {
				log.Printf("[%s] 보호 주문 회수 실패 (주문 %d): %v", pos.Symbol, orderID, err)
			}
		}
	}
}

// exitCause는 청산 사유와 기준 트리거 가격을 추정합니다
func (c *Controller) exitCause(pos domain.Position, mark float64) (string, float64) {
	switch {
	case pos.StopHit(mark):
		return "stop-exit", pos.StopPrice
	case pos.TakeProfitHit(mark):
		return "trail-exit", pos.TakeProfitPrice
	default:
		return "external-close", mark
	}
}

// finalize는 청산이 확인된 포지션의 장부를 마감합니다
func (c *Controller) finalize(pos domain.Position, exitPrice float64, reason string) {
	symbol := pos.Symbol
	c.registry.Remove(symbol)
	if err := c.store.RecordTrade(pos, exitPrice, reason); err != nil {
		log.Printf("[%s] 거래 기록 저장 실패: %v", symbol, err)
	}
	if err := c.store.DeletePosition(symbol); err != nil {
		log.Printf("[%s] 포지션 기록 삭제 실패: %v", symbol, err)
	}

	metrics.IncExit(reason, pos.Side)
	c.bus.Publish(domain.TradeEvent{
		Type:   domain.EventClosed,
		Symbol: symbol,
		Side:   pos.Side,
		Size:   pos.Size,
		Price:  exitPrice,
		Reason: reason,
	})
	log.Printf("[%s] 포지션 청산 확정: %s, 사유 %s, 가격 %.4f", symbol, pos.Side, reason, exitPrice)
}

func (c *Controller) transition(symbol string, state domain.PositionState) {
	_ = c.registry.Update(symbol, func(p *domain.Position) error {
		p.State = state
		return nil
	})
}

func (c *Controller) remotePosition(ctx context.Context, symbol string, side domain.PositionSide) (domain.RemotePosition, bool, error) {
	positions, err := c.exchange.GetPositions(ctx)
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
