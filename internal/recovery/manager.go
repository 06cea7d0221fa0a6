// Package recovery는 재시작 시 저장된 장부와 거래소 상태를 대조합니다.
// 거래소가 항상 기준입니다: 원격에만 있는 포지션은 복구해 보호 대상에
// 올리고, 로컬에만 있는 포지션은 주문 없이 폐기합니다.
package recovery

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/assist-by/aegis/internal/domain"
	"github.com/assist-by/aegis/internal/exchange"
	"github.com/assist-by/aegis/internal/metrics"
	"github.com/assist-by/aegis/internal/notification"
	"github.com/assist-by/aegis/internal/position"
	"github.com/assist-by/aegis/internal/risk"
	"github.com/assist-by/aegis/internal/store"
)

// Config는 복구 매니저의 설정입니다
type Config struct {
	StopCapitalFraction float64 // 복구 포지션의 손절 거리 계산용 자본 비율
}

// Manager는 시작 시 1회 실행되는 장부 대조기입니다
type Manager struct {
	exchange exchange.Exchange
	registry *position.Registry
	store    *store.Store
	notifier notification.Notifier
	config   Config
}

// NewManager는 새 복구 매니저를 생성합니다
func NewManager(ex exchange.Exchange, registry *position.Registry, st *store.Store,
	notifier notification.Notifier, config Config) *Manager {
	return &Manager{
		exchange: ex,
		registry: registry,
		store:    st,
		notifier: notifier,
		config:   config,
	}
}

// Reconcile은 저장된 포지션을 불러온 뒤 거래소 상태와 대조합니다.
// 저장소나 거래소 조회가 실패하면 에러를 반환하고, 개별 포지션의
// 복구 실패는 경보를 보내고 나머지를 계속 진행합니다.
func (m *Manager) Reconcile(ctx context.Context) error {
	stored, err := m.store.LoadActivePositions()
	if err != nil {
		return fmt.Errorf("저장된 포지션 조회 실패: %w", err)
	}
	for i := range stored {
		p := stored[i]
		if err := m.registry.Put(&p); err != nil {
			log.Printf("[%s] 저장된 포지션 등록 실패: %v", p.Symbol, err)
		}
	}

	remotes, err := m.exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("거래소 포지션 조회 실패: %w", err)
	}
	remoteBySymbol := make(map[string]domain.RemotePosition)
	for _, r := range remotes {
		if r.Quantity != 0 {
			remoteBySymbol[r.Symbol] = r
		}
	}

	var adopted, restored, discarded int
	for symbol, remote := range remoteBySymbol {
		if _, ok := m.registry.Get(symbol); ok {
			m.adopt(symbol, remote)
			adopted++
			continue
		}
		if err := m.restore(ctx, remote); err != nil {
			log.Printf("[%s] 포지션 복구 실패: %v", symbol, err)
			m.notifier.SendAlert(domain.Alert{
				Severity: domain.SeverityWarning,
				Message:  "거래소 포지션을 복구하지 못했습니다. 보호 주문이 없는 상태입니다.",
				Context: map[string]string{
					"symbol": symbol,
					"cause":  err.Error(),
				},
			})
			continue
		}
		restored++
	}

	for _, local := range m.registry.List() {
		if _, ok := remoteBySymbol[local.Symbol]; ok {
			continue
		}
		m.discard(ctx, local)
		discarded++
	}

	log.Printf("재시작 대조 완료: 동기화 %d건, 복구 %d건, 폐기 %d건", adopted, restored, discarded)
	if restored > 0 || discarded > 0 {
		m.notifier.SendInfo(fmt.Sprintf("재시작 대조 완료: 동기화 %d건, 복구 %d건, 폐기 %d건",
			adopted, restored, discarded))
	}
	return nil
}

// adopt는 로컬 장부를 거래소가 보고한 수량과 진입가로 맞춥니다.
// 보호 주문의 생존 여부는 첫 틱의 재검증이 확인합니다.
func (m *Manager) adopt(symbol string, remote domain.RemotePosition) {
	_ = m.registry.Update(symbol, func(p *domain.Position) error {
		p.Size = math.Abs(remote.Quantity)
		p.EntryPrice = remote.EntryPrice
		if remote.Leverage > 0 {
			p.Leverage = remote.Leverage
		}
		return nil
	})
	if pos, ok := m.registry.Get(symbol); ok {
		if err := m.store.SavePosition(pos); err != nil {
			log.Printf("[%s] 동기화 상태 저장 실패: %v", symbol, err)
		}
		log.Printf("[%s] 장부 동기화: %s %.4f @ %.4f (상태 %s)",
			symbol, pos.Side, pos.Size, pos.EntryPrice, pos.State)
	}
}

// restore는 장부에 없는 거래소 포지션을 복구합니다. 피크는 진입가에서
// 다시 시작하고, 손절 거리는 현재 설정 기준으로 새로 계산합니다.
func (m *Manager) restore(ctx context.Context, remote domain.RemotePosition) error {
	symbol := remote.Symbol

	info, err := m.exchange.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return fmt.Errorf("심볼 정보 조회 실패: %w", err)
	}

	leverage := remote.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	brackets, err := m.exchange.GetLeverageBrackets(ctx, symbol)
	if err != nil {
		// 브라켓 조회 실패는 보수적 기본 증거금률로 계속합니다
		log.Printf("[%s] 레버리지 브라켓 조회 실패: %v", symbol, err)
		brackets = nil
	}
	profile := domain.ProfileFromBrackets(symbol, brackets, leverage)

	entry := remote.EntryPrice
	dist := risk.PriceDistance(m.config.StopCapitalFraction, leverage)
	stop := risk.AdjustPrice(risk.InitialStop(remote.PositionSide, entry, dist),
		info.TickSize, info.PricePrecision)

	now := time.Now()
	pos := &domain.Position{
		Symbol:          symbol,
		Side:            remote.PositionSide,
		Size:            math.Abs(remote.Quantity),
		EntryPrice:      entry,
		Leverage:        leverage,
		MaintMarginRate: profile.MaintMarginRate,
		StopPrice:       stop,
		PeakPrice:       entry,
		State:           domain.StateOpen,
		Recovered:       true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.registry.Put(pos); err != nil {
		return err
	}
	if err := m.store.SavePosition(*pos); err != nil {
		log.Printf("[%s] 복구 포지션 저장 실패: %v", symbol, err)
	}

	metrics.IncRecovered()
	log.Printf("[%s] 포지션 복구: %s %.4f @ %.4f, 레버리지 %dx, 손절 %.4f",
		symbol, pos.Side, pos.Size, entry, leverage, stop)
	return nil
}

// discard는 거래소에 없는 로컬 포지션을 주문 없이 정리합니다.
// 장부에 남은 보호 주문 ID만 회수를 시도합니다.
func (m *Manager) discard(ctx context.Context, local domain.Position) {
	symbol := local.Symbol
	for _, orderID := range []int64{local.StopOrderID, local.TakeProfitOrderID} {
		if orderID == 0 {
			continue
		}
		if err := m.exchange.CancelOrder(ctx, symbol, orderID); err != nil {
			if exchange.ClassOf(err) != exchange.ClassSettlementPending {
				log.Printf("[%s] 잔여 보호 주문 회수 실패 (주문 %d): %v", symbol, orderID, err)
			}
		}
	}

	m.registry.Remove(symbol)
	if err := m.store.DeletePosition(symbol); err != nil {
		log.Printf("[%s] 포지션 기록 삭제 실패: %v", symbol, err)
	}
	log.Printf("[%s] 거래소에 없는 포지션을 폐기했습니다 (상태 %s)", symbol, local.State)
}
