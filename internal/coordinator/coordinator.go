// Package coordinator는 전체 거래 루프를 조율합니다. 틱마다 새 시그널을
// 소진해 진입을 시작하고, 대기 중인 진입 시도를 진행시키고, 활성 포지션을
// 상태별로 보호 매니저나 트레일링 컨트롤러에 분배합니다. 심볼별 작업은
// 크기가 제한된 워커 풀에서 병렬로 실행됩니다.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/assist-by/aegis/internal/domain"
	"github.com/assist-by/aegis/internal/entry"
	"github.com/assist-by/aegis/internal/events"
	"github.com/assist-by/aegis/internal/exchange"
	"github.com/assist-by/aegis/internal/feed"
	"github.com/assist-by/aegis/internal/metrics"
	"github.com/assist-by/aegis/internal/notification"
	"github.com/assist-by/aegis/internal/position"
	"github.com/assist-by/aegis/internal/protection"
	"github.com/assist-by/aegis/internal/risk"
	"github.com/assist-by/aegis/internal/signal"
	"github.com/assist-by/aegis/internal/store"
	"github.com/assist-by/aegis/internal/trailing"
)

// Config는 코디네이터의 설정입니다
type Config struct {
	Workers           int           // 워커 풀 크기
	MaxSignalsPerTick int           // 틱당 소진할 최대 시그널 수
	DrainTimeout      time.Duration // 시그널 소진 대기 시간
	AccountCacheTTL   time.Duration // 계좌 스냅샷 캐시 유지 시간
	PriceMaxAge       time.Duration // 스트림 가격의 신선도 한계
	TickTimeout       time.Duration // 틱 하나의 실행 시간 상한
}

// Coordinator는 틱 단위 거래 루프입니다. scheduler.Task를 구현합니다.
type Coordinator struct {
	exchange   exchange.Exchange
	source     signal.Source
	feed       *feed.Feed
	registry   *position.Registry
	store      *store.Store
	entry      *entry.Executor
	protection *protection.Manager
	trailing   *trailing.Controller
	bus        *events.Bus
	notifier   notification.Notifier
	config     Config

	mu        sync.Mutex
	account   *domain.AccountState
	accountAt time.Time
}

// NewCoordinator는 새 코디네이터를 생성합니다
func NewCoordinator(
	ex exchange.Exchange,
	source signal.Source,
	priceFeed *feed.Feed,
	registry *position.Registry,
	st *store.Store,
	entryExec *entry.Executor,
	protectionMgr *protection.Manager,
	trailingCtrl *trailing.Controller,
	bus *events.Bus,
	notifier notification.Notifier,
	config Config,
) *Coordinator {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.MaxSignalsPerTick <= 0 {
		config.MaxSignalsPerTick = 16
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 200 * time.Millisecond
	}
	if config.AccountCacheTTL <= 0 {
		config.AccountCacheTTL = 3 * time.Second
	}
	if config.PriceMaxAge <= 0 {
		config.PriceMaxAge = 5 * time.Second
	}
	if config.TickTimeout <= 0 {
		config.TickTimeout = 30 * time.Second
	}
	return &Coordinator{
		exchange:   ex,
		source:     source,
		feed:       priceFeed,
		registry:   registry,
		store:      st,
		entry:      entryExec,
		protection: protectionMgr,
		trailing:   trailingCtrl,
		bus:        bus,
		notifier:   notifier,
		config:     config,
	}
}

// Execute는 한 틱을 수행합니다. 종료 신호가 와도 진행 중인 보호 작업이
// 중단되지 않도록 틱 내부 작업은 취소와 분리된 컨텍스트에서 실행하며,
// 새 작업의 시작 여부만 원래 컨텍스트로 판단합니다.
func (c *Coordinator) Execute(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ObserveTickDuration(time.Since(start)) }()

	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.TickTimeout)
	defer cancel()

	// 이번 틱에 진행시킬 진입 시도는 시그널 소진 전에 고정합니다.
	// 방금 시작된 시도가 같은 틱에서 대기 카운트를 깎지 않게 합니다.
	pending := c.entry.Pending()

	if ctx.Err() == nil {
		c.drainSignals(tickCtx)
	}

	c.advanceEntries(tickCtx, pending)
	c.managePositions(tickCtx)
	c.updateGauges(tickCtx)

	return ctx.Err()
}

// drainSignals는 큐에 쌓인 시그널을 한도까지 꺼내 진입을 시작합니다
func (c *Coordinator) drainSignals(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
	defer cancel()

	for i := 0; i < c.config.MaxSignalsPerTick; i++ {
		sig, err := c.source.Next(drainCtx)
		if err != nil {
			return
		}
		c.handleSignal(ctx, sig)
	}
}

// handleSignal은 시그널 하나를 검증하고 진입 실행기에 넘깁니다
func (c *Coordinator) handleSignal(ctx context.Context, sig domain.Signal) {
	if !sig.IsValid() {
		log.Printf("[%s] 시그널 무시: 필수 값 누락 (%+v)", sig.Symbol, sig)
		metrics.IncSignal("invalid")
		return
	}

	// 심볼당 포지션 하나: 활성 포지션이나 진행 중인 진입이 있으면 건너뜁니다
	if _, ok := c.registry.Get(sig.Symbol); ok {
		log.Printf("[%s] 시그널 건너뜀: 포지션이 이미 있습니다", sig.Symbol)
		metrics.IncSignal("skipped")
		return
	}
	if c.entry.Active(sig.Symbol) {
		log.Printf("[%s] 시그널 건너뜀: 진입이 진행 중입니다", sig.Symbol)
		metrics.IncSignal("skipped")
		return
	}

	account, err := c.accountState(ctx)
	if err != nil {
		log.Printf("[%s] 계좌 조회 실패로 시그널을 처리하지 못했습니다: %v", sig.Symbol, err)
		metrics.IncSignal("error")
		return
	}

	pos, err := c.entry.Begin(ctx, sig, *account)
	switch {
	case err != nil && isSizingReject(err):
		log.Printf("[%s] 시그널 거부: %v", sig.Symbol, err)
		metrics.IncSignal("rejected")
		c.notifier.SendInfo(fmt.Sprintf("시그널 거부 [%s %s]: %v", sig.Symbol, sig.Side, err))
	case err != nil:
		log.Printf("[%s] 진입 시작 실패: %v", sig.Symbol, err)
		metrics.IncSignal("error")
	case pos != nil:
		// 폴백 경로가 틱 안에서 체결까지 끝난 경우
		metrics.IncSignal("accepted")
		c.registerPosition(pos)
	default:
		metrics.IncSignal("accepted")
	}
}

// advanceEntries는 대기 중인 진입 시도를 한 단계씩 진행시킵니다
func (c *Coordinator) advanceEntries(ctx context.Context, pending []string) {
	if len(pending) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(c.config.Workers)
	for _, symbol := range pending {
		symbol := symbol
		g.Go(func() error {
			pos, done, err := c.entry.Tick(ctx, symbol)
			if err != nil {
				log.Printf("[%s] 진입 진행 실패: %v", symbol, err)
				return nil
			}
			if pos != nil {
				c.registerPosition(pos)
			} else if done {
				log.Printf("[%s] 진입 시도가 체결 없이 종료되었습니다", symbol)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// managePositions는 활성 포지션을 상태에 따라 분배합니다.
// 원격 스냅샷은 틱당 한 번만 조회해 모든 심볼이 같은 기준을 봅니다.
func (c *Coordinator) managePositions(ctx context.Context) {
	actives := c.registry.Active()
	if len(actives) == 0 {
		return
	}

	remotes, err := c.exchange.GetPositions(ctx)
	if err != nil {
		log.Printf("원격 포지션 조회 실패, 이번 틱을 건너뜁니다: %v", err)
		metrics.IncExchangeError(exchange.ClassOf(err).String())
		return
	}
	remoteBySymbol := make(map[string]domain.RemotePosition)
	for _, r := range remotes {
		if r.Quantity != 0 {
			remoteBySymbol[r.Symbol] = r
		}
	}

	var g errgroup.Group
	g.SetLimit(c.config.Workers)
	for _, pos := range actives {
		pos := pos
		switch pos.State {
		case domain.StateOpen, domain.StateProtectionPending:
			if c.registry.ProtectionInFlight(pos.Symbol) {
				continue
			}
			g.Go(func() error {
				if err := c.protection.Protect(ctx, pos.Symbol); err != nil {
					log.Printf("[%s] 보호 주문 설정 실패: %v", pos.Symbol, err)
				}
				return nil
			})

		case domain.StateProtected, domain.StateTrailing, domain.StateClosing:
			remote, hasRemote := remoteBySymbol[pos.Symbol]
			g.Go(func() error {
				c.tendPosition(ctx, pos.Symbol, remote, hasRemote)
				return nil
			})

		case domain.StateProtectionFailed:
			// 이미 경보가 나간 상태입니다. 운영자 개입 전까지 건드리지 않습니다.
		}
	}
	_ = g.Wait()
}

// tendPosition은 보호된 포지션 하나를 한 틱 관리합니다: 트레일링을
// 진행한 뒤 보호 주문의 생존을 재검증하고, 끊겼으면 같은 틱에 재설정합니다.
func (c *Coordinator) tendPosition(ctx context.Context, symbol string, remote domain.RemotePosition, hasRemote bool) {
	mark, err := c.markPrice(ctx, symbol)
	if err != nil {
		log.Printf("[%s] 가격 조회 실패: %v", symbol, err)
		metrics.IncExchangeError(exchange.ClassOf(err).String())
		return
	}

	var remotePtr *domain.RemotePosition
	if hasRemote {
		remotePtr = &remote
	}

	closed, err := c.trailing.Tick(ctx, symbol, mark, remotePtr)
	if err != nil {
		log.Printf("[%s] 트레일링 진행 실패: %v", symbol, err)
		return
	}
	if closed {
		metrics.SetOpenPositions(len(c.registry.Active()))
		return
	}

	rearm, err := c.protection.Verify(ctx, symbol)
	if err != nil {
		log.Printf("[%s] 보호 주문 재검증 실패: %v", symbol, err)
		return
	}
	if rearm {
		if err := c.protection.Protect(ctx, symbol); err != nil {
			log.Printf("[%s] 보호 주문 재설정 실패: %v", symbol, err)
		}
	}
}

// markPrice는 스트림의 신선한 가격을 쓰고, 없으면 REST로 대체합니다
func (c *Coordinator) markPrice(ctx context.Context, symbol string) (float64, error) {
	if c.feed != nil {
		if price, ok := c.feed.Fresh(symbol, c.config.PriceMaxAge); ok {
			return price, nil
		}
	}
	return c.exchange.GetMarkPrice(ctx, symbol)
}

// registerPosition은 체결된 포지션을 장부에 올리고 진입 이벤트를 발행합니다
func (c *Coordinator) registerPosition(pos *domain.Position) {
	if err := c.registry.Put(pos); err != nil {
		log.Printf("[%s] 포지션 등록 실패: %v", pos.Symbol, err)
		return
	}
	if err := c.store.SavePosition(*pos); err != nil {
		log.Printf("[%s] 포지션 저장 실패: %v", pos.Symbol, err)
	}

	reason := "maker-fill"
	if pos.TakerEntry {
		reason = "taker-fill"
	}
	c.bus.Publish(domain.TradeEvent{
		Type:   domain.EventOpened,
		Symbol: pos.Symbol,
		Side:   pos.Side,
		Size:   pos.Size,
		Price:  pos.EntryPrice,
		Reason: reason,
	})
	metrics.SetOpenPositions(len(c.registry.Active()))
	log.Printf("[%s] 포지션 진입: %s %.4f @ %.4f (%s)",
		pos.Symbol, pos.Side, pos.Size, pos.EntryPrice, reason)
}

// accountState는 TTL 안의 캐시를 재사용하고, 지났으면 새로 조회합니다
func (c *Coordinator) accountState(ctx context.Context) (*domain.AccountState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.account != nil && time.Since(c.accountAt) < c.config.AccountCacheTTL {
		return c.account, nil
	}

	account, err := c.exchange.GetAccountState(ctx)
	if err != nil {
		metrics.IncExchangeError(exchange.ClassOf(err).String())
		return nil, err
	}
	c.account = account
	c.accountAt = time.Now()
	metrics.SetEquity(account.Equity)
	return account, nil
}

// updateGauges는 틱 종료 시점의 상태 게이지를 갱신합니다
func (c *Coordinator) updateGauges(ctx context.Context) {
	metrics.SetOpenPositions(len(c.registry.Active()))
	if _, err := c.accountState(ctx); err != nil {
		log.Printf("계좌 게이지 갱신 실패: %v", err)
	}
}

func isSizingReject(err error) bool {
	return errors.Is(err, risk.ErrBelowMinimumSize) ||
		errors.Is(err, risk.ErrInsufficientMargin) ||
		errors.Is(err, risk.ErrUnsafeStop)
}
