// Package entry는 거래 시그널을 메이커 우선 전략으로 실제 포지션에
// 연결합니다. 포스트 온리 지정가를 먼저 시도하고, 대기 한도를 넘기면
// 취소 후 시장가 폴백으로 전환합니다. 포지션 레코드는 체결이 확인된
// 뒤에만 생성됩니다.
package entry

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/assist-by/aegis/internal/domain"
	"github.com/assist-by/aegis/internal/exchange"
	"github.com/assist-by/aegis/internal/metrics"
	"github.com/assist-by/aegis/internal/risk"
)

// ErrAttemptInProgress는 같은 심볼의 진입 시도가 이미 진행 중일 때 반환됩니다
var ErrAttemptInProgress = fmt.Errorf("이미 진입 시도가 진행 중입니다")

// Config는 진입 실행 전략의 설정입니다
type Config struct {
	Leverage        int     // 요청 레버리지 (거래소 승인값이 우선)
	EntryWaitTicks  int     // 메이커 체결을 기다릴 틱 수
	OffsetATRFactor float64 // 메이커 호가 오프셋 = 계수 × 시그널 변동성
	TakerFraction   float64 // 폴백 시장가로 채울 목표 수량 비율
}

// attempt는 단일 심볼의 진행 중인 진입 시도 상태입니다
type attempt struct {
	signal    domain.Signal
	sizing    risk.SizingResult
	info      *domain.SymbolInfo
	leverage  int
	maintRate float64

	orderID     int64
	limitPrice  float64
	ticksWaited int
	filled      float64 // 마지막으로 관측한 메이커 체결 수량
	repriced    bool    // 포스트 온리 거부 후 재호가 여부
	canceled    bool    // 메이커 주문 취소 완료, 폴백 단계 진입
	takerDone   bool    // 폴백 시장가 주문 전송 완료
	takerFilled float64 // 폴백 시장가 체결 수량
}

// Executor는 코디네이터 틱에 의해 구동되는 심볼별 진입 상태 기계입니다
type Executor struct {
	exchange exchange.Exchange
	calc     *risk.Calculator
	config   Config

	mu       sync.Mutex
	attempts map[string]*attempt
}

// NewExecutor는 새 진입 실행기를 생성합니다
func NewExecutor(ex exchange.Exchange, calc *risk.Calculator, config Config) *Executor {
	if config.EntryWaitTicks <= 0 {
		config.EntryWaitTicks = 2
	}
	if config.TakerFraction <= 0 {
		config.TakerFraction = 0.7
	}
	return &Executor{
		exchange: ex,
		calc:     calc,
		config:   config,
		attempts: make(map[string]*attempt),
	}
}

// Active는 해당 심볼의 진입 시도가 진행 중인지 확인합니다
func (e *Executor) Active(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.attempts[symbol]
	return ok
}

// Pending은 진행 중인 진입 시도 심볼 목록을 반환합니다
func (e *Executor) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	symbols := make([]string, 0, len(e.attempts))
	for symbol := range e.attempts {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Begin은 시그널에 대한 진입 시도를 시작합니다. 사이징을 거쳐 포스트 온리
// 지정가를 접수하면 (nil, nil)을 반환하고 이후 Tick이 체결을 추적합니다.
// 포스트 온리가 연속 거부되면 곧바로 시장가 폴백을 수행하며, 이 경우
// 체결이 확인된 포지션을 즉시 반환할 수 있습니다.
func (e *Executor) Begin(ctx context.Context, signal domain.Signal, account domain.AccountState) (*domain.Position, error) {
	symbol := signal.Symbol

	e.mu.Lock()
	if _, exists := e.attempts[symbol]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAttemptInProgress, symbol)
	}
	e.mu.Unlock()

	info, err := e.exchange.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("심볼 정보 조회 실패: %w", err)
	}

	approved, err := e.exchange.SetLeverage(ctx, symbol, e.config.Leverage)
	if err != nil {
		return nil, fmt.Errorf("레버리지 설정 실패: %w", err)
	}
	if approved != e.config.Leverage {
		log.Printf("[%s] 거래소가 레버리지를 조정했습니다: 요청 %dx, 승인 %dx", symbol, e.config.Leverage, approved)
	}

	brackets, err := e.exchange.GetLeverageBrackets(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("레버리지 브라켓 조회 실패: %w", err)
	}
	profile := domain.ProfileFromBrackets(symbol, brackets, approved)

	mark, err := e.exchange.GetMarkPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("마크 가격 조회 실패: %w", err)
	}

	sizing, err := e.calc.Size(risk.SizingInput{
		Symbol:     symbol,
		Side:       signal.Side,
		EntryPrice: mark,
		Leverage:   approved,
		Account:    account,
		Profile:    profile,
		Info:       info,
	})
	if err != nil {
		return nil, fmt.Errorf("사이징 거부: %w", err)
	}

	att := &attempt{
		signal:    signal,
		sizing:    sizing,
		info:      info,
		leverage:  approved,
		maintRate: profile.MaintMarginRate,
	}

	resp, err := e.placeMaker(ctx, att, mark)
	if err != nil {
		if exchange.ClassOf(err) != exchange.ClassValidation {
			return nil, fmt.Errorf("메이커 주문 실패: %w", err)
		}

		// 포스트 온리 거부: 새 마크 가격으로 한 번만 재호가합니다
		att.repriced = true
		fresh, freshErr := e.exchange.GetMarkPrice(ctx, symbol)
		if freshErr != nil {
			return nil, fmt.Errorf("마크 가격 재조회 실패: %w", freshErr)
		}
		resp, err = e.placeMaker(ctx, att, fresh)
		if err != nil {
			if exchange.ClassOf(err) != exchange.ClassValidation {
				return nil, fmt.Errorf("메이커 재호가 실패: %w", err)
			}
			log.Printf("[%s] 포스트 온리 주문이 연속 거부되어 시장가로 전환합니다", symbol)
			return e.beginFallback(ctx, att)
		}
	}

	att.orderID = resp.OrderID
	e.mu.Lock()
	e.attempts[symbol] = att
	e.mu.Unlock()

	log.Printf("[%s] 메이커 진입 주문 접수: %s, 가격 %.4f, 수량 %.8f",
		symbol, signal.Side, att.limitPrice, sizing.Quantity)
	return nil, nil
}

// beginFallback은 메이커 단계를 건너뛴 즉시 폴백 경로입니다. 폴백이
// 일시적으로 실패하면 시도를 보존해 다음 틱의 Tick이 이어받습니다.
func (e *Executor) beginFallback(ctx context.Context, att *attempt) (*domain.Position, error) {
	symbol := att.signal.Symbol
	att.canceled = true

	e.mu.Lock()
	e.attempts[symbol] = att
	e.mu.Unlock()

	pos, err := e.fallback(ctx, att)
	if err != nil {
		log.Printf("[%s] 시장가 폴백 지연, 다음 틱에 재시도합니다: %v", symbol, err)
		return nil, nil
	}

	e.drop(symbol)
	return pos, nil
}

// Tick은 진행 중인 진입 시도를 한 단계 전진시킵니다. done이 true이면
// 시도가 종료된 것이며, 체결이 확인된 경우 포지션이 함께 반환됩니다.
func (e *Executor) Tick(ctx context.Context, symbol string) (pos *domain.Position, done bool, err error) {
	e.mu.Lock()
	att, ok := e.attempts[symbol]
	e.mu.Unlock()
	if !ok {
		return nil, true, fmt.Errorf("진행 중인 진입 시도가 없습니다: %s", symbol)
	}

	// 취소까지 끝난 시도는 폴백 단계만 남아 있습니다
	if att.canceled {
		return e.finish(ctx, symbol, att)
	}

	order, err := e.exchange.GetOrder(ctx, symbol, att.orderID)
	if err != nil {
		// 정산 지연으로 조회가 안 되면 다음 틱에 다시 확인합니다
		if exchange.ClassOf(err) == exchange.ClassSettlementPending {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("진입 주문 조회 실패: %w", err)
	}

	switch order.Status {
	case domain.OrderStatusFilled:
		entryPrice := order.AvgPrice
		if entryPrice <= 0 {
			entryPrice = att.limitPrice
		}
		pos := e.buildPosition(att, order.ExecutedQuantity, entryPrice, false)
		e.drop(symbol)
		metrics.IncEntry(att.signal.Side, "maker")
		log.Printf("[%s] 메이커 진입 체결: 수량 %.8f, 평균가 %.4f", symbol, pos.Size, pos.EntryPrice)
		return pos, true, nil

	case domain.OrderStatusCanceled, domain.OrderStatusExpired:
		// 접수 후 만료된 포스트 온리 주문: 한 번 재호가하고, 그다음은 폴백
		att.filled = math.Max(att.filled, order.ExecutedQuantity)
		if !att.repriced {
			att.repriced = true
			mark, markErr := e.exchange.GetMarkPrice(ctx, symbol)
			if markErr == nil {
				if resp, placeErr := e.placeMaker(ctx, att, mark); placeErr == nil {
					att.orderID = resp.OrderID
					att.ticksWaited = 0
					log.Printf("[%s] 만료된 메이커 주문 재호가: 가격 %.4f", symbol, att.limitPrice)
					return nil, false, nil
				}
			}
		}
		att.canceled = true
		return e.finish(ctx, symbol, att)
	}

	att.filled = order.ExecutedQuantity
	att.ticksWaited++
	if att.ticksWaited < e.config.EntryWaitTicks {
		return nil, false, nil
	}

	// 대기 한도 초과: 취소하고 폴백으로 전환합니다. 취소가 체결과
	// 경합했다면 실제 체결 수량을 다시 조회해 기준으로 삼습니다.
	if cancelErr := e.exchange.CancelOrder(ctx, symbol, att.orderID); cancelErr != nil {
		if exchange.ClassOf(cancelErr) != exchange.ClassSettlementPending {
			return nil, false, fmt.Errorf("진입 주문 취소 실패: %w", cancelErr)
		}
	}
	if requeried, queryErr := e.exchange.GetOrder(ctx, symbol, att.orderID); queryErr == nil {
		att.filled = requeried.ExecutedQuantity
	}
	att.canceled = true

	return e.finish(ctx, symbol, att)
}

// Abort는 진행 중인 시도를 중단하고 남아 있는 주문을 취소합니다
func (e *Executor) Abort(ctx context.Context, symbol string) {
	e.mu.Lock()
	att, ok := e.attempts[symbol]
	e.mu.Unlock()
	if !ok {
		return
	}

	if att.orderID != 0 && !att.canceled {
		if err := e.exchange.CancelOrder(ctx, symbol, att.orderID); err != nil {
			log.Printf("[%s] 진입 주문 취소 실패 (중단 처리): %v", symbol, err)
		}
	}
	e.drop(symbol)
}

func (e *Executor) finish(ctx context.Context, symbol string, att *attempt) (*domain.Position, bool, error) {
	pos, err := e.fallback(ctx, att)
	if err != nil {
		// 시도를 보존해 다음 틱에 폴백을 이어갑니다
		return nil, false, err
	}

	e.drop(symbol)
	if pos == nil {
		log.Printf("[%s] 체결 없이 진입 시도를 종료합니다", symbol)
		return nil, true, nil
	}
	return pos, true, nil
}

// fallback은 남은 수량을 시장가로 채우고 거래소가 보고하는 실제 포지션
// 수량으로 최종 확정합니다. 시장가 주문은 시도당 한 번만 전송합니다.
func (e *Executor) fallback(ctx context.Context, att *attempt) (*domain.Position, error) {
	symbol := att.signal.Symbol

	if !att.takerDone {
		mark, err := e.exchange.GetMarkPrice(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("마크 가격 조회 실패: %w", err)
		}

		takerQty := risk.AdjustQuantity(
			e.config.TakerFraction*att.sizing.Quantity-att.filled,
			att.info.StepSize, att.info.QuantityPrecision)

		if takerQty > 0 && takerQty*mark >= att.info.MinNotional {
			resp, err := e.exchange.PlaceOrder(ctx, domain.OrderRequest{
				Symbol:        symbol,
				Side:          att.signal.Side.EntrySide(),
				PositionSide:  att.signal.Side,
				Type:          domain.Market,
				Quantity:      takerQty,
				ClientOrderID: exchange.NewClientOrderID(),
			})
			if err != nil {
				return nil, fmt.Errorf("시장가 폴백 주문 실패: %w", err)
			}
			att.takerFilled = resp.ExecutedQuantity
			if att.orderID == 0 {
				att.orderID = resp.OrderID
			}
			log.Printf("[%s] 시장가 폴백 체결: 수량 %.8f", symbol, att.takerFilled)
		}
		att.takerDone = true
	}

	// 로컬 추정치 대신 거래소가 보고하는 수량과 진입가를 사용합니다
	remote, found, err := e.remotePosition(ctx, att)
	if err != nil {
		return nil, fmt.Errorf("포지션 확인 실패: %w", err)
	}
	if !found {
		if att.filled+att.takerFilled > 0 {
			return nil, fmt.Errorf("체결 수량 %.8f이 포지션에 아직 반영되지 않았습니다",
				att.filled+att.takerFilled)
		}
		return nil, nil
	}

	takerUsed := att.takerFilled > 0
	pos := e.buildPosition(att, math.Abs(remote.Quantity), remote.EntryPrice, takerUsed)

	path := "maker"
	if takerUsed {
		path = "taker"
	}
	metrics.IncEntry(att.signal.Side, path)
	log.Printf("[%s] 진입 확정: %s, 수량 %.8f, 진입가 %.4f (taker=%v)",
		symbol, pos.Side, pos.Size, pos.EntryPrice, takerUsed)
	return pos, nil
}

func (e *Executor) remotePosition(ctx context.Context, att *attempt) (domain.RemotePosition, bool, error) {
	positions, err := e.exchange.GetPositions(ctx)
	if err != nil {
		return domain.RemotePosition{}, false, err
	}
	for _, p := range positions {
		if p.Symbol == att.signal.Symbol && p.PositionSide == att.signal.Side && p.Quantity != 0 {
			return p, true, nil
		}
	}
	return domain.RemotePosition{}, false, nil
}

func (e *Executor) placeMaker(ctx context.Context, att *attempt, mark float64) (*domain.OrderResponse, error) {
	att.limitPrice = e.makerPrice(att.signal, mark, att.info)

	return e.exchange.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:        att.signal.Symbol,
		Side:          att.signal.Side.EntrySide(),
		PositionSide:  att.signal.Side,
		Type:          domain.Limit,
		Quantity:      att.sizing.Quantity,
		Price:         att.limitPrice,
		TimeInForce:   domain.GTX,
		ClientOrderID: exchange.NewClientOrderID(),
	})
}

// makerPrice는 마크 가격에서 변동성 비례 오프셋만큼 물러난 지정가를
// 계산합니다. 변동성 정보가 없으면 2틱을 물러납니다.
func (e *Executor) makerPrice(signal domain.Signal, mark float64, info *domain.SymbolInfo) float64 {
	offset := e.config.OffsetATRFactor * signal.Volatility
	if offset <= 0 {
		offset = 2 * info.TickSize
	}

	price := mark - offset
	if signal.Side == domain.ShortPosition {
		price = mark + offset
	}
	return risk.AdjustPrice(price, info.TickSize, info.PricePrecision)
}

// buildPosition은 확인된 체결로부터 포지션 레코드를 생성합니다.
// 손절 가격은 실제 진입가 기준으로 이 시점에 한 번만 계산되며 이후
// 변경되지 않습니다.
func (e *Executor) buildPosition(att *attempt, size, entryPrice float64, takerUsed bool) *domain.Position {
	stop := risk.InitialStop(att.signal.Side, entryPrice, att.sizing.StopDistance)
	stop = risk.AdjustPrice(stop, att.info.TickSize, att.info.PricePrecision)

	now := time.Now()
	return &domain.Position{
		Symbol:          att.signal.Symbol,
		Side:            att.signal.Side,
		Size:            size,
		EntryPrice:      entryPrice,
		Leverage:        att.leverage,
		MaintMarginRate: att.maintRate,
		StopPrice:       stop,
		PeakPrice:       entryPrice,
		SignalStop:      att.signal.StopPrice,
		State:           domain.StateOpen,
		EntryOrderID:    att.orderID,
		TakerEntry:      takerUsed,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (e *Executor) drop(symbol string) {
	e.mu.Lock()
	delete(e.attempts, symbol)
	e.mu.Unlock()
}
