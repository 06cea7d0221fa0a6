// Package exchangetest는 테스트에서 사용하는 가짜 거래소 구현을 제공합니다.
// 각 메서드는 *Func 훅이 설정되어 있으면 훅을 호출하고, 없으면 내부 맵의
// 설정값을 반환합니다. 모든 주문과 취소 호출은 기록됩니다.
package exchangetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/assist-by/aegis/internal/domain"
	"github.com/assist-by/aegis/internal/exchange"
)

// Fake는 설정 가능한 테스트용 거래소입니다
type Fake struct {
	mu sync.Mutex

	// 조회 응답 설정값
	MarkPrices  map[string]float64
	Account     domain.AccountState
	Positions   []domain.RemotePosition
	OpenOrders  map[string][]domain.OrderResponse
	Orders      map[int64]domain.OrderResponse
	SymbolInfos map[string]domain.SymbolInfo
	Brackets    map[string][]domain.LeverageBracket

	// 훅: 설정되면 기본 동작을 대체합니다
	PlaceOrderFunc   func(order domain.OrderRequest) (*domain.OrderResponse, error)
	CancelOrderFunc  func(symbol string, orderID int64) error
	GetOrderFunc     func(symbol string, orderID int64) (*domain.OrderResponse, error)
	GetMarkPriceFunc func(symbol string) (float64, error)
	GetPositionsFunc func() ([]domain.RemotePosition, error)

	// 호출 기록
	Placed   []domain.OrderRequest
	Canceled []int64

	nextOrderID int64
}

var _ exchange.Exchange = (*Fake)(nil)

// New는 기본 설정의 가짜 거래소를 생성합니다
func New() *Fake {
	return &Fake{
		MarkPrices:  make(map[string]float64),
		OpenOrders:  make(map[string][]domain.OrderResponse),
		Orders:      make(map[int64]domain.OrderResponse),
		SymbolInfos: make(map[string]domain.SymbolInfo),
		Brackets:    make(map[string][]domain.LeverageBracket),
		nextOrderID: 1000,
	}
}

// SetMark는 심볼의 마크 가격을 설정합니다
func (f *Fake) SetMark(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MarkPrices[symbol] = price
}

// PlacedCount는 지금까지 실행된 주문 수를 반환합니다
func (f *Fake) PlacedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Placed)
}

// LastPlaced는 마지막으로 실행된 주문 요청을 반환합니다
func (f *Fake) LastPlaced() domain.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Placed) == 0 {
		return domain.OrderRequest{}
	}
	return f.Placed[len(f.Placed)-1]
}

func (f *Fake) GetServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (f *Fake) GetSymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.SymbolInfos[symbol]; ok {
		return &info, nil
	}
	// 설정이 없으면 BTCUSDT와 유사한 기본 필터를 반환합니다
	return &domain.SymbolInfo{
		Symbol:            symbol,
		StepSize:          0.001,
		TickSize:          0.1,
		MinNotional:       5,
		PricePrecision:    1,
		QuantityPrecision: 3,
	}, nil
}

func (f *Fake) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if f.GetMarkPriceFunc != nil {
		return f.GetMarkPriceFunc(symbol)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.MarkPrices[symbol]
	if !ok {
		return 0, fmt.Errorf("마크 가격 없음: %s", symbol)
	}
	return price, nil
}

func (f *Fake) GetAccountState(ctx context.Context) (*domain.AccountState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account := f.Account
	return &account, nil
}

func (f *Fake) GetPositions(ctx context.Context) ([]domain.RemotePosition, error) {
	if f.GetPositionsFunc != nil {
		return f.GetPositionsFunc()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	positions := make([]domain.RemotePosition, len(f.Positions))
	copy(positions, f.Positions)
	return positions, nil
}

func (f *Fake) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	orders := make([]domain.OrderResponse, len(f.OpenOrders[symbol]))
	copy(orders, f.OpenOrders[symbol])
	return orders, nil
}

func (f *Fake) GetOrder(ctx context.Context, symbol string, orderID int64) (*domain.OrderResponse, error) {
	if f.GetOrderFunc != nil {
		return f.GetOrderFunc(symbol, orderID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.Orders[orderID]
	if !ok {
		return nil, &exchange.APIError{Code: -2013, Message: "Order does not exist.", HTTPStatus: 400}
	}
	return &order, nil
}

func (f *Fake) GetLeverageBrackets(ctx context.Context, symbol string) ([]domain.LeverageBracket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if brackets, ok := f.Brackets[symbol]; ok {
		return brackets, nil
	}
	return []domain.LeverageBracket{
		{Bracket: 1, InitialLeverage: 125, MaintMarginRatio: 0.004, Notional: 50000},
	}, nil
}

func (f *Fake) PlaceOrder(ctx context.Context, order domain.OrderRequest) (*domain.OrderResponse, error) {
	f.mu.Lock()
	f.Placed = append(f.Placed, order)
	f.nextOrderID++
	orderID := f.nextOrderID
	f.mu.Unlock()

	if f.PlaceOrderFunc != nil {
		return f.PlaceOrderFunc(order)
	}

	// 기본 동작: 시장가는 즉시 체결, 나머지는 접수 상태로 응답합니다
	resp := domain.OrderResponse{
		OrderID:       orderID,
		Symbol:        order.Symbol,
		Status:        domain.OrderStatusNew,
		ClientOrderID: order.ClientOrderID,
		Price:         order.Price,
		StopPrice:     order.StopPrice,
		OrigQuantity:  order.Quantity,
		Side:          order.Side,
		PositionSide:  order.PositionSide,
		Type:          order.Type,
		CreateTime:    time.Now(),
	}
	if order.Type == domain.Market {
		resp.Status = domain.OrderStatusFilled
		resp.ExecutedQuantity = order.Quantity
		f.mu.Lock()
		resp.AvgPrice = f.MarkPrices[order.Symbol]
		f.mu.Unlock()
	}

	f.mu.Lock()
	f.Orders[orderID] = resp
	f.mu.Unlock()

	return &resp, nil
}

func (f *Fake) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	f.mu.Lock()
	f.Canceled = append(f.Canceled, orderID)
	f.mu.Unlock()

	if f.CancelOrderFunc != nil {
		return f.CancelOrderFunc(symbol, orderID)
	}
	return nil
}

func (f *Fake) SetLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	return leverage, nil
}

func (f *Fake) SetPositionMode(ctx context.Context, hedgeMode bool) error {
	return nil
}

func (f *Fake) SyncTime(ctx context.Context) error {
	return nil
}
