// internal/exchange/exchange.go
package exchange

import (
	"context"
	"time"

	"github.com/assist-by/aegis/internal/domain"
)

// Exchange는 거래소와의 상호작용을 위한 인터페이스입니다.
// 원격 호출 외의 부수 효과는 없으며 포지션 저장소를 읽거나 쓰지 않습니다.
type Exchange interface {
	// 시장 데이터 조회
	GetServerTime(ctx context.Context) (time.Time, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// 계정 데이터 조회
	GetAccountState(ctx context.Context) (*domain.AccountState, error)
	GetPositions(ctx context.Context) ([]domain.RemotePosition, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]domain.OrderResponse, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*domain.OrderResponse, error)
	GetLeverageBrackets(ctx context.Context, symbol string) ([]domain.LeverageBracket, error)

	// 거래 기능
	PlaceOrder(ctx context.Context, order domain.OrderRequest) (*domain.OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	// 설정 기능: SetLeverage는 거래소가 실제로 승인한 레버리지를 반환합니다
	SetLeverage(ctx context.Context, symbol string, leverage int) (int, error)
	SetPositionMode(ctx context.Context, hedgeMode bool) error

	// 시간 동기화
	SyncTime(ctx context.Context) error
}
