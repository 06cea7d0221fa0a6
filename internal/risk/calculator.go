// Package risk는 계정 자본과 레버리지로부터 포지션 크기와 보호 가격을
// 계산합니다. 모든 함수는 순수 계산이며 거래소 호출이나 상태 변경이 없습니다.
package risk

import (
	"fmt"
	"math"

	"github.com/assist-by/aegis/internal/domain"
)

// Error 타입들은 사이징 단계에서 거래를 거부하는 사유를 정의합니다
var (
	ErrBelowMinimumSize   = fmt.Errorf("계산된 수량이 심볼 최소 단위에 미달합니다")
	ErrInsufficientMargin = fmt.Errorf("가용 잔고가 필요 증거금보다 작습니다")
	ErrUnsafeStop         = fmt.Errorf("손절 가격이 청산 가격 바깥에 있습니다")
)

// Config는 리스크 계산에 사용하는 자본 비율 설정입니다
type Config struct {
	EquityFraction       float64 // 포지션 증거금으로 할당할 자본 비율 (예: 0.10)
	StopCapitalFraction  float64 // 손절까지 허용할 증거금 손실 비율 (예: 0.50)
	TrailCapitalFraction float64 // 트레일링 익절 거리 계산용 증거금 비율
}

// SizingInput은 단일 거래의 사이징에 필요한 시장/계정 스냅샷입니다
type SizingInput struct {
	Symbol     string
	Side       domain.PositionSide
	EntryPrice float64
	Leverage   int
	Account    domain.AccountState
	Profile    domain.LeverageProfile
	Info       *domain.SymbolInfo
}

// SizingResult는 사이징 계산의 결과입니다
type SizingResult struct {
	Quantity         float64 // 주문 수량 (stepSize 단위로 내림)
	Notional         float64 // 명목 가치 (USDT)
	Margin           float64 // 할당 증거금 (USDT)
	StopPrice        float64 // 손절 트리거 가격 (tickSize 단위로 조정)
	LiquidationPrice float64 // 추정 청산 가격
	StopDistance     float64 // 진입가 대비 손절 거리 비율
	TrailDistance    float64 // 진입가 대비 트레일링 거리 비율
}

// Calculator는 설정된 자본 비율로 사이징을 수행합니다
type Calculator struct {
	config Config
}

// NewCalculator는 새로운 리스크 계산기를 생성합니다
func NewCalculator(config Config) *Calculator {
	return &Calculator{config: config}
}

// Size는 자본 비율 기반으로 포지션 크기와 보호 가격을 계산합니다.
//
// 증거금 = 자본 × EquityFraction, 명목 가치 = 증거금 × 레버리지로 정하므로
// 손절 거리 비율은 레버리지에 반비례합니다. 같은 자본 비율이라도 레버리지가
// 높을수록 더 좁은 손절이 나옵니다.
func (c *Calculator) Size(input SizingInput) (SizingResult, error) {
	if input.EntryPrice <= 0 {
		return SizingResult{}, fmt.Errorf("진입 가격이 유효하지 않습니다: %.8f", input.EntryPrice)
	}
	if input.Leverage <= 0 {
		return SizingResult{}, fmt.Errorf("레버리지가 유효하지 않습니다: %d", input.Leverage)
	}

	// 1. 자본 비율만큼 증거금 할당
	margin := input.Account.Equity * c.config.EquityFraction
	if margin > input.Account.AvailableMargin {
		return SizingResult{}, fmt.Errorf("%w: 필요 %.2f USDT, 가용 %.2f USDT",
			ErrInsufficientMargin, margin, input.Account.AvailableMargin)
	}

	// 2. 레버리지 적용 후 수량 계산
	notional := margin * float64(input.Leverage)
	rawQuantity := notional / input.EntryPrice

	// 3. 최소 주문 단위로 수량 내림
	quantity := AdjustQuantity(rawQuantity, input.Info.StepSize, input.Info.QuantityPrecision)
	if quantity <= 0 {
		return SizingResult{}, fmt.Errorf("%w: 원시 수량 %.8f, 최소 단위 %.8f",
			ErrBelowMinimumSize, rawQuantity, input.Info.StepSize)
	}

	finalNotional := quantity * input.EntryPrice
	if finalNotional < input.Info.MinNotional {
		return SizingResult{}, fmt.Errorf("%w: 명목 가치 %.2f, 최소 %.2f",
			ErrBelowMinimumSize, finalNotional, input.Info.MinNotional)
	}

	// 4. 손절 가격과 청산 가격 계산
	stopDistance := PriceDistance(c.config.StopCapitalFraction, input.Leverage)
	stopPrice := InitialStop(input.Side, input.EntryPrice, stopDistance)
	stopPrice = AdjustPrice(stopPrice, input.Info.TickSize, input.Info.PricePrecision)

	liquidation := LiquidationPrice(input.Side, input.EntryPrice, input.Leverage, input.Profile.MaintMarginRate)

	// 손절이 청산보다 바깥이면 손절이 발동하기 전에 청산됩니다
	if !stopInsideLiquidation(input.Side, stopPrice, liquidation) {
		return SizingResult{}, fmt.Errorf("%w: 손절 %.4f, 청산 %.4f (레버리지 %dx)",
			ErrUnsafeStop, stopPrice, liquidation, input.Leverage)
	}

	return SizingResult{
		Quantity:         quantity,
		Notional:         math.Floor(finalNotional*100) / 100,
		Margin:           margin,
		StopPrice:        stopPrice,
		LiquidationPrice: liquidation,
		StopDistance:     stopDistance,
		TrailDistance:    PriceDistance(c.config.TrailCapitalFraction, input.Leverage),
	}, nil
}

// PriceDistance는 증거금 손실 비율을 가격 변동 비율로 환산합니다.
// 레버리지 L 포지션에서 가격이 d만큼 움직이면 증거금은 d×L만큼 변하므로,
// 증거금의 f를 잃는 가격 거리는 f/L입니다.
func PriceDistance(capitalFraction float64, leverage int) float64 {
	if leverage <= 0 {
		return 0
	}
	return capitalFraction / float64(leverage)
}

// InitialStop은 진입가에서 거리 비율만큼 불리한 방향의 손절 가격을 계산합니다
func InitialStop(side domain.PositionSide, entryPrice, distance float64) float64 {
	if side == domain.LongPosition {
		return entryPrice * (1 - distance)
	}
	return entryPrice * (1 + distance)
}

// TrailTakeProfit은 최고 유리 가격에서 거리 비율만큼 되돌린 익절 트리거를
// 계산합니다. 롱은 고점 아래, 숏은 저점 위에 위치합니다.
func TrailTakeProfit(side domain.PositionSide, peakPrice, distance float64) float64 {
	if side == domain.LongPosition {
		return peakPrice * (1 - distance)
	}
	return peakPrice * (1 + distance)
}

// LiquidationPrice는 격리 마진 기준의 추정 청산 가격을 계산합니다
func LiquidationPrice(side domain.PositionSide, entryPrice float64, leverage int, maintMarginRate float64) float64 {
	l := float64(leverage)
	if side == domain.LongPosition {
		return entryPrice * (1 - 1/l + maintMarginRate)
	}
	return entryPrice * (1 + 1/l - maintMarginRate)
}

// stopInsideLiquidation은 손절이 청산보다 진입가에 가까운지 확인합니다
func stopInsideLiquidation(side domain.PositionSide, stopPrice, liquidation float64) bool {
	if side == domain.LongPosition {
		return stopPrice > liquidation
	}
	return stopPrice < liquidation
}

// AdjustQuantity는 최소 단위(stepSize)에 맞게 수량을 내림 조정합니다
func AdjustQuantity(quantity float64, stepSize float64, precision int) float64 {
	if stepSize == 0 {
		return quantity // stepSize가 0이면 조정 불필요
	}

	// stepSize로 나누어 떨어지도록 조정
	steps := math.Floor(quantity / stepSize)
	adjustedQuantity := steps * stepSize

	// 정밀도에 맞게 내림
	scale := math.Pow(10, float64(precision))
	return math.Floor(adjustedQuantity*scale) / scale
}

// AdjustPrice는 최소 단위(tickSize)에 맞게 가격을 내림 조정합니다
func AdjustPrice(price float64, tickSize float64, precision int) float64 {
	if tickSize == 0 {
		return price // tickSize가 0이면 조정 불필요
	}

	// tickSize로 나누어 떨어지도록 조정
	ticks := math.Floor(price / tickSize)
	adjustedPrice := ticks * tickSize

	// 정밀도에 맞게 내림
	scale := math.Pow(10, float64(precision))
	return math.Floor(adjustedPrice*scale) / scale
}
