package domain

// OrderSide는 주문 방향을 정의합니다
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// PositionSide는 포지션 방향을 정의합니다
type PositionSide string

const (
	LongPosition  PositionSide = "LONG"
	ShortPosition PositionSide = "SHORT"
	BothPosition  PositionSide = "BOTH" // 헤지 모드가 아닌 경우
)

// EntrySide는 포지션 진입을 위한 주문 사이드를 반환합니다
func (p PositionSide) EntrySide() OrderSide {
	if p == LongPosition {
		return Buy
	}
	return Sell
}

// ExitSide는 포지션 청산을 위한 주문 사이드를 반환합니다
func (p PositionSide) ExitSide() OrderSide {
	if p == LongPosition {
		return Sell
	}
	return Buy
}

// IsFavorable은 next가 prev보다 포지션에 유리한 가격인지 확인합니다
func (p PositionSide) IsFavorable(next, prev float64) bool {
	if p == LongPosition {
		return next > prev
	}
	return next < prev
}

// OrderType은 주문 유형을 정의합니다
type OrderType string

const (
	Market           OrderType = "MARKET"
	Limit            OrderType = "LIMIT"
	StopMarket       OrderType = "STOP_MARKET"
	TakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// TimeInForce는 주문 유효 기간 정책을 정의합니다
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // 취소할 때까지 유효
	IOC TimeInForce = "IOC" // 즉시 체결 가능한 부분만
	GTX TimeInForce = "GTX" // 포스트 온리: 메이커로 올라가지 못하면 거부
)

// OrderStatus 값들은 바이낸스 주문 상태 문자열입니다
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusExpired         = "EXPIRED"
)

// PositionState는 포지션 생애주기 상태를 정의합니다
type PositionState string

const (
	StatePendingEntry      PositionState = "PENDING_ENTRY"      // 진입 주문 대기 중
	StateOpen              PositionState = "OPEN"               // 체결 완료, 보호 주문 없음
	StateProtectionPending PositionState = "PROTECTION_PENDING" // 보호 주문 설정 중
	StateProtected         PositionState = "PROTECTED"          // SL/TP 설정 완료
	StateTrailing          PositionState = "TRAILING"           // 트레일링 익절 가동 중
	StateClosing           PositionState = "CLOSING"            // 청산 진행 중
	StateClosed            PositionState = "CLOSED"             // 청산 완료
	StateProtectionFailed  PositionState = "PROTECTION_FAILED"  // 보호 주문 설정 실패 (치명적)
)

// IsActive는 거래소에 포지션이 남아 있어야 하는 상태인지 확인합니다
func (s PositionState) IsActive() bool {
	switch s {
	case StateOpen, StateProtectionPending, StateProtected, StateTrailing, StateClosing, StateProtectionFailed:
		return true
	}
	return false
}

// ErrorCode는 API 에러 코드를 정의합니다
const (
	ErrPositionModeNoChange = -4059 // 포지션 모드 변경 불필요 에러
)
