package domain

import "time"

// Position은 이 시스템이 추적하는 포지션의 중심 엔티티입니다.
// 진입 체결 시 생성되고, 보호 주문 매니저와 트레일링 컨트롤러가
// 상태를 변경하며, 거래소의 포지션 수량이 0이 되면 제거됩니다.
type Position struct {
	// 식별 정보
	Symbol string       // 심볼 (예: BTCUSDT)
	Side   PositionSide // 롱/숏 포지션

	// 경제적 정보
	Size            float64 // 포지션 수량 (계약 수, 항상 양수)
	EntryPrice      float64 // 평균 진입가
	Leverage        int     // 거래소가 승인한 실제 레버리지 (설정 기본값 아님)
	MaintMarginRate float64 // 유지증거금률

	// 보호 상태
	StopPrice       float64 // 손절 트리거 (설정 후 고정)
	TakeProfitPrice float64 // 익절 트리거 (트레일링, 유리한 방향으로만 이동)
	PeakPrice       float64 // 최고 유리 가격 (롱: 최고가, 숏: 최저가)
	SignalStop      float64 // 시그널이 제안한 손절가 (참고용, 주문에는 미사용)

	// 생애주기
	State PositionState

	// 북키핑
	EntryOrderID       int64     // 진입 주문 ID
	StopOrderID        int64     // 손절 주문 ID
	TakeProfitOrderID  int64     // 익절 주문 ID
	ProtectionAttempts int       // 보호 주문 시도 횟수
	TakerEntry         bool      // 테이커 폴백 경로로 진입했는지 여부
	Recovered          bool      // 재시작 복구로 생성되었는지 여부
	CreatedAt          time.Time // 생성 시간
	UpdatedAt          time.Time // 마지막 변경 시간
}

// Notional은 포지션의 명목 가치를 반환합니다
func (p *Position) Notional() float64 {
	return p.Size * p.EntryPrice
}

// UpdatePeak는 가격이 기존 최고 유리 가격보다 유리하면 갱신합니다
func (p *Position) UpdatePeak(price float64) bool {
	if p.Side.IsFavorable(price, p.PeakPrice) {
		p.PeakPrice = price
		return true
	}
	return false
}

// StopHit은 현재 가격이 손절 트리거를 넘어섰는지 확인합니다
func (p *Position) StopHit(price float64) bool {
	if p.StopPrice <= 0 {
		return false
	}
	if p.Side == LongPosition {
		return price <= p.StopPrice
	}
	return price >= p.StopPrice
}

// TakeProfitHit은 현재 가격이 트레일링 익절 트리거까지 되돌아왔는지 확인합니다
func (p *Position) TakeProfitHit(price float64) bool {
	if p.TakeProfitPrice <= 0 {
		return false
	}
	if p.Side == LongPosition {
		return price <= p.TakeProfitPrice
	}
	return price >= p.TakeProfitPrice
}
