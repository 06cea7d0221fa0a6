package domain

import "time"

// Signal은 외부 전략이 전달하는 거래 시그널입니다. 불변 입력으로 취급하며
// 이 시스템은 시그널을 생성하지 않고 소비만 합니다.
type Signal struct {
	Symbol     string       // 심볼 (예: BTCUSDT)
	Side       PositionSide // 롱/숏
	EntryPrice float64      // 제안 진입가 (참고용, 실제 주문은 현재 마크 가격 기준)
	StopPrice  float64      // 제안 손절가 (참고용)
	Volatility float64      // 변동성 추정치 (ATR 등), 메이커 주문 오프셋 산출에 사용
	Confidence float64      // 시그널 신뢰도 (0~1)
	Timestamp  time.Time    // 시그널 생성 시간
}

// IsValid는 시그널이 유효한지 확인합니다
func (s *Signal) IsValid() bool {
	if s.Symbol == "" || s.EntryPrice <= 0 {
		return false
	}
	return s.Side == LongPosition || s.Side == ShortPosition
}
