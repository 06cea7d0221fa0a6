package domain

// AccountState는 사이징 결정 직전에 갱신되는 계정 상태 스냅샷입니다
type AccountState struct {
	Equity          float64 // 총 마진 잔고 (지갑 잔고 + 미실현 손익, USDT)
	AvailableMargin float64 // 신규 주문에 사용 가능한 잔고 (USDT)
}

// LeverageProfile은 심볼별 레버리지 정보입니다. 거래소에서 심볼마다
// 조회하며, 심볼 간에 동일하다고 가정해서는 안 됩니다.
type LeverageProfile struct {
	Symbol          string  // 심볼
	MaxLeverage     int     // 해당 구간의 최대 레버리지
	MaintMarginRate float64 // 유지증거금률
}

// ProfileFromBrackets는 브라켓 목록에서 적용 레버리지에 해당하는
// 프로필을 찾습니다. 브라켓이 비어 있으면 보수적 기본값을 반환합니다.
func ProfileFromBrackets(symbol string, brackets []LeverageBracket, leverage int) LeverageProfile {
	profile := LeverageProfile{
		Symbol:          symbol,
		MaxLeverage:     leverage,
		MaintMarginRate: 0.01, // 브라켓 조회 실패 시 보수적 기본값
	}

	for _, b := range brackets {
		if b.InitialLeverage >= leverage {
			profile.MaxLeverage = b.InitialLeverage
			profile.MaintMarginRate = b.MaintMarginRatio
			break
		}
	}

	return profile
}
