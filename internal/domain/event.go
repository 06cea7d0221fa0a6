package domain

import "time"

// EventType은 거래 이벤트 유형을 정의합니다
type EventType string

const (
	EventOpened          EventType = "opened"           // 포지션 진입 완료
	EventProtected       EventType = "protected"        // SL/TP 설정 완료
	EventTrailingUpdated EventType = "trailing-updated" // 트레일링 익절 갱신
	EventClosed          EventType = "closed"           // 포지션 청산 완료
)

// TradeEvent는 상태 전이 시 외부 구독자에게 발행되는 거래 이벤트입니다
type TradeEvent struct {
	Type      EventType    // 이벤트 유형
	Symbol    string       // 심볼
	Side      PositionSide // 포지션 방향
	Size      float64      // 포지션 수량
	Price     float64      // 이벤트 기준 가격
	Reason    string       // 전이 사유 (예: maker-fill, trail-exit)
	Timestamp time.Time    // 발생 시간
}

// Severity는 알림 심각도를 정의합니다
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert는 알림 싱크로 전달되는 경보입니다. ProtectionFailed 등
// 불변 조건 위반 시 발행되며 전송 실패는 무시됩니다 (fire-and-forget).
type Alert struct {
	Severity Severity          // 심각도
	Message  string            // 메시지
	Context  map[string]string // 부가 정보 (심볼, 시도 횟수 등)
}
