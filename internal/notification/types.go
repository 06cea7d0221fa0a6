package notification

import (
	"errors"

	"github.com/assist-by/aegis/internal/domain"
)

const (
	ColorSuccess = 0x00FF00 // 녹색
	ColorError   = 0xFF0000 // 빨간색
	ColorInfo    = 0x0000FF // 파란색
	ColorWarning = 0xFFA500 // 주황색
)

// Notifier는 알림 전송 인터페이스를 정의합니다.
// 모든 전송은 베스트 에포트이며 실패가 거래 흐름을 막아서는 안 됩니다.
type Notifier interface {
	// SendAlert는 경보를 전송합니다 (보호 실패 등 불변 조건 위반 포함)
	SendAlert(alert domain.Alert) error

	// SendEvent는 포지션 상태 전이 이벤트를 전송합니다
	SendEvent(event domain.TradeEvent) error

	// SendError는 에러 알림을 전송합니다
	SendError(err error) error

	// SendInfo는 일반 정보 알림을 전송합니다
	SendInfo(message string) error
}

// Dispatcher는 등록된 모든 Notifier에 같은 알림을 전달합니다.
// 일부 전송이 실패해도 나머지 전송은 계속합니다.
type Dispatcher struct {
	notifiers []Notifier
}

// NewDispatcher는 새 디스패처를 생성합니다
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers}
}

// Add는 알림 대상을 추가합니다
func (d *Dispatcher) Add(n Notifier) {
	d.notifiers = append(d.notifiers, n)
}

// SendAlert는 모든 대상에 경보를 전달합니다
func (d *Dispatcher) SendAlert(alert domain.Alert) error {
	var errs []error
	for _, n := range d.notifiers {
		if err := n.SendAlert(alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendEvent는 모든 대상에 이벤트를 전달합니다
func (d *Dispatcher) SendEvent(event domain.TradeEvent) error {
	var errs []error
	for _, n := range d.notifiers {
		if err := n.SendEvent(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendError는 모든 대상에 에러 알림을 전달합니다
func (d *Dispatcher) SendError(err error) error {
	var errs []error
	for _, n := range d.notifiers {
		if sendErr := n.SendError(err); sendErr != nil {
			errs = append(errs, sendErr)
		}
	}
	return errors.Join(errs...)
}

// SendInfo는 모든 대상에 정보 알림을 전달합니다
func (d *Dispatcher) SendInfo(message string) error {
	var errs []error
	for _, n := range d.notifiers {
		if err := n.SendInfo(message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetColorForSeverity는 경보 심각도에 따른 색상을 반환합니다
func GetColorForSeverity(severity domain.Severity) int {
	switch severity {
	case domain.SeverityCritical:
		return ColorError
	case domain.SeverityWarning:
		return ColorWarning
	default:
		return ColorInfo
	}
}

// GetColorForSide는 포지션 방향에 따른 색상을 반환합니다
func GetColorForSide(side domain.PositionSide) int {
	switch side {
	case domain.LongPosition:
		return ColorSuccess
	case domain.ShortPosition:
		return ColorError
	default:
		return ColorInfo
	}
}
