package discord

import (
	"fmt"
	"sort"
	"time"

	"github.com/assist-by/aegis/internal/domain"
	"github.com/assist-by/aegis/internal/notification"
)

// SendAlert는 경보 알림을 전송합니다
func (c *Client) SendAlert(alert domain.Alert) error {
	embed := NewEmbed().
		SetTitle(alertTitle(alert.Severity)).
		SetDescription(alert.Message).
		SetColor(notification.GetColorForSeverity(alert.Severity)).
		SetFooter("Aegis Trading Bot 🛡️").
		SetTimestamp(time.Now())

	// 부가 정보는 키 순서대로 필드에 추가합니다
	keys := make([]string, 0, len(alert.Context))
	for key := range alert.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		embed.AddField(key, alert.Context[key], true)
	}

	msg := WebhookMessage{
		Embeds: []Embed{*embed},
	}

	return c.sendToWebhook(c.alertWebhook, msg)
}

// SendEvent는 포지션 상태 전이 알림을 전송합니다
func (c *Client) SendEvent(event domain.TradeEvent) error {
	embed := NewEmbed().
		SetTitle(fmt.Sprintf("%s: %s", eventTitle(event.Type), event.Symbol)).
		SetDescription(fmt.Sprintf(
			"**방향**: %s\n**수량**: %.8f\n**가격**: $%.2f\n**사유**: %s",
			event.Side, event.Size, event.Price, event.Reason,
		)).
		SetColor(notification.GetColorForSide(event.Side)).
		SetFooter("Aegis Trading Bot 🛡️").
		SetTimestamp(event.Timestamp)

	msg := WebhookMessage{
		Embeds: []Embed{*embed},
	}

	return c.sendToWebhook(c.tradeWebhook, msg)
}

// SendError는 에러 알림을 전송합니다
func (c *Client) SendError(err error) error {
	embed := NewEmbed().
		SetTitle("에러 발생").
		SetDescription(fmt.Sprintf("```%v```", err)).
		SetColor(notification.ColorError).
		SetFooter("Aegis Trading Bot 🛡️").
		SetTimestamp(time.Now())

	msg := WebhookMessage{
		Embeds: []Embed{*embed},
	}

	return c.sendToWebhook(c.errorWebhook, msg)
}

// SendInfo는 일반 정보 알림을 전송합니다
func (c *Client) SendInfo(message string) error {
	embed := NewEmbed().
		SetDescription(message).
		SetColor(notification.ColorInfo).
		SetFooter("Aegis Trading Bot 🛡️").
		SetTimestamp(time.Now())

	msg := WebhookMessage{
		Embeds: []Embed{*embed},
	}

	return c.sendToWebhook(c.infoWebhook, msg)
}

// alertTitle은 심각도에 따른 경보 제목을 반환합니다
func alertTitle(severity domain.Severity) string {
	switch severity {
	case domain.SeverityCritical:
		return "🚨 긴급 경보"
	case domain.SeverityWarning:
		return "⚠️ 경고"
	default:
		return "ℹ️ 알림"
	}
}

// eventTitle은 이벤트 유형에 따른 제목을 반환합니다
func eventTitle(eventType domain.EventType) string {
	switch eventType {
	case domain.EventOpened:
		return "포지션 진입"
	case domain.EventProtected:
		return "보호 주문 설정"
	case domain.EventTrailingUpdated:
		return "트레일링 갱신"
	case domain.EventClosed:
		return "포지션 청산"
	default:
		return "거래 이벤트"
	}
}
