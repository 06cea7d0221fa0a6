package telegram

import (
	"fmt"
	"log"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/assist-by/aegis/internal/domain"
)

// Notifier는 텔레그램 봇 API를 통해 알림을 전송합니다.
// 단방향 전송 전용이며 명령 수신은 지원하지 않습니다.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewNotifier는 새 텔레그램 알림 전송기를 생성합니다
func NewNotifier(token string, chatID int64) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("텔레그램 봇 생성 실패: %w", err)
	}

	log.Printf("텔레그램 봇 연결 완료: @%s", api.Self.UserName)

	return &Notifier{
		api:    api,
		chatID: chatID,
	}, nil
}

// SendAlert는 경보 알림을 전송합니다
func (n *Notifier) SendAlert(alert domain.Alert) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s *%s*\n\n%s\n", severityEmoji(alert.Severity), alertTitle(alert.Severity), alert.Message))

	keys := make([]string, 0, len(alert.Context))
	for key := range alert.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		sb.WriteString(fmt.Sprintf("\n• %s: `%s`", key, alert.Context[key]))
	}

	return n.sendMarkdown(sb.String())
}

// SendEvent는 포지션 상태 전이 알림을 전송합니다
func (n *Notifier) SendEvent(event domain.TradeEvent) error {
	text := fmt.Sprintf(
		"%s *%s: %s*\n\n*방향*: %s\n*수량*: %.8f\n*가격*: $%.2f\n*사유*: %s",
		sideEmoji(event.Side), eventTitle(event.Type), event.Symbol,
		event.Side, event.Size, event.Price, event.Reason,
	)

	return n.sendMarkdown(text)
}

// SendError는 에러 알림을 전송합니다
func (n *Notifier) SendError(err error) error {
	return n.sendMarkdown(fmt.Sprintf("❌ *에러 발생*\n```\n%v\n```", err))
}

// SendInfo는 일반 정보 알림을 전송합니다
func (n *Notifier) SendInfo(message string) error {
	return n.sendMarkdown(message)
}

func (n *Notifier) sendMarkdown(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true

	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("텔레그램 메시지 전송 실패: %w", err)
	}
	return nil
}

func severityEmoji(severity domain.Severity) string {
	switch severity {
	case domain.SeverityCritical:
		return "🚨"
	case domain.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func alertTitle(severity domain.Severity) string {
	switch severity {
	case domain.SeverityCritical:
		return "긴급 경보"
	case domain.SeverityWarning:
		return "경고"
	default:
		return "알림"
	}
}

func sideEmoji(side domain.PositionSide) string {
	if side == domain.ShortPosition {
		return "🔴"
	}
	return "🟢"
}

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
