// Package discord는 웹훅 기반 Discord 알림 전송을 구현합니다.
// 채널별로 웹훅을 분리해 경보, 거래 이벤트, 에러, 일반 정보를
// 서로 다른 채널로 보냅니다.
package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client는 Discord 웹훅 클라이언트를 구현합니다
type Client struct {
	alertWebhook string // 경보 채널 (보호 실패 등)
	tradeWebhook string // 거래 이벤트 채널
	errorWebhook string // 에러 채널
	infoWebhook  string // 일반 정보 채널
	httpClient   *http.Client
}

// ClientOption은 클라이언트 생성 옵션을 정의합니다
type ClientOption func(*Client)

// WithTimeout은 HTTP 클라이언트의 타임아웃을 설정합니다
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient는 새로운 Discord 웹훅 클라이언트를 생성합니다.
// 빈 웹훅 URL의 채널로 가는 메시지는 조용히 건너뜁니다.
func NewClient(alertWebhook, tradeWebhook, errorWebhook, infoWebhook string, opts ...ClientOption) *Client {
	c := &Client{
		alertWebhook: alertWebhook,
		tradeWebhook: tradeWebhook,
		errorWebhook: errorWebhook,
		infoWebhook:  infoWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}

	// 옵션 적용
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// sendToWebhook은 웹훅 URL로 메시지를 전송합니다
func (c *Client) sendToWebhook(webhookURL string, msg WebhookMessage) error {
	if webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("웹훅 메시지 직렬화 실패: %w", err)
	}

	resp, err := c.httpClient.Post(webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("웹훅 전송 실패: %w", err)
	}
	defer resp.Body.Close()

	// Discord는 성공 시 204를 반환합니다
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("웹훅 응답 오류 (%d): %s", resp.StatusCode, string(body))
	}

	return nil
}
