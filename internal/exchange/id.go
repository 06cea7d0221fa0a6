package exchange

import "github.com/google/uuid"

// NewClientOrderID는 추적 가능한 클라이언트 주문 ID를 생성합니다.
// 바이낸스의 클라이언트 주문 ID는 36자로 제한됩니다.
func NewClientOrderID() string {
	id := "aegis-" + uuid.New().String()
	return id[:36]
}
