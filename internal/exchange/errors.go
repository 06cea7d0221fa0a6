package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorClass는 거래소 에러의 분류를 정의합니다. 호출자는 이 분류에 따라
// 재시도, 재계산, 중단 정책을 결정합니다.
type ErrorClass int

const (
	// ClassTransient는 네트워크 오류나 레이트 리밋 등 일시적 실패입니다.
	// 백오프 후 재시도할 수 있습니다.
	ClassTransient ErrorClass = iota

	// ClassSettlementPending은 거래소 백엔드가 아직 체결 결과를 반영하지
	// 못한 상태입니다. 일반 재시도보다 긴 최소 대기 후 재시도해야 합니다.
	ClassSettlementPending

	// ClassValidation은 호출자의 입력이 오래되었거나 잘못된 경우입니다.
	// 최신 데이터로 재계산하기 전에는 재시도해서는 안 됩니다.
	ClassValidation

	// ClassFatal은 자격 증명 오류 등 복구 불가능한 실패입니다.
	// 즉시 중단하고 호출자에게 전달합니다.
	ClassFatal
)

// String은 ErrorClass의 문자열 표현을 반환합니다
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassSettlementPending:
		return "settlement_pending"
	case ClassValidation:
		return "validation"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// APIError는 거래소가 반환한 에러 응답입니다
type APIError struct {
	Code       int    // 거래소 에러 코드 (예: -2022)
	Message    string // 거래소 에러 메시지
	HTTPStatus int    // HTTP 상태 코드
}

// Error는 error 인터페이스를 구현합니다
func (e *APIError) Error() string {
	return fmt.Sprintf("API 에러(코드: %d): %s", e.Code, e.Message)
}

// Class는 에러 코드에 따른 분류를 반환합니다.
// 바이낸스 선물 API 에러 코드 기준입니다.
func (e *APIError) Class() ErrorClass {
	switch e.Code {
	case -1001, -1003, -1007, -1021:
		// DISCONNECTED, TOO_MANY_REQUESTS, TIMEOUT, 타임스탬프 범위 초과
		return ClassTransient
	case -2011, -2013, -2022, -4061:
		// 취소 거부(체결 경합), 주문 미조회(방금 생성), ReduceOnly 거부(포지션 미반영), 포지션 사이드 불일치
		return ClassSettlementPending
	case -1111, -2021, -4164, -5022:
		// 정밀도 오류, 즉시 체결될 트리거, 최소 명목가치 미달, 포스트 온리 거부
		return ClassValidation
	case -2014, -2015, -2019, -4028:
		// API 키 오류, 서명 오류, 증거금 부족, 레버리지 범위 오류
		return ClassFatal
	}

	// 레이트 리밋과 서버 오류는 일시적, 그 외 4xx는 입력 문제로 간주
	switch {
	case e.HTTPStatus == http.StatusTooManyRequests || e.HTTPStatus == 418:
		return ClassTransient
	case e.HTTPStatus >= 500:
		return ClassTransient
	case e.HTTPStatus >= 400:
		return ClassValidation
	}

	return ClassTransient
}

// ClassOf는 에러 체인에서 분류를 추출합니다. APIError가 아닌 에러는
// 네트워크 계층 실패로 보고 일시적 에러로 분류합니다.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class()
	}

	// 컨텍스트 타임아웃과 네트워크 오류는 다음 틱에 재시도
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassTransient
}

// IsRetryable은 게이트웨이 내부에서 즉시 재시도해도 되는 에러인지
// 확인합니다. 정산 대기는 호출자의 지연 정책을 따라야 하므로 제외합니다.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransient
}
