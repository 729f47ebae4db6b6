package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 에러 분류 코드 (클라이언트에 그대로 노출됨)
type Code string

const (
	CodeValidation         Code = "VALIDATION"
	CodeCapacity           Code = "ROOM_FULL"
	CodeNotFound           Code = "NOT_FOUND"
	CodePermission         Code = "PERMISSION_DENIED"
	CodeConflict           Code = "CONFLICT"
	CodeExpired            Code = "EXPIRED"
	CodeTransient          Code = "TRANSIENT"
	CodeTargetNotConnected Code = "TARGET_NOT_CONNECTED"
)

// Error carries a taxonomy code plus a human-readable reason.
// Callers match on the code, users read the reason.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// New creates a coded error.
func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Newf creates a coded error with a formatted reason.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err. Unclassified errors
// are reported as transient so clients may retry with backoff.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeTransient
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// HTTPStatus HTTP 상태 코드 매핑
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeCapacity, CodeConflict:
		return http.StatusConflict
	case CodeNotFound, CodeTargetNotConnected:
		return http.StatusNotFound
	case CodePermission:
		return http.StatusForbidden
	case CodeExpired:
		return http.StatusGone
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
