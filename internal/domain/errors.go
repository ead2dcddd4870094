package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument    ErrorCode = "invalid_argument"
	CodeNotFound           ErrorCode = "not_found"
	CodeConflict           ErrorCode = "conflict"
	CodeUnauthenticated    ErrorCode = "unauthenticated"
	CodePermissionDenied   ErrorCode = "permission_denied"
	CodeFailedPrecondition ErrorCode = "failed_precondition"
	CodeResourceExhausted  ErrorCode = "resource_exhausted"
	CodeInternal           ErrorCode = "internal"

	CodeQuotaExhausted    ErrorCode = "quota_exhausted"
	CodeRateLimited       ErrorCode = "rate_limited"
	CodeAbuseRejected     ErrorCode = "abuse_rejected"
	CodeInvalidTransition ErrorCode = "invalid_transition"
)

// Machine-readable rejection reasons carried in AppError.Reason.
const (
	ReasonIPLimitExceeded    = "ip_limit_exceeded"
	ReasonDisposableEmail    = "disposable_email"
	ReasonPlatformCapReached = "platform_cap_reached"
	ReasonDuplicateName      = "duplicate_name"
	ReasonExhausted          = "exhausted"
	ReasonHourlyLimit        = "hourly_limit"
)

type AppError struct {
	Code    ErrorCode
	Reason  string
	Message string
	Details map[string]any
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func InvalidArgument(message string) *AppError {
	return &AppError{Code: CodeInvalidArgument, Message: message}
}

func NotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

func Unauthenticated(message string) *AppError {
	return &AppError{Code: CodeUnauthenticated, Message: message}
}

func PermissionDenied(message string) *AppError {
	return &AppError{Code: CodePermissionDenied, Message: message}
}

func FailedPrecondition(message string) *AppError {
	return &AppError{Code: CodeFailedPrecondition, Message: message}
}

func ResourceExhausted(message string) *AppError {
	return &AppError{Code: CodeResourceExhausted, Message: message}
}

func Internal(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Cause: cause}
}

// QuotaExhausted reports that both free and paid credits are depleted.
func QuotaExhausted(message string, details map[string]any) *AppError {
	return &AppError{Code: CodeQuotaExhausted, Reason: ReasonExhausted, Message: message, Details: details}
}

// RateLimited reports a transient hourly ceiling. details should carry reset_in_seconds.
func RateLimited(message string, details map[string]any) *AppError {
	return &AppError{Code: CodeRateLimited, Reason: ReasonHourlyLimit, Message: message, Details: details}
}

func AbuseRejected(reason, message string) *AppError {
	return &AppError{Code: CodeAbuseRejected, Reason: reason, Message: message}
}

func InvalidTransition(message string) *AppError {
	return &AppError{Code: CodeInvalidTransition, Message: message}
}

func AsAppError(err error) (*AppError, bool) {
	if err == nil {
		return nil, false
	}
	var typed *AppError
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// HasCode reports whether err is an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	typed, ok := AsAppError(err)
	return ok && typed.Code == code
}
