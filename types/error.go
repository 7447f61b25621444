package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Transient error codes
const (
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrNetwork            ErrorCode = "NETWORK"
	ErrRateLimit          ErrorCode = "RATE_LIMIT"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
)

// Permanent error codes
const (
	ErrValidation        ErrorCode = "VALIDATION"
	ErrAuthentication    ErrorCode = "AUTHENTICATION"
	ErrUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrBudgetExceeded    ErrorCode = "BUDGET_EXCEEDED"
	ErrContentPolicy     ErrorCode = "CONTENT_POLICY"
	ErrSchemaValidation  ErrorCode = "SCHEMA_VALIDATION"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrAlreadyResolved   ErrorCode = "ALREADY_RESOLVED"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCancelled         ErrorCode = "CANCELLED"
)

// Critical error codes
const (
	ErrSecurityViolation ErrorCode = "SECURITY_VIOLATION"
	ErrDataIntegrity     ErrorCode = "DATA_INTEGRITY"
	ErrAnomalousSpend    ErrorCode = "ANOMALOUS_SPEND"
)

// Capability error codes reported by worker skills.
const (
	ErrInputValidation        ErrorCode = "INPUT_VALIDATION"
	ErrExternalAPIFailure     ErrorCode = "EXTERNAL_API_FAILURE"
	ErrProcessingTimeout      ErrorCode = "PROCESSING_TIMEOUT"
	ErrInsufficientResources  ErrorCode = "INSUFFICIENT_RESOURCES"
	ErrContentSafetyViolation ErrorCode = "CONTENT_SAFETY_VIOLATION"
	ErrRateLimitExceeded      ErrorCode = "RATE_LIMIT_EXCEEDED"
)

// ErrInternal is used for engine faults that fit no other code.
const ErrInternal ErrorCode = "INTERNAL"

// ErrorKind is the propagation class of a failure.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
	KindCritical  ErrorKind = "critical"
)

// DefaultKind returns the propagation class a code carries when the error
// does not set one explicitly.
func (c ErrorCode) DefaultKind() ErrorKind {
	switch c {
	case ErrTimeout, ErrNetwork, ErrRateLimit, ErrServiceUnavailable, ErrCircuitOpen,
		ErrExternalAPIFailure, ErrProcessingTimeout, ErrInsufficientResources, ErrRateLimitExceeded,
		ErrInternal:
		return KindTransient
	case ErrSecurityViolation, ErrDataIntegrity, ErrAnomalousSpend:
		return KindCritical
	default:
		return KindPermanent
	}
}

// IsRateLimit reports whether the code is one of the rate-limit codes.
func (c ErrorCode) IsRateLimit() bool {
	return c == ErrRateLimit || c == ErrRateLimitExceeded
}

// Error represents a structured error with code, kind and metadata.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Kind       ErrorKind     `json:"kind"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Dependency string        `json:"dependency,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message. Kind and
// Retryable are derived from the code.
func NewError(code ErrorCode, message string) *Error {
	kind := code.DefaultKind()
	return &Error{
		Code:      code,
		Message:   message,
		Kind:      kind,
		Retryable: kind == KindTransient && code != ErrCircuitOpen,
	}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithKind overrides the propagation class.
func (e *Error) WithKind(kind ErrorKind) *Error {
	e.Kind = kind
	e.Retryable = kind == KindTransient && e.Code != ErrCircuitOpen
	return e
}

// WithRetryAfter sets the wait reported by a rate-limited dependency.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithDependency sets the dependency name.
func (e *Error) WithDependency(name string) *Error {
	e.Dependency = name
	return e
}

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// KindOf classifies any error into exactly one propagation class.
// Untagged errors are treated as transient, deadline overruns as transient
// timeouts and cancellations as permanent.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		if e.Kind != "" {
			return e.Kind
		}
		return e.Code.DefaultKind()
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	return KindTransient
}

// HTTPStatusOf maps an error to the status an API surface should return.
func HTTPStatusOf(err error) int {
	e, ok := AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	switch e.Code {
	case ErrValidation, ErrInputValidation, ErrSchemaValidation:
		return http.StatusBadRequest
	case ErrAuthentication, ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrAlreadyResolved, ErrInvalidTransition:
		return http.StatusConflict
	case ErrRateLimit, ErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrBudgetExceeded, ErrContentPolicy, ErrContentSafetyViolation, ErrSecurityViolation:
		return http.StatusForbidden
	case ErrServiceUnavailable, ErrCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrTimeout, ErrProcessingTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================
// Constructors
// ============================================================

// NewValidationError creates a permanent validation error.
func NewValidationError(message string) *Error {
	return NewError(ErrValidation, message).WithHTTPStatus(http.StatusBadRequest)
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string) *Error {
	return NewError(ErrNotFound, message).WithHTTPStatus(http.StatusNotFound)
}

// NewTimeoutError creates a transient timeout error.
func NewTimeoutError(message string) *Error {
	return NewError(ErrTimeout, message)
}

// NewRateLimitError creates a rate-limit error with the reported wait.
func NewRateLimitError(message string, retryAfter time.Duration) *Error {
	return NewError(ErrRateLimit, message).WithRetryAfter(retryAfter)
}

// NewInternalError creates an internal error wrapping cause.
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message).WithCause(cause)
}
