// Package apperrors provides the error taxonomy shared by every subsystem:
// transient upstream, invalid data, configuration, persistence, and fatal
// errors (spec §7), plus the sentinel errors each component contract names.
package apperrors

import (
	"errors"
	"fmt"
)

// ErrorCode buckets errors by kind, not by concrete type.
type ErrorCode string

const (
	// Transient upstream: retried by the caller, then abandoned for the tick.
	ErrCodeTimeout      ErrorCode = "UPSTREAM_TIMEOUT"
	ErrCodeRateLimited  ErrorCode = "UPSTREAM_RATE_LIMITED"
	ErrCodeUpstream5xx  ErrorCode = "UPSTREAM_5XX"
	ErrCodeCircuitOpen  ErrorCode = "UPSTREAM_CIRCUIT_OPEN"
	ErrCodeRPCUnavailable ErrorCode = "UPSTREAM_RPC_UNAVAILABLE"

	// Invalid data: scoring falls back, snapshot still written with flags.
	ErrCodeInvalidData ErrorCode = "DATA_INVALID"

	// Configuration error: defaults applied, warning logged once per refresh.
	ErrCodeUnknownSetting ErrorCode = "CONFIG_UNKNOWN_KEY"
	ErrCodeInvalidAlpha   ErrorCode = "CONFIG_INVALID_ALPHA"

	// Persistence error: idempotent retry, unique-constraint races swallowed.
	ErrCodeNotFound  ErrorCode = "PERSIST_NOT_FOUND"
	ErrCodeDuplicate ErrorCode = "PERSIST_DUPLICATE"
	ErrCodePersist   ErrorCode = "PERSIST_ERROR"

	// Fatal: job restarts under supervision after backoff; process stays up.
	ErrCodeFatal ErrorCode = "FATAL"
)

// ServiceError is a structured error carrying a code, message, and optional
// detail fields for structured logs.
type ServiceError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a structured-log field and returns the same error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a bare ServiceError.
func New(code ErrorCode, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message}
}

// Wrap creates a ServiceError around an underlying cause.
func Wrap(code ErrorCode, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, Err: err}
}

// Sentinel errors named directly by the component contracts in spec §4.
var (
	ErrUnknownKey    = errors.New("settings: unknown key")
	ErrNotFound      = errors.New("repository: not found")
	ErrDuplicate     = errors.New("repository: duplicate")
	ErrTimeout       = errors.New("dexclient: timeout")
	ErrRateLimited   = errors.New("dexclient: rate limited")
	ErrUpstream5xx   = errors.New("dexclient: upstream 5xx")
	ErrCircuitOpen   = errors.New("dexclient: circuit open")
	ErrInvalidAlpha  = errors.New("smoother: alpha out of range")
	ErrRpcUnavailable = errors.New("spam: rpc unavailable")
)

// IsServiceError reports whether err (or something it wraps) is a *ServiceError.
func IsServiceError(err error) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr)
}

// AsServiceError extracts a *ServiceError from err's chain, if present.
func AsServiceError(err error) (*ServiceError, bool) {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr, true
	}
	return nil, false
}
