// Package errors defines the service error taxonomy used at the HTTP boundary.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine readable error identifier.
type ErrorCode string

const (
	ErrCodeBadRequest         ErrorCode = "REQ_1001"
	ErrCodeInvalidFormat      ErrorCode = "REQ_1002"
	ErrCodeNotFound           ErrorCode = "REQ_1004"
	ErrCodeUnauthorized       ErrorCode = "AUTH_2001"
	ErrCodeInvalidToken       ErrorCode = "AUTH_2002"
	ErrCodeForbidden          ErrorCode = "AUTH_2003"
	ErrCodeRateLimitExceeded  ErrorCode = "RATE_3001"
	ErrCodeServiceUnavailable ErrorCode = "DB_4001"
	ErrCodeInternal           ErrorCode = "SYS_5001"
)

// ServiceError is an error that knows how it should be rendered over HTTP.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a detail field and returns the same error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError.
func New(code ErrorCode, message string, status int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap creates a ServiceError around an underlying cause.
func Wrap(err error, code ErrorCode, message string, status int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func BadRequest(message string) *ServiceError {
	return New(ErrCodeBadRequest, message, http.StatusBadRequest)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func NotFound(resource string) *ServiceError {
	return New(ErrCodeNotFound, resource+" not found", http.StatusNotFound)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "unauthorized"
	}
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(err, ErrCodeInvalidToken, "invalid or expired token", http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "forbidden"
	}
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// ServiceUnavailable marks a temporary, retryable failure of a dependency.
func ServiceUnavailable(message string, err error) *ServiceError {
	return Wrap(err, ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(err, ErrCodeInternal, message, http.StatusInternalServerError)
}

// GetServiceError returns the first ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if stderrors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}
