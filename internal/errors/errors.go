// Package errors holds the error taxonomy shared by the server, the HTTP
// client and the CLI. Codes travel over the wire unchanged, so a client
// rebuilds the same *AppError the service returned.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired   ErrorCode = "MISSING_REQUIRED"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeAlreadyConnected  ErrorCode = "ALREADY_CONNECTED"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
	ErrCodeStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
)

var codeStatus = map[ErrorCode]int{
	ErrCodeForbidden:         http.StatusForbidden,
	ErrCodeValidation:        http.StatusBadRequest,
	ErrCodeInvalidInput:      http.StatusBadRequest,
	ErrCodeMissingRequired:   http.StatusBadRequest,
	ErrCodeNotFound:          http.StatusNotFound,
	ErrCodeConflict:          http.StatusConflict,
	ErrCodeAlreadyConnected:  http.StatusConflict,
	ErrCodeRateLimitExceeded: http.StatusTooManyRequests,
	ErrCodeStoreUnavailable:  http.StatusServiceUnavailable,
}

// HTTPStatus is the response status for c. Unknown codes map to 500.
func (c ErrorCode) HTTPStatus() int {
	if status, ok := codeStatus[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

func (e *AppError) Error() string {
	if e.cause == nil {
		return string(e.Code) + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
}

func (e *AppError) Unwrap() error { return e.cause }

func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code ErrorCode, message string, cause error) *AppError {
	return New(code, message).WithCause(cause)
}

// Pairing outcomes.

// CouldNotConnect is the NotFound returned for QR and PIN attempts. Invalid,
// consumed and expired codes share one message so callers cannot tell which
// codes are live.
func CouldNotConnect() *AppError {
	return New(ErrCodeNotFound, "Could not connect: invalid or expired code")
}

func AlreadyConnected() *AppError {
	return New(ErrCodeAlreadyConnected, "Connection already established with another device")
}

func Conflict(message string) *AppError { return New(ErrCodeConflict, message) }

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, resource+" not found")
}

func Forbidden(message string) *AppError { return New(ErrCodeForbidden, message) }

// Input problems.

func ValidationError(message string) *AppError { return New(ErrCodeValidation, message) }

func InvalidInput(field, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, field+" is required")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Too many attempts, try again later")
}

// Infrastructure.

func Internal(message string) *AppError { return New(ErrCodeInternal, message) }

// StoreUnavailable hides cause from clients; it is kept for logs only.
func StoreUnavailable(cause error) *AppError {
	return Wrap(ErrCodeStoreUnavailable, "Store unavailable", cause)
}

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the code of the AppError in err's chain, or
// ErrCodeInternal when there is none.
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
