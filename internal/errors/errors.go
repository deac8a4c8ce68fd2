package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a termctx error code.
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"     // 400
	ErrConfiguration   ErrorCode = "CONFIGURATION_ERROR" // 400
	ErrCapacity        ErrorCode = "CAPACITY_ERROR"      // 400
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND"   // 404
	ErrInternal        ErrorCode = "INTERNAL"            // 500
)

// CtxError represents a structured error with code, status, and details.
type CtxError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *CtxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for malformed request parameters,
// such as an empty session id.
func NewInvalidRequest(msg string) *CtxError {
	return &CtxError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewConfiguration creates a 400 error for an invalid window, cache, or
// buffer parameter. field names the offending setting.
func NewConfiguration(field, msg string) *CtxError {
	return &CtxError{
		Code:    ErrConfiguration,
		Status:  400,
		Message: fmt.Sprintf("invalid %s: %s", field, msg),
		Details: map[string]any{"field": field},
	}
}

// NewCapacity creates a 400 error for a buffer constructed with capacity < 1.
func NewCapacity(capacity int) *CtxError {
	return &CtxError{
		Code:    ErrCapacity,
		Status:  400,
		Message: fmt.Sprintf("buffer capacity must be at least 1, got %d", capacity),
		Details: map[string]any{"capacity": capacity},
	}
}

// NewSessionNotFound creates a 404 error for an unknown or ended session.
func NewSessionNotFound(sessionID string) *CtxError {
	return &CtxError{
		Code:    ErrSessionNotFound,
		Status:  404,
		Message: fmt.Sprintf("session not found: %s", sessionID),
		Details: map[string]any{"session_id": sessionID},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *CtxError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &CtxError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error (or anything it wraps) is a CtxError with the given code.
func Is(err error, code ErrorCode) bool {
	var cErr *CtxError
	if stderrors.As(err, &cErr) {
		return cErr.Code == code
	}
	return false
}

// As returns the CtxError in err's chain, if any.
func As(err error) (*CtxError, bool) {
	var cErr *CtxError
	ok := stderrors.As(err, &cErr)
	return cErr, ok
}
