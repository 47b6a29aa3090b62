package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeStore           = "STORE_ERROR"
	ErrCodeIntegrity       = "INTEGRITY_ERROR"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeAssertion       = "ASSERTION_FAILED"
	ErrCodeNotSupported    = "NOT_SUPPORTED"
	ErrCodeInvalidState    = "INVALID_TRANSITION"
	ErrCodeExpression      = "EXPRESSION_ERROR"
	ErrCodeNotHolder       = "NOT_HOLDER"
	ErrCodeRaiseExhausted  = "RAISE_EXHAUSTED"
	ErrCodeUnknownWorkflow = "UNKNOWN_WORKFLOW"
)

// Error is the structured error type for engine and store operations.
type Error struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	ActivityID string         `json:"activity_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *Error) Error() string {
	if e.ActivityID != "" {
		return fmt.Sprintf("[%s] activity %s: %s", e.Code, e.ActivityID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithActivity attaches an activity instance ID to the error.
func (e *Error) WithActivity(activityID string) *Error {
	e.ActivityID = activityID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsCode reports whether err, or any error it wraps, is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// Assertf reports a programmer contract violation, either in the engine or in a
// workflow implementation. These are never retried.
func Assertf(format string, args ...any) *Error {
	return NewErrorf(ErrCodeAssertion, format, args...)
}
