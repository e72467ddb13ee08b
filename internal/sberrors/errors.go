package sberrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies an error for propagation policy decisions.
type ErrorCode string

const (
	// ErrCodeValidation marks input rejected synchronously with detail.
	ErrCodeValidation ErrorCode = "validation_failed"
	// ErrCodeNotFound marks a missing entity.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict marks concurrent-modification and uniqueness conflicts.
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeTransient marks infrastructure failures worth retrying.
	ErrCodeTransient ErrorCode = "transient"
	// ErrCodeTimeout marks deadline and cancellation failures.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeExhausted marks an operation that ran out of retry budget.
	ErrCodeExhausted ErrorCode = "resource_exhausted"
	// ErrCodeFatal marks invariant violations; the affected aggregate is
	// no longer trustworthy and must not be auto-recovered.
	ErrCodeFatal ErrorCode = "fatal"
	// ErrCodeInternal marks unclassified internal failures.
	ErrCodeInternal ErrorCode = "internal"
)

// Error is the error type carried across package boundaries.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error

	// RetryAfter, when set, overrides the backoff delay for the next attempt.
	RetryAfter *time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an error with a code and message. Returns nil for nil input.
func Wrap(err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// Wrapf wraps an error with a code and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// GetCode extracts the code from an error chain. Unwrapped errors are
// reported as internal.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether an operation that produced err should be
// retried. Only transient infrastructure failures and OCC conflicts
// qualify; validation, not-found and fatal errors propagate immediately.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrCodeTransient, ErrCodeConflict:
		return true
	default:
		return false
	}
}

// Is checks if an error matches a target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As extracts an error of a specific type.
func As(err error, target any) bool {
	return errors.As(err, target)
}
