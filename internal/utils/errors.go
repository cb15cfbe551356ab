package utils

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the outcomes handlers need to distinguish.
var (
	// ErrNotFound marks a subject or rule that is absent or soft-deleted.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks an operation skipped because another run holds it.
	ErrConflict = errors.New("already running")
	// ErrValidation marks malformed caller input.
	ErrValidation = errors.New("invalid input")
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// NotFound builds an AppError carrying ErrNotFound.
func NotFound(op, msg string) error {
	return &AppError{Op: op, Msg: msg, Err: ErrNotFound}
}

// Validation builds an AppError carrying ErrValidation.
func Validation(op, msg string) error {
	return &AppError{Op: op, Msg: msg, Err: ErrValidation}
}

// IsCancelled reports whether err stems from caller cancellation rather
// than a genuine failure. Cancelled work is suppressed, not logged.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
