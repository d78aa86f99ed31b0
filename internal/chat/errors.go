package chat

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned across a component boundary wraps
// exactly one of these.
var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrValidation           = errors.New("validation error")
	ErrProfileNotFound      = errors.New("profile not found")
	ErrPermission           = errors.New("permission denied")
	ErrTransient            = errors.New("transient error")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrNotFound             = errors.New("not found")
	ErrQueueEntryNotFound   = errors.New("queue entry not found")
	ErrUploadFailed         = errors.New("media upload failed")
)

var kinds = []error{
	ErrUnauthenticated,
	ErrValidation,
	ErrProfileNotFound,
	ErrPermission,
	ErrRetryBudgetExhausted,
	ErrUploadFailed,
	ErrTransient,
	ErrNotFound,
	ErrQueueEntryNotFound,
}

// Error carries an error kind, the operation that failed and the cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return e.Kind == target }

// E builds an *Error. A nil cause is allowed.
func E(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Classify returns the kind err belongs to, or nil for nil. Errors that
// match no kind are treated as transient: an unknown failure from the
// transport is retried rather than frozen.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrTransient
}

// Retryable reports whether err should consume retry budget instead of
// failing the message immediately.
func Retryable(err error) bool {
	return Classify(err) == ErrTransient
}
