package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures into the kinds callers dispatch on.
// Kinds, not concrete types, cross component boundaries.
type ErrorKind string

const (
	KindValidation    ErrorKind = "ValidationError"
	KindConflict      ErrorKind = "Conflict"
	KindNotFound      ErrorKind = "NotFound"
	KindUnauthorized  ErrorKind = "Unauthorized"
	KindRateLimited   ErrorKind = "RateLimited"
	KindTransient     ErrorKind = "Transient"
	KindUnavailable   ErrorKind = "Unavailable"
	KindState         ErrorKind = "StateError"
	KindUnrecoverable ErrorKind = "Unrecoverable"
)

// Fault is the error type carried across component boundaries. A
// trailing error argument, formatted into the message with %v, also
// becomes the wrapped cause so errors.Is/As keep working through it.
// RetryAfter is set for rate limits only.
type Fault struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

func cause(args []any) error {
	if len(args) == 0 {
		return nil
	}
	err, _ := args[len(args)-1].(error)
	return err
}

func newFault(kind ErrorKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause(args)}
}

func Validationf(format string, args ...any) *Fault {
	return newFault(KindValidation, format, args...)
}

func Conflictf(format string, args ...any) *Fault {
	return newFault(KindConflict, format, args...)
}

func NotFoundf(format string, args ...any) *Fault {
	return newFault(KindNotFound, format, args...)
}

func Unauthorizedf(format string, args ...any) *Fault {
	return newFault(KindUnauthorized, format, args...)
}

func RateLimitedf(retryAfter time.Duration, format string, args ...any) *Fault {
	f := newFault(KindRateLimited, format, args...)
	f.RetryAfter = retryAfter
	return f
}

func Transientf(format string, args ...any) *Fault {
	return newFault(KindTransient, format, args...)
}

func Unavailablef(format string, args ...any) *Fault {
	return newFault(KindUnavailable, format, args...)
}

func Statef(format string, args ...any) *Fault {
	return newFault(KindState, format, args...)
}

func Unrecoverablef(format string, args ...any) *Fault {
	return newFault(KindUnrecoverable, format, args...)
}

// KindOf extracts the kind from anywhere in the error chain. Errors
// that carry no Fault classify as Transient, which keeps unknown
// failures on the retry path instead of silently dropping work.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the failure is worth another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the advised wait for rate-limited errors, zero
// otherwise.
func RetryAfterOf(err error) time.Duration {
	var f *Fault
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	return 0
}
