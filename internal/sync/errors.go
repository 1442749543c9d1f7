package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies provider and sync failures for retry policy.
type ErrorKind string

const (
	KindUnknown          ErrorKind = "unknown"
	KindAuth             ErrorKind = "auth"
	KindRateLimited      ErrorKind = "rate_limited"
	KindTransient        ErrorKind = "transient_network"
	KindNotFound         ErrorKind = "not_found"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindCancelled        ErrorKind = "cancelled"
	// KindCursorInvalid means the provider no longer accepts a stored
	// delta cursor and the folder must be listed again from scratch.
	KindCursorInvalid ErrorKind = "cursor_invalid"
)

var (
	// ErrNotFound is returned by repositories for absent records.
	ErrNotFound = errors.New("not found")

	// ErrJobRunning is returned when an account already holds a job slot.
	ErrJobRunning = errors.New("sync job already running for account")
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind       ErrorKind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// RateLimited builds a KindRateLimited error carrying the provider delay.
func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Context
// errors classify without an *Error wrapper.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindUnknown
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfterOf returns the provider supplied retry delay, if any.
func RetryAfterOf(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// Fatal reports whether a failure must not be retried automatically.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindPermissionDenied:
		return true
	}
	return false
}

// Classify keeps an already classified err and maps context and network
// failures. Anything else gets fallback.
func Classify(op string, err error, fallback ErrorKind) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewError(KindCancelled, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTransient, op, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return NewError(KindTransient, op, err)
	}
	return NewError(fallback, op, err)
}

// ParseRetryAfter reads a Retry-After value given in seconds or as an
// HTTP date. It returns 0 when v is empty or malformed.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
