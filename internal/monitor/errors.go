package monitor

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Every error produced by a monitor component matches exactly one
// of these through errors.Is.
var (
	ErrFetch         = errors.New("fetch failed")
	ErrNotFound      = errors.New("not found")
	ErrParse         = errors.New("parse failed")
	ErrConfiguration = errors.New("configuration error")
	ErrDelivery      = errors.New("delivery failed")
	ErrStore         = errors.New("store unavailable")
	ErrInvalidInput  = errors.New("invalid input")
	ErrRunInProgress = errors.New("check already in progress")
)

// FetchError reports a transport failure or a non-success HTTP status.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s failed", e.URL)
	}
}

// Unwrap exposes the kind and the underlying cause.
func (e *FetchError) Unwrap() []error {
	return unwrapKind(ErrFetch, e.Err)
}

// Error is a kinded error with the failing operation attached.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	return unwrapKind(e.Kind, e.Err)
}

func unwrapKind(kind, cause error) []error {
	if cause == nil {
		return []error{kind}
	}
	return []error{kind, cause}
}

// Wrap attaches kind and op to err. A nil err still produces an error of kind.
func Wrap(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind error, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns a short label for the error kind, suitable for metrics.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrDelivery):
		return "delivery"
	case errors.Is(err, ErrStore):
		return "store"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrRunInProgress):
		return "in_progress"
	default:
		return "unknown"
	}
}
