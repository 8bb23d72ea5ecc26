package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrTransport - connection refused, timeout or abort while reading the stream
	ErrTransport = errors.New("transport error")

	// ErrProtocol - malformed frame or JSON, unexpected type, thread id reassignment
	ErrProtocol = errors.New("protocol error")

	// ErrApplication - server declared an error event
	ErrApplication = errors.New("application error")

	// ErrStore - persistence read or write failed
	ErrStore = errors.New("store error")

	// ErrStale - list degraded to the previously cached sessions (warning, not fatal)
	ErrStale = errors.New("stale data")

	// ErrNotFound - session not found
	ErrNotFound = errors.New("not found")

	// ErrReadOnly - session is finished and rejects further answers
	ErrReadOnly = errors.New("session is read-only")

	// ErrBusy - a draft is already outstanding for the thread
	ErrBusy = errors.New("draft in flight")

	// ErrInvalidInput - invalid input
	ErrInvalidInput = errors.New("invalid input")
)

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
