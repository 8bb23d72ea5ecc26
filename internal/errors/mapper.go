package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorMapper maps external errors to the client error taxonomy
type ErrorMapper interface {
	MapError(err error) error
	Category(err error) string
}

// DefaultErrorMapper implements the taxonomy mapping
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError classifies a raw transport or persistence error.
// Errors already carrying a category are returned unchanged.
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	if m.Category(err) != "Unknown" {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timed out: %w", ErrTransport)
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("request aborted: %w", ErrTransport)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("request timed out: %w", ErrTransport)
		}
		return fmt.Errorf("network error: %v: %w", err, ErrTransport)
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "unexpected eof"), strings.Contains(errStr, "broken pipe"):
		return fmt.Errorf("connection failed: %v: %w", err, ErrTransport)

	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("request timed out: %w", ErrTransport)

	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "does not exist"):
		return fmt.Errorf("resource not found: %v: %w", err, ErrNotFound)

	case strings.Contains(errStr, "invalid character"), strings.Contains(errStr, "unexpected end of json"):
		return fmt.Errorf("malformed payload: %v: %w", err, ErrProtocol)

	default:
		return fmt.Errorf("%v: %w", err, ErrTransport)
	}
}

// Category returns the taxonomy name for an error
func (m *DefaultErrorMapper) Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrStale):
		return "StaleData"
	case errors.Is(err, ErrTransport):
		return "TransportError"
	case errors.Is(err, ErrProtocol):
		return "ProtocolError"
	case errors.Is(err, ErrApplication):
		return "ApplicationError"
	case errors.Is(err, ErrStore):
		return "StoreError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrReadOnly):
		return "ReadOnly"
	case errors.Is(err, ErrBusy):
		return "Busy"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	default:
		return "Unknown"
	}
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCategory attaches a category to err while keeping err in the chain
func WrapWithCategory(err error, message string, category error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w: %w", message, err, category)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// Transport wraps message as transport error
func Transport(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransport)
}

// Protocol wraps message as protocol error
func Protocol(message string) error {
	return fmt.Errorf("%s: %w", message, ErrProtocol)
}

// Application wraps message as application error
func Application(message string) error {
	return fmt.Errorf("%s: %w", message, ErrApplication)
}

// Store wraps message as store error
func Store(message string) error {
	return fmt.Errorf("%s: %w", message, ErrStore)
}

// NotFound wraps message as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidInput wraps message as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// ReadOnly wraps message as read-only rejection
func ReadOnly(message string) error {
	return fmt.Errorf("%s: %w", message, ErrReadOnly)
}

// Busy wraps message as busy rejection
func Busy(message string) error {
	return fmt.Errorf("%s: %w", message, ErrBusy)
}
