package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth rejects a connection or request with a missing, invalid or expired token.
	ErrAuth = errors.New("unauthorized")

	// ErrValidation rejects a request that can never succeed as submitted.
	ErrValidation = errors.New("validation failed")

	// ErrBlocked rejects a send or conversation start between blocked users.
	ErrBlocked = fmt.Errorf("%w: participants have blocked each other", ErrValidation)

	// ErrNotFound reports an absent conversation or message, or one the caller cannot see.
	ErrNotFound = errors.New("not found")

	// ErrConflict reports a lost conversation-creation race. Stores retry it internally.
	ErrConflict = errors.New("conflict")

	// ErrTransport reports a retryable failure: persistence outage, timeout, dropped connection.
	ErrTransport = errors.New("transport failure")

	// ErrStaleState reports a status regression. Callers treat it as a no-op.
	ErrStaleState = errors.New("stale state")
)

// Retryable reports whether the caller may resubmit the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

// Validationf builds a validation error with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Code returns the stable machine-readable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "unauthorized"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTransport):
		return "unavailable"
	default:
		return "internal"
	}
}
