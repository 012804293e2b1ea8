// Package enginerr defines the typed error taxonomy for the engine.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindInvalidState        Kind = "invalid_state"
	KindUnauthorized        Kind = "unauthorized"
	KindValidation          Kind = "validation_error"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderTimeout     Kind = "provider_timeout"
	KindContentRejected     Kind = "content_rejected"
	KindCapacityExceeded    Kind = "capacity_exceeded"
	KindInternal            Kind = "internal_error"
)

// Error is a typed engine error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// NotFound creates a not-found error.
func NotFound(message string) *Error {
	return New(KindNotFound, message, nil)
}

// InvalidState creates an invalid-state error.
func InvalidState(message string) *Error {
	return New(KindInvalidState, message, nil)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return New(KindUnauthorized, message, nil)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message, nil)
}

// ProviderUnavailable creates a retryable provider error.
func ProviderUnavailable(cause error) *Error {
	return New(KindProviderUnavailable, "generation provider unavailable", cause)
}

// ProviderTimeout creates a retryable provider timeout error.
func ProviderTimeout(cause error) *Error {
	return New(KindProviderTimeout, "generation provider timed out", cause)
}

// ContentRejected creates a non-retryable provider refusal. The message is
// the provider's own refusal text and is surfaced verbatim.
func ContentRejected(message string) *Error {
	return New(KindContentRejected, message, nil)
}

// CapacityExceeded creates a quota/rate error.
func CapacityExceeded(message string) *Error {
	return New(KindCapacityExceeded, message, nil)
}

// Internal creates an internal error wrapping a cause.
func Internal(message string, cause error) *Error {
	return New(KindInternal, message, cause)
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsInvalidState reports whether err is an invalid-state error.
func IsInvalidState(err error) bool { return Is(err, KindInvalidState) }

// IsUnauthorized reports whether err is an unauthorized error.
func IsUnauthorized(err error) bool { return Is(err, KindUnauthorized) }

// IsContentRejected reports whether err is a provider refusal.
func IsContentRejected(err error) bool { return Is(err, KindContentRejected) }

// IsRetryable reports whether err is a transient provider failure worth
// retrying with backoff.
func IsRetryable(err error) bool {
	return Is(err, KindProviderUnavailable) || Is(err, KindProviderTimeout)
}
