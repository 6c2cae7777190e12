// Package errs defines the error taxonomy shared by the domain services and
// the HTTP layer. Services return *Error values; handlers map the Kind to a
// status code and a stable machine-readable string.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindUnauthorized      Kind = "unauthorized"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindPayloadTooLarge   Kind = "payload_too_large"
	KindDownstreamTimeout Kind = "downstream_timeout"
	KindInternal          Kind = "internal_error"
)

// Conflict codes.
const (
	CodeIdempotencyConflict   = "idempotency_key_conflict"
	CodeIdempotencyInProgress = "idempotency_in_progress"
	CodeSessionEnded          = "session_ended"
	CodeEndReasonConflict     = "end_reason_conflict"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Details carries per-field validation messages.
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a validation error. details may be nil.
func Validation(msg string, details map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Details: details}
}

// Field returns a validation error for a single field.
func Field(field, msg string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: "invalid request: " + field,
		Details: map[string]string{field: msg},
	}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// NotFound reports a missing entity, formatted as "<entity> not found: <key>".
func NotFound(entity, key string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %s", entity, key)}
}

func Conflict(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

func TooLarge(msg string) *Error {
	return &Error{Kind: KindPayloadTooLarge, Message: msg}
}

// Timeout wraps a deadline failure of a database or downstream call.
func Timeout(err error) *Error {
	return &Error{Kind: KindDownstreamTimeout, Message: "downstream call timed out", Err: err}
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// From classifies any error. Typed errors pass through, deadline failures
// become downstream timeouts and everything else is internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	return Internal(err)
}

// KindOf returns the Kind of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Status maps a Kind to its HTTP status code.
func Status(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindDownstreamTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FieldMessage returns the detail recorded for field in err, falling back
// to the error text. Used to fold one validation error into another.
func FieldMessage(err error, field string) string {
	if msg := From(err).Details[field]; msg != "" {
		return msg
	}
	return err.Error()
}
