// Package trinityerr implements the control plane's error taxonomy: a
// small set of stable codes that every subsystem returns through, and a
// single sanitizing formatter that keeps secret values and raw causes
// out of anything sent across a process boundary.
package trinityerr

import (
	"errors"
	"fmt"
)

// Code is one of the stable error categories surfaced to API callers.
type Code string

const (
	InvalidInput        Code = "invalid_input"
	Unauthorized        Code = "unauthorized"
	Forbidden           Code = "forbidden"
	NotFound            Code = "not_found"
	Conflict            Code = "conflict"
	TemplateUnavailable Code = "template_unavailable"
	EngineUnavailable   Code = "engine_unavailable"
	QueueNotReady       Code = "queue_not_ready"
	Timeout             Code = "timeout"
	Cancelled           Code = "cancelled"
	Internal            Code = "internal"
)

// Error is the typed error every internal package returns.
type Error struct {
	Code    Code
	Message string
	Hint    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error carrying cause as context.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithHint attaches operator-facing guidance and returns the receiver.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// CodeOf extracts the Code from err, defaulting to Internal for errors
// that were never classified.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return Internal
}

// Sanitize produces the representation safe to hand to an HTTP response,
// a WebSocket error frame, or a log line at info level: the stable code
// and message, never the cause (which may embed a decrypted secret value,
// a connection string, or another internal detail) and never a raw Go
// error string from a collaborator package.
func Sanitize(err error) (code Code, message string) {
	var te *Error
	if errors.As(err, &te) {
		return te.Code, te.Message
	}
	return Internal, "internal error"
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
