package backend

import (
	"errors"
	"fmt"
	"time"

	"inferbench/internal/measure"
)

// Kind classifies a backend failure. The retry policy decides on Kind alone.
type Kind string

const (
	KindNotConfigured Kind = "not_configured"
	KindTimeout       Kind = "timeout"
	KindRateLimited   Kind = "rate_limited"
	KindAPIError      Kind = "api_error"
)

// Error is the failure returned by Backend.Infer.
type Error struct {
	Kind    Kind
	Backend string
	Message string

	// RetryAfter is the server-advertised wait, for KindRateLimited only.
	RetryAfter *time.Duration

	// Partial holds whatever timing was captured before a timeout.
	Partial *measure.Timing

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Backend != "" {
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Reason converts the error into the failure reason stored on a sample.
func (e *Error) Reason() measure.Reason {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return measure.Reason{Kind: string(e.Kind), Message: msg}
}

// NewTimeout builds a KindTimeout error.
func NewTimeout(backend string, after time.Duration, partial *measure.Timing) *Error {
	return &Error{
		Kind:    KindTimeout,
		Backend: backend,
		Message: fmt.Sprintf("no response within %s", after),
		Partial: partial,
	}
}

// NewRateLimited builds a KindRateLimited error. retryAfter may be nil.
func NewRateLimited(backend, message string, retryAfter *time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Backend: backend, Message: message, RetryAfter: retryAfter}
}

// NewAPIError builds a KindAPIError error wrapping err.
func NewAPIError(backend, message string, err error) *Error {
	return &Error{Kind: KindAPIError, Backend: backend, Message: message, Err: err}
}

// NewNotConfigured builds a KindNotConfigured error.
func NewNotConfigured(backend, message string) *Error {
	return &Error{Kind: KindNotConfigured, Backend: backend, Message: message}
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// KindOf returns the failure kind of err. Errors that are not backend
// errors are treated as KindAPIError.
func KindOf(err error) Kind {
	if be, ok := AsError(err); ok {
		return be.Kind
	}
	return KindAPIError
}

// ReasonOf converts any error into a sample failure reason.
func ReasonOf(err error) measure.Reason {
	if be, ok := AsError(err); ok {
		return be.Reason()
	}
	return measure.Reason{Kind: string(KindAPIError), Message: err.Error()}
}
