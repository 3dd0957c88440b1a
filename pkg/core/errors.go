package core

import (
	"errors"
	"fmt"
)

// Error is the typed error shared by the call bridge packages. The Type decides
// how a caller reacts: retry, log and continue, or end the call.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	CallID  string    `json:"call_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code: %s)", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrTransient covers network blips and timeouts that are safe to retry.
	ErrTransient ErrorType = "transient_error"
	// ErrProtocolRace is a benign race with the far side, e.g. cancelling a
	// turn that already finished. Logged at debug level, never escalated.
	ErrProtocolRace ErrorType = "protocol_race"
	// ErrFatalSession ends the AI session. The call plays a fallback phrase
	// and hangs up; the process keeps running.
	ErrFatalSession ErrorType = "fatal_session_error"
	// ErrExhausted means a bounded resource is full (queue, dial slots).
	ErrExhausted ErrorType = "resource_exhausted"

	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrAPI            ErrorType = "api_error"
)

// NewTransientError wraps a retryable failure.
func NewTransientError(message string, err error) *Error {
	return &Error{Type: ErrTransient, Message: message, Err: err}
}

// NewProtocolRaceError reports a benign protocol race.
func NewProtocolRaceError(code, message string) *Error {
	return &Error{Type: ErrProtocolRace, Message: message, Code: code}
}

// NewFatalSessionError reports an unrecoverable AI session failure.
func NewFatalSessionError(message string, err error) *Error {
	return &Error{Type: ErrFatalSession, Message: message, Err: err}
}

// NewExhaustedError reports a full bounded resource.
func NewExhaustedError(message string) *Error {
	return &Error{Type: ErrExhausted, Message: message}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// NewConflictError creates a conflict error.
func NewConflictError(message string) *Error {
	return &Error{Type: ErrConflict, Message: message}
}

// TypeOf returns the ErrorType of the first *Error in err's chain, or "".
func TypeOf(err error) ErrorType {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool { return TypeOf(err) == ErrTransient }

// IsBenign reports whether err is a protocol race that should only be logged.
func IsBenign(err error) bool { return TypeOf(err) == ErrProtocolRace }

// IsFatal reports whether err ends the AI session.
func IsFatal(err error) bool { return TypeOf(err) == ErrFatalSession }
