package domain

import (
	"errors"
	"fmt"
)

// Error kinds returned by tool calls. Each carries a machine-readable tag,
// a short human message, and an optional structured data payload.
const (
	ErrInvalidArgument          = "INVALID_ARGUMENT"
	ErrProjectNotFound          = "PROJECT_NOT_FOUND"
	ErrAgentNotFound            = "AGENT_NOT_FOUND"
	ErrRecipientProjectNotFound = "RECIPIENT_PROJECT_NOT_FOUND"
	ErrRecipientNotFound        = "RECIPIENT_NOT_FOUND"
	ErrContactRequired          = "CONTACT_REQUIRED"
	ErrContactPending           = "CONTACT_PENDING"
	ErrReservationConflict      = "FILE_RESERVATION_CONFLICT"
	ErrReservationNotStale      = "FILE_RESERVATION_NOT_STALE"
	ErrResourceBusy             = "RESOURCE_BUSY"
	ErrCircuitOpen              = "CIRCUIT_OPEN"
	ErrInternal                 = "INTERNAL_ERROR"
)

// Error is a structured domain error. Recoverable errors are presented to
// clients without stack traces; the adapter may retry them.
type Error struct {
	Kind        string         `json:"kind"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	Recoverable bool           `json:"recoverable,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// E builds a domain error with a formatted message.
func E(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches a structured payload and returns the error.
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

// Busy builds a recoverable RESOURCE_BUSY error.
func Busy(format string, args ...any) *Error {
	return &Error{Kind: ErrResourceBusy, Message: fmt.Sprintf(format, args...), Recoverable: true}
}

// Invalid builds an INVALID_ARGUMENT error.
func Invalid(format string, args ...any) *Error {
	return E(ErrInvalidArgument, format, args...)
}

// As unwraps err into a domain Error.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// Kind returns the error kind of err, or INTERNAL_ERROR for plain errors.
func Kind(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrInternal
}
