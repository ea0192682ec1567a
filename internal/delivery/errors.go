package delivery

import (
	"errors"
	"fmt"
)

// ErrorMessage is the only failure text ever shown to the user.
const ErrorMessage = "Something went wrong. Let's try again!"

// ErrDiscarded is returned when a response arrives for a session that was
// reset while the call was in flight.
var ErrDiscarded = errors.New("delivery: response discarded after session reset")

type ErrorKind string

const (
	ErrorValidation ErrorKind = "VALIDATION_REJECTION"
	ErrorTransport  ErrorKind = "TRANSPORT_FAILURE"
)

type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("delivery: %s (%s)", e.Kind, e.Reason)
	}
	return fmt.Sprintf("delivery: %s (%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func rejected(reason string) *Error {
	return &Error{Kind: ErrorValidation, Reason: reason}
}

func transportFailure(reason string, err error) *Error {
	return &Error{Kind: ErrorTransport, Reason: reason, Err: err}
}

// IsRejected reports whether err is a silently dropped validation rejection.
func IsRejected(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrorValidation
}
