package call

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyRoom     = errors.New("room name is required")
	ErrEmptyName     = errors.New("display name is required")
	ErrAlreadyJoined = errors.New("already in a call")
	ErrMediaAccess   = errors.New("could not access camera or microphone")
	ErrConnect       = errors.New("could not connect to signaling server")
	ErrServer        = errors.New("signaling server error")
	ErrSignalingLost = errors.New("connection to signaling server lost")
	ErrClosed        = errors.New("session closed")
	ErrJoinCanceled  = errors.New("join canceled")
)

// Error describes a failed call operation.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
