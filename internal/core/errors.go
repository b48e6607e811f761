package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrTimeout marks a completion wait that ended before every session terminated.
// Barriers report it through their outcome rather than as a returned error.
var ErrTimeout = errors.New("timed out waiting for sessions to finish")

// ErrInvalidArgument is the configuration error: a scenario parameter that can
// never work. It is raised at construction time and never retried.
type ErrInvalidArgument struct {
	Name    string      // Field the value was provided for, e.g. "publishers.count"
	Value   interface{} // The invalid value
	Message string      // Optional explanation
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// IsConfigurationError reports whether err, or anything it wraps, is an ErrInvalidArgument.
func IsConfigurationError(err error) bool {
	var e *ErrInvalidArgument
	return errors.As(err, &e)
}

// TransportError wraps a failure reported by the broker collaborator.
type TransportError struct {
	Op  string // dial, publish, subscribe, receive, ack
	Err error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", err.Op, err.Err)
}

func (err *TransportError) Unwrap() error {
	return err.Err
}

// NewTransportError wraps err with op, keeping the call stack of the failure site.
// A nil err yields nil.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return errors.WithStack(&TransportError{Op: op, Err: err})
}

// IsTransportError reports whether err, or anything it wraps, is a TransportError.
func IsTransportError(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}
