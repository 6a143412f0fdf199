package mediator

import "errors"

var (
	// ErrInvalidArgument reports a malformed or out-of-range request. It is
	// always synchronous and never mutates mediator state.
	ErrInvalidArgument = errors.New("mediator: invalid argument")

	// ErrNotSupported reports an operation code the mediator does not
	// implement.
	ErrNotSupported = errors.New("mediator: not supported")

	// ErrClosed reports a call against a handle that was already closed.
	ErrClosed = errors.New("mediator: device closed")
)
