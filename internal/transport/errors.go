package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMessageHandler is returned to HTTP callers when nothing consumes
	// inbound messages.
	ErrNoMessageHandler = errors.New("no message handler")

	// ErrHandoverRejected means a bridge answered the handover request but
	// refused it.
	ErrHandoverRejected = errors.New("handover rejected")

	// ErrHandoverUnreachable means no bridge answered the handover request.
	ErrHandoverUnreachable = errors.New("handover unreachable")

	ErrAlreadyStarted = errors.New("transport already started")
)

// PortBindError is returned by Start when the listener cannot be bound.
type PortBindError struct {
	Port int
	Err  error
}

func (e *PortBindError) Error() string {
	return fmt.Sprintf("failed to bind to port %d: %v", e.Port, e.Err)
}

func (e *PortBindError) Unwrap() error {
	return e.Err
}
