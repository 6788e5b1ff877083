package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected  = errors.New("namespace not connected")
	ErrDisconnected  = errors.New("namespace disconnected")
	ErrUnauthorized  = errors.New("handshake rejected")
	ErrSendQueueFull = errors.New("send queue full")
	ErrCallsDisabled = errors.New("calls namespace unavailable")
	ErrClosed        = errors.New("channel closed")
)

// TransportError wraps a failure on one namespace. It is surfaced as state;
// nothing in the channel retries on its own.
type TransportError struct {
	Namespace Namespace
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Namespace, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
