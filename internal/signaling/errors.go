package signaling

import "fmt"

// ProtocolError reports a malformed or unexpected event. Handlers log it and
// drop the event without changing state.
type ProtocolError struct {
	Event  Event
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "signaling protocol error"
	if e.Event != "" {
		msg += fmt.Sprintf(" (%s)", e.Event)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(event Event, format string, args ...any) *ProtocolError {
	return &ProtocolError{Event: event, Reason: fmt.Sprintf(format, args...)}
}
