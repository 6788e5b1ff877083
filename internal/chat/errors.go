package chat

import (
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

var (
	ErrNotJoined    = errors.New("conversation not joined")
	ErrEmptyMessage = errors.New("message content is empty")
)

// AckError reports a join, leave, send or read that the server refused.
type AckError struct {
	Event  signaling.Event
	Reason string
}

func (e *AckError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "refused by server"
	}
	return fmt.Sprintf("%s: %s", e.Event, reason)
}

// checkAck decodes an ack payload and converts a refusal into *AckError.
func checkAck(event signaling.Event, raw []byte) (signaling.Ack, error) {
	ack, err := signaling.DecodeAck(event, raw)
	if err != nil {
		return signaling.Ack{}, err
	}
	if !ack.Success {
		return ack, &AckError{Event: event, Reason: ack.Error}
	}
	return ack, nil
}
