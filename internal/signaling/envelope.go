package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type FrameType string

const (
	FrameTypeEvent FrameType = "event"
	FrameTypeAck   FrameType = "ack"
)

// Frame is one websocket text message on a namespace connection.
//
// Events carry an ID only when the sender wants an acknowledgment; acks echo
// that ID and may carry no data.
type Frame struct {
	Type  FrameType       `json:"type"`
	Event Event           `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    *uint64         `json:"id,omitempty"`
}

// ParseFrame strictly decodes a frame: unknown envelope fields and trailing
// data are rejected.
func ParseFrame(data []byte) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Frame{}, &ProtocolError{Reason: "invalid frame", Err: err}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Frame{}, &ProtocolError{Reason: "unexpected trailing data"}
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Type {
	case FrameTypeEvent:
		if f.Event == "" {
			return &ProtocolError{Reason: "event frame missing event name"}
		}
	case FrameTypeAck:
		if f.ID == nil {
			return &ProtocolError{Reason: "ack frame missing id"}
		}
		if f.Event != "" {
			return &ProtocolError{Reason: "ack frame must not name an event"}
		}
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unsupported frame type %q", f.Type)}
	}
	return nil
}

// HasData reports whether the frame carries a non-null payload.
func (f Frame) HasData() bool {
	trimmed := bytes.TrimSpace(f.Data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// EncodeEvent marshals an event frame. id is nil for fire-and-forget emits.
func EncodeEvent(event Event, payload any, id *uint64) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Type: FrameTypeEvent, Event: event, Data: data, ID: id})
}

// EncodeAck marshals an acknowledgment. A nil payload produces an ack with no
// data.
func EncodeAck(id uint64, payload any) ([]byte, error) {
	f := Frame{Type: FrameTypeAck, ID: &id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode ack payload: %w", err)
		}
		f.Data = data
	}
	return json.Marshal(f)
}
