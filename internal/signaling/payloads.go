package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// SessionDescription mirrors RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

func (s SessionDescription) validate(wantType string) error {
	if s.Type != wantType {
		return fmt.Errorf("sdp type %q, want %q", s.Type, wantType)
	}
	if strings.TrimSpace(s.SDP) == "" {
		return fmt.Errorf("empty sdp")
	}
	return nil
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// EndOfCandidates reports the empty candidate browsers send when gathering
// completes.
func (c Candidate) EndOfCandidates() bool {
	return c.Candidate == ""
}

// Outbound payloads.

type CallInitiateRequest struct {
	RecipientID string             `json:"recipientId"`
	Offer       SessionDescription `json:"offer"`
	CallType    CallType           `json:"callType"`
}

type CallAnswerRequest struct {
	CallerID string             `json:"callerId"`
	Answer   SessionDescription `json:"answer"`
}

type CandidateRequest struct {
	TargetUserID string    `json:"targetUserId"`
	Candidate    Candidate `json:"candidate"`
}

type CallRejectRequest struct {
	CallerID string `json:"callerId"`
}

type CallEndRequest struct {
	TargetUserID string `json:"targetUserId"`
}

// ConversationRequest is the payload of join, leave and outbound typing
// events.
type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type SendMessageRequest struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
}

type MarkReadRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// Inbound payloads. Each implements Inbound.

type Inbound interface {
	Event() Event
	validate() error
}

type CallOffer struct {
	CallerID string             `json:"callerId"`
	Offer    SessionDescription `json:"offer"`
	CallType CallType           `json:"callType"`
}

func (CallOffer) Event() Event { return EventCallInitiate }

func (p CallOffer) validate() error {
	if p.CallerID == "" {
		return fmt.Errorf("missing callerId")
	}
	if !p.CallType.Valid() {
		return fmt.Errorf("invalid callType %q", p.CallType)
	}
	return p.Offer.validate("offer")
}

type CallAnswer struct {
	CalleeID string             `json:"calleeId"`
	Answer   SessionDescription `json:"answer"`
}

func (CallAnswer) Event() Event { return EventCallAnswer }

func (p CallAnswer) validate() error {
	if p.CalleeID == "" {
		return fmt.Errorf("missing calleeId")
	}
	return p.Answer.validate("answer")
}

type RemoteCandidate struct {
	SenderID  string    `json:"senderId"`
	Candidate Candidate `json:"candidate"`
}

func (RemoteCandidate) Event() Event { return EventCallCandidate }

func (p RemoteCandidate) validate() error {
	if p.SenderID == "" {
		return fmt.Errorf("missing senderId")
	}
	return nil
}

type CallRejected struct {
	CalleeID string `json:"calleeId"`
}

func (CallRejected) Event() Event { return EventCallReject }

func (p CallRejected) validate() error {
	if p.CalleeID == "" {
		return fmt.Errorf("missing calleeId")
	}
	return nil
}

type CallEnded struct {
	UserID string `json:"userId"`
}

func (CallEnded) Event() Event { return EventCallEnd }

func (p CallEnded) validate() error {
	if p.UserID == "" {
		return fmt.Errorf("missing userId")
	}
	return nil
}

// MessageRecord is a server-side message as delivered by message:receive and
// echoed in send acknowledgments.
type MessageRecord struct {
	ID             string      `json:"_id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	CreatedAt      string      `json:"createdAt,omitempty"`
}

func (MessageRecord) Event() Event { return EventMessageReceive }

func (p MessageRecord) validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("missing _id")
	case p.ConversationID == "":
		return fmt.Errorf("missing conversationId")
	case p.SenderID == "":
		return fmt.Errorf("missing senderId")
	case p.Type != "" && !p.Type.Valid():
		return fmt.Errorf("invalid type %q", p.Type)
	}
	if p.CreatedAt != "" {
		if _, err := time.Parse(time.RFC3339Nano, p.CreatedAt); err != nil {
			return fmt.Errorf("invalid createdAt %q", p.CreatedAt)
		}
	}
	return nil
}

// CreatedTime returns the server timestamp, or fallback when absent.
func (p MessageRecord) CreatedTime(fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, p.CreatedAt); err == nil {
		return t
	}
	return fallback
}

// TypingNotice is the inbound typing:start / typing:stop payload.
type TypingNotice struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Active         bool   `json:"-"`
}

func (p TypingNotice) Event() Event {
	if p.Active {
		return EventTypingStart
	}
	return EventTypingStop
}

func (p TypingNotice) validate() error {
	if p.UserID == "" {
		return fmt.Errorf("missing userId")
	}
	if p.ConversationID == "" {
		return fmt.Errorf("missing conversationId")
	}
	return nil
}

type PresenceNotice struct {
	UserID string `json:"userId"`
	Online bool   `json:"-"`
}

func (p PresenceNotice) Event() Event {
	if p.Online {
		return EventUserOnline
	}
	return EventUserOffline
}

func (p PresenceNotice) validate() error {
	if p.UserID == "" {
		return fmt.Errorf("missing userId")
	}
	return nil
}

// Decode maps an inbound event and its payload to the matching Inbound type.
func Decode(event Event, data json.RawMessage) (Inbound, error) {
	var (
		in  Inbound
		err error
	)
	switch event {
	case EventCallInitiate:
		in, err = decodeAs[CallOffer](data)
	case EventCallAnswer:
		in, err = decodeAs[CallAnswer](data)
	case EventCallCandidate:
		in, err = decodeAs[RemoteCandidate](data)
	case EventCallReject:
		in, err = decodeAs[CallRejected](data)
	case EventCallEnd:
		in, err = decodeAs[CallEnded](data)
	case EventMessageReceive:
		in, err = decodeAs[MessageRecord](data)
	case EventTypingStart, EventTypingStop:
		var p TypingNotice
		p, err = decodeAs[TypingNotice](data)
		p.Active = event == EventTypingStart
		in = p
	case EventUserOnline, EventUserOffline:
		var p PresenceNotice
		p, err = decodeAs[PresenceNotice](data)
		p.Online = event == EventUserOnline
		in = p
	default:
		return nil, protocolErrorf(event, "unknown event")
	}
	if err != nil {
		return nil, &ProtocolError{Event: event, Reason: "malformed payload", Err: err}
	}
	if err := in.validate(); err != nil {
		return nil, &ProtocolError{Event: event, Reason: "invalid payload", Err: err}
	}
	return in, nil
}

func decodeAs[T any](data json.RawMessage) (T, error) {
	var v T
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return v, fmt.Errorf("payload must be a JSON object")
	}
	err := json.Unmarshal(trimmed, &v)
	return v, err
}

// Ack is the structured acknowledgment for join, leave, send and read.
type Ack struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Message *MessageRecord `json:"message,omitempty"`
}

// DecodeAck interprets an acknowledgment payload. A missing payload counts as
// success. A message echo that does not match MessageRecord is dropped
// rather than failing the ack.
func DecodeAck(event Event, data json.RawMessage) (Ack, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Ack{Success: true}, nil
	}

	var raw struct {
		Success *bool           `json:"success"`
		Error   string          `json:"error"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Ack{}, &ProtocolError{Event: event, Reason: "malformed ack", Err: err}
	}
	if raw.Success == nil {
		return Ack{}, protocolErrorf(event, "ack missing success")
	}

	ack := Ack{Success: *raw.Success, Error: raw.Error}
	if m := bytes.TrimSpace(raw.Message); len(m) > 0 && m[0] == '{' {
		var rec MessageRecord
		if err := json.Unmarshal(m, &rec); err == nil && rec.ID != "" {
			ack.Message = &rec
		}
	}
	return ack, nil
}
