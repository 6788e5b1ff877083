package call

import (
	"context"
	"errors"
	"time"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/media"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

type State string

const (
	StateIdle            State = "idle"
	StateDialing         State = "dialing"
	StateRinging         State = "ringing"
	StateIncomingPending State = "incoming_pending"
	StateAnswering       State = "answering"
	StateConnected       State = "connected"
	StateEnded           State = "ended"
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

type EndReason string

const (
	ReasonLocalHangup    EndReason = "local_hangup"
	ReasonRemoteHangup   EndReason = "remote_hangup"
	ReasonRejected       EndReason = "rejected"
	ReasonRemoteRejected EndReason = "remote_rejected"
	ReasonTimeout        EndReason = "timeout"
	ReasonFailed         EndReason = "failed"
	ReasonDisconnected   EndReason = "disconnected"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoPendingCall  = errors.New("no pending incoming call")
	ErrNoActiveCall   = errors.New("no active call")
	ErrInvalidPeer    = errors.New("invalid peer id")
)

// Negotiator is the per-call negotiation handle. *webrtcpeer.Peer
// implements it.
type Negotiator interface {
	AddStream(s *media.Stream) error
	CreateOffer(ctx context.Context) (signaling.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error)
	ApplyAnswer(answer signaling.SessionDescription) error
	AddRemoteCandidate(c signaling.Candidate) error
	Close() error
}

// NegotiatorEvents are raised from negotiation goroutines. The machine never
// takes its lock synchronously inside them.
type NegotiatorEvents struct {
	LocalCandidate func(signaling.Candidate)
	RemoteTrack    func(kind string)
	Failed         func()
}

type NegotiatorFactory func(events NegotiatorEvents) (Negotiator, error)

// Signaler carries outbound call events. *transport.Channel implements it.
type Signaler interface {
	Emit(event signaling.Event, payload any) error
}

// Session is the read-only view of the active call.
type Session struct {
	PeerID       string             `json:"peerId"`
	Kind         signaling.CallType `json:"callType"`
	Role         Role               `json:"role"`
	AudioEnabled bool               `json:"audioEnabled"`
	VideoEnabled bool               `json:"videoEnabled"`
	RemoteTracks []string           `json:"remoteTracks,omitempty"`
	StartedAt    time.Time          `json:"startedAt"`
	ConnectedAt  time.Time          `json:"connectedAt,omitempty"`
}

// PendingCall is an inbound offer awaiting Answer or Reject.
type PendingCall struct {
	CallerID   string             `json:"callerId"`
	Kind       signaling.CallType `json:"callType"`
	ReceivedAt time.Time          `json:"receivedAt"`
}

// Ended records how the last call finished.
type Ended struct {
	PeerID string    `json:"peerId"`
	Reason EndReason `json:"reason"`
	At     time.Time `json:"at"`
}

type Snapshot struct {
	State   State        `json:"state"`
	Call    *Session     `json:"call,omitempty"`
	Pending *PendingCall `json:"pending,omitempty"`
	LastEnd *Ended       `json:"lastEnd,omitempty"`
}
