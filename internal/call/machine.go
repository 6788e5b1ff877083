// Package call implements the call signaling state machine: at most one
// pending or active call per local participant, driven by local intents and
// inbound call events.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/media"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

const defaultMaxBufferedCandidates = 64

type Config struct {
	Signaler      Signaler
	Media         media.Source
	NewNegotiator NegotiatorFactory

	// RingTimeout bounds dialing, ringing and an unanswered incoming offer.
	// Zero disables the deadline.
	RingTimeout time.Duration

	// MaxBufferedCandidates caps remote candidates held before the remote
	// description is applied.
	MaxBufferedCandidates int

	Clock   ratelimit.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnChange is called with the lock held after every transition. It must
	// not call back into the Machine except for Snapshot.
	OnChange func(Snapshot)
}

type pendingOffer struct {
	callerID   string
	kind       signaling.CallType
	offer      signaling.SessionDescription
	candidates []signaling.Candidate
	receivedAt time.Time
}

type session struct {
	peerID string
	kind   signaling.CallType
	role   Role

	stream *media.Stream
	neg    Negotiator
	relay  *candidateRelay

	remoteDescSet bool
	remoteHeld    []signaling.Candidate
	remoteTracks  []string

	startedAt   time.Time
	connectedAt time.Time
}

// resources are detached from a session under the lock and released after
// it, exactly once.
type resources struct {
	stream *media.Stream
	neg    Negotiator
}

func (r resources) release() {
	if r.neg != nil {
		_ = r.neg.Close()
	}
	if r.stream != nil {
		r.stream.Stop()
	}
}

type Machine struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	mu      sync.Mutex
	state   State
	pending *pendingOffer
	sess    *session
	lastEnd *Ended
	gen     uint64
	timer   ratelimit.Timer

	snap atomic.Pointer[Snapshot]
}

func NewMachine(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.MaxBufferedCandidates <= 0 {
		cfg.MaxBufferedCandidates = defaultMaxBufferedCandidates
	}
	m := &Machine{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "call"),
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		state:   StateIdle,
	}
	m.snap.Store(&Snapshot{State: StateIdle})
	return m
}

// Snapshot returns the state as of the last transition. It never blocks on
// an in-flight transition.
func (m *Machine) Snapshot() Snapshot {
	return *m.snap.Load()
}

func (m *Machine) setStateLocked(s State) {
	m.state = s
	snap := m.snapshotLocked()
	m.snap.Store(&snap)
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(snap)
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{State: m.state}
	if m.sess != nil {
		s := &Session{
			PeerID:       m.sess.peerID,
			Kind:         m.sess.kind,
			Role:         m.sess.role,
			RemoteTracks: append([]string(nil), m.sess.remoteTracks...),
			StartedAt:    m.sess.startedAt,
			ConnectedAt:  m.sess.connectedAt,
		}
		if m.sess.stream != nil {
			if t := m.sess.stream.Track(media.KindAudio); t != nil {
				s.AudioEnabled = t.Enabled()
			}
			if t := m.sess.stream.Track(media.KindVideo); t != nil {
				s.VideoEnabled = t.Enabled()
			}
		}
		snap.Call = s
	}
	if m.pending != nil {
		snap.Pending = &PendingCall{
			CallerID:   m.pending.callerID,
			Kind:       m.pending.kind,
			ReceivedAt: m.pending.receivedAt,
		}
	}
	if m.lastEnd != nil {
		e := *m.lastEnd
		snap.LastEnd = &e
	}
	return snap
}

func (m *Machine) emit(event signaling.Event, payload any) error {
	if m.cfg.Signaler == nil {
		return fmt.Errorf("no signaler configured")
	}
	return m.cfg.Signaler.Emit(event, payload)
}

func (m *Machine) armTimerLocked(fire func(gen uint64)) {
	m.stopTimerLocked()
	if m.cfg.RingTimeout <= 0 {
		return
	}
	gen := m.gen
	m.timer = m.clock.AfterFunc(m.cfg.RingTimeout, func() { fire(gen) })
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// newSessionLocked builds the negotiation handle and candidate relay for a
// call with peerID. Callbacks capture the generation so stale events from a
// finished call are ignored.
func (m *Machine) newSessionLocked(peerID string, kind signaling.CallType, role Role) (*session, error) {
	m.gen++
	gen := m.gen
	s := &session{
		peerID:    peerID,
		kind:      kind,
		role:      role,
		startedAt: m.clock.Now(),
	}
	s.relay = newCandidateRelay(peerID, func(req signaling.CandidateRequest) {
		if err := m.emit(signaling.EventCallCandidate, req); err != nil {
			m.log.Debug("candidate emit failed", "peer_id", req.TargetUserID, "err", err)
		}
	})
	neg, err := m.cfg.NewNegotiator(NegotiatorEvents{
		LocalCandidate: s.relay.add,
		RemoteTrack: func(kind string) {
			go m.remoteTrack(gen, kind)
		},
		Failed: func() {
			go m.negotiationFailed(gen)
		},
	})
	if err != nil {
		return nil, err
	}
	s.neg = neg
	return s, nil
}

// StartCall acquires media, sends an offer to peerID and waits in ringing
// for the answer.
func (m *Machine) StartCall(ctx context.Context, peerID string, kind signaling.CallType) error {
	if peerID == "" {
		return ErrInvalidPeer
	}
	if !kind.Valid() {
		return fmt.Errorf("invalid call type %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return ErrCallInProgress
	}

	stream, err := m.cfg.Media.Acquire(ctx, media.ConstraintsFor(kind))
	if err != nil {
		m.metrics.Inc(metrics.CallMediaError)
		m.log.Warn("media acquisition failed", "peer_id", peerID, "err", err)
		return err
	}

	sess, err := m.newSessionLocked(peerID, kind, RoleCaller)
	if err != nil {
		stream.Stop()
		return fmt.Errorf("create peer connection: %w", err)
	}
	sess.stream = stream
	m.sess = sess
	m.lastEnd = nil
	m.setStateLocked(StateDialing)

	fail := func(err error) error {
		res := m.detachLocked()
		m.setStateLocked(StateIdle)
		res.release()
		return err
	}

	if err := sess.neg.AddStream(stream); err != nil {
		return fail(fmt.Errorf("add tracks: %w", err))
	}
	offer, err := sess.neg.CreateOffer(ctx)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	if err := m.emit(signaling.EventCallInitiate, signaling.CallInitiateRequest{
		RecipientID: peerID,
		Offer:       offer,
		CallType:    kind,
	}); err != nil {
		return fail(err)
	}
	sess.relay.open()

	m.metrics.Inc(metrics.CallStarted)
	m.log.Info("call started", "peer_id", peerID, "call_type", string(kind))
	m.armTimerLocked(m.ringTimeout)
	m.setStateLocked(StateRinging)
	return nil
}

// Answer accepts the pending offer.
func (m *Machine) Answer(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIncomingPending || m.pending == nil {
		return ErrNoPendingCall
	}
	p := m.pending
	m.stopTimerLocked()
	m.setStateLocked(StateAnswering)

	abort := func(err error, res resources) error {
		m.pending = nil
		m.sess = nil
		m.lastEnd = &Ended{PeerID: p.callerID, Reason: ReasonFailed, At: m.clock.Now()}
		if emitErr := m.emit(signaling.EventCallReject, signaling.CallRejectRequest{CallerID: p.callerID}); emitErr != nil {
			m.log.Debug("reject emit failed", "peer_id", p.callerID, "err", emitErr)
		}
		m.metrics.Inc(metrics.CallEndedPrefix + string(ReasonFailed))
		m.setStateLocked(StateIdle)
		res.release()
		return err
	}

	stream, err := m.cfg.Media.Acquire(ctx, media.ConstraintsFor(p.kind))
	if err != nil {
		m.metrics.Inc(metrics.CallMediaError)
		m.log.Warn("media acquisition failed", "peer_id", p.callerID, "err", err)
		return abort(err, resources{})
	}
	sess, err := m.newSessionLocked(p.callerID, p.kind, RoleCallee)
	if err != nil {
		return abort(fmt.Errorf("create peer connection: %w", err), resources{stream: stream})
	}
	sess.stream = stream
	res := resources{stream: stream, neg: sess.neg}

	if err := sess.neg.AddStream(stream); err != nil {
		sess.relay.close()
		return abort(fmt.Errorf("add tracks: %w", err), res)
	}
	answer, err := sess.neg.CreateAnswer(ctx, p.offer)
	if err != nil {
		sess.relay.close()
		return abort(fmt.Errorf("create answer: %w", err), res)
	}
	sess.remoteDescSet = true

	m.pending = nil
	m.sess = sess
	if err := m.emit(signaling.EventCallAnswer, signaling.CallAnswerRequest{
		CallerID: p.callerID,
		Answer:   answer,
	}); err != nil {
		m.log.Warn("answer emit failed", "peer_id", p.callerID, "err", err)
		res := m.endLocked(ReasonFailed)
		res.release()
		return err
	}
	sess.relay.open()
	m.applyRemoteCandidatesLocked(p.candidates)

	sess.connectedAt = m.clock.Now()
	m.metrics.Inc(metrics.CallConnected)
	m.log.Info("call answered", "peer_id", p.callerID, "call_type", string(p.kind))
	m.setStateLocked(StateConnected)
	return nil
}

// Reject declines the pending offer. No media is ever acquired for it.
func (m *Machine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIncomingPending || m.pending == nil {
		return ErrNoPendingCall
	}
	m.rejectPendingLocked(ReasonRejected)
	return nil
}

func (m *Machine) rejectPendingLocked(reason EndReason) {
	p := m.pending
	m.stopTimerLocked()
	m.pending = nil
	if err := m.emit(signaling.EventCallReject, signaling.CallRejectRequest{CallerID: p.callerID}); err != nil {
		m.log.Warn("reject emit failed", "peer_id", p.callerID, "err", err)
	}
	m.lastEnd = &Ended{PeerID: p.callerID, Reason: reason, At: m.clock.Now()}
	m.metrics.Inc(metrics.CallEndedPrefix + string(reason))
	m.log.Info("incoming call rejected", "peer_id", p.callerID, "reason", string(reason))
	m.setStateLocked(StateIdle)
}

// End hangs up. While an offer is pending it rejects it; while idle it does
// nothing.
func (m *Machine) End() error {
	m.mu.Lock()
	switch {
	case m.state == StateIdle:
		m.mu.Unlock()
		return nil
	case m.state == StateIncomingPending && m.pending != nil:
		m.rejectPendingLocked(ReasonRejected)
		m.mu.Unlock()
		return nil
	case m.sess == nil:
		m.mu.Unlock()
		return nil
	}
	peer := m.sess.peerID
	if err := m.emit(signaling.EventCallEnd, signaling.CallEndRequest{TargetUserID: peer}); err != nil {
		m.log.Warn("end emit failed", "peer_id", peer, "err", err)
	}
	res := m.endLocked(ReasonLocalHangup)
	m.mu.Unlock()
	res.release()
	return nil
}

// detachLocked clears the session and pending call, stopping the relay and
// timer, and hands back resources for release.
func (m *Machine) detachLocked() resources {
	m.stopTimerLocked()
	m.pending = nil
	s := m.sess
	m.sess = nil
	if s == nil {
		return resources{}
	}
	s.relay.close()
	return resources{stream: s.stream, neg: s.neg}
}

// endLocked is the single teardown path for an active session. A second call
// finds no session and returns nothing to release.
func (m *Machine) endLocked(reason EndReason) resources {
	if m.sess == nil {
		return resources{}
	}
	peer := m.sess.peerID
	res := m.detachLocked()
	m.lastEnd = &Ended{PeerID: peer, Reason: reason, At: m.clock.Now()}
	m.metrics.Inc(metrics.CallEndedPrefix + string(reason))
	m.log.Info("call ended", "peer_id", peer, "reason", string(reason))
	m.setStateLocked(StateEnded)
	m.setStateLocked(StateIdle)
	return res
}

func (m *Machine) ringTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	switch {
	case m.state == StateIncomingPending && m.pending != nil:
		m.rejectPendingLocked(ReasonTimeout)
		m.mu.Unlock()
	case (m.state == StateDialing || m.state == StateRinging) && m.sess != nil:
		peer := m.sess.peerID
		if err := m.emit(signaling.EventCallEnd, signaling.CallEndRequest{TargetUserID: peer}); err != nil {
			m.log.Warn("end emit failed", "peer_id", peer, "err", err)
		}
		res := m.endLocked(ReasonTimeout)
		m.mu.Unlock()
		res.release()
	default:
		m.mu.Unlock()
	}
}

func (m *Machine) negotiationFailed(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.sess == nil {
		m.mu.Unlock()
		return
	}
	peer := m.sess.peerID
	if err := m.emit(signaling.EventCallEnd, signaling.CallEndRequest{TargetUserID: peer}); err != nil {
		m.log.Debug("end emit failed", "peer_id", peer, "err", err)
	}
	res := m.endLocked(ReasonFailed)
	m.mu.Unlock()
	res.release()
}

func (m *Machine) remoteTrack(gen uint64, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.sess == nil {
		return
	}
	m.sess.remoteTracks = append(m.sess.remoteTracks, kind)
	m.setStateLocked(m.state)
}

// TransportLost ends whatever call exists; nothing can be signaled.
func (m *Machine) TransportLost() {
	m.mu.Lock()
	if m.state == StateIncomingPending && m.pending != nil {
		p := m.pending
		m.stopTimerLocked()
		m.pending = nil
		m.lastEnd = &Ended{PeerID: p.callerID, Reason: ReasonDisconnected, At: m.clock.Now()}
		m.setStateLocked(StateIdle)
		m.mu.Unlock()
		return
	}
	res := m.endLocked(ReasonDisconnected)
	m.mu.Unlock()
	res.release()
}

// ToggleAudio flips the local audio track and returns its new state.
func (m *Machine) ToggleAudio() (bool, error) {
	return m.toggle(media.KindAudio)
}

func (m *Machine) ToggleVideo() (bool, error) {
	return m.toggle(media.KindVideo)
}

func (m *Machine) toggle(kind media.Kind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.stream == nil {
		return false, ErrNoActiveCall
	}
	on := m.sess.stream.Toggle(kind)
	m.setStateLocked(m.state)
	return on, nil
}

// HandleOffer processes an inbound call:initiate.
func (m *Machine) HandleOffer(in signaling.CallOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == StateIdle:
		m.gen++
		m.pending = &pendingOffer{
			callerID:   in.CallerID,
			kind:       in.CallType,
			offer:      in.Offer,
			receivedAt: m.clock.Now(),
		}
		m.lastEnd = nil
		m.metrics.Inc(metrics.CallIncoming)
		m.log.Info("incoming call", "peer_id", in.CallerID, "call_type", string(in.CallType))
		m.armTimerLocked(m.ringTimeout)
		m.setStateLocked(StateIncomingPending)
		return nil

	case m.state == StateIncomingPending && m.pending != nil && m.pending.callerID == in.CallerID:
		m.pending.offer = in.Offer
		m.pending.kind = in.CallType
		m.pending.candidates = nil
		m.setStateLocked(m.state)
		return nil
	}

	m.metrics.Inc(metrics.CallBusyRejected)
	m.log.Info("busy, rejecting incoming call", "peer_id", in.CallerID, "state", string(m.state))
	return m.emit(signaling.EventCallReject, signaling.CallRejectRequest{CallerID: in.CallerID})
}

// HandleAnswer applies the callee's answer to a ringing call.
func (m *Machine) HandleAnswer(in signaling.CallAnswer) error {
	m.mu.Lock()
	if m.sess == nil || m.sess.role != RoleCaller || (m.state != StateRinging && m.state != StateDialing) {
		m.mu.Unlock()
		return &signaling.ProtocolError{Event: in.Event(), Reason: fmt.Sprintf("unexpected answer in state %s", m.state)}
	}
	if in.CalleeID != m.sess.peerID {
		m.mu.Unlock()
		return &signaling.ProtocolError{Event: in.Event(), Reason: fmt.Sprintf("answer from %q, not the callee", in.CalleeID)}
	}

	if err := m.sess.neg.ApplyAnswer(in.Answer); err != nil {
		peer := m.sess.peerID
		if emitErr := m.emit(signaling.EventCallEnd, signaling.CallEndRequest{TargetUserID: peer}); emitErr != nil {
			m.log.Debug("end emit failed", "peer_id", peer, "err", emitErr)
		}
		res := m.endLocked(ReasonFailed)
		m.mu.Unlock()
		res.release()
		return fmt.Errorf("apply answer: %w", err)
	}
	defer m.mu.Unlock()

	m.stopTimerLocked()
	m.sess.remoteDescSet = true
	held := m.sess.remoteHeld
	m.sess.remoteHeld = nil
	m.applyRemoteCandidatesLocked(held)
	m.sess.connectedAt = m.clock.Now()
	m.metrics.Inc(metrics.CallConnected)
	m.log.Info("call connected", "peer_id", m.sess.peerID)
	m.setStateLocked(StateConnected)
	return nil
}

// HandleCandidate applies or buffers a trickled remote candidate. Candidates
// that belong to no tracked call are dropped.
func (m *Machine) HandleCandidate(in signaling.RemoteCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.pending != nil && m.pending.callerID == in.SenderID:
		if len(m.pending.candidates) >= m.cfg.MaxBufferedCandidates {
			m.metrics.Inc(metrics.CandidateDropped)
			return nil
		}
		m.pending.candidates = append(m.pending.candidates, in.Candidate)
		m.metrics.Inc(metrics.CandidateBuffered)
		return nil

	case m.sess != nil && m.sess.peerID == in.SenderID:
		if !m.sess.remoteDescSet {
			if len(m.sess.remoteHeld) >= m.cfg.MaxBufferedCandidates {
				m.metrics.Inc(metrics.CandidateDropped)
				return nil
			}
			m.sess.remoteHeld = append(m.sess.remoteHeld, in.Candidate)
			m.metrics.Inc(metrics.CandidateBuffered)
			return nil
		}
		m.applyRemoteCandidatesLocked([]signaling.Candidate{in.Candidate})
		return nil
	}

	m.metrics.Inc(metrics.CandidateDropped)
	m.log.Debug("dropping candidate for untracked call", "peer_id", in.SenderID, "state", string(m.state))
	return nil
}

func (m *Machine) applyRemoteCandidatesLocked(cands []signaling.Candidate) {
	for _, c := range cands {
		if err := m.sess.neg.AddRemoteCandidate(c); err != nil {
			m.log.Debug("remote candidate rejected", "peer_id", m.sess.peerID, "err", err)
		}
	}
}

// HandleReject ends a call the counterpart declined.
func (m *Machine) HandleReject(in signaling.CallRejected) error {
	m.mu.Lock()
	if m.sess == nil || m.sess.peerID != in.CalleeID {
		state := m.state
		m.mu.Unlock()
		return &signaling.ProtocolError{Event: in.Event(), Reason: fmt.Sprintf("reject from %q in state %s", in.CalleeID, state)}
	}
	res := m.endLocked(ReasonRemoteRejected)
	m.mu.Unlock()
	res.release()
	return nil
}

// HandleEnd ends the call, or drops the pending offer, when the counterpart
// hangs up.
func (m *Machine) HandleEnd(in signaling.CallEnded) error {
	m.mu.Lock()
	if m.pending != nil && m.pending.callerID == in.UserID {
		m.stopTimerLocked()
		m.pending = nil
		m.lastEnd = &Ended{PeerID: in.UserID, Reason: ReasonRemoteHangup, At: m.clock.Now()}
		m.metrics.Inc(metrics.CallEndedPrefix + string(ReasonRemoteHangup))
		m.setStateLocked(StateIdle)
		m.mu.Unlock()
		return nil
	}
	if m.sess == nil || m.sess.peerID != in.UserID {
		state := m.state
		m.mu.Unlock()
		return &signaling.ProtocolError{Event: in.Event(), Reason: fmt.Sprintf("end from %q in state %s", in.UserID, state)}
	}
	res := m.endLocked(ReasonRemoteHangup)
	m.mu.Unlock()
	res.release()
	return nil
}
