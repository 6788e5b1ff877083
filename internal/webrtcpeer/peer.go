package webrtcpeer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/media"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

var ErrPeerClosed = errors.New("peer connection closed")

// RemoteTrack describes media arriving from the counterpart.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
	Codec    string
}

// Events are the callbacks a Peer raises. They run on pion goroutines and
// must not block.
type Events struct {
	// LocalCandidate receives each gathered candidate. Gathering completion
	// is not reported.
	LocalCandidate func(signaling.Candidate)
	RemoteTrack    func(RemoteTrack)
	StateChange    func(webrtc.PeerConnectionState)
}

// Factory creates peers that share one pion API.
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger
}

func NewFactory(api *webrtc.API, iceServers []webrtc.ICEServer, log *slog.Logger) *Factory {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Factory{api: api, iceServers: iceServers, log: log}
}

// NewPeer opens a peer connection configured with the factory's ICE servers.
func (f *Factory) NewPeer(events Events) (*Peer, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, err
	}
	p := &Peer{pc: pc, log: f.log}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.LocalCandidate == nil {
			return
		}
		events.LocalCandidate(signaling.CandidateFromPion(c.ToJSON()))
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Codec:    track.Codec().MimeType,
		}
		p.log.Debug("remote track", "kind", rt.Kind, "codec", rt.Codec)
		if events.RemoteTrack != nil {
			events.RemoteTrack(rt)
		}
		go drainTrack(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state", "state", state.String())
		if events.StateChange != nil {
			events.StateChange(state)
		}
	})
	return p, nil
}

// Peer wraps one PeerConnection for a single call.
type Peer struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// AddStream attaches every track of s.
func (p *Peer) AddStream(s *media.Stream) error {
	for _, t := range s.Tracks() {
		sender, err := p.pc.AddTrack(t.Local())
		if err != nil {
			return err
		}
		go drainRTCP(sender)
	}
	return nil
}

func (p *Peer) CreateOffer(ctx context.Context) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signaling.SessionDescription{}, err
	}
	return signaling.SessionDescriptionFromPion(offer), nil
}

// CreateAnswer applies the remote offer and returns the local answer.
func (p *Peer) CreateAnswer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	remote, err := offer.ToPion()
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return signaling.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, err
	}
	return signaling.SessionDescriptionFromPion(answer), nil
}

func (p *Peer) ApplyAnswer(answer signaling.SessionDescription) error {
	remote, err := answer.ToPion()
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(remote)
}

// AddRemoteCandidate applies a trickled candidate. The end-of-candidates
// marker is accepted and ignored.
func (p *Peer) AddRemoteCandidate(c signaling.Candidate) error {
	if c.EndOfCandidates() {
		return nil
	}
	return p.pc.AddICECandidate(c.ToPion())
}

func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Close tears the connection down. Later calls return the first result.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
