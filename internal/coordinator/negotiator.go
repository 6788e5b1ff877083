package coordinator

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/call"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/webrtcpeer"
)

// PeerNegotiators builds call negotiation handles on real pion peer
// connections.
func PeerNegotiators(f *webrtcpeer.Factory) call.NegotiatorFactory {
	return func(ev call.NegotiatorEvents) (call.Negotiator, error) {
		p, err := f.NewPeer(webrtcpeer.Events{
			LocalCandidate: ev.LocalCandidate,
			RemoteTrack: func(rt webrtcpeer.RemoteTrack) {
				if ev.RemoteTrack != nil {
					ev.RemoteTrack(rt.Kind)
				}
			},
			StateChange: func(s webrtc.PeerConnectionState) {
				if s == webrtc.PeerConnectionStateFailed && ev.Failed != nil {
					ev.Failed()
				}
			},
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
