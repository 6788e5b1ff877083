package call

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

// candidateRelay forwards locally gathered candidates to the counterpart.
// Candidates gathered before the offer or answer is on the wire are held and
// flushed in order by open. The target is fixed at construction.
type candidateRelay struct {
	target string
	send   func(signaling.CandidateRequest)

	mu     sync.Mutex
	ready  bool
	closed bool
	held   []signaling.Candidate
}

func newCandidateRelay(target string, send func(signaling.CandidateRequest)) *candidateRelay {
	return &candidateRelay{target: target, send: send}
}

func (r *candidateRelay) add(c signaling.Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if !r.ready {
		r.held = append(r.held, c)
		return
	}
	r.send(signaling.CandidateRequest{TargetUserID: r.target, Candidate: c})
}

func (r *candidateRelay) open() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.ready {
		return
	}
	r.ready = true
	for _, c := range r.held {
		r.send(signaling.CandidateRequest{TargetUserID: r.target, Candidate: c})
	}
	r.held = nil
}

func (r *candidateRelay) close() {
	r.mu.Lock()
	r.closed = true
	r.held = nil
	r.mu.Unlock()
}
