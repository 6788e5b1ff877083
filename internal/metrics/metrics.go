package metrics

import "sync"

// Event counter names. Call outcomes are recorded as CallEndedPrefix+reason.
const (
	TransportConnect      = "transport_connect"
	TransportConnectError = "transport_connect_error"
	TransportDisconnect   = "transport_disconnect"
	TransportReconnect    = "transport_reconnect"

	EmitSent          = "emit_sent"
	EmitDropQueueFull = "emit_drop_queue_full"
	AckReceived       = "ack_received"
	AckFailure        = "ack_failure"
	ProtocolError     = "signaling_protocol_error"
	HandlerPanic      = "handler_panic"

	MessageSent     = "message_sent"
	MessageFailed   = "message_failed"
	MessageReceived = "message_received"

	CallStarted       = "call_started"
	CallIncoming      = "call_incoming"
	CallBusyRejected  = "call_busy_rejected"
	CallConnected     = "call_connected"
	CallMediaError    = "call_media_error"
	CallEndedPrefix   = "call_ended_"
	CandidateDropped  = "ice_candidate_dropped"
	CandidateBuffered = "ice_candidate_buffered"
)

// Metrics is a concurrency-safe counter registry. It is exported to
// Prometheus through Collector.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
