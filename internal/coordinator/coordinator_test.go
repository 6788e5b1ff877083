package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/call"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/chat"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/directory"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/media"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaltest"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/transport"
)

const testSecret = "coordinator-secret"

type stubNegotiator struct {
	mu     sync.Mutex
	closed int
}

func (n *stubNegotiator) AddStream(*media.Stream) error { return nil }

func (n *stubNegotiator) CreateOffer(context.Context) (signaling.SessionDescription, error) {
	return signaling.SessionDescription{Type: "offer", SDP: "v=0 stub offer"}, nil
}

func (n *stubNegotiator) CreateAnswer(context.Context, signaling.SessionDescription) (signaling.SessionDescription, error) {
	return signaling.SessionDescription{Type: "answer", SDP: "v=0 stub answer"}, nil
}

func (n *stubNegotiator) ApplyAnswer(signaling.SessionDescription) error { return nil }

func (n *stubNegotiator) AddRemoteCandidate(signaling.Candidate) error { return nil }

func (n *stubNegotiator) Close() error {
	n.mu.Lock()
	n.closed++
	n.mu.Unlock()
	return nil
}

type peer struct {
	*Coordinator
	src     *media.SyntheticSource
	metrics *metrics.Metrics
}

type options struct {
	reconnect time.Duration
	dir       *directory.Client
}

func newPeer(t *testing.T, srv *signaltest.Server, user string, opts options) *peer {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, user, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	m := metrics.New()
	src := &media.SyntheticSource{}
	c, err := New(Config{
		Transport: transport.Options{
			ServerURL:       srv.URL(),
			Token:           tok,
			AuthForwardMode: auth.ForwardModeQuery,
			DialTimeout:     2 * time.Second,
			PingInterval:    time.Second,
			IdleTimeout:     10 * time.Second,
			MaxMessageBytes: 64 * 1024,
		},
		SelfID: user,
		Media:  src,
		NewNegotiator: func(call.NegotiatorEvents) (call.Negotiator, error) {
			return &stubNegotiator{}, nil
		},
		Directory:         opts.dir,
		RingTimeout:       time.Minute,
		TypingIdleTimeout: time.Second,
		ReconnectInterval: opts.reconnect,
		Metrics:           m,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return &peer{Coordinator: c, src: src, metrics: m}
}

func connect(t *testing.T, p *peer) transport.Handle {
	t.Helper()
	h, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newRoutingServer(t *testing.T, cfg signaltest.Config) *signaltest.Server {
	t.Helper()
	cfg.Secret = testSecret
	cfg.Route = true
	srv := signaltest.NewServer(cfg)
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_RequiresIdentityAndMedia(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without self id")
	}
	if _, err := New(Config{SelfID: "a"}); err == nil {
		t.Fatalf("expected error without media")
	}
}

func TestCallAnsweredAndHungUp(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	alice := newPeer(t, srv, "alice", options{})
	bob := newPeer(t, srv, "bob", options{})
	connect(t, alice)
	connect(t, bob)

	if err := alice.StartCall(context.Background(), "bob", signaling.CallTypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if got := alice.Snapshot().Call.State; got != call.StateRinging {
		t.Fatalf("alice state=%s, want ringing", got)
	}
	eventually(t, "bob to see the offer", func() bool {
		s := bob.Snapshot().Call
		return s.State == call.StateIncomingPending && s.Pending != nil && s.Pending.CallerID == "alice"
	})

	if err := bob.AnswerCall(context.Background()); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	eventually(t, "alice to connect", func() bool {
		return alice.Snapshot().Call.State == call.StateConnected
	})
	if got := bob.Snapshot().Call.Call.PeerID; got != "alice" {
		t.Fatalf("bob peer=%q, want alice", got)
	}

	if err := bob.EndCall(); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	eventually(t, "alice to see the hangup", func() bool {
		s := alice.Snapshot().Call
		return s.State == call.StateIdle && s.LastEnd != nil && s.LastEnd.Reason == call.ReasonRemoteHangup
	})
	if alice.src.Outstanding() != 0 || bob.src.Outstanding() != 0 {
		t.Fatalf("media outstanding alice=%d bob=%d", alice.src.Outstanding(), bob.src.Outstanding())
	}
}

func TestCallRejected(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	alice := newPeer(t, srv, "alice", options{})
	bob := newPeer(t, srv, "bob", options{})
	connect(t, alice)
	connect(t, bob)

	if err := alice.StartCall(context.Background(), "bob", signaling.CallTypeAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	eventually(t, "bob to see the offer", func() bool {
		return bob.Snapshot().Call.Pending != nil
	})
	if err := bob.RejectCall(); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}
	eventually(t, "alice to see the rejection", func() bool {
		s := alice.Snapshot().Call
		return s.State == call.StateIdle && s.LastEnd != nil && s.LastEnd.Reason == call.ReasonRemoteRejected
	})
	if s := bob.Snapshot().Call; s.State != call.StateIdle || s.Pending != nil {
		t.Fatalf("bob=%+v", s)
	}
	if bob.src.Acquired() != 0 {
		t.Fatalf("bob acquired media for a rejected call")
	}
}

func TestBusyCalleeAutoRejects(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	alice := newPeer(t, srv, "alice", options{})
	bob := newPeer(t, srv, "bob", options{})
	carol := newPeer(t, srv, "carol", options{})
	connect(t, alice)
	connect(t, bob)
	connect(t, carol)

	if err := alice.StartCall(context.Background(), "bob", signaling.CallTypeAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	eventually(t, "bob to see alice", func() bool { return bob.Snapshot().Call.Pending != nil })

	if err := carol.StartCall(context.Background(), "bob", signaling.CallTypeAudio); err != nil {
		t.Fatalf("carol StartCall: %v", err)
	}
	eventually(t, "carol to be auto-rejected", func() bool {
		s := carol.Snapshot().Call
		return s.LastEnd != nil && s.LastEnd.Reason == call.ReasonRemoteRejected
	})
	if got := bob.Snapshot().Call.Pending.CallerID; got != "alice" {
		t.Fatalf("pending caller=%q, want alice", got)
	}
}

func TestChatSendReceiveAndReadReceipt(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	alice := newPeer(t, srv, "alice", options{})
	bob := newPeer(t, srv, "bob", options{})
	connect(t, alice)
	connect(t, bob)

	for _, p := range []*peer{alice, bob} {
		if err := p.OpenConversation(context.Background(), "c1"); err != nil {
			t.Fatalf("OpenConversation: %v", err)
		}
	}

	m, err := alice.SendMessage(context.Background(), "hi", signaling.MessageTypeText)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if m.Status != chat.StatusSent || m.ID == m.LocalID {
		t.Fatalf("sent=%+v, want server id", m)
	}
	eventually(t, "bob to receive", func() bool {
		msgs := bob.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].ID == m.ID && msgs[0].SenderID == "alice"
	})
	eventually(t, "alice's echo to settle", func() bool {
		msgs := alice.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Status == chat.StatusSent
	})

	f, err := srv.Client(signaltest.NamespaceMessages, "bob").NextEvent(signaling.EventMessageRead, 2*time.Second)
	if err != nil {
		t.Fatalf("no read receipt: %v", err)
	}
	if string(f.Data) == "" {
		t.Fatalf("empty read receipt")
	}
	if got := alice.metrics.Get(metrics.MessageSent); got != 1 {
		t.Fatalf("sent=%d, want 1", got)
	}
}

func TestSendWithoutConversation(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	alice := newPeer(t, srv, "alice", options{})
	connect(t, alice)
	if _, err := alice.SendMessage(context.Background(), "hi", ""); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("err=%v, want %v", err, ErrNoConversation)
	}
}

func TestOpenConversation_JoinRefused(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{RejectJoin: map[string]string{"secret": "forbidden"}})
	alice := newPeer(t, srv, "alice", options{})
	connect(t, alice)

	err := alice.OpenConversation(context.Background(), "secret")
	var ae *chat.AckError
	if !errors.As(err, &ae) || ae.Reason != "forbidden" {
		t.Fatalf("err=%v, want AckError", err)
	}
	if got := alice.Snapshot().ConversationID; got != "" {
		t.Fatalf("conversation=%q, want none", got)
	}
}

func TestTypingIndicatorAcrossPeers(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	alice := newPeer(t, srv, "alice", options{})
	bob := newPeer(t, srv, "bob", options{})
	connect(t, alice)
	connect(t, bob)
	for _, p := range []*peer{alice, bob} {
		if err := p.OpenConversation(context.Background(), "c1"); err != nil {
			t.Fatalf("OpenConversation: %v", err)
		}
	}

	alice.SetTypingInput("h")
	if !alice.Snapshot().LocalTyping {
		t.Fatalf("local typing flag not set")
	}
	eventually(t, "bob to see typing", func() bool { return bob.Snapshot().RemoteTyping })

	if _, err := alice.SendMessage(context.Background(), "hello", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if alice.Snapshot().LocalTyping {
		t.Fatalf("send did not stop typing")
	}
	eventually(t, "bob's typing flag to clear", func() bool { return !bob.Snapshot().RemoteTyping })
}

func TestCloseConversationDetachesListeners(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	bob := newPeer(t, srv, "bob", options{})
	connect(t, bob)

	if err := bob.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if err := bob.CloseConversation(context.Background()); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}
	for _, u := range srv.Members("c1") {
		if u == "bob" {
			t.Fatalf("bob still in room after close")
		}
	}

	server := srv.Client(signaltest.NamespaceMessages, "bob")
	_ = server.Send(signaling.EventMessageReceive, signaling.MessageRecord{ID: "late", ConversationID: "c1", SenderID: "alice", Content: "x"})
	_ = server.Send(signaling.EventTypingStart, signaling.TypingNotice{UserID: "alice", ConversationID: "c1"})

	// A presence event after the stale ones proves they were dispatched.
	_ = server.Send(signaling.EventUserOnline, signaling.PresenceNotice{UserID: "zed"})
	eventually(t, "presence event", func() bool {
		for _, p := range bob.Snapshot().Presence {
			if p.UserID == "zed" {
				return true
			}
		}
		return false
	})
	if msgs := bob.chat.Messages("c1"); len(msgs) != 0 {
		t.Fatalf("closed conversation received %+v", msgs)
	}
	if bob.chat.RemoteTyping("c1") {
		t.Fatalf("closed conversation received typing")
	}
}

func TestMessageForOtherConversationIgnored(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	bob := newPeer(t, srv, "bob", options{})
	connect(t, bob)
	if err := bob.OpenConversation(context.Background(), "A"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}

	server := srv.Client(signaltest.NamespaceMessages, "bob")
	_ = server.Send(signaling.EventMessageReceive, signaling.MessageRecord{ID: "b1", ConversationID: "B", SenderID: "alice"})
	_ = server.Send(signaling.EventMessageReceive, signaling.MessageRecord{ID: "a1", ConversationID: "A", SenderID: "alice"})

	eventually(t, "A's message", func() bool { return len(bob.Snapshot().Messages) == 1 })
	if got := bob.Snapshot().Messages[0].ID; got != "a1" {
		t.Fatalf("A's log holds %q", got)
	}
}

func TestMalformedCallEventDropped(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	bob := newPeer(t, srv, "bob", options{})
	connect(t, bob)

	server := srv.Client(signaltest.NamespaceCalls, "bob")
	_ = server.Send(signaling.EventCallInitiate, map[string]any{"callerId": "alice", "callType": "hologram"})
	_ = server.Send(signaling.EventCallEnd, map[string]any{"userId": "nobody"})

	eventually(t, "protocol errors counted", func() bool {
		return bob.metrics.Get(metrics.ProtocolError) == 2
	})
	if s := bob.Snapshot().Call; s.State != call.StateIdle || s.Pending != nil {
		t.Fatalf("state changed: %+v", s)
	}
}

func TestCallsDisabledKeepsChat(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{DisableCalls: true})
	alice := newPeer(t, srv, "alice", options{})
	h := connect(t, alice)
	if h.CallsEnabled() || !h.Messages {
		t.Fatalf("handle=%+v", h)
	}

	err := alice.StartCall(context.Background(), "bob", signaling.CallTypeAudio)
	if !errors.Is(err, transport.ErrCallsDisabled) {
		t.Fatalf("err=%v, want %v", err, transport.ErrCallsDisabled)
	}
	if alice.src.Acquired() != 0 {
		t.Fatalf("media acquired with calls disabled")
	}

	if err := alice.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if _, err := alice.SendMessage(context.Background(), "still works", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if s := alice.Snapshot(); !s.Transport.Messages || s.Transport.Calls {
		t.Fatalf("transport=%+v", s.Transport)
	}
}

func TestTransportLossEndsCall(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	alice := newPeer(t, srv, "alice", options{})
	bob := newPeer(t, srv, "bob", options{})
	connect(t, alice)
	connect(t, bob)

	if err := alice.StartCall(context.Background(), "bob", signaling.CallTypeAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	eventually(t, "offer", func() bool { return bob.Snapshot().Call.Pending != nil })
	if err := bob.AnswerCall(context.Background()); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}

	srv.Client(signaltest.NamespaceCalls, "bob").Close()
	eventually(t, "bob's call to end", func() bool {
		s := bob.Snapshot().Call
		return s.State == call.StateIdle && s.LastEnd != nil && s.LastEnd.Reason == call.ReasonDisconnected
	})
	if bob.src.Outstanding() != 0 {
		t.Fatalf("media not released")
	}
}

func TestReconnectRejoinsOpenConversation(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	alice := newPeer(t, srv, "alice", options{})
	bob := newPeer(t, srv, "bob", options{reconnect: 20 * time.Millisecond})
	connect(t, alice)
	connect(t, bob)
	for _, p := range []*peer{alice, bob} {
		if err := p.OpenConversation(context.Background(), "c1"); err != nil {
			t.Fatalf("OpenConversation: %v", err)
		}
	}

	old := srv.Client(signaltest.NamespaceMessages, "bob")
	old.Close()
	eventually(t, "reconnect", func() bool {
		c := srv.Client(signaltest.NamespaceMessages, "bob")
		return c != nil && c != old && bob.metrics.Get(metrics.TransportReconnect) >= 1 && bob.chat.Joined("c1")
	})

	if _, err := alice.SendMessage(context.Background(), "after reconnect", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	eventually(t, "bob to receive after rejoin", func() bool {
		for _, m := range bob.Snapshot().Messages {
			if m.Content == "after reconnect" {
				return true
			}
		}
		return false
	})
}

func TestReconnectRestoresCallsNamespace(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	alice := newPeer(t, srv, "alice", options{})
	bob := newPeer(t, srv, "bob", options{reconnect: 20 * time.Millisecond})
	connect(t, alice)
	connect(t, bob)

	old := srv.Client(signaltest.NamespaceCalls, "bob")
	old.Close()
	eventually(t, "calls namespace to come back", func() bool {
		c := srv.Client(signaltest.NamespaceCalls, "bob")
		return c != nil && c != old && bob.Channel().Connected(transport.NamespaceCalls)
	})
	if s := bob.Snapshot().Transport; !s.Messages || !s.Calls {
		t.Fatalf("transport=%+v", s)
	}
	if got := bob.metrics.Get(metrics.TransportReconnect); got != 0 {
		t.Fatalf("messages reconnects=%d, want 0", got)
	}

	if err := bob.StartCall(context.Background(), "alice", signaling.CallTypeAudio); err != nil {
		t.Fatalf("StartCall after calls reconnect: %v", err)
	}
	eventually(t, "offer to reach alice", func() bool { return alice.Snapshot().Call.Pending != nil })
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	alice := newPeer(t, srv, "alice", options{})
	connect(t, alice)
	connect(t, alice)
	if got := alice.metrics.Get(metrics.TransportConnect); got != 2 {
		t.Fatalf("connects=%d, want one per namespace", got)
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	alice := newPeer(t, srv, "alice", options{})

	var (
		mu    sync.Mutex
		seen  []Snapshot
		first = true
	)
	alice.Subscribe(func(Snapshot) {
		if first {
			first = false
			panic("subscriber bug")
		}
	})
	unsubscribe := alice.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	connect(t, alice)
	if err := alice.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	eventually(t, "snapshot with conversation", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].ConversationID == "c1"
	})

	unsubscribe()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	_ = alice.CloseConversation(context.Background())
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("snapshots after unsubscribe: %d, want %d", len(seen), n)
	}
}

func TestDirectorySeedsPresenceAndHistory(t *testing.T) {
	api := http.NewServeMux()
	api.HandleFunc("GET /users", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"_id":"alice","username":"alice"},{"_id":"bob","username":"bob","status":"online"}]`))
	})
	api.HandleFunc("GET /messages/conversation/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"_id":"h1","conversationId":"` + r.PathValue("id") + `","senderId":"bob","content":"earlier","type":"text"}]`))
	})
	api.HandleFunc("POST /conversations/dm/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"_id":"dm-` + r.PathValue("id") + `","participants":["alice","bob"]}`))
	})
	apiSrv := httptest.NewServer(api)
	defer apiSrv.Close()

	srv := newRoutingServer(t, signaltest.Config{})
	tok, _ := auth.IssueToken(testSecret, "alice", time.Hour)
	alice := newPeer(t, srv, "alice", options{dir: directory.NewClient(apiSrv.URL, tok)})
	connect(t, alice)

	presence := alice.Snapshot().Presence
	if len(presence) != 1 || presence[0].UserID != "bob" || !presence[0].Online {
		t.Fatalf("presence=%+v", presence)
	}

	id, err := alice.OpenDirect(context.Background(), "bob")
	if err != nil {
		t.Fatalf("OpenDirect: %v", err)
	}
	if id != "dm-bob" {
		t.Fatalf("conversation=%q, want dm-bob", id)
	}
	msgs := alice.Snapshot().Messages
	if len(msgs) != 1 || msgs[0].ID != "h1" || msgs[0].Content != "earlier" {
		t.Fatalf("messages=%+v", msgs)
	}
}

func TestOpenDirectWithoutDirectory(t *testing.T) {
	srv := newRoutingServer(t, signaltest.Config{})
	alice := newPeer(t, srv, "alice", options{})
	if _, err := alice.OpenDirect(context.Background(), "bob"); !errors.Is(err, ErrNoDirectory) {
		t.Fatalf("err=%v, want %v", err, ErrNoDirectory)
	}
}
