// Package coordinator is the composition root of a live session. It owns the
// transport channel, binds inbound events to the call machine and chat
// session, and exposes intents plus observable snapshots to the presentation
// layer.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/call"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/chat"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/directory"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/media"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/transport"
)

const (
	defaultMaxReconnectInterval = 30 * time.Second
	readReceiptTimeout          = 10 * time.Second
	leaveTimeout                = 2 * time.Second
)

var (
	ErrNoConversation = errors.New("no conversation open")
	ErrNoDirectory    = errors.New("no directory configured")
	ErrClosed         = errors.New("coordinator closed")
)

type Config struct {
	Transport transport.Options

	// SelfID is the local participant id, normally the token subject.
	SelfID string

	Media         media.Source
	NewNegotiator call.NegotiatorFactory

	// Directory is optional. When set, opened conversations are seeded from
	// history and presence is seeded from the user listing.
	Directory *directory.Client

	RingTimeout       time.Duration
	TypingIdleTimeout time.Duration

	// ReconnectInterval is the first retry delay after an unrequested loss of
	// the messages namespace. Zero disables reconnection.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	Clock   ratelimit.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// TransportState reports which namespaces are live.
type TransportState struct {
	Messages  bool   `json:"messages"`
	Calls     bool   `json:"calls"`
	LastError string `json:"lastError,omitempty"`
}

// Snapshot is everything the presentation layer renders.
type Snapshot struct {
	SelfID         string             `json:"selfId"`
	Call           call.Snapshot      `json:"call"`
	ConversationID string             `json:"conversationId,omitempty"`
	Messages       []chat.Message     `json:"messages"`
	RemoteTyping   bool               `json:"remoteTyping"`
	LocalTyping    bool               `json:"localTyping"`
	Presence       []chat.Participant `json:"presence"`
	Transport      TransportState     `json:"transport"`
}

type subscriber struct {
	id uint64
	fn func(Snapshot)
}

type Coordinator struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	channel *transport.Channel
	calls   *call.Machine
	chat    *chat.Session
	dir     *directory.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	open      string
	typist    *chat.Typist
	convSubs  []transport.Subscription
	lastErr   string
	callsDeny bool
	superOnce sync.Once
	closed    bool

	subMu     sync.Mutex
	subs      []subscriber
	nextSubID uint64

	dirty chan struct{}
	kick  chan struct{}
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("coordinator: self id is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("coordinator: media source is required")
	}
	if cfg.NewNegotiator == nil {
		return nil, errors.New("coordinator: negotiator factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if cfg.Transport.Logger == nil {
		cfg.Transport.Logger = cfg.Logger.With("component", "transport")
	}
	if cfg.Transport.Metrics == nil {
		cfg.Transport.Metrics = cfg.Metrics
	}
	if cfg.Transport.Clock == nil {
		cfg.Transport.Clock = cfg.Clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:     cfg,
		log:     cfg.Logger.With("self_id", cfg.SelfID),
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		dir:     cfg.Directory,
		ctx:     ctx,
		cancel:  cancel,
		dirty:   make(chan struct{}, 1),
		kick:    make(chan struct{}, 1),
	}
	c.channel = transport.NewChannel(cfg.Transport)
	c.calls = call.NewMachine(call.Config{
		Signaler:      c.channel,
		Media:         cfg.Media,
		NewNegotiator: cfg.NewNegotiator,
		RingTimeout:   cfg.RingTimeout,
		Clock:         cfg.Clock,
		Logger:        c.log,
		Metrics:       cfg.Metrics,
		OnChange:      func(call.Snapshot) { c.changed() },
	})
	c.chat = chat.NewSession(chat.Config{
		Emitter:  c.channel,
		SelfID:   cfg.SelfID,
		Clock:    cfg.Clock,
		Logger:   c.log,
		Metrics:  cfg.Metrics,
		OnChange: func(string) { c.changed() },
	})

	for _, ev := range []signaling.Event{
		signaling.EventCallInitiate,
		signaling.EventCallAnswer,
		signaling.EventCallCandidate,
		signaling.EventCallReject,
		signaling.EventCallEnd,
	} {
		c.channel.On(ev, c.onCallEvent)
	}
	c.channel.On(signaling.EventUserOnline, c.onPresence)
	c.channel.On(signaling.EventUserOffline, c.onPresence)
	c.channel.OnStatus(c.onStatus)

	c.wg.Add(1)
	go c.notifyLoop()
	return c, nil
}

// Channel exposes the owned transport for status checks.
func (c *Coordinator) Channel() *transport.Channel { return c.channel }

// Connect opens the namespaces, starts the reconnect supervisor, and seeds
// presence from the directory. A calls failure leaves calls disabled without
// failing Connect.
func (c *Coordinator) Connect(ctx context.Context) (transport.Handle, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.Handle{}, ErrClosed
	}
	if c.cfg.ReconnectInterval > 0 {
		c.superOnce.Do(func() {
			c.wg.Add(1)
			go c.superviseLoop()
		})
	}

	h, err := c.channel.Connect(ctx)
	if err != nil {
		if c.cfg.ReconnectInterval > 0 && !transport.IsUnauthorized(err) {
			c.requestReconnect()
		}
		return h, err
	}
	if !h.CallsEnabled() {
		c.log.Warn("calls namespace unavailable; calls disabled")
	}
	c.seedPresence(ctx)
	return h, nil
}

func (c *Coordinator) seedPresence(ctx context.Context) {
	if c.dir == nil {
		return
	}
	users, err := c.dir.Users(ctx)
	if err != nil {
		c.log.Warn("user listing failed", "err", err)
		return
	}
	ps := make([]chat.Participant, 0, len(users))
	for _, u := range users {
		ps = append(ps, chat.Participant{UserID: u.ID, Online: u.Online(), LastSeen: u.LastSeenTime()})
	}
	c.chat.SeedPresence(ps)
}

// Close ends any call, leaves the open conversation, and releases the
// transport. It is safe to call more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.calls.End()
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	_ = c.CloseConversation(ctx)
	cancel()

	c.cancel()
	c.channel.Close()
	c.wg.Wait()
}

// Snapshot assembles the current view.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	open, typist, lastErr := c.open, c.typist, c.lastErr
	c.mu.Unlock()

	s := Snapshot{
		SelfID:   c.cfg.SelfID,
		Call:     c.calls.Snapshot(),
		Presence: c.chat.Presence(),
		Transport: TransportState{
			Messages:  c.channel.Connected(transport.NamespaceMessages),
			Calls:     c.channel.Connected(transport.NamespaceCalls),
			LastError: lastErr,
		},
		ConversationID: open,
	}
	if open != "" {
		s.Messages = c.chat.Messages(open)
		s.RemoteTyping = c.chat.RemoteTyping(open)
		if typist != nil {
			s.LocalTyping = typist.Active()
		}
	}
	return s
}

// Subscribe registers fn for snapshots after changes. Calls are made in
// order from one goroutine; bursts of changes may be coalesced.
func (c *Coordinator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.subMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Coordinator) changed() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *Coordinator) notifyLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.dirty:
		}
		snap := c.Snapshot()
		c.subMu.Lock()
		subs := append([]subscriber(nil), c.subs...)
		c.subMu.Unlock()
		for _, s := range subs {
			c.notify(s, snap)
		}
	}
}

func (c *Coordinator) notify(s subscriber, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("snapshot subscriber panicked", "panic", r)
		}
	}()
	s.fn(snap)
}

// decode validates an inbound payload. Malformed events are counted and
// dropped.
func (c *Coordinator) decode(event signaling.Event, data json.RawMessage) (signaling.Inbound, bool) {
	in, err := signaling.Decode(event, data)
	if err != nil {
		c.metrics.Inc(metrics.ProtocolError)
		c.log.Warn("dropping malformed event", "event", string(event), "err", err)
		return nil, false
	}
	return in, true
}

func (c *Coordinator) onCallEvent(event signaling.Event, data json.RawMessage) {
	in, ok := c.decode(event, data)
	if !ok {
		return
	}
	var err error
	switch v := in.(type) {
	case signaling.CallOffer:
		err = c.calls.HandleOffer(v)
	case signaling.CallAnswer:
		err = c.calls.HandleAnswer(v)
	case signaling.RemoteCandidate:
		err = c.calls.HandleCandidate(v)
	case signaling.CallRejected:
		err = c.calls.HandleReject(v)
	case signaling.CallEnded:
		err = c.calls.HandleEnd(v)
	}
	if err == nil {
		return
	}
	var pe *signaling.ProtocolError
	if errors.As(err, &pe) {
		c.metrics.Inc(metrics.ProtocolError)
		c.log.Warn("dropping unexpected call event", "event", string(event), "err", err)
		return
	}
	c.log.Warn("call event failed", "event", string(event), "err", err)
}

func (c *Coordinator) onPresence(event signaling.Event, data json.RawMessage) {
	in, ok := c.decode(event, data)
	if !ok {
		return
	}
	c.chat.HandlePresence(in.(signaling.PresenceNotice))
}

func (c *Coordinator) onStatus(st transport.Status) {
	unauthorized := st.Err != nil && transport.IsUnauthorized(st.Err)
	c.mu.Lock()
	if st.Err != nil {
		c.lastErr = st.Err.Error()
	} else if st.Kind == transport.StatusConnected {
		c.lastErr = ""
	}
	if st.Namespace == transport.NamespaceCalls {
		c.callsDeny = unauthorized
	}
	c.mu.Unlock()
	c.changed()

	if st.Kind == transport.StatusConnected {
		return
	}
	switch st.Namespace {
	case transport.NamespaceCalls:
		if st.Kind == transport.StatusDisconnected {
			c.calls.TransportLost()
		}
		if st.Err != nil && !unauthorized {
			c.requestReconnect()
		}
	case transport.NamespaceMessages:
		if st.Kind == transport.StatusDisconnected {
			c.chat.ResetMembership()
		}
		if st.Err != nil && !transport.IsUnauthorized(st.Err) {
			c.requestReconnect()
		}
	}
}

// Intents.

// StartCall places an outgoing call. It fails fast when calls are disabled.
func (c *Coordinator) StartCall(ctx context.Context, peerID string, kind signaling.CallType) error {
	if !c.channel.Connected(transport.NamespaceCalls) {
		return &transport.TransportError{Namespace: transport.NamespaceCalls, Op: "emit", Err: transport.ErrCallsDisabled}
	}
	return c.calls.StartCall(ctx, peerID, kind)
}

func (c *Coordinator) AnswerCall(ctx context.Context) error { return c.calls.Answer(ctx) }

func (c *Coordinator) RejectCall() error { return c.calls.Reject() }

func (c *Coordinator) EndCall() error { return c.calls.End() }

func (c *Coordinator) ToggleAudio() (bool, error) { return c.calls.ToggleAudio() }

func (c *Coordinator) ToggleVideo() (bool, error) { return c.calls.ToggleVideo() }

// OpenConversation joins the room, attaches its listeners, and makes it the
// conversation the snapshot shows. An already open conversation is closed
// first.
func (c *Coordinator) OpenConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("empty conversation id")
	}
	c.mu.Lock()
	current := c.open
	c.mu.Unlock()
	if current == conversationID {
		return nil
	}
	if current != "" {
		if err := c.CloseConversation(ctx); err != nil {
			c.log.Warn("leaving previous conversation failed", "conversation_id", current, "err", err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.open = conversationID
	c.convSubs = c.subscribeConversation(conversationID)
	c.typist = chat.NewTypist(chat.TypistConfig{
		Emitter:        c.channel,
		ConversationID: conversationID,
		Idle:           c.cfg.TypingIdleTimeout,
		Clock:          c.clock,
		Logger:         c.log,
	})
	c.mu.Unlock()

	if err := c.chat.Join(ctx, conversationID); err != nil {
		c.detachConversation(conversationID)
		c.changed()
		return err
	}
	c.log.Info("conversation opened", "conversation_id", conversationID)
	c.seedHistory(ctx, conversationID)
	c.changed()
	return nil
}

// OpenDirect resolves the one-to-one conversation with userID through the
// directory and opens it.
func (c *Coordinator) OpenDirect(ctx context.Context, userID string) (string, error) {
	if c.dir == nil {
		return "", ErrNoDirectory
	}
	conv, err := c.dir.DirectConversation(ctx, userID)
	if err != nil {
		return "", err
	}
	return conv.ID, c.OpenConversation(ctx, conv.ID)
}

func (c *Coordinator) seedHistory(ctx context.Context, conversationID string) {
	if c.dir == nil {
		return
	}
	records, err := c.dir.History(ctx, conversationID)
	if err != nil {
		c.log.Warn("history fetch failed", "conversation_id", conversationID, "err", err)
		return
	}
	if n := c.chat.Seed(conversationID, records); n > 0 {
		c.log.Debug("history seeded", "conversation_id", conversationID, "messages", n)
	}
}

// CloseConversation stops typing, detaches the conversation's listeners,
// and leaves the room.
func (c *Coordinator) CloseConversation(ctx context.Context) error {
	c.mu.Lock()
	id := c.open
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	c.detachConversation(id)
	err := c.chat.Leave(ctx, id)
	c.chat.Forget(id)
	c.log.Info("conversation closed", "conversation_id", id)
	c.changed()
	return err
}

// detachConversation clears the open conversation if it is still id.
func (c *Coordinator) detachConversation(id string) {
	c.mu.Lock()
	if c.open != id {
		c.mu.Unlock()
		return
	}
	subs, typist := c.convSubs, c.typist
	c.open, c.convSubs, c.typist = "", nil, nil
	c.mu.Unlock()

	if typist != nil {
		typist.Close()
	}
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (c *Coordinator) isOpen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open == id
}

// subscribeConversation registers the chat listeners scoped to id. Events
// for any other conversation are ignored.
func (c *Coordinator) subscribeConversation(id string) []transport.Subscription {
	onReceive := func(event signaling.Event, data json.RawMessage) {
		in, ok := c.decode(event, data)
		if !ok {
			return
		}
		rec := in.(signaling.MessageRecord)
		if rec.ConversationID != id || !c.isOpen(id) {
			return
		}
		if _, added := c.chat.HandleReceive(rec); added && rec.SenderID != c.cfg.SelfID {
			c.markRead(id, rec.ID)
		}
	}
	onTyping := func(event signaling.Event, data json.RawMessage) {
		in, ok := c.decode(event, data)
		if !ok {
			return
		}
		n := in.(signaling.TypingNotice)
		if n.ConversationID != id || !c.isOpen(id) {
			return
		}
		c.chat.HandleTyping(n)
	}
	return []transport.Subscription{
		c.channel.On(signaling.EventMessageReceive, onReceive),
		c.channel.On(signaling.EventTypingStart, onTyping),
		c.channel.On(signaling.EventTypingStop, onTyping),
	}
}

// markRead sends a read receipt off the dispatch goroutine; handlers must
// not wait for acks.
func (c *Coordinator) markRead(conversationID, messageID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, readReceiptTimeout)
		defer cancel()
		if err := c.chat.MarkAsRead(ctx, conversationID, messageID); err != nil {
			c.log.Debug("read receipt failed", "conversation_id", conversationID, "message_id", messageID, "err", err)
		}
	}()
}

// SendMessage sends to the open conversation. Typing stops first.
func (c *Coordinator) SendMessage(ctx context.Context, content string, typ signaling.MessageType) (chat.Message, error) {
	c.mu.Lock()
	id, typist := c.open, c.typist
	c.mu.Unlock()
	if id == "" {
		return chat.Message{}, ErrNoConversation
	}
	if typist != nil {
		typist.Stop()
	}
	return c.chat.Send(ctx, id, content, typ)
}

// SetTypingInput feeds the current input text to the typing debouncer.
func (c *Coordinator) SetTypingInput(text string) {
	c.mu.Lock()
	typist := c.typist
	c.mu.Unlock()
	if typist != nil {
		typist.Input(text)
	}
}

// Reconnect supervision.

func (c *Coordinator) requestReconnect() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) superviseLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.kick:
		}
		c.reconnect()
	}
}

// reconnect redials until both namespaces are live. The messages namespace
// and the calls namespace back off independently; a calls namespace that
// refuses the credential is left disabled.
func (c *Coordinator) reconnect() {
	msgDelay := c.cfg.ReconnectInterval
	callsDelay := c.cfg.ReconnectInterval
	for attempt := 1; ; attempt++ {
		msgsUp := c.channel.Connected(transport.NamespaceMessages)
		callsUp := c.channel.Connected(transport.NamespaceCalls) || c.callsDenied()
		if msgsUp && callsUp {
			return
		}
		delay := msgDelay
		if msgsUp {
			delay = callsDelay
		}
		if !c.sleep(delay) {
			return
		}
		c.log.Info("reconnecting", "attempt", attempt, "delay", delay.String(), "messages", msgsUp, "calls", callsUp)
		h, err := c.channel.Connect(c.ctx)
		if transport.IsUnauthorized(err) || errors.Is(err, transport.ErrClosed) {
			c.log.Error("giving up reconnect", "err", err)
			return
		}
		if !msgsUp && h.Messages {
			c.metrics.Inc(metrics.TransportReconnect)
			c.log.Info("reconnected", "attempt", attempt, "calls_enabled", h.CallsEnabled())
			c.rejoin()
			msgDelay = c.cfg.ReconnectInterval
		}
		if !callsUp && h.Calls {
			c.log.Info("calls namespace restored", "attempt", attempt)
			callsDelay = c.cfg.ReconnectInterval
		}
		if !h.Messages {
			msgDelay = c.backoff(msgDelay)
		} else if !h.Calls {
			callsDelay = c.backoff(callsDelay)
		}
	}
}

func (c *Coordinator) backoff(d time.Duration) time.Duration {
	d *= 2
	if d > c.cfg.MaxReconnectInterval {
		d = c.cfg.MaxReconnectInterval
	}
	return d
}

func (c *Coordinator) callsDenied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callsDeny
}

func (c *Coordinator) sleep(d time.Duration) bool {
	fired := make(chan struct{})
	t := c.clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-c.ctx.Done():
		t.Stop()
		return false
	}
}

// rejoin restores membership of the open conversation after the messages
// namespace comes back, and fills the gap from history.
func (c *Coordinator) rejoin() {
	c.mu.Lock()
	id := c.open
	c.mu.Unlock()
	if id == "" {
		return
	}
	if err := c.chat.Join(c.ctx, id); err != nil {
		c.log.Warn("rejoin failed", "conversation_id", id, "err", err)
		return
	}
	c.log.Info("rejoined conversation", "conversation_id", id)
	c.seedHistory(c.ctx, id)
}
