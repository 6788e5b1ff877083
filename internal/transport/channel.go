package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/config"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

type Namespace string

const (
	NamespaceMessages Namespace = "/messages"
	NamespaceCalls    Namespace = "/calls"
)

var namespaces = []Namespace{NamespaceMessages, NamespaceCalls}

// NamespaceFor routes an event to the namespace that carries it.
func NamespaceFor(event signaling.Event) Namespace {
	if strings.HasPrefix(string(event), "call:") {
		return NamespaceCalls
	}
	return NamespaceMessages
}

const dispatchBuffer = 256

type Options struct {
	// ServerURL is the ws:// or wss:// base; namespace paths are appended.
	ServerURL       string
	Token           string
	AuthForwardMode auth.ForwardMode
	Origin          string

	DialTimeout  time.Duration
	PingInterval time.Duration
	IdleTimeout  time.Duration

	MaxMessageBytes   int64
	MaxEmitsPerSecond int
	SendQueueBytes    int

	// AckTimeout bounds EmitWithAck. Zero waits until the ack arrives, the
	// namespace drops, or the caller's context ends.
	AckTimeout time.Duration

	Dialer  *websocket.Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock
}

// OptionsFromConfig maps process configuration onto channel options.
func OptionsFromConfig(cfg config.Config, token string) Options {
	return Options{
		ServerURL:         cfg.ServerURL,
		Token:             token,
		AuthForwardMode:   cfg.AuthForwardMode,
		Origin:            cfg.Origin,
		DialTimeout:       cfg.DialTimeout,
		PingInterval:      cfg.WSPingInterval,
		IdleTimeout:       cfg.WSIdleTimeout,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MaxEmitsPerSecond: cfg.MaxEmitsPerSecond,
		SendQueueBytes:    cfg.SendQueueBytes,
		AckTimeout:        cfg.AckTimeout,
	}
}

type StatusKind int

const (
	StatusConnected StatusKind = iota
	StatusDisconnected
	StatusConnectError
)

func (k StatusKind) String() string {
	switch k {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusConnectError:
		return "connect_error"
	default:
		return fmt.Sprintf("StatusKind(%d)", int(k))
	}
}

// Status reports a namespace lifecycle change. A Disconnected status with a
// nil Err was requested by Disconnect.
type Status struct {
	Namespace Namespace
	Kind      StatusKind
	Err       error
}

// Handle describes which namespaces a Connect left live.
type Handle struct {
	Messages bool
	Calls    bool
}

func (h Handle) CallsEnabled() bool { return h.Calls }

// Handler receives the raw payload of an inbound event. Handlers run one at a
// time on the channel's dispatch goroutine and must not block on acks.
type Handler func(event signaling.Event, data json.RawMessage)

type handlerEntry struct {
	id uint64
	fn Handler
}

type statusEntry struct {
	id uint64
	fn func(Status)
}

// Subscription detaches a handler registered with On or OnStatus.
type Subscription struct {
	ch     *Channel
	event  signaling.Event
	status bool
	id     uint64
}

func (s Subscription) Unsubscribe() {
	if s.ch == nil {
		return
	}
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	if s.status {
		s.ch.statusHandlers = removeEntry(s.ch.statusHandlers, s.id, func(e statusEntry) uint64 { return e.id })
		return
	}
	s.ch.handlers[s.event] = removeEntry(s.ch.handlers[s.event], s.id, func(e handlerEntry) uint64 { return e.id })
	if len(s.ch.handlers[s.event]) == 0 {
		delete(s.ch.handlers, s.event)
	}
}

func removeEntry[E any](entries []E, id uint64, idOf func(E) uint64) []E {
	out := entries[:0]
	for _, e := range entries {
		if idOf(e) != id {
			out = append(out, e)
		}
	}
	return out
}

// Channel is the authenticated, namespaced connection to the realtime
// server. Construct it with NewChannel; Close releases it for good.
type Channel struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
	limiter *ratelimit.TokenBucket

	connectMu sync.Mutex

	mu             sync.Mutex
	conns          map[Namespace]*conn
	handlers       map[signaling.Event][]handlerEntry
	statusHandlers []statusEntry
	nextSubID      uint64
	closed         bool

	nextAckID atomic.Uint64

	dispatch     chan func()
	dispatchDone chan struct{}
	closeOnce    sync.Once
	stop         chan struct{}
}

func NewChannel(opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = ratelimit.RealClock{}
	}
	if opts.SendQueueBytes <= 0 {
		opts.SendQueueBytes = config.DefaultSendQueueBytes
	}

	c := &Channel{
		opts:         opts,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		conns:        make(map[Namespace]*conn),
		handlers:     make(map[signaling.Event][]handlerEntry),
		dispatch:     make(chan func(), dispatchBuffer),
		dispatchDone: make(chan struct{}),
		stop:         make(chan struct{}),
	}
	if opts.MaxEmitsPerSecond > 0 {
		n := int64(opts.MaxEmitsPerSecond)
		c.limiter = ratelimit.NewTokenBucket(opts.Clock, n, n)
	}
	go c.dispatchLoop()
	return c
}

// Connect opens every namespace that is not already live. It is idempotent:
// live namespaces are left alone. A messages failure fails Connect; a calls
// failure only leaves calls disabled in the returned Handle.
func (c *Channel) Connect(ctx context.Context) (Handle, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Handle{}, ErrClosed
	}
	c.mu.Unlock()

	var (
		g       errgroup.Group
		errsMu  sync.Mutex
		dialErr = make(map[Namespace]error)
	)
	for _, ns := range namespaces {
		if c.Connected(ns) {
			continue
		}
		g.Go(func() error {
			ws, err := dialNamespace(ctx, &c.opts, ns)
			if err != nil {
				terr := &TransportError{Namespace: ns, Op: "connect", Err: err}
				c.metrics.Inc(metrics.TransportConnectError)
				c.log.Warn("namespace connect failed", "namespace", string(ns), "err", err)
				c.publishStatus(Status{Namespace: ns, Kind: StatusConnectError, Err: terr})
				errsMu.Lock()
				dialErr[ns] = terr
				errsMu.Unlock()
				return nil
			}
			c.attach(ns, ws)
			return nil
		})
	}
	_ = g.Wait()

	h := Handle{Messages: c.Connected(NamespaceMessages), Calls: c.Connected(NamespaceCalls)}
	if err := dialErr[NamespaceMessages]; err != nil {
		return h, err
	}
	return h, nil
}

func (c *Channel) attach(ns Namespace, ws *websocket.Conn) {
	cn := newConn(ns, ws, &c.opts, c.limiter)
	cn.onEvent = c.deliver
	cn.onClose = c.detach

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cn.close()
		return
	}
	c.conns[ns] = cn
	c.mu.Unlock()

	cn.start()
	c.metrics.Inc(metrics.TransportConnect)
	c.log.Info("namespace connected", "namespace", string(ns))
	c.publishStatus(Status{Namespace: ns, Kind: StatusConnected})
}

func (c *Channel) detach(cn *conn, cause error) {
	c.mu.Lock()
	if c.conns[cn.ns] == cn {
		delete(c.conns, cn.ns)
	}
	c.mu.Unlock()

	c.metrics.Inc(metrics.TransportDisconnect)
	if cause != nil {
		c.log.Warn("namespace disconnected", "namespace", string(cn.ns), "err", cause)
		cause = &TransportError{Namespace: cn.ns, Op: "read", Err: cause}
	} else {
		c.log.Info("namespace closed", "namespace", string(cn.ns))
	}
	c.publishStatus(Status{Namespace: cn.ns, Kind: StatusDisconnected, Err: cause})
}

// Disconnect closes every live namespace. Pending acks fail with
// ErrDisconnected. Handlers stay registered for a later Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	live := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		live = append(live, cn)
	}
	c.mu.Unlock()
	for _, cn := range live {
		cn.close()
	}
}

// Close disconnects and stops dispatch. Events already queued for dispatch
// are discarded.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.Disconnect()
		close(c.stop)
		<-c.dispatchDone
	})
}

func (c *Channel) Connected(ns Namespace) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conns[ns]
	return ok
}

func (c *Channel) live(ns Namespace) (*conn, error) {
	c.mu.Lock()
	cn := c.conns[ns]
	c.mu.Unlock()
	if cn != nil {
		return cn, nil
	}
	if ns == NamespaceCalls {
		return nil, &TransportError{Namespace: ns, Op: "emit", Err: ErrCallsDisabled}
	}
	return nil, &TransportError{Namespace: ns, Op: "emit", Err: ErrNotConnected}
}

// Emit sends a fire-and-forget event on the namespace that carries it.
func (c *Channel) Emit(event signaling.Event, payload any) error {
	ns := NamespaceFor(event)
	cn, err := c.live(ns)
	if err != nil {
		return err
	}
	frame, err := signaling.EncodeEvent(event, payload, nil)
	if err != nil {
		return err
	}
	if err := cn.send(frame); err != nil {
		return &TransportError{Namespace: ns, Op: "emit", Err: err}
	}
	return nil
}

// EmitWithAck sends an event and waits for the server's acknowledgment
// payload. The payload may be empty.
func (c *Channel) EmitWithAck(ctx context.Context, event signaling.Event, payload any) (json.RawMessage, error) {
	ns := NamespaceFor(event)
	cn, err := c.live(ns)
	if err != nil {
		return nil, err
	}

	id := c.nextAckID.Add(1)
	frame, err := signaling.EncodeEvent(event, payload, &id)
	if err != nil {
		return nil, err
	}
	wait, err := cn.registerAck(id)
	if err != nil {
		return nil, &TransportError{Namespace: ns, Op: "emit", Err: err}
	}
	if err := cn.send(frame); err != nil {
		cn.dropAck(id)
		return nil, &TransportError{Namespace: ns, Op: "emit", Err: err}
	}

	if c.opts.AckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.AckTimeout)
		defer cancel()
	}
	select {
	case res := <-wait:
		if res.err != nil {
			c.metrics.Inc(metrics.AckFailure)
			return nil, &TransportError{Namespace: ns, Op: "ack", Err: res.err}
		}
		return res.data, nil
	case <-ctx.Done():
		cn.dropAck(id)
		c.metrics.Inc(metrics.AckFailure)
		return nil, &TransportError{Namespace: ns, Op: "ack", Err: ctx.Err()}
	}
}

// On registers handler for event. Multiple handlers run in registration
// order.
func (c *Channel) On(event signaling.Event, handler Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: c.nextSubID, fn: handler})
	return Subscription{ch: c, event: event, id: c.nextSubID}
}

// Off removes every handler registered for event.
func (c *Channel) Off(event signaling.Event) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

// OnStatus registers a lifecycle listener. It runs on the dispatch goroutine,
// ordered with inbound events.
func (c *Channel) OnStatus(fn func(Status)) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	c.statusHandlers = append(c.statusHandlers, statusEntry{id: c.nextSubID, fn: fn})
	return Subscription{ch: c, status: true, id: c.nextSubID}
}

func (c *Channel) deliver(cn *conn, f signaling.Frame) {
	event, data := f.Event, f.Data
	c.enqueue(func() {
		c.mu.Lock()
		entries := append([]handlerEntry(nil), c.handlers[event]...)
		c.mu.Unlock()
		if len(entries) == 0 {
			c.log.Debug("no handler for event", "namespace", string(cn.ns), "event", string(event))
			return
		}
		for _, e := range entries {
			c.invoke(string(event), func() { e.fn(event, data) })
		}
	})
}

func (c *Channel) publishStatus(st Status) {
	c.enqueue(func() {
		c.mu.Lock()
		entries := append([]statusEntry(nil), c.statusHandlers...)
		c.mu.Unlock()
		for _, e := range entries {
			c.invoke("status", func() { e.fn(st) })
		}
	})
}

func (c *Channel) enqueue(fn func()) {
	select {
	case c.dispatch <- fn:
	case <-c.stop:
	}
}

func (c *Channel) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.Inc(metrics.HandlerPanic)
			c.log.Error("handler panicked", "event", name, "panic", r)
		}
	}()
	fn()
}

func (c *Channel) dispatchLoop() {
	defer close(c.dispatchDone)
	for {
		select {
		case <-c.stop:
			return
		case fn := <-c.dispatch:
			fn()
		}
	}
}

// IsUnauthorized reports whether err came from a rejected handshake.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
