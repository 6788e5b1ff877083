package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

const (
	writeWait      = 5 * time.Second
	closeGraceWait = time.Second
)

type ackResult struct {
	data json.RawMessage
	err  error
}

// conn is one live websocket on a namespace. It is torn down exactly once;
// the channel dials a fresh conn to reconnect.
type conn struct {
	ns      Namespace
	ws      *websocket.Conn
	log     *slog.Logger
	metrics *metrics.Metrics
	opts    *Options

	queue   *sendQueue
	limiter *ratelimit.TokenBucket

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	acksMu sync.Mutex
	acks   map[uint64]chan ackResult

	requested atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	onEvent func(c *conn, f signaling.Frame)
	onClose func(c *conn, err error)
}

func dialNamespace(ctx context.Context, opts *Options, ns Namespace) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimRight(opts.ServerURL, "/") + string(ns))
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	subprotocols := auth.Apply(opts.AuthForwardMode, opts.Token, u, header)
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.DialTimeout,
	}
	if opts.Dialer != nil {
		dialer = *opts.Dialer
	}
	dialer.Subprotocols = append(append([]string(nil), dialer.Subprotocols...), subprotocols...)

	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
		}
		return nil, err
	}
	if opts.MaxMessageBytes > 0 {
		ws.SetReadLimit(opts.MaxMessageBytes)
	}
	return ws, nil
}

func newConn(ns Namespace, ws *websocket.Conn, opts *Options, limiter *ratelimit.TokenBucket) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ns:      ns,
		ws:      ws,
		log:     opts.Logger.With("namespace", string(ns)),
		metrics: opts.Metrics,
		opts:    opts,
		queue:   newSendQueue(opts.SendQueueBytes),
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
		acks:    make(map[uint64]chan ackResult),
		done:    make(chan struct{}),
	}
}

func (c *conn) start() {
	go c.readLoop()
	go c.writeLoop()
	if c.opts.PingInterval > 0 {
		go c.pingLoop()
	}
}

func (c *conn) send(frame []byte) error {
	if err := c.queue.Enqueue(frame); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			c.metrics.Inc(metrics.EmitDropQueueFull)
		}
		return err
	}
	return nil
}

func (c *conn) registerAck(id uint64) (<-chan ackResult, error) {
	ch := make(chan ackResult, 1)
	c.acksMu.Lock()
	defer c.acksMu.Unlock()
	if c.acks == nil {
		return nil, ErrDisconnected
	}
	c.acks[id] = ch
	return ch, nil
}

func (c *conn) dropAck(id uint64) {
	c.acksMu.Lock()
	if c.acks != nil {
		delete(c.acks, id)
	}
	c.acksMu.Unlock()
}

func (c *conn) resolveAck(id uint64, data json.RawMessage) {
	c.acksMu.Lock()
	ch, ok := c.acks[id]
	if ok {
		delete(c.acks, id)
	}
	c.acksMu.Unlock()
	if !ok {
		c.log.Debug("ack for unknown id", "id", id)
		return
	}
	c.metrics.Inc(metrics.AckReceived)
	ch <- ackResult{data: data}
}

func (c *conn) extendReadDeadline() {
	if c.opts.IdleTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	}
}

func (c *conn) readLoop() {
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.extendReadDeadline()
		if msgType != websocket.TextMessage {
			c.metrics.Inc(metrics.ProtocolError)
			c.log.Warn("dropping non-text frame", "type", msgType)
			continue
		}

		f, err := signaling.ParseFrame(payload)
		if err != nil {
			c.metrics.Inc(metrics.ProtocolError)
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		switch f.Type {
		case signaling.FrameTypeAck:
			c.resolveAck(*f.ID, f.Data)
		case signaling.FrameTypeEvent:
			c.onEvent(c, f)
		}
	}
}

func (c *conn) writeLoop() {
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(c.ctx, 1); err != nil {
				if c.ctx.Err() == nil {
					c.log.Warn("emit pacing failed", "err", err)
				}
				return
			}
		}

		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.ws.WriteMessage(websocket.TextMessage, frame)
		c.writeMu.Unlock()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.metrics.Inc(metrics.EmitSent)
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

// close tears the connection down at the caller's request.
func (c *conn) close() {
	c.requested.Store(true)
	c.shutdown(nil)
}

func (c *conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.queue.Close()

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGraceWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()

		c.acksMu.Lock()
		pending := c.acks
		c.acks = nil
		c.acksMu.Unlock()
		for _, ch := range pending {
			ch <- ackResult{err: ErrDisconnected}
		}

		close(c.done)

		if c.requested.Load() {
			cause = nil
		} else if cause == nil {
			cause = ErrDisconnected
		}
		if c.onClose != nil {
			c.onClose(c, cause)
		}
	})
}
