// Package signaltest runs an in-process realtime server speaking the
// livelink frame envelope. It authenticates handshakes, routes call signaling
// between connected users, and keeps conversation rooms for chat.
package signaltest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

const (
	NamespaceMessages = "/messages"
	NamespaceCalls    = "/calls"

	writeWait = 5 * time.Second
)

type Config struct {
	// Secret verifies HS256 bearer tokens. When empty, the token subject is
	// read without verification.
	Secret string

	// DisableCalls makes the calls namespace answer 404.
	DisableCalls bool

	// Route forwards call events between users, joins rooms and fans out chat
	// events. When false, frames are only recorded.
	Route bool

	// RejectJoin fails conversation:join acks for these conversation ids.
	RejectJoin map[string]string

	// SilentAcks lists events whose acks are sent with no data.
	SilentAcks map[signaling.Event]bool

	Logger *slog.Logger
}

// Server is a running fake. Close it when done.
type Server struct {
	cfg      Config
	log      *slog.Logger
	http     *httptest.Server
	upgrader websocket.Upgrader
	verifier *auth.JWTVerifier

	mu      sync.Mutex
	clients map[string]map[string]*Client // namespace -> user -> client
	rooms   map[string]map[string]bool    // conversation -> users
	accepts chan *Client
	holdAck map[signaling.Event]bool
}

// NewServer starts the fake on a loopback test listener.
func NewServer(cfg Config) *Server {
	s := New(cfg)
	s.http = httptest.NewServer(s.Handler())
	return s
}

// New builds the fake without a listener; serve Handler on any http.Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]map[string]*Client),
		rooms:   make(map[string]map[string]bool),
		accepts: make(chan *Client, 64),
		holdAck: make(map[signaling.Event]bool),
	}
	if cfg.Secret != "" {
		s.verifier = auth.NewJWTVerifier(cfg.Secret)
	}
	return s
}

// URL is the ws:// base the client appends namespaces to.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http")
}

// HTTPURL is the http:// base of the same listener.
func (s *Server) HTTPURL() string { return s.http.URL }

func (s *Server) Close() {
	s.mu.Lock()
	var all []*Client
	for _, byUser := range s.clients {
		for _, c := range byUser {
			all = append(all, c)
		}
	}
	s.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
	if s.http != nil {
		s.http.Close()
	}
}

// HoldAcks stops the server from acknowledging event until ReleaseAcks.
func (s *Server) HoldAcks(event signaling.Event) {
	s.mu.Lock()
	s.holdAck[event] = true
	s.mu.Unlock()
}

func (s *Server) ReleaseAcks(event signaling.Event) {
	s.mu.Lock()
	delete(s.holdAck, event)
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(NamespaceMessages, func(w http.ResponseWriter, r *http.Request) {
		s.serveNamespace(w, r, NamespaceMessages)
	})
	mux.HandleFunc(NamespaceCalls, func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.DisableCalls {
			http.NotFound(w, r)
			return
		}
		s.serveNamespace(w, r, NamespaceCalls)
	})
	return mux
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	token, err := auth.CredentialFromRequest(r)
	if err != nil {
		return "", err
	}
	if s.verifier != nil {
		return s.verifier.Verify(token)
	}
	return auth.SubjectFromToken(token)
}

func (s *Server) serveNamespace(w http.ResponseWriter, r *http.Request, ns string) {
	userID, err := s.authenticate(r)
	if err != nil {
		s.log.Debug("rejecting handshake", "namespace", ns, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var respHeader http.Header
	for _, p := range websocket.Subprotocols(r) {
		if strings.HasPrefix(p, auth.TokenSubprotocolPrefix) {
			respHeader = http.Header{"Sec-Websocket-Protocol": []string{p}}
			break
		}
	}
	ws, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return
	}

	c := &Client{
		Namespace: ns,
		UserID:    userID,
		server:    s,
		ws:        ws,
		frames:    make(chan signaling.Frame, 256),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.clients[ns] == nil {
		s.clients[ns] = make(map[string]*Client)
	}
	prev := s.clients[ns][userID]
	s.clients[ns][userID] = c
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	if s.cfg.Route && ns == NamespaceMessages {
		s.broadcastMessages(userID, signaling.EventUserOnline, map[string]string{"userId": userID})
	}

	select {
	case s.accepts <- c:
	default:
	}

	c.readLoop()

	s.mu.Lock()
	if s.clients[ns][userID] == c {
		delete(s.clients[ns], userID)
	}
	s.mu.Unlock()
	if s.cfg.Route && ns == NamespaceMessages {
		s.broadcastMessages(userID, signaling.EventUserOffline, map[string]string{"userId": userID})
	}
}

// Accept waits for the next namespace connection.
func (s *Server) Accept(timeout time.Duration) (*Client, error) {
	select {
	case c := <-s.accepts:
		return c, nil
	case <-time.After(timeout):
		return nil, errors.New("no connection accepted")
	}
}

// Client returns the live connection of user on ns, if any.
func (s *Server) Client(ns, userID string) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[ns][userID]
}

// Members lists the users joined to a conversation.
func (s *Server) Members(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for u := range s.rooms[conversationID] {
		out = append(out, u)
	}
	return out
}

func (s *Server) broadcastMessages(except string, event signaling.Event, payload any) {
	s.mu.Lock()
	var targets []*Client
	for u, c := range s.clients[NamespaceMessages] {
		if u != except {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		_ = c.Send(event, payload)
	}
}

func (s *Server) sendRoom(conversationID, except string, event signaling.Event, payload any) {
	s.mu.Lock()
	var targets []*Client
	for u := range s.rooms[conversationID] {
		if u == except {
			continue
		}
		if c := s.clients[NamespaceMessages][u]; c != nil {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		_ = c.Send(event, payload)
	}
}

func (s *Server) sendTo(ns, userID string, event signaling.Event, payload any) {
	if c := s.Client(ns, userID); c != nil {
		_ = c.Send(event, payload)
	}
}

func (s *Server) route(c *Client, f signaling.Frame) {
	var in map[string]json.RawMessage
	_ = json.Unmarshal(f.Data, &in)
	str := func(key string) string {
		var v string
		_ = json.Unmarshal(in[key], &v)
		return v
	}

	var ack any = map[string]any{"success": true}
	switch f.Event {
	case signaling.EventCallInitiate:
		s.sendTo(NamespaceCalls, str("recipientId"), f.Event, map[string]any{
			"callerId": c.UserID, "offer": in["offer"], "callType": in["callType"],
		})
	case signaling.EventCallAnswer:
		s.sendTo(NamespaceCalls, str("callerId"), f.Event, map[string]any{
			"calleeId": c.UserID, "answer": in["answer"],
		})
	case signaling.EventCallCandidate:
		s.sendTo(NamespaceCalls, str("targetUserId"), f.Event, map[string]any{
			"senderId": c.UserID, "candidate": in["candidate"],
		})
	case signaling.EventCallReject:
		s.sendTo(NamespaceCalls, str("callerId"), f.Event, map[string]any{"calleeId": c.UserID})
	case signaling.EventCallEnd:
		s.sendTo(NamespaceCalls, str("targetUserId"), f.Event, map[string]any{"userId": c.UserID})

	case signaling.EventConversationJoin:
		conv := str("conversationId")
		if reason, ok := s.cfg.RejectJoin[conv]; ok {
			ack = map[string]any{"success": false, "error": reason}
			break
		}
		s.mu.Lock()
		if s.rooms[conv] == nil {
			s.rooms[conv] = make(map[string]bool)
		}
		s.rooms[conv][c.UserID] = true
		s.mu.Unlock()
	case signaling.EventConversationLeave:
		conv := str("conversationId")
		s.mu.Lock()
		delete(s.rooms[conv], c.UserID)
		s.mu.Unlock()
	case signaling.EventMessageSend:
		conv := str("conversationId")
		s.mu.Lock()
		member := s.rooms[conv][c.UserID]
		s.mu.Unlock()
		if !member {
			ack = map[string]any{"success": false, "error": "not a member of conversation"}
			break
		}
		msgType := str("type")
		if msgType == "" {
			msgType = string(signaling.MessageTypeText)
		}
		rec := signaling.MessageRecord{
			ID:             uuid.NewString(),
			ConversationID: conv,
			SenderID:       c.UserID,
			Content:        str("content"),
			Type:           signaling.MessageType(msgType),
			CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		}
		s.sendRoom(conv, "", signaling.EventMessageReceive, rec)
		ack = map[string]any{"success": true, "message": rec}
	case signaling.EventMessageRead:
	case signaling.EventTypingStart, signaling.EventTypingStop:
		conv := str("conversationId")
		s.sendRoom(conv, c.UserID, f.Event, map[string]string{"userId": c.UserID, "conversationId": conv})
	default:
		s.log.Debug("unrouted event", "event", string(f.Event))
	}

	if f.ID == nil {
		return
	}
	s.mu.Lock()
	held := s.holdAck[f.Event]
	s.mu.Unlock()
	if held {
		return
	}
	if s.cfg.SilentAcks[f.Event] {
		ack = nil
	}
	_ = c.Ack(*f.ID, ack)
}

// Client is the server side of one namespace connection.
type Client struct {
	Namespace string
	UserID    string

	server  *Server
	ws      *websocket.Conn
	writeMu sync.Mutex
	frames  chan signaling.Frame

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := signaling.ParseFrame(payload)
		if err != nil {
			c.server.log.Debug("bad frame from client", "err", err)
			continue
		}
		if c.server.cfg.Route {
			c.server.route(c, f)
		}
		select {
		case c.frames <- f:
		default:
		}
	}
}

// Send pushes an event frame to the client.
func (c *Client) Send(event signaling.Event, payload any) error {
	b, err := signaling.EncodeEvent(event, payload, nil)
	if err != nil {
		return err
	}
	return c.WriteRaw(b)
}

// Ack answers an event frame. A nil payload sends an ack with no data.
func (c *Client) Ack(id uint64, payload any) error {
	b, err := signaling.EncodeAck(id, payload)
	if err != nil {
		return err
	}
	return c.WriteRaw(b)
}

// WriteRaw writes an arbitrary text frame, malformed or not.
func (c *Client) WriteRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Next returns the next frame received from the client.
func (c *Client) Next(timeout time.Duration) (signaling.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.frames:
			return f, nil
		default:
		}
		return signaling.Frame{}, errors.New("client closed")
	case <-time.After(timeout):
		return signaling.Frame{}, fmt.Errorf("no frame from %s%s within %v", c.UserID, c.Namespace, timeout)
	}
}

// NextEvent skips frames until one for event arrives.
func (c *Client) NextEvent(event signaling.Event, timeout time.Duration) (signaling.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := c.Next(time.Until(deadline))
		if err != nil {
			return f, err
		}
		if f.Event == event {
			return f, nil
		}
	}
}

// Done is closed once the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close drops the connection without a close handshake.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
		close(c.done)
	})
}
