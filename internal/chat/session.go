// Package chat implements the conversation protocol: acknowledged room
// membership, optimistic sends with per-message status, read receipts,
// typing indicators and presence.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

// Emitter is the part of the transport channel chat needs.
type Emitter interface {
	Emit(event signaling.Event, payload any) error
	EmitWithAck(ctx context.Context, event signaling.Event, payload any) (json.RawMessage, error)
}

type Config struct {
	Emitter Emitter
	SelfID  string
	Clock   ratelimit.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnChange is called, without locks held, after a conversation's log,
	// typing flags or membership change. Presence changes pass an empty id.
	OnChange func(conversationID string)
}

// Participant is the locally known presence of another user.
type Participant struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

type Session struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	mu       sync.Mutex
	joined   map[string]bool
	logs     map[string]*Log
	typing   map[string]map[string]bool
	presence map[string]Participant
}

func NewSession(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &Session{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "chat"),
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		joined:   make(map[string]bool),
		logs:     make(map[string]*Log),
		typing:   make(map[string]map[string]bool),
		presence: make(map[string]Participant),
	}
}

func (s *Session) SelfID() string { return s.cfg.SelfID }

func (s *Session) changed(conversationID string) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(conversationID)
	}
}

func (s *Session) logLocked(conversationID string) *Log {
	l, ok := s.logs[conversationID]
	if !ok {
		l = newLog()
		s.logs[conversationID] = l
	}
	return l
}

// Join requests membership of the conversation's room and waits for the
// server's acknowledgment.
func (s *Session) Join(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("empty conversation id")
	}
	raw, err := s.cfg.Emitter.EmitWithAck(ctx, signaling.EventConversationJoin, signaling.ConversationRequest{ConversationID: conversationID})
	if err != nil {
		return err
	}
	if _, err := checkAck(signaling.EventConversationJoin, raw); err != nil {
		s.log.Warn("join refused", "conversation_id", conversationID, "err", err)
		return err
	}
	s.mu.Lock()
	s.joined[conversationID] = true
	s.logLocked(conversationID)
	s.mu.Unlock()
	s.log.Debug("joined conversation", "conversation_id", conversationID)
	s.changed(conversationID)
	return nil
}

// Leave gives up membership. Local membership is dropped even if the server
// refuses or the transport is gone.
func (s *Session) Leave(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.joined, conversationID)
	delete(s.typing, conversationID)
	s.mu.Unlock()
	s.changed(conversationID)

	raw, err := s.cfg.Emitter.EmitWithAck(ctx, signaling.EventConversationLeave, signaling.ConversationRequest{ConversationID: conversationID})
	if err != nil {
		return err
	}
	_, err = checkAck(signaling.EventConversationLeave, raw)
	return err
}

func (s *Session) Joined(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[conversationID]
}

// ResetMembership forgets every joined room, as after a transport loss, and
// returns the ids that were joined.
func (s *Session) ResetMembership() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.joined))
	for id := range s.joined {
		ids = append(ids, id)
	}
	clear(s.joined)
	clear(s.typing)
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Forget drops the local log and typing state of a conversation.
func (s *Session) Forget(conversationID string) {
	s.mu.Lock()
	delete(s.logs, conversationID)
	delete(s.typing, conversationID)
	s.mu.Unlock()
}

// Messages returns the conversation's log in arrival order.
func (s *Session) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	return l.Messages()
}

// Send appends an optimistic message, emits it, and waits for the ack. The
// entry stays in the log whatever the outcome; its Status records it.
func (s *Session) Send(ctx context.Context, conversationID, content string, typ signaling.MessageType) (Message, error) {
	if typ == "" {
		typ = signaling.MessageTypeText
	}
	if !typ.Valid() {
		return Message{}, fmt.Errorf("invalid message type %q", typ)
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}

	localID := uuid.NewString()
	msg := Message{
		ID:             localID,
		LocalID:        localID,
		ConversationID: conversationID,
		SenderID:       s.cfg.SelfID,
		Content:        content,
		Type:           typ,
		CreatedAt:      s.clock.Now(),
		Status:         StatusPending,
	}

	s.mu.Lock()
	if !s.joined[conversationID] {
		s.mu.Unlock()
		return Message{}, ErrNotJoined
	}
	s.logLocked(conversationID).Append(msg)
	s.mu.Unlock()
	s.changed(conversationID)

	raw, err := s.cfg.Emitter.EmitWithAck(ctx, signaling.EventMessageSend, signaling.SendMessageRequest{
		ConversationID: conversationID,
		Content:        content,
		Type:           typ,
	})
	var ack signaling.Ack
	if err == nil {
		ack, err = checkAck(signaling.EventMessageSend, raw)
	}
	if err != nil {
		s.metrics.Inc(metrics.MessageFailed)
		s.log.Warn("message send failed", "conversation_id", conversationID, "local_id", localID, "err", err)
		out := s.settle(conversationID, localID, "", StatusFailed, err.Error())
		return out, err
	}

	serverID := ""
	if ack.Message != nil {
		serverID = ack.Message.ID
	}
	s.metrics.Inc(metrics.MessageSent)
	return s.settle(conversationID, localID, serverID, StatusSent, ""), nil
}

func (s *Session) settle(conversationID, localID, serverID string, status MessageStatus, errText string) Message {
	s.mu.Lock()
	var (
		out Message
		ok  bool
	)
	if l, exists := s.logs[conversationID]; exists {
		out, ok = l.settle(localID, serverID, status, errText)
	}
	s.mu.Unlock()
	if ok {
		s.changed(conversationID)
	}
	return out
}

// MarkAsRead reports a message as read.
func (s *Session) MarkAsRead(ctx context.Context, conversationID, messageID string) error {
	raw, err := s.cfg.Emitter.EmitWithAck(ctx, signaling.EventMessageRead, signaling.MarkReadRequest{
		ConversationID: conversationID,
		MessageID:      messageID,
	})
	if err != nil {
		return err
	}
	_, err = checkAck(signaling.EventMessageRead, raw)
	return err
}

// HandleReceive appends an inbound message to its own conversation's log.
// It returns the stored message and whether the log changed; duplicates and
// the echo of our own pending send are not appended again.
func (s *Session) HandleReceive(rec signaling.MessageRecord) (Message, bool) {
	m := messageFromRecord(rec, s.clock.Now())

	s.mu.Lock()
	l := s.logLocked(rec.ConversationID)
	if l.Has(rec.ID) {
		s.mu.Unlock()
		return m, false
	}
	if rec.SenderID == s.cfg.SelfID && l.adoptEcho(rec) {
		s.mu.Unlock()
		s.changed(rec.ConversationID)
		return m, true
	}
	l.Append(m)
	if set := s.typing[rec.ConversationID]; set != nil {
		delete(set, rec.SenderID)
	}
	s.mu.Unlock()

	s.metrics.Inc(metrics.MessageReceived)
	s.changed(rec.ConversationID)
	return m, true
}

// Seed places fetched history ahead of live messages.
func (s *Session) Seed(conversationID string, records []signaling.MessageRecord) int {
	now := s.clock.Now()
	history := make([]Message, 0, len(records))
	for _, rec := range records {
		if rec.ConversationID == "" {
			rec.ConversationID = conversationID
		}
		if rec.ConversationID != conversationID {
			continue
		}
		history = append(history, messageFromRecord(rec, now))
	}
	s.mu.Lock()
	n := s.logLocked(conversationID).prepend(history)
	s.mu.Unlock()
	if n > 0 {
		s.changed(conversationID)
	}
	return n
}

// HandleTyping records a remote typing start or stop. Our own notices are
// ignored.
func (s *Session) HandleTyping(n signaling.TypingNotice) bool {
	if n.UserID == s.cfg.SelfID {
		return false
	}
	s.mu.Lock()
	set := s.typing[n.ConversationID]
	if n.Active {
		if set == nil {
			set = make(map[string]bool)
			s.typing[n.ConversationID] = set
		}
		if set[n.UserID] {
			s.mu.Unlock()
			return false
		}
		set[n.UserID] = true
	} else {
		if !set[n.UserID] {
			s.mu.Unlock()
			return false
		}
		delete(set, n.UserID)
	}
	s.mu.Unlock()
	s.changed(n.ConversationID)
	return true
}

// RemoteTyping reports whether anyone else is typing in the conversation.
func (s *Session) RemoteTyping(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.typing[conversationID]) > 0
}

func (s *Session) HandlePresence(n signaling.PresenceNotice) {
	if n.UserID == s.cfg.SelfID {
		return
	}
	s.mu.Lock()
	p := s.presence[n.UserID]
	p.UserID = n.UserID
	if p.Online && !n.Online {
		p.LastSeen = s.clock.Now()
	}
	p.Online = n.Online
	s.presence[n.UserID] = p
	s.mu.Unlock()
	s.changed("")
}

// SeedPresence adds users from a directory listing without overriding state
// already learned from presence events.
func (s *Session) SeedPresence(users []Participant) {
	s.mu.Lock()
	for _, u := range users {
		if u.UserID == "" || u.UserID == s.cfg.SelfID {
			continue
		}
		if _, ok := s.presence[u.UserID]; ok {
			continue
		}
		s.presence[u.UserID] = u
	}
	s.mu.Unlock()
	s.changed("")
}

// Presence returns known participants ordered by id.
func (s *Session) Presence() []Participant {
	s.mu.Lock()
	out := make([]Participant, 0, len(s.presence))
	for _, p := range s.presence {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
