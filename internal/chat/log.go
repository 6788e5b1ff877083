package chat

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Message is one entry of a conversation log. LocalID is set only for
// messages composed here; ID starts equal to it and is replaced by the
// server id once one is known.
type Message struct {
	ID             string                `json:"id"`
	LocalID        string                `json:"localId,omitempty"`
	ConversationID string                `json:"conversationId"`
	SenderID       string                `json:"senderId"`
	Content        string                `json:"content"`
	Type           signaling.MessageType `json:"type"`
	CreatedAt      time.Time             `json:"createdAt"`
	Status         MessageStatus         `json:"status"`
	Error          string                `json:"error,omitempty"`
}

func messageFromRecord(rec signaling.MessageRecord, now time.Time) Message {
	typ := rec.Type
	if typ == "" {
		typ = signaling.MessageTypeText
	}
	return Message{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		SenderID:       rec.SenderID,
		Content:        rec.Content,
		Type:           typ,
		CreatedAt:      rec.CreatedTime(now),
		Status:         StatusSent,
	}
}

// Log is the ordered message sequence of one conversation. Entries are kept
// in arrival order and never re-sorted.
type Log struct {
	entries []Message
	byID    map[string]int
	byLocal map[string]int
}

func newLog() *Log {
	return &Log{byID: make(map[string]int), byLocal: make(map[string]int)}
}

func (l *Log) Len() int { return len(l.entries) }

// Messages returns a copy of the entries.
func (l *Log) Messages() []Message {
	return append([]Message(nil), l.entries...)
}

func (l *Log) Has(id string) bool {
	_, ok := l.byID[id]
	return ok
}

// Append adds m unless an entry with the same id exists.
func (l *Log) Append(m Message) bool {
	if m.ID != "" && l.Has(m.ID) {
		return false
	}
	l.entries = append(l.entries, m)
	i := len(l.entries) - 1
	if m.ID != "" {
		l.byID[m.ID] = i
	}
	if m.LocalID != "" {
		l.byLocal[m.LocalID] = i
	}
	return true
}

func (l *Log) byLocalID(localID string) (*Message, bool) {
	i, ok := l.byLocal[localID]
	if !ok {
		return nil, false
	}
	return &l.entries[i], true
}

// settle records the outcome of a local send. A non-empty serverID replaces
// the optimistic id; if the server copy already arrived as its own entry,
// that duplicate is removed.
func (l *Log) settle(localID, serverID string, status MessageStatus, errText string) (Message, bool) {
	m, ok := l.byLocalID(localID)
	if !ok {
		return Message{}, false
	}
	m.Status = status
	m.Error = errText
	if serverID != "" && serverID != m.ID {
		if dup, exists := l.byID[serverID]; exists && dup != l.byLocal[localID] {
			l.remove(dup)
			m, _ = l.byLocalID(localID)
		}
		delete(l.byID, m.ID)
		m.ID = serverID
		l.byID[serverID] = l.byLocal[localID]
	}
	return *m, true
}

// adoptEcho matches the server's broadcast of our own send against the
// oldest entry with the same content that still carries its local id, so the
// echo does not appear twice. That covers sends still pending and sends whose
// ack confirmed them without a server id.
func (l *Log) adoptEcho(rec signaling.MessageRecord) bool {
	for i := range l.entries {
		m := &l.entries[i]
		if m.LocalID == "" || m.ID != m.LocalID || m.Status == StatusFailed {
			continue
		}
		if m.Content != rec.Content || (rec.Type != "" && m.Type != rec.Type) {
			continue
		}
		delete(l.byID, m.ID)
		m.ID = rec.ID
		l.byID[rec.ID] = i
		return true
	}
	return false
}

func (l *Log) remove(i int) {
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	l.reindex()
}

func (l *Log) reindex() {
	clear(l.byID)
	clear(l.byLocal)
	for i, m := range l.entries {
		if m.ID != "" {
			l.byID[m.ID] = i
		}
		if m.LocalID != "" {
			l.byLocal[m.LocalID] = i
		}
	}
}

// prepend places history ahead of the live entries, skipping ids already
// present.
func (l *Log) prepend(history []Message) int {
	var fresh []Message
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		if m.ID == "" || l.Has(m.ID) || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}
	l.entries = append(fresh, l.entries...)
	l.reindex()
	return len(fresh)
}
