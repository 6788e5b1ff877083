package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

type emitRecord struct {
	at      time.Time
	event   signaling.Event
	payload any
}

type fakeEmitter struct {
	clock ratelimit.Clock

	mu   sync.Mutex
	out  []emitRecord
	acks map[signaling.Event]json.RawMessage
	errs map[signaling.Event]error
	hold chan struct{}
}

func newFakeEmitter(clock ratelimit.Clock) *fakeEmitter {
	return &fakeEmitter{
		clock: clock,
		acks:  make(map[signaling.Event]json.RawMessage),
		errs:  make(map[signaling.Event]error),
	}
}

func (e *fakeEmitter) record(event signaling.Event, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var at time.Time
	if e.clock != nil {
		at = e.clock.Now()
	}
	e.out = append(e.out, emitRecord{at: at, event: event, payload: payload})
}

func (e *fakeEmitter) Emit(event signaling.Event, payload any) error {
	e.record(event, payload)
	return nil
}

func (e *fakeEmitter) EmitWithAck(ctx context.Context, event signaling.Event, payload any) (json.RawMessage, error) {
	e.record(event, payload)
	e.mu.Lock()
	hold := e.hold
	ack, err := e.acks[event], e.errs[event]
	e.mu.Unlock()
	if hold != nil && event == signaling.EventMessageSend {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return ack, err
}

func (e *fakeEmitter) records() []emitRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitRecord(nil), e.out...)
}

func newTestSession(t *testing.T, em *fakeEmitter) *Session {
	t.Helper()
	s := NewSession(Config{Emitter: em, SelfID: "me", Metrics: metrics.New()})
	if err := s.Join(context.Background(), "A"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return s
}

func TestJoin_RefusedIsAckError(t *testing.T) {
	em := newFakeEmitter(nil)
	em.acks[signaling.EventConversationJoin] = json.RawMessage(`{"success":false,"error":"not a member"}`)
	s := NewSession(Config{Emitter: em, SelfID: "me"})

	err := s.Join(context.Background(), "A")
	var ae *AckError
	if !errors.As(err, &ae) || ae.Reason != "not a member" || ae.Event != signaling.EventConversationJoin {
		t.Fatalf("err=%v, want AckError", err)
	}
	if s.Joined("A") {
		t.Fatalf("refused join marked as joined")
	}
	if _, err := s.Send(context.Background(), "A", "hi", ""); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("Send err=%v, want %v", err, ErrNotJoined)
	}
}

func TestSend_OptimisticBeforeAck(t *testing.T) {
	em := newFakeEmitter(nil)
	em.hold = make(chan struct{})
	em.acks[signaling.EventMessageSend] = json.RawMessage(`{"success":true,"message":{"_id":"srv-1","conversationId":"A","senderId":"me","content":"hi","type":"text"}}`)
	s := newTestSession(t, em)

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "A", "hi", signaling.MessageTypeText)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Messages("A")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("optimistic message never appeared")
		}
		time.Sleep(time.Millisecond)
	}
	msgs := s.Messages("A")
	if msgs[0].Status != StatusPending || msgs[0].Content != "hi" || msgs[0].SenderID != "me" || msgs[0].ID != msgs[0].LocalID {
		t.Fatalf("optimistic=%+v", msgs[0])
	}

	close(em.hold)
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs = s.Messages("A")
	if len(msgs) != 1 || msgs[0].Status != StatusSent || msgs[0].ID != "srv-1" {
		t.Fatalf("after ack=%+v", msgs)
	}

	if _, changed := s.HandleReceive(signaling.MessageRecord{ID: "srv-1", ConversationID: "A", SenderID: "me", Content: "hi"}); changed {
		t.Fatalf("echo of own message appended twice")
	}
}

func TestSend_EchoBeforeAckIsAdopted(t *testing.T) {
	em := newFakeEmitter(nil)
	em.hold = make(chan struct{})
	s := newTestSession(t, em)

	done := make(chan Message, 1)
	go func() {
		m, _ := s.Send(context.Background(), "A", "hello", "")
		done <- m
	}()
	for len(s.Messages("A")) == 0 {
		time.Sleep(time.Millisecond)
	}
	s.HandleReceive(signaling.MessageRecord{ID: "srv-9", ConversationID: "A", SenderID: "me", Content: "hello", Type: "text"})
	close(em.hold)
	m := <-done

	msgs := s.Messages("A")
	if len(msgs) != 1 {
		t.Fatalf("messages=%+v, want 1", msgs)
	}
	if m.ID != "srv-9" || m.Status != StatusSent {
		t.Fatalf("settled=%+v", m)
	}
}

func TestSend_DuplicateCollapsedOnReconcile(t *testing.T) {
	em := newFakeEmitter(nil)
	em.acks[signaling.EventMessageSend] = json.RawMessage(`{"success":true,"message":{"_id":"srv-2"}}`)
	s := newTestSession(t, em)

	s.mu.Lock()
	s.logs["A"].Append(Message{ID: "srv-2", ConversationID: "A", SenderID: "me", Content: "edited elsewhere", Status: StatusSent})
	s.mu.Unlock()

	if _, err := s.Send(context.Background(), "A", "x", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := s.Messages("A")
	if len(msgs) != 1 || msgs[0].ID != "srv-2" || msgs[0].Content != "x" {
		t.Fatalf("messages=%+v", msgs)
	}
}

func TestSend_FailureKeepsEntryAsFailed(t *testing.T) {
	em := newFakeEmitter(nil)
	em.acks[signaling.EventMessageSend] = json.RawMessage(`{"success":false,"error":"Not a participant"}`)
	s := newTestSession(t, em)

	m, err := s.Send(context.Background(), "A", "hi", "")
	var ae *AckError
	if !errors.As(err, &ae) {
		t.Fatalf("err=%v, want AckError", err)
	}
	msgs := s.Messages("A")
	if len(msgs) != 1 || msgs[0].Status != StatusFailed || msgs[0].Error == "" {
		t.Fatalf("messages=%+v", msgs)
	}
	if m.Status != StatusFailed {
		t.Fatalf("returned=%+v", m)
	}
	if got := s.metrics.Get(metrics.MessageFailed); got != 1 {
		t.Fatalf("failed=%d, want 1", got)
	}
}

func TestSend_TransportErrorMarksFailed(t *testing.T) {
	em := newFakeEmitter(nil)
	sentinel := errors.New("disconnected")
	em.errs[signaling.EventMessageSend] = sentinel
	s := newTestSession(t, em)

	if _, err := s.Send(context.Background(), "A", "hi", ""); !errors.Is(err, sentinel) {
		t.Fatalf("err=%v, want %v", err, sentinel)
	}
	if got := s.Messages("A")[0].Status; got != StatusFailed {
		t.Fatalf("status=%s, want failed", got)
	}
}

func TestSend_MissingAckPayloadIsSuccess(t *testing.T) {
	em := newFakeEmitter(nil)
	s := newTestSession(t, em)
	m, err := s.Send(context.Background(), "A", "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Status != StatusSent || m.ID != m.LocalID {
		t.Fatalf("message=%+v, want sent with local id", m)
	}
}

func TestSend_EchoAfterIDlessAckIsAdopted(t *testing.T) {
	em := newFakeEmitter(nil)
	em.acks[signaling.EventMessageSend] = json.RawMessage(`{"success":true}`)
	s := newTestSession(t, em)

	sent, err := s.Send(context.Background(), "A", "hello", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, changed := s.HandleReceive(signaling.MessageRecord{ID: "srv-1", ConversationID: "A", SenderID: "me", Content: "hello"}); !changed {
		t.Fatalf("echo did not update the log")
	}

	msgs := s.Messages("A")
	if len(msgs) != 1 {
		t.Fatalf("messages=%+v, want 1", msgs)
	}
	if msgs[0].ID != "srv-1" || msgs[0].LocalID != sent.LocalID || msgs[0].Status != StatusSent {
		t.Fatalf("message=%+v, want server id adopted", msgs[0])
	}
	if _, changed := s.HandleReceive(signaling.MessageRecord{ID: "srv-1", ConversationID: "A", SenderID: "me", Content: "hello"}); changed {
		t.Fatalf("repeated echo appended")
	}
}

func TestReceive_FailedSendNotAdopted(t *testing.T) {
	em := newFakeEmitter(nil)
	em.acks[signaling.EventMessageSend] = json.RawMessage(`{"success":false,"error":"nope"}`)
	s := newTestSession(t, em)

	if _, err := s.Send(context.Background(), "A", "hello", ""); err == nil {
		t.Fatalf("Send succeeded, want ack error")
	}
	s.HandleReceive(signaling.MessageRecord{ID: "srv-2", ConversationID: "A", SenderID: "me", Content: "hello"})
	msgs := s.Messages("A")
	if len(msgs) != 2 || msgs[0].Status != StatusFailed || msgs[1].ID != "srv-2" {
		t.Fatalf("messages=%+v", msgs)
	}
}

func TestSend_Validation(t *testing.T) {
	s := newTestSession(t, newFakeEmitter(nil))
	if _, err := s.Send(context.Background(), "A", "   ", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err=%v, want %v", err, ErrEmptyMessage)
	}
	if _, err := s.Send(context.Background(), "A", "x", "sticker"); err == nil {
		t.Fatalf("invalid type accepted")
	}
	if len(s.Messages("A")) != 0 {
		t.Fatalf("rejected sends reached the log")
	}
}

func TestReceive_RoomScoped(t *testing.T) {
	s := newTestSession(t, newFakeEmitter(nil))
	s.HandleReceive(signaling.MessageRecord{ID: "1", ConversationID: "A", SenderID: "bob", Content: "a"})
	s.HandleReceive(signaling.MessageRecord{ID: "2", ConversationID: "B", SenderID: "bob", Content: "b"})

	a := s.Messages("A")
	if len(a) != 1 || a[0].ID != "1" {
		t.Fatalf("A=%+v", a)
	}
	if b := s.Messages("B"); len(b) != 1 || b[0].ID != "2" {
		t.Fatalf("B=%+v", b)
	}
	if _, changed := s.HandleReceive(signaling.MessageRecord{ID: "1", ConversationID: "A", SenderID: "bob", Content: "a"}); changed {
		t.Fatalf("duplicate id appended")
	}
}

func TestReceive_ArrivalOrderKept(t *testing.T) {
	s := newTestSession(t, newFakeEmitter(nil))
	s.HandleReceive(signaling.MessageRecord{ID: "late", ConversationID: "A", SenderID: "bob", CreatedAt: "2026-01-01T10:00:05Z"})
	s.HandleReceive(signaling.MessageRecord{ID: "early", ConversationID: "A", SenderID: "bob", CreatedAt: "2026-01-01T10:00:00Z"})
	msgs := s.Messages("A")
	if msgs[0].ID != "late" || msgs[1].ID != "early" {
		t.Fatalf("order=%s,%s, want arrival order", msgs[0].ID, msgs[1].ID)
	}
	if msgs[1].CreatedAt.Second() != 0 {
		t.Fatalf("createdAt not parsed: %v", msgs[1].CreatedAt)
	}
}

func TestSeed_HistoryBeforeLive(t *testing.T) {
	s := newTestSession(t, newFakeEmitter(nil))
	s.HandleReceive(signaling.MessageRecord{ID: "live", ConversationID: "A", SenderID: "bob"})
	n := s.Seed("A", []signaling.MessageRecord{
		{ID: "h1", SenderID: "bob"},
		{ID: "live", ConversationID: "A", SenderID: "bob"},
		{ID: "other", ConversationID: "B", SenderID: "bob"},
	})
	if n != 1 {
		t.Fatalf("seeded=%d, want 1", n)
	}
	msgs := s.Messages("A")
	if len(msgs) != 2 || msgs[0].ID != "h1" || msgs[1].ID != "live" {
		t.Fatalf("messages=%+v", msgs)
	}
}

func TestMarkAsRead(t *testing.T) {
	em := newFakeEmitter(nil)
	s := newTestSession(t, em)
	if err := s.MarkAsRead(context.Background(), "A", "m1"); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	recs := em.records()
	last := recs[len(recs)-1]
	if last.event != signaling.EventMessageRead || last.payload.(signaling.MarkReadRequest).MessageID != "m1" {
		t.Fatalf("last emit=%+v", last)
	}
	em.acks[signaling.EventMessageRead] = json.RawMessage(`{"success":false}`)
	var ae *AckError
	if err := s.MarkAsRead(context.Background(), "A", "m2"); !errors.As(err, &ae) {
		t.Fatalf("err=%v, want AckError", err)
	}
}

func TestLeave_DropsMembership(t *testing.T) {
	s := newTestSession(t, newFakeEmitter(nil))
	s.HandleTyping(signaling.TypingNotice{UserID: "bob", ConversationID: "A", Active: true})
	if err := s.Leave(context.Background(), "A"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if s.Joined("A") || s.RemoteTyping("A") {
		t.Fatalf("membership or typing survived leave")
	}
}

func TestResetMembership(t *testing.T) {
	s := newTestSession(t, newFakeEmitter(nil))
	if err := s.Join(context.Background(), "B"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	ids := s.ResetMembership()
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Fatalf("ids=%v", ids)
	}
	if s.Joined("A") {
		t.Fatalf("still joined after reset")
	}
}

func TestRemoteTyping(t *testing.T) {
	s := newTestSession(t, newFakeEmitter(nil))
	if s.HandleTyping(signaling.TypingNotice{UserID: "me", ConversationID: "A", Active: true}) {
		t.Fatalf("own typing notice counted")
	}
	s.HandleTyping(signaling.TypingNotice{UserID: "bob", ConversationID: "A", Active: true})
	if !s.RemoteTyping("A") || s.RemoteTyping("B") {
		t.Fatalf("typing flags wrong")
	}
	s.HandleReceive(signaling.MessageRecord{ID: "1", ConversationID: "A", SenderID: "bob"})
	if s.RemoteTyping("A") {
		t.Fatalf("message from typist should clear the flag")
	}
	s.HandleTyping(signaling.TypingNotice{UserID: "bob", ConversationID: "A", Active: true})
	s.HandleTyping(signaling.TypingNotice{UserID: "bob", ConversationID: "A", Active: false})
	if s.RemoteTyping("A") {
		t.Fatalf("stop not applied")
	}
}

func TestPresence(t *testing.T) {
	clock := ratelimit.NewManualClock(time.Unix(100, 0))
	s := NewSession(Config{Emitter: newFakeEmitter(nil), SelfID: "me", Clock: clock})
	s.SeedPresence([]Participant{{UserID: "bob"}, {UserID: "me"}})
	s.HandlePresence(signaling.PresenceNotice{UserID: "alice", Online: true})
	clock.Advance(time.Minute)
	s.HandlePresence(signaling.PresenceNotice{UserID: "alice", Online: false})
	s.SeedPresence([]Participant{{UserID: "alice", Online: true}})

	got := s.Presence()
	if len(got) != 2 || got[0].UserID != "alice" || got[1].UserID != "bob" {
		t.Fatalf("presence=%+v", got)
	}
	if got[0].Online || !got[0].LastSeen.Equal(time.Unix(160, 0)) {
		t.Fatalf("alice=%+v", got[0])
	}
}

func TestTypist_DebouncesBurst(t *testing.T) {
	start := time.Unix(0, 0)
	clock := ratelimit.NewManualClock(start)
	em := newFakeEmitter(clock)
	ty := NewTypist(TypistConfig{Emitter: em, ConversationID: "A", Idle: 700 * time.Millisecond, Clock: clock})

	at := func(ms int64) {
		clock.Advance(start.Add(time.Duration(ms)*time.Millisecond).Sub(clock.Now()))
	}
	for _, ms := range []int64{0, 100, 200, 690} {
		at(ms)
		ty.Keystroke()
	}
	at(1399)

	recs := em.records()
	if len(recs) != 2 {
		t.Fatalf("emits=%d, want 2: %+v", len(recs), recs)
	}
	if recs[0].event != signaling.EventTypingStart || recs[0].at.Sub(start) != 0 {
		t.Fatalf("first=%s at %v", recs[0].event, recs[0].at.Sub(start))
	}
	if recs[1].event != signaling.EventTypingStop || recs[1].at.Sub(start) != 1390*time.Millisecond {
		t.Fatalf("second=%s at %v, want stop at 1.39s", recs[1].event, recs[1].at.Sub(start))
	}
	if ty.Active() {
		t.Fatalf("still active after stop")
	}

	at(1400)
	ty.Keystroke()
	recs = em.records()
	if len(recs) != 3 || recs[2].event != signaling.EventTypingStart {
		t.Fatalf("new burst did not start: %+v", recs)
	}
	if p := recs[2].payload.(signaling.ConversationRequest); p.ConversationID != "A" {
		t.Fatalf("payload=%+v", p)
	}
}

func TestTypist_StopIsImmediateAndSingle(t *testing.T) {
	clock := ratelimit.NewManualClock(time.Unix(0, 0))
	em := newFakeEmitter(clock)
	ty := NewTypist(TypistConfig{Emitter: em, ConversationID: "A", Idle: time.Second, Clock: clock})

	ty.Input("h")
	ty.Input("hi")
	ty.Stop()
	ty.Stop()
	clock.Advance(5 * time.Second)
	ty.Input("")

	recs := em.records()
	if len(recs) != 2 || recs[0].event != signaling.EventTypingStart || recs[1].event != signaling.EventTypingStop {
		t.Fatalf("emits=%+v, want start,stop", recs)
	}
	if clock.Pending() != 0 {
		t.Fatalf("timer left armed")
	}

	ty.Keystroke()
	ty.Close()
	ty.Keystroke()
	recs = em.records()
	if len(recs) != 4 || recs[3].event != signaling.EventTypingStop {
		t.Fatalf("close should stop and then ignore input: %+v", recs)
	}
}
