package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/call"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/chat"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

type fakeSession struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSession) record(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return f.err
}

func (f *fakeSession) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) StartCall(_ context.Context, peerID string, kind signaling.CallType) error {
	return f.record("call " + peerID + " " + string(kind))
}
func (f *fakeSession) AnswerCall(context.Context) error { return f.record("answer") }
func (f *fakeSession) RejectCall() error                { return f.record("reject") }
func (f *fakeSession) EndCall() error                   { return f.record("end") }
func (f *fakeSession) ToggleAudio() (bool, error)       { return false, f.record("mute") }
func (f *fakeSession) ToggleVideo() (bool, error)       { return true, f.record("video") }
func (f *fakeSession) OpenConversation(_ context.Context, id string) error {
	return f.record("open " + id)
}
func (f *fakeSession) OpenDirect(_ context.Context, userID string) (string, error) {
	return "dm-" + userID, f.record("dm " + userID)
}
func (f *fakeSession) CloseConversation(context.Context) error { return f.record("close") }
func (f *fakeSession) SendMessage(_ context.Context, content string, typ signaling.MessageType) (chat.Message, error) {
	return chat.Message{Content: content}, f.record("send " + string(typ) + " " + content)
}
func (f *fakeSession) SetTypingInput(text string) { _ = f.record("draft " + text) }

func TestConsoleExecute_Commands(t *testing.T) {
	s := &fakeSession{}
	var out bytes.Buffer
	c := newConsole(s, &out)

	lines := []string{
		"/call bob",
		"/call carol video",
		"/answer",
		"/reject",
		"/end",
		"/mute",
		"/video",
		"/open c1",
		"/dm bob",
		"/close",
		"/draft hel",
		"/draft ",
		"hello there",
		"   ",
	}
	for _, l := range lines {
		if err := c.Execute(context.Background(), l); err != nil {
			t.Fatalf("Execute(%q): %v", l, err)
		}
	}

	want := []string{
		"call bob audio",
		"call carol video",
		"answer",
		"reject",
		"end",
		"mute",
		"video",
		"open c1",
		"dm bob",
		"close",
		"draft hel",
		"draft ",
		"send text hello there",
	}
	got := s.log()
	if len(got) != len(want) {
		t.Fatalf("calls=%q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls[%d]=%q, want %q", i, got[i], want[i])
		}
	}
	for _, frag := range []string{"audio off", "video on", "opened conversation dm-bob with bob"} {
		if !strings.Contains(out.String(), frag) {
			t.Fatalf("output missing %q:\n%s", frag, out.String())
		}
	}
}

func TestConsoleExecute_Usage(t *testing.T) {
	s := &fakeSession{}
	c := newConsole(s, io.Discard)

	for _, l := range []string{"/call", "/call bob screen", "/open", "/dm a b"} {
		if err := c.Execute(context.Background(), l); err == nil {
			t.Fatalf("Execute(%q) succeeded, want usage error", l)
		}
	}
	if err := c.Execute(context.Background(), "/nope"); !errors.Is(err, errUnknownCommand) {
		t.Fatalf("err=%v, want %v", err, errUnknownCommand)
	}
	if got := s.log(); len(got) != 0 {
		t.Fatalf("session touched by invalid input: %q", got)
	}
}

func TestConsoleExecute_PropagatesErrors(t *testing.T) {
	s := &fakeSession{err: call.ErrCallInProgress}
	c := newConsole(s, io.Discard)
	if err := c.Execute(context.Background(), "/call bob"); !errors.Is(err, call.ErrCallInProgress) {
		t.Fatalf("err=%v, want %v", err, call.ErrCallInProgress)
	}
}

func TestConsoleRun_ReportsErrorsAndStopsAtEOF(t *testing.T) {
	s := &fakeSession{err: coordinator.ErrNoConversation}
	var out syncBuffer
	c := newConsole(s, &out)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), strings.NewReader("hi\n/end\n")) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return at EOF")
	}
	if n := strings.Count(out.String(), "error: "); n != 2 {
		t.Fatalf("error lines=%d, want 2:\n%s", n, out.String())
	}
}

func TestConsoleRun_StopsOnCancel(t *testing.T) {
	c := newConsole(&fakeSession{}, io.Discard)
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, pr) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run ignored cancellation")
	}
}

func TestConsoleRender(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&fakeSession{}, &out)
	at := time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)

	c.Render(coordinator.Snapshot{
		Transport: coordinator.TransportState{Messages: true},
		Call: call.Snapshot{
			State:   call.StateIncomingPending,
			Pending: &call.PendingCall{CallerID: "bob", Kind: signaling.CallTypeVideo},
		},
		ConversationID: "c1",
		Messages: []chat.Message{
			{ID: "m1", SenderID: "bob", Content: "hi", CreatedAt: at, Status: chat.StatusSent},
			{LocalID: "l1", ID: "l1", SenderID: "me", Content: "yo", CreatedAt: at, Status: chat.StatusPending},
		},
		RemoteTyping: true,
	})
	// Same pending call and messages; only the outgoing message failed.
	c.Render(coordinator.Snapshot{
		Transport: coordinator.TransportState{Messages: true},
		Call: call.Snapshot{
			State:   call.StateIncomingPending,
			Pending: &call.PendingCall{CallerID: "bob", Kind: signaling.CallTypeVideo},
		},
		ConversationID: "c1",
		Messages: []chat.Message{
			{ID: "m1", SenderID: "bob", Content: "hi", CreatedAt: at, Status: chat.StatusSent},
			{LocalID: "l1", ID: "l1", SenderID: "me", Content: "yo", CreatedAt: at, Status: chat.StatusFailed, Error: "refused"},
		},
	})
	c.Render(coordinator.Snapshot{
		Transport:      coordinator.TransportState{Messages: false, LastError: "eof"},
		Call:           call.Snapshot{State: call.StateIdle, LastEnd: &call.Ended{PeerID: "bob", Reason: call.ReasonRejected}},
		ConversationID: "c1",
	})

	got := out.String()
	for _, want := range []string{
		"* incoming video call from bob (/answer or /reject)",
		"* conversation c1",
		"[09:30] bob: hi\n",
		"[09:30] me: yo (sending)",
		"* typing...",
		`* message "yo" not delivered: refused`,
		"* disconnected: eof",
		"* call with bob ended (rejected)",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if n := strings.Count(got, "incoming video call"); n != 1 {
		t.Fatalf("incoming notice printed %d times, want 1:\n%s", n, got)
	}
	if n := strings.Count(got, "bob: hi"); n != 1 {
		t.Fatalf("message printed %d times, want 1:\n%s", n, got)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
