package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/call"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/chat"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

// session is the slice of the coordinator the console drives.
type session interface {
	StartCall(ctx context.Context, peerID string, kind signaling.CallType) error
	AnswerCall(ctx context.Context) error
	RejectCall() error
	EndCall() error
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	OpenConversation(ctx context.Context, conversationID string) error
	OpenDirect(ctx context.Context, userID string) (string, error)
	CloseConversation(ctx context.Context) error
	SendMessage(ctx context.Context, content string, typ signaling.MessageType) (chat.Message, error)
	SetTypingInput(text string)
}

var errUnknownCommand = errors.New("unknown command")

const consoleHelp = `commands:
  /call <peer> [audio|video]   start a call (default audio)
  /answer | /reject | /end     act on the current call
  /mute | /video               toggle local audio or video
  /open <conversationId>       join a conversation
  /dm <userId>                 open the direct conversation with a user
  /close                       leave the open conversation
  /draft <text>                update the draft (drives typing indicators)
  /help                        show this help
anything else is sent as a message to the open conversation`

// console is the daemon's line-oriented front end. Each input line is one
// intent; session changes are rendered as they arrive.
type console struct {
	s         session
	opTimeout time.Duration

	mu       sync.Mutex
	out      io.Writer
	rendered renderState
}

type renderState struct {
	callState    call.State
	pendingFrom  string
	conversation string
	seen         map[string]chat.MessageStatus
	remoteTyping bool
	messagesUp   bool
}

func newConsole(s session, out io.Writer) *console {
	return &console{
		s:         s,
		out:       out,
		opTimeout: 30 * time.Second,
		rendered:  renderState{seen: map[string]chat.MessageStatus{}, messagesUp: true},
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Run reads lines until in is exhausted or ctx ends. EOF is not an error:
// the session keeps running headless.
func (c *console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := c.Execute(ctx, line); err != nil {
				c.printf("error: %v", err)
			}
		}
	}
}

// Execute runs one console line.
func (c *console) Execute(ctx context.Context, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.send(ctx, line)
	}

	cmd, rest, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	args := strings.Fields(rest)
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	switch cmd {
	case "help":
		c.printf("%s", consoleHelp)
		return nil
	case "call":
		if len(args) == 0 {
			return fmt.Errorf("usage: /call <peer> [audio|video]")
		}
		kind := signaling.CallTypeAudio
		if len(args) > 1 {
			kind = signaling.CallType(args[1])
			if !kind.Valid() {
				return fmt.Errorf("call type must be audio or video, got %q", args[1])
			}
		}
		return c.s.StartCall(ctx, args[0], kind)
	case "answer":
		return c.s.AnswerCall(ctx)
	case "reject":
		return c.s.RejectCall()
	case "end":
		return c.s.EndCall()
	case "mute":
		on, err := c.s.ToggleAudio()
		if err != nil {
			return err
		}
		c.printf("audio %s", onOff(on))
		return nil
	case "video":
		on, err := c.s.ToggleVideo()
		if err != nil {
			return err
		}
		c.printf("video %s", onOff(on))
		return nil
	case "open":
		if len(args) != 1 {
			return fmt.Errorf("usage: /open <conversationId>")
		}
		return c.s.OpenConversation(ctx, args[0])
	case "dm":
		if len(args) != 1 {
			return fmt.Errorf("usage: /dm <userId>")
		}
		id, err := c.s.OpenDirect(ctx, args[0])
		if err != nil {
			return err
		}
		c.printf("opened conversation %s with %s", id, args[0])
		return nil
	case "close":
		return c.s.CloseConversation(ctx)
	case "draft":
		c.s.SetTypingInput(rest)
		return nil
	default:
		return fmt.Errorf("%w %q (try /help)", errUnknownCommand, "/"+cmd)
	}
}

func (c *console) send(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	_, err := c.s.SendMessage(ctx, text, signaling.MessageTypeText)
	return err
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// Render prints what changed between the last rendered snapshot and snap.
func (c *console) Render(snap coordinator.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &c.rendered

	if snap.Transport.Messages != r.messagesUp {
		r.messagesUp = snap.Transport.Messages
		if r.messagesUp {
			fmt.Fprintln(c.out, "* connected")
		} else {
			fmt.Fprintf(c.out, "* disconnected: %s\n", snap.Transport.LastError)
		}
	}

	if st := snap.Call.State; st != r.callState {
		r.callState = st
		switch st {
		case call.StateIdle:
			if e := snap.Call.LastEnd; e != nil {
				fmt.Fprintf(c.out, "* call with %s ended (%s)\n", e.PeerID, e.Reason)
			}
		case call.StateIncomingPending:
		default:
			if s := snap.Call.Call; s != nil {
				fmt.Fprintf(c.out, "* call %s %s (%s)\n", st, s.PeerID, s.Kind)
			}
		}
	}
	pendingFrom := ""
	if p := snap.Call.Pending; p != nil {
		pendingFrom = p.CallerID
		if pendingFrom != r.pendingFrom {
			fmt.Fprintf(c.out, "* incoming %s call from %s (/answer or /reject)\n", p.Kind, p.CallerID)
		}
	}
	r.pendingFrom = pendingFrom

	if snap.ConversationID != r.conversation {
		r.conversation = snap.ConversationID
		r.seen = map[string]chat.MessageStatus{}
		if r.conversation != "" {
			fmt.Fprintf(c.out, "* conversation %s\n", r.conversation)
		}
	}
	for _, m := range snap.Messages {
		key := m.LocalID
		if key == "" {
			key = m.ID
		}
		prev, ok := r.seen[key]
		r.seen[key] = m.Status
		switch {
		case !ok:
			fmt.Fprintf(c.out, "[%s] %s: %s%s\n", m.CreatedAt.Format("15:04"), m.SenderID, m.Content, statusSuffix(m))
		case prev != m.Status && m.Status == chat.StatusFailed:
			fmt.Fprintf(c.out, "* message %q not delivered: %s\n", m.Content, m.Error)
		}
	}

	if snap.RemoteTyping != r.remoteTyping {
		r.remoteTyping = snap.RemoteTyping
		if r.remoteTyping {
			fmt.Fprintln(c.out, "* typing...")
		}
	}
}

func statusSuffix(m chat.Message) string {
	switch m.Status {
	case chat.StatusPending:
		return " (sending)"
	case chat.StatusFailed:
		return " (failed)"
	default:
		return ""
	}
}
