package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

type TypistConfig struct {
	Emitter        Emitter
	ConversationID string
	// Idle is how long after the last keystroke typing:stop is sent.
	Idle   time.Duration
	Clock  ratelimit.Clock
	Logger *slog.Logger
}

// Typist debounces local keystrokes for one conversation into a
// typing:start / typing:stop pair per burst.
type Typist struct {
	cfg TypistConfig
	log *slog.Logger

	mu     sync.Mutex
	active bool
	timer  ratelimit.Timer
	gen    uint64
	closed bool
}

func NewTypist(cfg TypistConfig) *Typist {
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Idle <= 0 {
		cfg.Idle = time.Second
	}
	return &Typist{cfg: cfg, log: cfg.Logger}
}

// Input feeds the current text of the input box: non-empty text counts as a
// keystroke, empty text as a cleared input.
func (t *Typist) Input(text string) {
	if text == "" {
		t.Stop()
		return
	}
	t.Keystroke()
}

func (t *Typist) Keystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if !t.active {
		t.active = true
		t.emitLocked(signaling.EventTypingStart)
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.cfg.Clock.AfterFunc(t.cfg.Idle, func() { t.expire(gen) })
}

func (t *Typist) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || !t.active {
		return
	}
	t.stopLocked()
}

// Stop ends the current burst immediately, as on send or cleared input.
func (t *Typist) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		t.stopLocked()
	}
}

// Close stops the current burst and ignores later input.
func (t *Typist) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		t.stopLocked()
	}
	t.closed = true
}

func (t *Typist) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Typist) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.active = false
	t.emitLocked(signaling.EventTypingStop)
}

func (t *Typist) emitLocked(event signaling.Event) {
	err := t.cfg.Emitter.Emit(event, signaling.ConversationRequest{ConversationID: t.cfg.ConversationID})
	if err != nil {
		t.log.Debug("typing emit failed", "conversation_id", t.cfg.ConversationID, "event", string(event), "err", err)
	}
}
