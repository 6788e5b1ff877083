// Package media owns local capture streams. A Stream is a set of pion sample
// tracks; callers attach the tracks to a peer connection and release the
// stream with Stop exactly once.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/signaling"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrStopped           = errors.New("stream stopped")
)

// AccessError reports a capture failure. Err is ErrPermissionDenied,
// ErrDeviceUnavailable or a device-specific error.
type AccessError struct {
	Kind Kind
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Kind, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

type Constraints struct {
	Audio bool
	Video bool
}

// ConstraintsFor returns the capture a call type needs: audio always, video
// only for video calls.
func ConstraintsFor(t signaling.CallType) Constraints {
	return Constraints{Audio: true, Video: t == signaling.CallTypeVideo}
}

// Track is one local media track. A disabled track stays negotiated but its
// samples are dropped.
type Track struct {
	kind    Kind
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool
}

func newTrack(kind Kind, streamID string) (*Track, error) {
	mime := webrtc.MimeTypeOpus
	if kind == KindVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(kind), streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{kind: kind, local: local}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Kind() Kind { return t.kind }

func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }

// WriteSample forwards s to the peer unless the track is disabled or stopped.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() {
		return ErrStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}

type Stream struct {
	ID     string
	tracks []*Track

	stopOnce sync.Once
	stopped  atomic.Bool
	onStop   func()
}

func NewStream(c Constraints) (*Stream, error) {
	s := &Stream{ID: uuid.NewString()}
	if c.Audio {
		t, err := newTrack(KindAudio, s.ID)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, t)
	}
	if c.Video {
		t, err := newTrack(KindVideo, s.ID)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, t)
	}
	return s, nil
}

func (s *Stream) Tracks() []*Track { return s.tracks }

// Track returns the first track of kind, or nil.
func (s *Stream) Track(kind Kind) *Track {
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// Toggle flips the enabled flag of the kind's track and returns the new
// state. It returns false when the stream has no such track.
func (s *Stream) Toggle(kind Kind) bool {
	t := s.Track(kind)
	if t == nil {
		return false
	}
	next := !t.Enabled()
	t.SetEnabled(next)
	return next
}

// Stop releases capture. Only the first call has an effect.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		for _, t := range s.tracks {
			t.stopped.Store(true)
		}
		if s.onStop != nil {
			s.onStop()
		}
	})
}

func (s *Stream) Stopped() bool { return s.stopped.Load() }

// Source acquires local capture.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// SyntheticSource produces silent audio and blank video. It stands in for
// capture hardware in headless sessions and tests.
type SyntheticSource struct {
	// Deny fails acquisition for the listed kinds with the given error.
	Deny map[Kind]error

	// FrameInterval, when positive, pumps placeholder samples into every track
	// until the stream stops.
	FrameInterval time.Duration

	acquired atomic.Int64
	released atomic.Int64
}

func (s *SyntheticSource) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, &AccessError{Kind: KindAudio, Err: ErrDeviceUnavailable}
	}
	for _, k := range []Kind{KindAudio, KindVideo} {
		want := (k == KindAudio && c.Audio) || (k == KindVideo && c.Video)
		if err, ok := s.Deny[k]; ok && want {
			return nil, &AccessError{Kind: k, Err: err}
		}
	}

	stream, err := NewStream(c)
	if err != nil {
		return nil, &AccessError{Kind: KindAudio, Err: err}
	}
	s.acquired.Add(1)

	done := make(chan struct{})
	stream.onStop = func() {
		s.released.Add(1)
		close(done)
	}
	if s.FrameInterval > 0 {
		go pump(stream, s.FrameInterval, done)
	}
	return stream, nil
}

// Acquired and Released count streams handed out and stopped.
func (s *SyntheticSource) Acquired() int64 { return s.acquired.Load() }

func (s *SyntheticSource) Released() int64 { return s.released.Load() }

// Outstanding is the number of streams acquired but not yet stopped.
func (s *SyntheticSource) Outstanding() int64 {
	return s.acquired.Load() - s.released.Load()
}

var (
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	vp8Blank    = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00}
)

func pump(stream *Stream, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, t := range stream.tracks {
				data := opusSilence
				if t.kind == KindVideo {
					data = vp8Blank
				}
				_ = t.WriteSample(pionmedia.Sample{Data: data, Duration: interval})
			}
		}
	}
}
