// Package mock provides scripted implementations of [audio.Microphone] and
// [audio.Player] for unit tests.
//
// All mocks are safe for concurrent use and record their calls so tests can
// assert on them.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	player := &mock.Player{}
//	ctrl := voice.New(mic, player, ...)
//	stream := mic.LastStream()
//	stream.Push(audio.Frame{...})
//	player.LastTrack().Finish()
package mock

import (
	"context"
	"sync"

	"github.com/voxray-ai/console/pkg/audio"
)

// Compile-time interface checks.
var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Stream     = (*Stream)(nil)
	_ audio.Player     = (*Player)(nil)
	_ audio.Track      = (*Track)(nil)
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is a mock [audio.Microphone]. Each successful Open creates a new
// [Stream] the test can push frames into.
type Microphone struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// Buffer is the frame channel capacity of new streams. Default: 64.
	Buffer int

	// OpenCalls counts Open invocations.
	OpenCalls int

	streams []*Stream
	opened  chan *Stream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context) (audio.Stream, error) {
	m.mu.Lock()
	m.OpenCalls++
	if m.OpenErr != nil {
		err := m.OpenErr
		m.mu.Unlock()
		return nil, err
	}
	size := m.Buffer
	if size <= 0 {
		size = 64
	}
	s := &Stream{frames: make(chan audio.Frame, size), closed: make(chan struct{})}
	m.streams = append(m.streams, s)
	ch := m.openedLocked()
	m.mu.Unlock()

	select {
	case ch <- s:
	default:
	}
	return s, nil
}

// Opened returns a channel that receives each newly opened stream.
func (m *Microphone) Opened() <-chan *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openedLocked()
}

func (m *Microphone) openedLocked() chan *Stream {
	if m.opened == nil {
		m.opened = make(chan *Stream, 16)
	}
	return m.opened
}

// Streams returns all streams opened so far.
func (m *Microphone) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stream, len(m.streams))
	copy(out, m.streams)
	return out
}

// LastStream returns the most recently opened stream, or nil.
func (m *Microphone) LastStream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// Stream is a mock [audio.Stream].
type Stream struct {
	mu         sync.Mutex
	frames     chan audio.Frame
	closed     chan struct{}
	ended      bool
	closeCalls int
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Push delivers a frame to the consumer without blocking. It reports false
// once the stream has ended or when the buffer is full.
func (s *Stream) Push(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// End simulates the device going away: the frame channel is closed without
// the consumer calling Close.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
}

func (s *Stream) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.frames)
	}
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closeCalls == 1 {
		close(s.closed)
	}
	s.endLocked()
	return nil
}

// Closed returns a channel closed once Close has been called.
func (s *Stream) Closed() <-chan struct{} { return s.closed }

// CloseCalls returns the number of Close invocations.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ─── Player ──────────────────────────────────────────────────────────────────

// Player is a mock [audio.Player]. Tracks it returns block in Play until the
// test calls [Track.Finish] or [Track.Fail], or until AutoFinish is set.
type Player struct {
	mu sync.Mutex

	// LoadErr, when non-nil, is returned by Load.
	LoadErr error

	// AutoFinish makes every track's Play return immediately with PlayErr.
	AutoFinish bool

	// PlayErr is returned by Play on auto-finished tracks.
	PlayErr error

	tracks  []*Track
	started chan *Track
}

// Load implements [audio.Player].
func (p *Player) Load(_ context.Context, clip audio.Clip) (audio.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.LoadErr != nil {
		return nil, p.LoadErr
	}
	t := &Track{
		Clip:       clip,
		end:        make(chan error, 1),
		player:     p,
		autoFinish: p.AutoFinish,
		playErr:    p.PlayErr,
	}
	p.tracks = append(p.tracks, t)
	return t, nil
}

// Started returns a channel receiving each track when Play begins.
func (p *Player) Started() <-chan *Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedLocked()
}

func (p *Player) startedLocked() chan *Track {
	if p.started == nil {
		p.started = make(chan *Track, 16)
	}
	return p.started
}

// Tracks returns all loaded tracks.
func (p *Player) Tracks() []*Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Track, len(p.tracks))
	copy(out, p.tracks)
	return out
}

// LastTrack returns the most recently loaded track, or nil.
func (p *Player) LastTrack() *Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tracks) == 0 {
		return nil
	}
	return p.tracks[len(p.tracks)-1]
}

// Track is a mock [audio.Track].
type Track struct {
	// Clip is the audio the track was loaded with.
	Clip audio.Clip

	mu         sync.Mutex
	end        chan error
	player     *Player
	autoFinish bool
	playErr    error

	playCalls int
	stopCalls int
	released  bool
}

// Play implements [audio.Track].
func (t *Track) Play(ctx context.Context) error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return audio.ErrReleased
	}
	t.playCalls++
	auto, perr := t.autoFinish, t.playErr
	t.mu.Unlock()

	t.player.mu.Lock()
	started := t.player.startedLocked()
	t.player.mu.Unlock()
	select {
	case started <- t:
	default:
	}

	if auto {
		return perr
	}
	select {
	case err := <-t.end:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish ends playback normally.
func (t *Track) Finish() { t.signal(nil) }

// Fail ends playback with err.
func (t *Track) Fail(err error) { t.signal(err) }

func (t *Track) signal(err error) {
	select {
	case t.end <- err:
	default:
	}
}

// Stop implements [audio.Track]. It ends a blocked Play with nil.
func (t *Track) Stop() error {
	t.mu.Lock()
	t.stopCalls++
	t.mu.Unlock()
	t.signal(nil)
	return nil
}

// Release implements [audio.Track].
func (t *Track) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = true
	return nil
}

// Released reports whether Release has been called.
func (t *Track) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

// PlayCalls returns the number of Play invocations.
func (t *Track) PlayCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playCalls
}

// StopCalls returns the number of Stop invocations.
func (t *Track) StopCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopCalls
}
