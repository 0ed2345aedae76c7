package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxray-ai/console/pkg/audio"
)

// Open implements [audio.Microphone]. It asks the terminal to start capture
// and waits for its permission answer.
func (r *Relay) Open(ctx context.Context) (audio.Stream, error) {
	term, err := r.currentTerminal()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.capture != nil || r.grant != nil {
		r.mu.Unlock()
		return nil, audio.ErrDeviceBusy
	}
	grant := make(chan bool, 1)
	r.grant = grant
	r.mu.Unlock()

	abandon := func() {
		r.mu.Lock()
		if r.grant == grant {
			r.grant = nil
		}
		r.mu.Unlock()
	}

	if err := term.send(ctx, control{Type: "capture_start"}); err != nil {
		abandon()
		return nil, err
	}

	select {
	case ok, open := <-grant:
		if !open {
			return nil, audio.ErrNoDevice
		}
		if !ok {
			return nil, audio.ErrPermissionDenied
		}
	case <-ctx.Done():
		abandon()
		_ = term.send(context.Background(), control{Type: "capture_stop"})
		return nil, fmt.Errorf("relay: waiting for capture permission: %w", ctx.Err())
	}

	s := &stream{
		relay:  r,
		term:   term,
		frames: make(chan audio.Frame, r.frameBuffer),
	}
	r.mu.Lock()
	if r.term != term {
		r.mu.Unlock()
		s.end()
		return nil, audio.ErrNoDevice
	}
	r.capture = s
	r.mu.Unlock()
	return s, nil
}

// stream is the capture side of one recording.
type stream struct {
	relay *Relay
	term  *terminal

	mu      sync.Mutex
	frames  chan audio.Frame
	ended   bool
	elapsed time.Duration

	closeOnce sync.Once
}

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

func (s *stream) push(pcm []byte, f audio.Format) bool {
	frame := audio.Frame{Data: pcm, SampleRate: f.SampleRate, Channels: f.Channels}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return true
	}
	frame.Timestamp = s.elapsed
	select {
	case s.frames <- frame:
		s.elapsed += frame.Duration()
		return true
	default:
		return false
	}
}

func (s *stream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.frames)
	}
}

// Close stops capture on the terminal and ends the frame channel.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.relay.mu.Lock()
		if s.relay.capture == s {
			s.relay.capture = nil
		}
		s.relay.mu.Unlock()
		s.end()

		if s.term.ctx.Err() == nil {
			err = s.term.send(context.Background(), control{Type: "capture_stop"})
		}
	})
	return err
}
