package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/voxray-ai/console/pkg/audio"
)

var errEmptyClip = errors.New("relay: empty clip")

// Load implements [audio.Player]. The clip is kept server-side until Play
// sends it to the terminal.
func (r *Relay) Load(_ context.Context, clip audio.Clip) (audio.Track, error) {
	if clip.Empty() {
		return nil, errEmptyClip
	}
	t := &track{relay: r, id: uuid.NewString(), clip: clip}
	r.mu.Lock()
	r.tracks[t.id] = t
	r.mu.Unlock()
	return t, nil
}

// track is one synthesized response awaiting or undergoing playback.
type track struct {
	relay *Relay
	id    string
	clip  audio.Clip

	mu       sync.Mutex
	done     chan error
	term     *terminal
	released bool
}

func (t *track) Play(ctx context.Context) error {
	term, err := t.relay.currentTerminal()
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return audio.ErrReleased
	}
	done := make(chan error, 1)
	t.done = done
	t.term = term
	t.mu.Unlock()

	mime := t.clip.MIMEType
	if mime == "" {
		mime = "application/octet-stream"
	}
	if err := term.send(ctx, control{Type: "play", Track: t.id, MIME: mime}, t.clip.Data); err != nil {
		t.finish(nil)
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = t.Stop()
		return ctx.Err()
	}
}

// finish resolves a pending Play.
func (t *track) finish(err error) {
	t.mu.Lock()
	done := t.done
	t.done = nil
	t.mu.Unlock()
	if done != nil {
		done <- err
	}
}

func (t *track) Stop() error {
	t.mu.Lock()
	term := t.term
	t.mu.Unlock()

	t.finish(nil)
	if term == nil || term.ctx.Err() != nil {
		return nil
	}
	return term.send(context.Background(), control{Type: "stop", Track: t.id})
}

func (t *track) Release() error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return nil
	}
	t.released = true
	term := t.term
	t.mu.Unlock()

	t.finish(audio.ErrReleased)
	t.relay.mu.Lock()
	delete(t.relay.tracks, t.id)
	t.relay.mu.Unlock()

	if term == nil || term.ctx.Err() != nil {
		return nil
	}
	return term.send(context.Background(), control{Type: "release", Track: t.id})
}
