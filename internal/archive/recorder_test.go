package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxray-ai/console/pkg/conversation"
)

type fakeWriter struct {
	mu     sync.Mutex
	events []conversation.Event
	ids    []string
	err    error
	gate   chan struct{}
}

func (f *fakeWriter) WriteEvent(ctx context.Context, sessionID string, ev conversation.Event) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	f.ids = append(f.ids, sessionID)
	return nil
}

func (f *fakeWriter) snapshot() []conversation.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]conversation.Event(nil), f.events...)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRecorder_ArchivesStoreEventsInOrder(t *testing.T) {
	w := &fakeWriter{}
	rec := NewRecorder(w, "console-1", WithLogger(quietLogger()))
	store := conversation.New()
	cancelSub := store.Subscribe(rec.Observe)
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	store.AppendUser("explain findings")
	store.Append(conversation.RoleAssistant, "Looks like pneumonia.", conversation.Fresh())
	store.Clear()

	deadline := time.Now().Add(3 * time.Second)
	for rec.Written() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("written = %d, want 3", rec.Written())
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := w.snapshot()
	if got[0].Kind != conversation.EventAppended || got[0].Message.Text != "explain findings" {
		t.Errorf("event 0 = %+v", got[0])
	}
	if got[1].Message.Role != conversation.RoleAssistant {
		t.Errorf("event 1 = %+v", got[1])
	}
	if got[2].Kind != conversation.EventCleared {
		t.Errorf("event 2 = %+v", got[2])
	}
	for _, id := range w.ids {
		if id != "console-1" {
			t.Errorf("session id = %q", id)
		}
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	w := &fakeWriter{}
	rec := NewRecorder(w, "s", WithLogger(quietLogger()), WithQueueSize(2))

	for range 5 {
		rec.Observe(conversation.Event{Kind: conversation.EventCleared})
	}
	if n := rec.Dropped(); n != 3 {
		t.Errorf("dropped = %d, want 3", n)
	}

	// A cancelled Run still flushes what was queued.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = rec.Run(ctx)
	if n := len(w.snapshot()); n != 2 {
		t.Errorf("flushed %d events, want 2", n)
	}
}

func TestRecorder_WriteErrorsAreNotFatal(t *testing.T) {
	w := &fakeWriter{err: errors.New("connection reset")}
	rec := NewRecorder(w, "s", WithLogger(quietLogger()))
	rec.Observe(conversation.Event{Kind: conversation.EventCleared})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Errorf("Run: %v", err)
	}
	if rec.Written() != 0 {
		t.Errorf("written = %d", rec.Written())
	}
}

func TestRecorder_WriteTimeout(t *testing.T) {
	w := &fakeWriter{gate: make(chan struct{})}
	rec := NewRecorder(w, "s", WithLogger(quietLogger()), WithWriteTimeout(20*time.Millisecond))
	rec.Observe(conversation.Event{Kind: conversation.EventCleared})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	_ = rec.Run(ctx)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("blocked write held Run for %v", elapsed)
	}
}
