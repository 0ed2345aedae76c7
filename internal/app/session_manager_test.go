package app_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/voxray-ai/console/internal/analysis"
	"github.com/voxray-ai/console/internal/app"
	"github.com/voxray-ai/console/pkg/conversation"
)

// memArchive records writes per session.
type memArchive struct {
	mu          sync.Mutex
	events      map[string][]conversation.Event
	analyses    map[string][]string
	analysisErr error
}

func newMemArchive() *memArchive {
	return &memArchive{events: map[string][]conversation.Event{}, analyses: map[string][]string{}}
}

func (m *memArchive) WriteEvent(_ context.Context, sessionID string, ev conversation.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[sessionID] = append(m.events[sessionID], ev)
	return nil
}

func (m *memArchive) RecordAnalysis(_ context.Context, sessionID string, r *analysis.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.analysisErr != nil {
		return m.analysisErr
	}
	m.analyses[sessionID] = append(m.analyses[sessionID], r.ID)
	return nil
}

func (m *memArchive) eventsFor(id string) []conversation.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]conversation.Event(nil), m.events[id]...)
}

func (m *memArchive) analysesFor(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.analyses[id]...)
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()

	sm := app.NewSessionManager(app.SessionManagerConfig{})
	if sm.IsActive() {
		t.Fatal("new manager should not be active")
	}
	if err := sm.Stop(context.Background()); !errors.Is(err, app.ErrNoSession) {
		t.Errorf("Stop without session: err = %v, want ErrNoSession", err)
	}

	if err := sm.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	info := sm.Info()
	if !strings.HasPrefix(info.SessionID, "review-") || info.StartedAt.IsZero() {
		t.Errorf("info = %+v", info)
	}
	if err := sm.Start(context.Background()); err == nil {
		t.Error("second Start should fail while a session is active")
	}

	if err := sm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sm.IsActive() || sm.SessionID() != "" {
		t.Errorf("after Stop: active=%v id=%q", sm.IsActive(), sm.SessionID())
	}
}

func TestSessionManager_StartCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sm := app.NewSessionManager(app.SessionManagerConfig{})
	if err := sm.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSessionManager_ArchivesPerSession(t *testing.T) {
	t.Parallel()

	arch := newMemArchive()
	store := conversation.New()
	sm := app.NewSessionManager(app.SessionManagerConfig{Archive: arch, Conversation: store})
	ctx := context.Background()

	store.Append(conversation.RoleUser, "before any session")

	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := sm.SessionID()
	store.Append(conversation.RoleUser, "first question")
	store.Append(conversation.RoleAssistant, "first answer")
	store.Clear()

	if err := sm.Rotate(ctx); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	second := sm.SessionID()
	if second == first || second == "" {
		t.Fatalf("rotate kept id %q", second)
	}
	store.Append(conversation.RoleUser, "second question")
	if err := sm.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	store.Append(conversation.RoleUser, "after close")

	got := arch.eventsFor(first)
	if len(got) != 3 {
		t.Fatalf("first session events = %d, want 3: %+v", len(got), got)
	}
	if got[0].Message.Text != "first question" || got[2].Kind != conversation.EventCleared {
		t.Errorf("first session events = %+v", got)
	}
	got = arch.eventsFor(second)
	if len(got) != 1 || got[0].Message.Text != "second question" {
		t.Errorf("second session events = %+v", got)
	}
}

func TestSessionManager_RecordAnalysis(t *testing.T) {
	t.Parallel()

	arch := newMemArchive()
	sm := app.NewSessionManager(app.SessionManagerConfig{Archive: arch})
	ctx := context.Background()

	sm.RecordAnalysis(ctx, &analysis.Result{ID: "ignored"})

	if err := sm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := sm.SessionID()
	sm.RecordAnalysis(ctx, &analysis.Result{ID: "a1"})
	sm.RecordAnalysis(ctx, nil)

	arch.mu.Lock()
	arch.analysisErr = errors.New("db down")
	arch.mu.Unlock()
	sm.RecordAnalysis(ctx, &analysis.Result{ID: "a2"})

	if got := arch.analysesFor(id); len(got) != 1 || got[0] != "a1" {
		t.Errorf("analyses = %v, want [a1]", got)
	}
	if got := arch.analysesFor(""); len(got) != 0 {
		t.Errorf("analysis archived without a session: %v", got)
	}
	_ = sm.Close(ctx)
}

func TestSessionManager_WithoutArchive(t *testing.T) {
	t.Parallel()
	store := conversation.New()
	sm := app.NewSessionManager(app.SessionManagerConfig{Conversation: store})
	if err := sm.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	store.Append(conversation.RoleUser, "not archived")
	sm.RecordAnalysis(context.Background(), &analysis.Result{ID: "x"})
	if err := sm.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}
