package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxray-ai/console/internal/analysis"
	"github.com/voxray-ai/console/internal/archive"
	"github.com/voxray-ai/console/pkg/conversation"
)

// ErrNoSession is returned by [SessionManager.Stop] when no session is active.
var ErrNoSession = errors.New("session: no active session")

// archiveWriteTimeout bounds RecordAnalysis.
const archiveWriteTimeout = 5 * time.Second

// Archive is the part of the archive store a [SessionManager] writes to.
type Archive interface {
	archive.Writer
	RecordAnalysis(ctx context.Context, sessionID string, r *analysis.Result) error
}

// SessionInfo holds metadata about the active review session.
type SessionInfo struct {
	// SessionID groups archived events and analyses.
	SessionID string `json:"session_id"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`
}

// SessionManager scopes the conversation archive to review sessions. A
// session starts with the application and is rotated whenever the
// conversation is cleared. Only one session is active at a time. All
// exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	active   bool
	info     SessionInfo
	recorder *archive.Recorder
	cancel   context.CancelFunc
	done     chan struct{}

	// Dependencies injected at construction. archive may be nil, in which
	// case sessions are tracked but nothing is written.
	archive     Archive
	queueSize   int
	logger      *slog.Logger
	unsubscribe func()
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Archive      Archive
	Conversation *conversation.Store
	QueueSize    int
	Logger       *slog.Logger
}

// NewSessionManager creates a SessionManager and subscribes it to the
// conversation. No session is active until [SessionManager.Start].
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sm := &SessionManager{
		archive:   cfg.Archive,
		queueSize: cfg.QueueSize,
		logger:    logger.With("component", "sessions"),
	}
	if cfg.Conversation != nil {
		sm.unsubscribe = cfg.Conversation.Subscribe(sm.observe)
	}
	return sm
}

// observe forwards a conversation event to the active session's recorder.
func (sm *SessionManager) observe(ev conversation.Event) {
	sm.mu.Lock()
	rec := sm.recorder
	sm.mu.Unlock()
	if rec != nil {
		rec.Observe(ev)
	}
}

// Start begins a new session.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return fmt.Errorf("session: a session is already active (id=%s)", sm.info.SessionID)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}

	sm.info = SessionInfo{
		SessionID: "review-" + uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	sm.active = true

	if sm.archive != nil {
		rec := archive.NewRecorder(sm.archive, sm.info.SessionID,
			archive.WithLogger(sm.logger),
			archive.WithQueueSize(sm.queueSize),
		)
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = rec.Run(runCtx)
		}()
		sm.recorder, sm.cancel, sm.done = rec, cancel, done
	}

	sm.logger.Info("session started", "session_id", sm.info.SessionID, "archived", sm.archive != nil)
	return nil
}

// Stop ends the active session after flushing its queued events. If ctx ends
// first, Stop returns without waiting for the flush to complete.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return ErrNoSession
	}
	info, rec, cancel, done := sm.info, sm.recorder, sm.cancel, sm.done
	sm.active = false
	sm.info = SessionInfo{}
	sm.recorder, sm.cancel, sm.done = nil, nil, nil
	sm.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			sm.logger.Warn("session flush interrupted", "session_id", info.SessionID, "err", ctx.Err())
			return ctx.Err()
		}
	}

	attrs := []any{"session_id", info.SessionID, "duration", time.Since(info.StartedAt).Round(time.Second)}
	if rec != nil {
		attrs = append(attrs, "written", rec.Written(), "dropped", rec.Dropped())
	}
	sm.logger.Info("session stopped", attrs...)
	return nil
}

// Rotate stops the active session, if any, and starts a new one.
func (sm *SessionManager) Rotate(ctx context.Context) error {
	if err := sm.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return sm.Start(ctx)
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns a copy of the current session metadata. The zero value is
// returned when no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// SessionID returns the active session's ID, or "" when none is active.
func (sm *SessionManager) SessionID() string {
	return sm.Info().SessionID
}

// RecordAnalysis archives res under the active session. Failures are
// logged; analyses are never rejected because the archive is down.
func (sm *SessionManager) RecordAnalysis(ctx context.Context, res *analysis.Result) {
	id := sm.SessionID()
	if sm.archive == nil || id == "" || res == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveWriteTimeout)
	defer cancel()
	if err := sm.archive.RecordAnalysis(ctx, id, res); err != nil {
		sm.logger.Warn("archiving analysis failed", "session_id", id, "analysis_id", res.ID, "err", err)
	}
}

// Close unsubscribes from the conversation and stops the active session.
func (sm *SessionManager) Close(ctx context.Context) error {
	if sm.unsubscribe != nil {
		sm.unsubscribe()
	}
	if err := sm.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}
