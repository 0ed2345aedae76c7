package archive

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxray-ai/console/pkg/conversation"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// Recorder forwards conversation events to a [Writer] in order. [Recorder.Observe]
// never blocks; events that do not fit in the queue are dropped and counted.
type Recorder struct {
	w         Writer
	sessionID string
	logger    *slog.Logger
	timeout   time.Duration
	queue     chan conversation.Event
	dropped   atomic.Int64
	written   atomic.Int64
}

// RecorderOption is a functional option for [NewRecorder].
type RecorderOption func(*recorderConfig)

type recorderConfig struct {
	logger    *slog.Logger
	queueSize int
	timeout   time.Duration
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) RecorderOption {
	return func(c *recorderConfig) { c.logger = l }
}

// WithQueueSize sets how many events may wait for the database.
// Default: 256.
func WithQueueSize(n int) RecorderOption {
	return func(c *recorderConfig) { c.queueSize = n }
}

// WithWriteTimeout bounds each write. Default: 5s.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(c *recorderConfig) { c.timeout = d }
}

// NewRecorder creates a Recorder that archives events under sessionID.
func NewRecorder(w Writer, sessionID string, opts ...RecorderOption) *Recorder {
	cfg := recorderConfig{queueSize: defaultQueueSize, timeout: defaultWriteTimeout}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = defaultQueueSize
	}
	return &Recorder{
		w:         w,
		sessionID: sessionID,
		logger:    cfg.logger.With("component", "archive", "session_id", sessionID),
		timeout:   cfg.timeout,
		queue:     make(chan conversation.Event, cfg.queueSize),
	}
}

// Observe queues ev. It is meant to be passed to [conversation.Store.Subscribe].
func (r *Recorder) Observe(ev conversation.Event) {
	select {
	case r.queue <- ev:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("archive queue full, dropping events")
		}
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is
// already queued. It always returns nil; write failures are logged.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-r.queue:
			r.write(ctx, ev)
		case <-ctx.Done():
			r.flush()
			return nil
		}
	}
}

func (r *Recorder) flush() {
	ctx := context.Background()
	for {
		select {
		case ev := <-r.queue:
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev conversation.Event) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.w.WriteEvent(ctx, r.sessionID, ev); err != nil {
		r.logger.Warn("archive write failed", "kind", string(ev.Kind), "message_id", ev.Message.ID, "err", err)
		return
	}
	r.written.Add(1)
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns how many events were archived.
func (r *Recorder) Written() int64 { return r.written.Load() }
