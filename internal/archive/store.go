// Package archive keeps an audit trail of the console's conversations and
// scan analyses in PostgreSQL.
//
// A [Recorder] subscribes to a [conversation.Store] and forwards every append
// and clear to a [Writer] from a background goroutine, so the conversation
// never waits on the database. [Store] is the PostgreSQL Writer.
//
// Usage:
//
//	store, err := archive.Open(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	rec := archive.NewRecorder(store, sessionID)
//	cancel := conversations.Subscribe(rec.Observe)
//	go rec.Run(ctx)
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxray-ai/console/internal/analysis"
	"github.com/voxray-ai/console/pkg/conversation"
)

// Writer persists conversation events.
type Writer interface {
	WriteEvent(ctx context.Context, sessionID string, ev conversation.Event) error
}

var _ Writer = (*Store)(nil)

// Entry is one archived conversation event.
type Entry struct {
	SessionID  string                 `json:"session_id"`
	Kind       conversation.EventKind `json:"kind"`
	Message    conversation.Message   `json:"message"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// SearchOpts narrows [Store.Search].
type SearchOpts struct {
	SessionID string
	After     time.Time
	Before    time.Time
	Role      conversation.Role
	Limit     int
}

// Store is the PostgreSQL archive. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database at dsn and runs [Migrate].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WriteEvent implements [Writer].
func (s *Store) WriteEvent(ctx context.Context, sessionID string, ev conversation.Event) error {
	const q = `
		INSERT INTO conversation_events
		    (session_id, kind, message_id, role, text, retryable, original_input, message_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	var msgTime *time.Time
	if !ev.Message.Timestamp.IsZero() {
		msgTime = &ev.Message.Timestamp
	}
	_, err := s.pool.Exec(ctx, q,
		sessionID,
		string(ev.Kind),
		ev.Message.ID,
		string(ev.Message.Role),
		ev.Message.Text,
		ev.Message.Retryable,
		ev.Message.OriginalInput,
		msgTime,
	)
	if err != nil {
		return fmt.Errorf("archive: write event: %w", err)
	}
	return nil
}

// RecordAnalysis stores the outcome of a scan analysis.
func (s *Store) RecordAnalysis(ctx context.Context, sessionID string, r *analysis.Result) error {
	const q = `
		INSERT INTO analyses
		    (id, session_id, image_name, diagnosis, confidence, summary, summary_offline, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		r.ID,
		sessionID,
		r.ImageName,
		r.Diagnosis.Diagnosis,
		r.Diagnosis.Confidence,
		r.Summary,
		r.SummaryOffline,
		r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: record analysis: %w", err)
	}
	return nil
}

// Recent returns the last limit events of sessionID, oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	const q = `
		SELECT session_id, kind, message_id, role, text, retryable, original_input, message_time, recorded_at
		FROM (
		    SELECT * FROM conversation_events
		    WHERE  session_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) recent
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	return collectEntries(rows)
}

// Search runs a full-text search over archived message text.
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "recorded_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "recorded_at < "+next(opts.Before))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(string(opts.Role)))
	}

	q := "SELECT session_id, kind, message_id, role, text, retryable, original_input, message_time, recorded_at\n" +
		"FROM   conversation_events\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e       Entry
			kind    string
			role    string
			msgTime *time.Time
		)
		if err := row.Scan(
			&e.SessionID,
			&kind,
			&e.Message.ID,
			&role,
			&e.Message.Text,
			&e.Message.Retryable,
			&e.Message.OriginalInput,
			&msgTime,
			&e.RecordedAt,
		); err != nil {
			return Entry{}, err
		}
		e.Kind = conversation.EventKind(kind)
		e.Message.Role = conversation.Role(role)
		if msgTime != nil {
			e.Message.Timestamp = *msgTime
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
