package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversationEvents = `
CREATE TABLE IF NOT EXISTS conversation_events (
    id             BIGSERIAL    PRIMARY KEY,
    session_id     TEXT         NOT NULL,
    kind           TEXT         NOT NULL,
    message_id     TEXT         NOT NULL DEFAULT '',
    role           TEXT         NOT NULL DEFAULT '',
    text           TEXT         NOT NULL DEFAULT '',
    retryable      BOOLEAN      NOT NULL DEFAULT false,
    original_input TEXT         NOT NULL DEFAULT '',
    message_time   TIMESTAMPTZ,
    recorded_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_events_session
    ON conversation_events (session_id, id);

CREATE INDEX IF NOT EXISTS idx_conversation_events_fts
    ON conversation_events USING GIN (to_tsvector('english', text));
`

const ddlAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id              TEXT              PRIMARY KEY,
    session_id      TEXT              NOT NULL,
    image_name      TEXT              NOT NULL DEFAULT '',
    diagnosis       TEXT              NOT NULL,
    confidence      DOUBLE PRECISION  NOT NULL,
    summary         TEXT              NOT NULL DEFAULT '',
    summary_offline BOOLEAN           NOT NULL DEFAULT false,
    completed_at    TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_analyses_session
    ON analyses (session_id, completed_at);
`

// Migrate creates the archive tables. It is idempotent and safe to call on
// every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlConversationEvents, ddlAnalyses} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
	}
	return nil
}
