// Package pgsink stores transcription events in PostgreSQL.
//
// All writes share a single [pgxpool.Pool]. [Migrate] creates the
// transcription_events table and its indexes; it is idempotent and runs on
// every [New].
//
// Usage:
//
//	store, err := pgsink.New(ctx, dsn)
//	if err != nil { … }
//	_ = store.Deliver(ctx, event)
//
//	// Full-text search over finals of one session.
//	events, _ := store.Search(ctx, "pricing", pgsink.SearchOpts{SessionID: id})
package pgsink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlEvents = `
CREATE TABLE IF NOT EXISTS transcription_events (
    id            BIGSERIAL    PRIMARY KEY,
    event_id      UUID         NOT NULL UNIQUE,
    session_id    TEXT         NOT NULL,
    chunk_id      BIGINT       NOT NULL,
    channel       TEXT         NOT NULL,
    is_user       BOOLEAN      NOT NULL,
    text          TEXT         NOT NULL,
    raw_text      TEXT         NOT NULL DEFAULT '',
    is_final      BOOLEAN      NOT NULL,
    confidence    REAL         NOT NULL,
    timestamp_ms  BIGINT       NOT NULL,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcription_events_session_chunk
    ON transcription_events (session_id, chunk_id);

CREATE INDEX IF NOT EXISTS idx_transcription_events_created
    ON transcription_events (created_at);

CREATE INDEX IF NOT EXISTS idx_transcription_events_fts
    ON transcription_events USING GIN (to_tsvector('english', text));
`

// Migrate creates the schema if it does not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlEvents); err != nil {
		return fmt.Errorf("pgsink: migrate: %w", err)
	}
	return nil
}
