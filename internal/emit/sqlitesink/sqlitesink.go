// Package sqlitesink keeps an append-only transcript log in a local SQLite
// database. Every delivered event becomes one row; sessions can be read back
// for review after a call.
package sqlitesink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/callscribe/pkg/types"
)

// Config configures a [Store].
type Config struct {
	// Path of the database file. ":memory:" keeps everything in memory.
	Path string

	// FinalsOnly skips partial events.
	FinalsOnly bool

	// Retention deletes events older than this on open. Zero keeps
	// everything.
	Retention time.Duration
}

// Store is an emit.Sink writing to SQLite. Safe for concurrent use.
type Store struct {
	db    *sql.DB
	cfg   Config
	log   *slog.Logger
	clock func() time.Time
}

// Open creates or opens the database at cfg.Path and prepares its schema.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlitesink: path is required")
	}
	if log == nil {
		log = slog.Default()
	}

	dsn := "file::memory:?cache=shared"
	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlitesink: create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitesink: open: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY between
	// the two channel goroutines.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitesink: ping: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitesink: schema: %w", err)
	}
	if cfg.Retention > 0 {
		if n, err := s.Prune(ctx, cfg.Retention); err != nil {
			log.Warn("sqlitesink: prune on open failed", "err", err)
		} else if n > 0 {
			log.Info("sqlitesink: pruned old events", "rows", n)
		}
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS transcription_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id     TEXT    NOT NULL UNIQUE,
    session_id   TEXT    NOT NULL,
    chunk_id     INTEGER NOT NULL,
    channel      TEXT    NOT NULL,
    is_user      INTEGER NOT NULL,
    text         TEXT    NOT NULL,
    raw_text     TEXT    NOT NULL DEFAULT '',
    is_final     INTEGER NOT NULL,
    confidence   REAL    NOT NULL,
    timestamp_ms INTEGER NOT NULL,
    created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session_chunk ON transcription_events(session_id, chunk_id);
CREATE INDEX IF NOT EXISTS idx_events_created ON transcription_events(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Name implements emit.Named.
func (s *Store) Name() string { return "sqlite" }

// Deliver implements emit.Sink.
func (s *Store) Deliver(ctx context.Context, ev types.TranscriptionEvent) error {
	if s.cfg.FinalsOnly && !ev.IsFinal {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcription_events
		    (event_id, session_id, chunk_id, channel, is_user, text, raw_text, is_final, confidence, timestamp_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.SessionID, int64(ev.ChunkID), string(ev.Channel), ev.IsUser,
		ev.Text, ev.RawText, ev.IsFinal, ev.Confidence, ev.TimestampMs, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("sqlitesink: insert chunk %d: %w", ev.ChunkID, err)
	}
	return nil
}

// Session returns the stored events of sessionID ordered by chunk id. With
// finalsOnly set, partials are left out.
func (s *Store) Session(ctx context.Context, sessionID string, finalsOnly bool) ([]types.TranscriptionEvent, error) {
	q := `SELECT event_id, session_id, chunk_id, channel, is_user, text, raw_text, is_final, confidence, timestamp_ms
	      FROM transcription_events WHERE session_id = ?`
	if finalsOnly {
		q += ` AND is_final = 1`
	}
	q += ` ORDER BY chunk_id`

	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlitesink: query session: %w", err)
	}
	defer rows.Close()

	var out []types.TranscriptionEvent
	for rows.Next() {
		var (
			ev      types.TranscriptionEvent
			chunk   int64
			channel string
		)
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &chunk, &channel, &ev.IsUser,
			&ev.Text, &ev.RawText, &ev.IsFinal, &ev.Confidence, &ev.TimestampMs); err != nil {
			return nil, fmt.Errorf("sqlitesink: scan: %w", err)
		}
		ev.ChunkID = uint64(chunk)
		ev.Channel = types.ChannelRole(channel)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Sessions lists the distinct session ids, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM transcription_events GROUP BY session_id ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlitesink: list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune deletes events older than maxAge and returns the number removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transcription_events WHERE created_at < ?`, s.clock().Add(-maxAge).UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlitesink: prune: %w", err)
	}
	return res.RowsAffected()
}

// Check implements a readiness probe.
func (s *Store) Check(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements emit.Sink.
func (s *Store) Close() error {
	return s.db.Close()
}
