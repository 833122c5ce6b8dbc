package pgsink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callscribe/pkg/types"
)

// Store is an emit.Sink backed by a PostgreSQL connection pool. All methods
// are safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	finalsOnly bool
}

// Option configures a [Store].
type Option func(*Store)

// FinalsOnly skips partial events.
func FinalsOnly() Option {
	return func(s *Store) { s.finalsOnly = true }
}

// New connects to the database at dsn and runs [Migrate].
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgsink: parse dsn: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "callscribe"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgsink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgsink: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Name implements emit.Named.
func (s *Store) Name() string { return "postgres" }

// Deliver implements emit.Sink.
func (s *Store) Deliver(ctx context.Context, ev types.TranscriptionEvent) error {
	if s.finalsOnly && !ev.IsFinal {
		return nil
	}
	const q = `
		INSERT INTO transcription_events
		    (event_id, session_id, chunk_id, channel, is_user, text, raw_text, is_final, confidence, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		ev.EventID,
		ev.SessionID,
		int64(ev.ChunkID),
		string(ev.Channel),
		ev.IsUser,
		ev.Text,
		ev.RawText,
		ev.IsFinal,
		float32(ev.Confidence),
		ev.TimestampMs,
	)
	if err != nil {
		return fmt.Errorf("pgsink: insert chunk %d: %w", ev.ChunkID, err)
	}
	return nil
}

// Session returns the events of sessionID ordered by chunk id.
func (s *Store) Session(ctx context.Context, sessionID string, finalsOnly bool) ([]types.TranscriptionEvent, error) {
	q := selectColumns + `
		FROM   transcription_events
		WHERE  session_id = $1`
	if finalsOnly {
		q += "\n  AND  is_final"
	}
	q += "\nORDER  BY chunk_id"

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("pgsink: session: %w", err)
	}
	return collectEvents(rows)
}

// SearchOpts narrows a [Store.Search].
type SearchOpts struct {
	SessionID string
	Channel   types.ChannelRole
	After     time.Time
	Before    time.Time
	Limit     int
}

// Search runs a full-text query over final events. The query goes through
// plainto_tsquery, so no operator syntax is needed.
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]types.TranscriptionEvent, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"is_final",
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.Channel != "" {
		conditions = append(conditions, "channel = "+next(string(opts.Channel)))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(opts.Before))
	}

	q := selectColumns + "\n" +
		"FROM   transcription_events\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY created_at, chunk_id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgsink: search: %w", err)
	}
	return collectEvents(rows)
}

const selectColumns = `
		SELECT event_id::text, session_id, chunk_id, channel, is_user, text, raw_text, is_final, confidence, timestamp_ms`

func collectEvents(rows pgx.Rows) ([]types.TranscriptionEvent, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TranscriptionEvent, error) {
		var (
			ev         types.TranscriptionEvent
			chunk      int64
			channel    string
			confidence float32
		)
		if err := row.Scan(
			&ev.EventID,
			&ev.SessionID,
			&chunk,
			&channel,
			&ev.IsUser,
			&ev.Text,
			&ev.RawText,
			&ev.IsFinal,
			&confidence,
			&ev.TimestampMs,
		); err != nil {
			return ev, err
		}
		ev.ChunkID = uint64(chunk)
		ev.Channel = types.ChannelRole(channel)
		ev.Confidence = float64(confidence)
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgsink: scan: %w", err)
	}
	return events, nil
}

// Check implements a readiness probe.
func (s *Store) Check(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements emit.Sink.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
