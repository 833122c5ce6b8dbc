// Package logsink writes transcription events to a [slog.Logger]. Finals are
// logged at info level, partials at debug.
package logsink

import (
	"context"
	"log/slog"

	"github.com/MrWong99/callscribe/pkg/types"
)

// Sink logs events.
type Sink struct {
	log *slog.Logger
}

// New returns a Sink writing to log, or to [slog.Default] when log is nil.
func New(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{log: log}
}

// Name implements emit.Named.
func (s *Sink) Name() string { return "log" }

// Deliver implements emit.Sink.
func (s *Sink) Deliver(ctx context.Context, ev types.TranscriptionEvent) error {
	level := slog.LevelDebug
	if ev.IsFinal {
		level = slog.LevelInfo
	}
	attrs := []slog.Attr{
		slog.String("session_id", ev.SessionID),
		slog.Uint64("chunk_id", ev.ChunkID),
		slog.String("channel", string(ev.Channel)),
		slog.Bool("final", ev.IsFinal),
		slog.Float64("confidence", ev.Confidence),
		slog.String("text", ev.Text),
	}
	if ev.RawText != "" {
		attrs = append(attrs, slog.String("raw_text", ev.RawText))
	}
	s.log.LogAttrs(ctx, level, "transcript", attrs...)
	return nil
}

// Close implements emit.Sink.
func (s *Sink) Close() error { return nil }
