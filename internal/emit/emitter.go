package emit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Option configures an [Emitter].
type Option func(*Emitter)

// WithClock overrides the wall clock used for timestamp_ms.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// WithIDs overrides the event id generator. The default produces random
// UUIDs.
func WithIDs(next func() string) Option {
	return func(e *Emitter) { e.newID = next }
}

// WithMetrics records emission errors on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

// OnEmit registers fn to be called after every emitted event with the time
// delivery finished. The health monitor uses it for latency tracking.
func OnEmit(fn func(ev types.TranscriptionEvent, emitted time.Time)) Option {
	return func(e *Emitter) { e.onEmit = fn }
}

// OnError registers fn to be called for every delivery failure.
func OnError(fn func(ev types.TranscriptionEvent, err error)) Option {
	return func(e *Emitter) { e.onError = fn }
}

// Emitter converts hypotheses into events for one session at a time. Both
// channels of a session share an Emitter; it is safe for concurrent use.
type Emitter struct {
	sink    Sink
	now     func() time.Time
	newID   func() string
	metrics *observe.Metrics
	onEmit  func(types.TranscriptionEvent, time.Time)
	onError func(types.TranscriptionEvent, error)

	mu        sync.RWMutex
	sessionID string

	chunk    atomic.Uint64
	emitted  atomic.Uint64
	failures atomic.Uint64
}

// New creates an Emitter delivering to sink. A nil sink discards events.
func New(sink Sink, opts ...Option) *Emitter {
	if sink == nil {
		sink = Discard{}
	}
	e := &Emitter{
		sink:  sink,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Begin starts a new session: subsequent events carry sessionID and chunk
// ids restart at 1.
func (e *Emitter) Begin(sessionID string) {
	e.mu.Lock()
	e.sessionID = sessionID
	e.chunk.Store(0)
	e.mu.Unlock()
}

// SessionID returns the current session id.
func (e *Emitter) SessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

// Emit builds an event from h and delivers it. The event is returned even
// when delivery fails; the error is an [*EmissionError] (or several joined)
// and is meant for telemetry only.
func (e *Emitter) Emit(ctx context.Context, h types.Hypothesis) (types.TranscriptionEvent, error) {
	e.mu.RLock()
	ev := types.TranscriptionEvent{
		EventID:     e.newID(),
		SessionID:   e.sessionID,
		ChunkID:     e.chunk.Add(1),
		Channel:     h.Role,
		IsUser:      h.Role.IsUser(),
		Text:        h.Text,
		RawText:     h.RawText,
		IsFinal:     h.IsFinal,
		Confidence:  clamp01(h.Confidence),
		TimestampMs: e.now().UnixMilli(),
		Captured:    h.Captured,
	}
	e.mu.RUnlock()

	err := e.sink.Deliver(ctx, ev)
	delivered := time.Now()
	if err != nil {
		err = e.wrap(ev, err)
		e.failures.Add(1)
		observe.Logger(ctx).Warn("emit: delivery failed",
			"session_id", ev.SessionID,
			"chunk_id", ev.ChunkID,
			"channel", ev.Channel,
			"err", err,
		)
		if e.onError != nil {
			e.onError(ev, err)
		}
	} else {
		e.emitted.Add(1)
	}
	if e.onEmit != nil {
		e.onEmit(ev, delivered)
	}
	if ev.IsFinal {
		slog.Debug("emit: final", "event", ev.String())
	}
	return ev, err
}

// wrap makes sure err carries at least one EmissionError and records each
// failing sink.
func (e *Emitter) wrap(ev types.TranscriptionEvent, err error) error {
	var failed []*EmissionError
	collectEmissionErrors(err, &failed)
	if len(failed) == 0 {
		ee := &EmissionError{Sink: SinkName(e.sink), EventID: ev.EventID, ChunkID: ev.ChunkID, Err: err}
		failed = append(failed, ee)
		err = ee
	}
	if e.metrics != nil {
		for _, f := range failed {
			e.metrics.RecordEmissionError(context.Background(), f.Sink)
		}
	}
	return err
}

func collectEmissionErrors(err error, out *[]*EmissionError) {
	if ee, ok := err.(*EmissionError); ok {
		*out = append(*out, ee)
		return
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range j.Unwrap() {
			collectEmissionErrors(inner, out)
		}
		return
	}
	var ee *EmissionError
	if errors.As(err, &ee) {
		*out = append(*out, ee)
	}
}

// Emitted returns the number of events delivered successfully.
func (e *Emitter) Emitted() uint64 { return e.emitted.Load() }

// Failures returns the number of events whose delivery failed.
func (e *Emitter) Failures() uint64 { return e.failures.Load() }

// Close closes the sink.
func (e *Emitter) Close() error { return e.sink.Close() }

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
