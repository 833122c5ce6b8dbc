package emit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/callscribe/internal/resilience"
	"github.com/MrWong99/callscribe/pkg/types"
)

type fanoutEntry struct {
	name    string
	sink    Sink
	breaker *resilience.CircuitBreaker
}

// SinkStatus describes one sink of a [Fanout].
type SinkStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Fanout delivers every event to all of its sinks, in registration order.
// Each sink sits behind its own circuit breaker: a sink that keeps failing is
// skipped with [resilience.ErrCircuitOpen] until its reset timeout passes.
//
// Sinks must be added before the Fanout is shared between goroutines.
type Fanout struct {
	cfg     resilience.CircuitBreakerConfig
	entries []fanoutEntry
}

var _ Sink = (*Fanout)(nil)

// NewFanout creates an empty Fanout. cfg is the template for every sink's
// breaker; its Name is replaced by the sink name.
func NewFanout(cfg resilience.CircuitBreakerConfig) *Fanout {
	return &Fanout{cfg: cfg}
}

// Add registers sink under name.
func (f *Fanout) Add(name string, sink Sink) {
	cfg := f.cfg
	cfg.Name = "sink:" + name
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(breaker string, from, to resilience.State) {
			slog.Warn("emit: sink breaker changed state", "sink", name, "from", from, "to", to)
		}
	}
	f.entries = append(f.entries, fanoutEntry{
		name:    name,
		sink:    sink,
		breaker: resilience.NewCircuitBreaker(cfg),
	})
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.entries) }

// Name implements [Named].
func (f *Fanout) Name() string { return "fanout" }

// Deliver implements [Sink]. Every sink is tried; the returned error joins
// one [*EmissionError] per failing sink.
func (f *Fanout) Deliver(ctx context.Context, ev types.TranscriptionEvent) error {
	var errs []error
	for _, e := range f.entries {
		err := e.breaker.Execute(func() error {
			return e.sink.Deliver(ctx, ev)
		})
		if err != nil {
			errs = append(errs, &EmissionError{Sink: e.name, EventID: ev.EventID, ChunkID: ev.ChunkID, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Status reports each sink's breaker state.
func (f *Fanout) Status() []SinkStatus {
	out := make([]SinkStatus, len(f.entries))
	for i, e := range f.entries {
		out[i] = SinkStatus{Name: e.name, State: e.breaker.State().String()}
	}
	return out
}

// Close closes every sink and joins their errors.
func (f *Fanout) Close() error {
	var errs []error
	for _, e := range f.entries {
		if err := e.sink.Close(); err != nil {
			errs = append(errs, &EmissionError{Sink: e.name, Err: err})
		}
	}
	return errors.Join(errs...)
}
