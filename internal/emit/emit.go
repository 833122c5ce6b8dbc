// Package emit turns recognition hypotheses into [types.TranscriptionEvent]
// values and hands them to downstream consumers.
//
// An [Emitter] stamps every event with a UUID, a per-session chunk id and the
// wall-clock time, then delivers it synchronously to a [Sink]. Delivery
// failures never stop the pipeline: they are wrapped in an [EmissionError],
// logged, counted and returned to the caller for telemetry.
//
// Several sinks can be combined with a [Fanout], which guards each one with a
// circuit breaker so an unavailable sink is skipped quickly.
package emit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/callscribe/pkg/types"
)

// ErrSinkClosed is returned when delivering to a sink that has been closed.
var ErrSinkClosed = errors.New("emit: sink closed")

// Sink receives transcription events. Implementations must be safe for
// concurrent use: both channels of a session deliver through the same sink.
type Sink interface {
	// Deliver hands ev to the consumer. It should return promptly; ctx bounds
	// how long it may block.
	Deliver(ctx context.Context, ev types.TranscriptionEvent) error

	// Close releases the sink's resources. Deliver after Close returns an
	// error.
	Close() error
}

// Named is implemented by sinks that report a stable name for logs and
// metrics.
type Named interface {
	Name() string
}

// SinkName returns s's name, falling back to its Go type.
func SinkName(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// EmissionError reports that an event could not be delivered to a sink.
type EmissionError struct {
	Sink    string
	EventID string
	ChunkID uint64
	Err     error
}

func (e *EmissionError) Error() string {
	return fmt.Sprintf("emit: deliver chunk %d to %s: %v", e.ChunkID, e.Sink, e.Err)
}

func (e *EmissionError) Unwrap() error { return e.Err }

// Func adapts a plain function to the [Sink] interface.
type Func func(ctx context.Context, ev types.TranscriptionEvent) error

// Deliver calls f.
func (f Func) Deliver(ctx context.Context, ev types.TranscriptionEvent) error { return f(ctx, ev) }

// Close is a no-op.
func (Func) Close() error { return nil }

// Name implements [Named].
func (Func) Name() string { return "func" }

// Channel is an in-process [Sink] backed by a buffered Go channel. Deliver
// blocks while the buffer is full, until ctx is done.
type Channel struct {
	ch   chan types.TranscriptionEvent
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewChannel creates a Channel sink with the given buffer size.
func NewChannel(size int) *Channel {
	if size < 0 {
		size = 0
	}
	return &Channel{
		ch:   make(chan types.TranscriptionEvent, size),
		done: make(chan struct{}),
	}
}

// Events returns the receive side. It is closed by [Channel.Close].
func (c *Channel) Events() <-chan types.TranscriptionEvent { return c.ch }

// Name implements [Named].
func (c *Channel) Name() string { return "channel" }

// Deliver implements [Sink].
func (c *Channel) Deliver(ctx context.Context, ev types.TranscriptionEvent) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrSinkClosed
	}
	select {
	case c.ch <- ev:
		return nil
	case <-c.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements [Sink]. Blocked deliveries return [ErrSinkClosed].
func (c *Channel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
	return nil
}

// Discard drops every event. It is the default sink of an [Emitter].
type Discard struct{}

// Deliver implements [Sink].
func (Discard) Deliver(context.Context, types.TranscriptionEvent) error { return nil }

// Close implements [Sink].
func (Discard) Close() error { return nil }

// Name implements [Named].
func (Discard) Name() string { return "discard" }
