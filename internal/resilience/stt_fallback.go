package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/callscribe/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that opens each stream on the first
// healthy engine of an ordered list. Each engine has its own circuit breaker,
// so an engine that keeps failing to open streams is skipped until its reset
// timeout passes.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred engine.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another engine, tried after those already added.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Active returns the name of the engine that opened the last stream.
func (f *STTFallback) Active() string { return f.group.Active() }

// Status reports every engine with its breaker state.
func (f *STTFallback) Status() []EntryStatus { return f.group.Status() }

// StartStream opens a stream on the first engine that accepts it. A
// cancelled ctx is returned as is without trying further engines.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("resilience: start stream: %w", err)
	}
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
