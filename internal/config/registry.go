package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/callscribe/internal/emit"
	"github.com/MrWong99/callscribe/pkg/audio/device"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	stt     map[string]func(ProviderEntry) (stt.Provider, error)
	vad     map[string]func(VADConfig) (vad.Engine, error)
	backend map[string]func(ProviderEntry) (device.Backend, error)
	sink    map[SinkType]func(context.Context, SinkConfig) (emit.Sink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:     make(map[string]func(ProviderEntry) (stt.Provider, error)),
		vad:     make(map[string]func(VADConfig) (vad.Engine, error)),
		backend: make(map[string]func(ProviderEntry) (device.Backend, error)),
		sink:    make(map[SinkType]func(context.Context, SinkConfig) (emit.Sink, error)),
	}
}

// RegisterSTT registers a recognition engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterBackend registers a capture backend factory under name.
func (r *Registry) RegisterBackend(name string, factory func(ProviderEntry) (device.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backend[name] = factory
}

// RegisterSink registers an event sink factory for a sink type.
func (r *Registry) RegisterSink(typ SinkType, factory func(context.Context, SinkConfig) (emit.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink[typ] = factory
}

// CreateSTT instantiates a recognition engine using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under cfg.Name.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateBackend instantiates a capture backend using the factory registered
// under entry.Name.
func (r *Registry) CreateBackend(entry ProviderEntry) (device.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backend[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSink instantiates an event sink using the factory registered for
// cfg.Type.
func (r *Registry) CreateSink(ctx context.Context, cfg SinkConfig) (emit.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sink[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrProviderNotRegistered, cfg.Type)
	}
	return factory(ctx, cfg)
}

// STTNames returns the registered recognition engine names, sorted.
func (r *Registry) STTNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stt))
	for n := range r.stt {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
