// Package app wires all callscribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the health monitor until shutdown, and Shutdown
// tears everything down in order. Capture sessions are controlled through
// the [SessionManager] returned by [App.Sessions].
//
// For testing, inject mock implementations through [Providers] and the
// functional options. When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/emit"
	"github.com/MrWong99/callscribe/internal/health"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/recording"
	"github.com/MrWong99/callscribe/pkg/audio/device"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/vad"
	"github.com/MrWong99/callscribe/pkg/provider/vad/energy"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Providers holds one interface value per provider slot. Populated by
// main.go via [BuildProviders] or by tests directly.
type Providers struct {
	// Backend enumerates and opens capture devices. Required.
	Backend device.Backend

	// STT is the recognition engine, usually an engine fallback chain.
	// Required.
	STT stt.Provider

	// STTName labels the engine in logs. It also selects the per-engine
	// silence threshold default.
	STTName string

	// VAD is the voice activity detector. Nil selects the energy detector
	// with its default options.
	VAD vad.Engine

	// Sink receives every transcription event. Nil discards events.
	Sink emit.Sink

	// Checkers are added to the readiness probe (sinks with a Check method).
	Checkers []health.Checker

	// Closers release provider resources during Shutdown, after the sink.
	Closers []func() error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	monitor  *health.Monitor
	emitter  *emit.Emitter
	recorder *recording.Recorder
	sessions *SessionManager

	onWarning func(health.Warning)

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRecorder injects a WAV recorder instead of creating one from
// recording.dir.
func WithRecorder(r *recording.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithWarningHandler registers fn for every health warning.
func WithWarningHandler(fn func(health.Warning)) Option {
	return func(a *App) { a.onWarning = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Backend == nil {
		return nil, errors.New("app: a capture backend is required")
	}
	if providers.STT == nil {
		return nil, errors.New("app: a recognition engine is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers.VAD == nil {
		eng, err := energy.New(energy.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("app: default vad: %w", err)
		}
		providers.VAD = eng
	}

	// ── 1. Health monitor ────────────────────────────────────────────────
	a.monitor = health.NewMonitor(health.MonitorConfig{
		LatencyBudget:   cfg.Health.LatencyBudget(),
		PressureRatio:   cfg.Health.PressureRatio,
		PressureSamples: cfg.Health.PressureSamples,
		Interval:        msDuration(cfg.Health.IntervalMs),
		OnWarning:       a.onWarning,
	}, a.metrics)

	// ── 2. Emitter ───────────────────────────────────────────────────────
	sink := providers.Sink
	if sink == nil {
		sink = emit.Discard{}
	}
	a.emitter = emit.New(sink,
		emit.WithMetrics(a.metrics),
		emit.OnEmit(a.monitor.ObserveEmission),
		emit.OnError(func(ev types.TranscriptionEvent, err error) {
			a.monitor.ReportError(health.EmissionWarning, ev.Channel, err)
		}),
	)

	// ── 3. Recorder ──────────────────────────────────────────────────────
	if a.recorder == nil && cfg.Recording.Dir != "" {
		a.recorder = recording.New(cfg.Recording.Dir, cfg.Audio.SampleRate)
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Emitter:   a.emitter,
		Monitor:   a.monitor,
		Metrics:   a.metrics,
		Recorder:  a.recorder,
	})
	return a, nil
}

// Sessions returns the session control surface.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Monitor returns the health monitor.
func (a *App) Monitor() *health.Monitor { return a.monitor }

// Checkers returns the readiness checks: the capture channels and every
// sink that can probe its backend.
func (a *App) Checkers() []health.Checker {
	return append([]health.Checker{a.monitor.Checker()}, a.providers.Checkers...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run samples buffer health until ctx is cancelled and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running",
		"engine", a.providers.STTName,
		"recording", a.recorder != nil,
	)
	a.monitor.Run(ctx)
	return ctx.Err()
}

// ApplyConfig applies the live-changeable parts of next. The log level is
// handled by the caller, which owns the handler.
func (a *App) ApplyConfig(next *config.Config, d config.ConfigDiff) {
	if d.VocabularyChanged {
		a.sessions.SetVocabulary(next.Vocabulary)
	}
	if d.KeywordsChanged {
		a.sessions.SetKeywords(next.Recognizer.Keywords)
	}
	if d.HealthChanged {
		a.monitor.SetThresholds(next.Health.LatencyBudget(), next.Health.PressureRatio, next.Health.PressureSamples)
	}
	a.sessions.setConfig(next)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session, then closes the sinks and the
// providers. If ctx expires before the session has drained, the drain is
// aborted and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.providers.Closers))

		if info, ok := a.sessions.Info(); ok {
			if err := a.sessions.Stop(ctx, info.SessionID); err != nil {
				errs = append(errs, fmt.Errorf("app: stop session: %w", err))
			}
		}
		if err := a.emitter.Close(); err != nil {
			slog.Warn("sink close error", "err", err)
		}
		for i, closer := range a.providers.Closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		if err := a.providers.Backend.Close(); err != nil {
			slog.Warn("capture backend close error", "err", err)
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
