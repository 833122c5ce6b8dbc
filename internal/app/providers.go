package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/emit"
	"github.com/MrWong99/callscribe/internal/health"
	"github.com/MrWong99/callscribe/internal/resilience"
)

// cloudEngines stream audio off the machine. They may be selected as the
// primary engine but are never used as a fallback behind a local one.
var cloudEngines = []string{"deepgram"}

func isCloudEngine(name string) bool {
	for _, c := range cloudEngines {
		if strings.HasPrefix(name, c) {
			return true
		}
	}
	return false
}

// checker is implemented by sinks that can probe their backend.
type checker interface {
	Check(ctx context.Context) error
}

// BuildProviders constructs every provider named in cfg through reg.
//
// The first recognition engine that can be constructed becomes the primary;
// later local engines are added as fallbacks behind per-engine circuit
// breakers. Sinks are combined in an [emit.Fanout]; without configured sinks
// events are logged.
//
// On error, providers built so far are released.
func BuildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (_ *Providers, err error) {
	p := &Providers{}
	defer func() {
		if err != nil {
			for _, c := range p.Closers {
				_ = c()
			}
			if p.Sink != nil {
				_ = p.Sink.Close()
			}
			if p.Backend != nil {
				_ = p.Backend.Close()
			}
		}
	}()

	// ── Capture backend ──────────────────────────────────────────────────
	p.Backend, err = reg.CreateBackend(cfg.Capture.Backend)
	if err != nil {
		return p, fmt.Errorf("app: capture backend %q: %w", cfg.Capture.Backend.Name, err)
	}

	// ── VAD ──────────────────────────────────────────────────────────────
	p.VAD, err = reg.CreateVAD(cfg.Preprocess.VAD)
	if err != nil {
		return p, fmt.Errorf("app: vad %q: %w", cfg.Preprocess.VAD.Name, err)
	}

	// ── Recognition engines ──────────────────────────────────────────────
	if err := buildEngines(cfg, reg, p); err != nil {
		return p, err
	}

	// ── Sinks ────────────────────────────────────────────────────────────
	fan := emit.NewFanout(breakerConfig(cfg.Emitter.Breaker))
	p.Sink = fan
	sinks := cfg.Emitter.Sinks
	if len(sinks) == 0 {
		sinks = []config.SinkConfig{{Type: config.SinkLog}}
	}
	for _, sc := range sinks {
		s, err := reg.CreateSink(ctx, sc)
		if err != nil {
			return p, fmt.Errorf("app: sink %q: %w", sc.DisplayName(), err)
		}
		fan.Add(sc.DisplayName(), s)
		if c, ok := s.(checker); ok {
			p.Checkers = append(p.Checkers, health.Checker{Name: "sink:" + sc.DisplayName(), Check: c.Check, Optional: true})
		}
	}
	slog.Info("providers ready",
		"backend", cfg.Capture.Backend.Name,
		"vad", cfg.Preprocess.VAD.Name,
		"engine", p.STTName,
		"sinks", fan.Len(),
	)
	return p, nil
}

func buildEngines(cfg *config.Config, reg *config.Registry, p *Providers) error {
	breaker := breakerConfig(cfg.Emitter.Breaker)
	var (
		chain *resilience.STTFallback
		errs  []error
	)
	for _, entry := range cfg.Recognizer.Engines {
		if chain != nil && isCloudEngine(entry.Name) {
			slog.Warn("skipping cloud engine as fallback", "engine", entry.Name)
			continue
		}
		eng, err := reg.CreateSTT(entry)
		if err != nil {
			slog.Warn("recognition engine unavailable", "engine", entry.Name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name, err))
			continue
		}
		if c, ok := eng.(interface{ Close() error }); ok {
			p.Closers = append(p.Closers, c.Close)
		}
		if chain == nil {
			chain = resilience.NewSTTFallback(eng, entry.Name, resilience.FallbackConfig{CircuitBreaker: breaker})
			p.STTName = entry.Name
			continue
		}
		chain.AddFallback(entry.Name, eng)
	}
	if chain == nil {
		if len(errs) == 0 {
			errs = append(errs, errors.New("no engines configured"))
		}
		return fmt.Errorf("app: recognition: %w", errors.Join(errs...))
	}
	p.STT = chain
	return nil
}

func breakerConfig(b config.BreakerConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:  b.MaxFailures,
		ResetTimeout: msDuration(b.ResetTimeoutMs),
		HalfOpenMax:  b.HalfOpenMax,
	}
}
