package app_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/callscribe/internal/app"
	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/emit"
	"github.com/MrWong99/callscribe/internal/resilience"
	"github.com/MrWong99/callscribe/pkg/audio/device"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/callscribe/pkg/provider/stt/mock"
	"github.com/MrWong99/callscribe/pkg/provider/vad"
	vadmock "github.com/MrWong99/callscribe/pkg/provider/vad/mock"
	"github.com/MrWong99/callscribe/pkg/types"
)

func TestNew_RequiresBackendAndEngine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		providers *app.Providers
	}{
		{name: "nil providers"},
		{name: "no backend", providers: &app.Providers{STT: &sttmock.Provider{}}},
		{name: "no engine", providers: &app.Providers{Backend: backend("new-noengine")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := app.New(testConfig(), tt.providers); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestNew_DefaultsAndCheckers(t *testing.T) {
	t.Parallel()
	providers := &app.Providers{
		Backend: backend("new-defaults"),
		STT:     &sttmock.Provider{},
	}
	a, err := app.New(testConfig(), providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if providers.VAD == nil {
		t.Error("a default VAD engine should be filled in")
	}
	if a.Monitor() == nil || a.Sessions() == nil {
		t.Fatal("monitor and session manager must be wired")
	}
	checks := a.Checkers()
	if len(checks) == 0 {
		t.Fatal("expected the capture readiness check")
	}
	for _, c := range checks {
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("check %s failed without a session: %v", c.Name, err)
		}
	}
}

func TestApp_ApplyConfigKeywordsReachEngine(t *testing.T) {
	t.Parallel()
	engine := &sttmock.Provider{}
	cfg := testConfig()
	a, err := app.New(cfg, &app.Providers{Backend: backend("apply"), STT: engine, STTName: "mock"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if _, err := a.Sessions().Start(context.Background(), "", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return engine.StartStreamCallCount() > 0 }, "an open engine stream")

	next := *cfg
	next.Recognizer.Keywords = []types.KeywordBoost{{Keyword: "Acme", Boost: 2}}
	next.Health.LatencyBudgetMs = 100
	a.ApplyConfig(&next, config.Diff(cfg, &next))

	// Later streams are opened with the new keywords.
	waitFor(t, func() bool {
		for _, call := range engine.Calls() {
			if len(call.Cfg.Keywords) == 1 && call.Cfg.Keywords[0].Keyword == "Acme" {
				return true
			}
		}
		return false
	}, "a stream opened with the new keywords")
}

func TestApp_ShutdownStopsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, backend("shutdown"))
	if _, err := f.sm.Start(context.Background(), "", ptr("")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if f.sm.IsActive() {
		t.Error("Shutdown should stop the active session")
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

// ─── BuildProviders ──────────────────────────────────────────────────────────

type checkedSink struct {
	emit.Discard
}

func (s *checkedSink) Check(context.Context) error { return errors.New("unreachable") }

func testRegistry(sink *checkedSink) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterBackend("synthetic", func(config.ProviderEntry) (device.Backend, error) {
		return backend("build"), nil
	})
	reg.RegisterVAD("mock", func(config.VADConfig) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})
	reg.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) {
		return nil, errors.New("model missing")
	})
	for _, name := range []string{"local", "other", "deepgram"} {
		reg.RegisterSTT(name, func(config.ProviderEntry) (stt.Provider, error) {
			return &sttmock.Provider{}, nil
		})
	}
	reg.RegisterSink(config.SinkLog, func(context.Context, config.SinkConfig) (emit.Sink, error) {
		return emit.Discard{}, nil
	})
	reg.RegisterSink(config.SinkSQLite, func(context.Context, config.SinkConfig) (emit.Sink, error) {
		return sink, nil
	})
	return reg
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Preprocess.VAD.Name = "mock"
	cfg.Recognizer.Engines = []config.ProviderEntry{
		{Name: "broken"}, {Name: "local"}, {Name: "deepgram"}, {Name: "other"},
	}
	cfg.Emitter.Sinks = []config.SinkConfig{{Type: config.SinkSQLite, Path: "x.db"}}
	sink := &checkedSink{}

	p, err := app.BuildProviders(context.Background(), cfg, testRegistry(sink))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if p.STTName != "local" {
		t.Errorf("STTName = %q, want the first engine that could be built", p.STTName)
	}
	chain, ok := p.STT.(*resilience.STTFallback)
	if !ok {
		t.Fatalf("STT = %T, want *resilience.STTFallback", p.STT)
	}
	var names []string
	for _, s := range chain.Status() {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "local,other" {
		t.Errorf("engine chain = %s, want local,other (cloud engines are never fallbacks)", got)
	}
	if len(p.Checkers) != 1 || p.Checkers[0].Name != "sink:sqlite" {
		t.Errorf("checkers = %+v", p.Checkers)
	}
	if p.VAD == nil || p.Backend == nil || p.Sink == nil {
		t.Errorf("providers = %+v", p)
	}
}

func TestBuildProviders_CloudEngineAsPrimary(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Preprocess.VAD.Name = "mock"
	cfg.Recognizer.Engines = []config.ProviderEntry{{Name: "deepgram"}, {Name: "local"}}

	p, err := app.BuildProviders(context.Background(), cfg, testRegistry(&checkedSink{}))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if p.STTName != "deepgram" {
		t.Errorf("STTName = %q, want deepgram", p.STTName)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		mention string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *config.Config) { c.Capture.Backend.Name = "alsa" },
			mention: "capture backend",
		},
		{
			name:    "unknown vad",
			mutate:  func(c *config.Config) { c.Preprocess.VAD.Name = "silero" },
			mention: "vad",
		},
		{
			name:    "no engines",
			mutate:  func(c *config.Config) { c.Recognizer.Engines = nil },
			mention: "no engines configured",
		},
		{
			name:    "every engine broken",
			mutate:  func(c *config.Config) { c.Recognizer.Engines = []config.ProviderEntry{{Name: "broken"}} },
			mention: "model missing",
		},
		{
			name:    "unregistered sink",
			mutate:  func(c *config.Config) { c.Emitter.Sinks = []config.SinkConfig{{Type: config.SinkNATS}} },
			mention: "sink",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Preprocess.VAD.Name = "mock"
			cfg.Recognizer.Engines = []config.ProviderEntry{{Name: "local"}}
			tt.mutate(cfg)

			_, err := app.BuildProviders(context.Background(), cfg, testRegistry(&checkedSink{}))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error should mention %q, got: %v", tt.mention, err)
			}
		})
	}
}
