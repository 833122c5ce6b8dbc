// Command callscribe captures the local microphone and the system output of a
// call and streams both channels through speech recognition.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/callscribe/internal/api"
	"github.com/MrWong99/callscribe/internal/app"
	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/health"
	"github.com/MrWong99/callscribe/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML or TOML configuration file")
	autostart := flag.Bool("autostart", false, "start a capture session with the configured devices")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callscribe: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, &level))

	slog.Info("callscribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
		InstanceID:     cfg.Observe.InstanceID,
		SampleRatio:    cfg.Observe.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	extras := registerBuiltinProviders(reg)
	defer extras.shutdown()

	providers, err := app.BuildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg, providers)

	application, err := app.New(cfg, providers, app.WithWarningHandler(func(w health.Warning) {
		slog.Warn("pipeline warning", "kind", w.Kind, "channel", w.Channel, "fatal", w.Fatal, "msg", w.Message)
	}))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(r config.Reload) {
		if r.Diff.LogLevelChanged {
			level.Set(slogLevel(r.Diff.NewLogLevel))
			slog.Info("log level changed", "level", r.Diff.NewLogLevel)
		}
		application.ApplyConfig(r.New, r.Diff)
	}, config.WithWatcherLogger(slog.Default().With("component", "config")))
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP API ──────────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr: cfg.Server.ListenAddr,
		Handler: api.NewRouter(api.Config{
			Sessions:       application.Sessions(),
			Checkers:       application.Checkers(),
			MetricsHandler: telemetry.Handler(),
			Events:         extras.events(),
			Transcripts:    extras.transcripts,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if *autostart {
		var counterpart *string
		if !cfg.Capture.DisableCounterpart {
			counterpart = &cfg.Capture.CounterpartDevice
		}
		id, err := application.Sessions().Start(ctx, cfg.Capture.PrimaryDevice, counterpart)
		if err != nil {
			slog.Error("autostart failed", "err", err)
			return 1
		}
		slog.Info("session autostarted", "session_id", id)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	code := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("http server error", "err", err)
			code = 1
		}
		stop()
	}
	<-runErr

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, p *app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       callscribe: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Capture", cfg.Capture.Backend.Name)
	printRow("VAD", cfg.Preprocess.VAD.Name)
	printRow("Engine", p.STTName)
	printRow("Fallbacks", fmt.Sprintf("%d", len(cfg.Recognizer.Engines)-1))
	printRow("Sinks", fmt.Sprintf("%d", max(len(cfg.Emitter.Sinks), 1)))
	if cfg.Recording.Dir != "" {
		printRow("Recording", cfg.Recording.Dir)
	} else {
		printRow("Recording", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
