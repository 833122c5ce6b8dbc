package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callscribe/internal/api"
	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/emit"
	"github.com/MrWong99/callscribe/internal/emit/logsink"
	"github.com/MrWong99/callscribe/internal/emit/natssink"
	"github.com/MrWong99/callscribe/internal/emit/pgsink"
	"github.com/MrWong99/callscribe/internal/emit/sqlitesink"
	"github.com/MrWong99/callscribe/internal/emit/wssink"
	"github.com/MrWong99/callscribe/pkg/audio/device"
	"github.com/MrWong99/callscribe/pkg/audio/device/malgo"
	"github.com/MrWong99/callscribe/pkg/audio/device/synthetic"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/stt/deepgram"
	sttexec "github.com/MrWong99/callscribe/pkg/provider/stt/exec"
	"github.com/MrWong99/callscribe/pkg/provider/stt/whisper"
	"github.com/MrWong99/callscribe/pkg/provider/vad"
	"github.com/MrWong99/callscribe/pkg/provider/vad/energy"
)

// builtinProviders maps provider category names to the implementations that
// ship with callscribe. Used for startup logging.
var builtinProviders = map[string][]string{
	"stt":     {"whisper", "whisper-native", "deepgram", "exec"},
	"vad":     {"energy"},
	"capture": {"malgo", "synthetic"},
	"sink": {
		string(config.SinkLog), string(config.SinkNATS), string(config.SinkSQLite),
		string(config.SinkPostgres), string(config.SinkWebsocket),
	},
}

// extras holds what sink factories create beside the sink itself: the
// websocket hub mounted on the API, the first store that can read back
// transcripts, and embedded NATS servers.
type extras struct {
	mu          sync.Mutex
	hub         *wssink.Hub
	transcripts api.TranscriptStore
	embedded    []*natssink.EmbeddedServer
}

// events returns the hub as a handler, or nil when no websocket sink exists.
func (e *extras) events() http.Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hub == nil {
		return nil
	}
	return e.hub
}

func (e *extras) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.embedded {
		s.Shutdown()
	}
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) *extras {
	ex := &extras{}

	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterBackend("malgo", func(entry config.ProviderEntry) (device.Backend, error) {
		cfg := malgo.Config{PeriodMs: optInt(entry.Options, "period_ms")}
		if v, ok := entry.Options["loopback"].(bool); ok {
			cfg.Loopback = &v
		}
		return malgo.New(cfg)
	})

	reg.RegisterBackend("synthetic", func(entry config.ProviderEntry) (device.Backend, error) {
		var opts []synthetic.Option
		if speed := optFloat(entry.Options, "speed"); speed > 0 {
			opts = append(opts, synthetic.WithSpeed(speed))
		}
		return synthetic.New(opts...), nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(cfg config.VADConfig) (vad.Engine, error) {
		return energy.New(energy.Options{
			ThresholdDB:    cfg.ThresholdDB,
			FlatnessMax:    cfg.FlatnessMax,
			StartFrames:    cfg.StartFrames,
			EndFrames:      cfg.EndFrames,
			HangoverFrames: cfg.HangoverFrames,
		})
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms := optInt(entry.Options, "endpointing_ms"); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d, ok := partialInterval(entry.Options); ok {
			opts = append(opts, whisper.WithPartialInterval(d))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if d, ok := partialInterval(entry.Options); ok {
			opts = append(opts, whisper.WithNativePartialInterval(d))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("exec", func(entry config.ProviderEntry) (stt.Provider, error) {
		command := optString(entry.Options, "command")
		if command == "" {
			return nil, errors.New("exec: options.command is required")
		}
		var opts []sttexec.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttexec.WithLanguage(lang))
		}
		if ms := optInt(entry.Options, "timeout_ms"); ms > 0 {
			opts = append(opts, sttexec.WithTimeout(time.Duration(ms)*time.Millisecond))
		}
		if dir := optString(entry.Options, "temp_dir"); dir != "" {
			opts = append(opts, sttexec.WithTempDir(dir))
		}
		if d, ok := partialInterval(entry.Options); ok {
			opts = append(opts, sttexec.WithPartialInterval(d))
		}
		return sttexec.New(command, opts...)
	})

	// ── Sinks ─────────────────────────────────────────────────────────────────

	reg.RegisterSink(config.SinkLog, func(_ context.Context, sc config.SinkConfig) (emit.Sink, error) {
		return logsink.New(slog.Default().With("sink", sc.DisplayName())), nil
	})

	reg.RegisterSink(config.SinkNATS, func(ctx context.Context, sc config.SinkConfig) (emit.Sink, error) {
		servers := splitList(sc.URL)
		if sc.Embedded {
			host, port, err := embeddedAddr(sc.URL)
			if err != nil {
				return nil, err
			}
			srv, err := natssink.StartEmbedded(host, port, slog.Default())
			if err != nil {
				return nil, err
			}
			ex.mu.Lock()
			ex.embedded = append(ex.embedded, srv)
			ex.mu.Unlock()
			servers = []string{srv.ClientURL()}
		}
		return natssink.Connect(ctx, natssink.Config{
			Servers:  servers,
			Subject:  sc.Subject,
			Token:    optString(sc.Options, "token"),
			Username: optString(sc.Options, "username"),
			Password: optString(sc.Options, "password"),
		}, slog.Default().With("sink", sc.DisplayName()))
	})

	reg.RegisterSink(config.SinkSQLite, func(ctx context.Context, sc config.SinkConfig) (emit.Sink, error) {
		store, err := sqlitesink.Open(ctx, sqlitesink.Config{
			Path:       sc.Path,
			FinalsOnly: sc.FinalsOnly,
			Retention:  time.Duration(sc.RetentionHours) * time.Hour,
		}, slog.Default().With("sink", sc.DisplayName()))
		if err != nil {
			return nil, err
		}
		ex.offerStore(store)
		return store, nil
	})

	reg.RegisterSink(config.SinkPostgres, func(ctx context.Context, sc config.SinkConfig) (emit.Sink, error) {
		var opts []pgsink.Option
		if sc.FinalsOnly {
			opts = append(opts, pgsink.FinalsOnly())
		}
		store, err := pgsink.New(ctx, sc.DSN, opts...)
		if err != nil {
			return nil, err
		}
		ex.offerStore(store)
		return store, nil
	})

	reg.RegisterSink(config.SinkWebsocket, func(_ context.Context, sc config.SinkConfig) (emit.Sink, error) {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		if ex.hub != nil {
			return nil, errors.New("only one websocket sink may be configured")
		}
		var opts []wssink.Option
		if n := optInt(sc.Options, "buffer"); n > 0 {
			opts = append(opts, wssink.WithBuffer(n))
		}
		if origins := optString(sc.Options, "origin_patterns"); origins != "" {
			opts = append(opts, wssink.WithOriginPatterns(splitList(origins)...))
		}
		ex.hub = wssink.NewHub(opts...)
		return ex.hub, nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
	return ex
}

// offerStore makes s the transcript store of the API unless one is set.
func (e *extras) offerStore(s api.TranscriptStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transcripts == nil {
		e.transcripts = s
	}
}

// embeddedAddr returns the listen address for an embedded NATS server.
// An empty URL picks a random loopback port.
func embeddedAddr(raw string) (string, int, error) {
	if raw == "" {
		return "127.0.0.1", -1, nil
	}
	u, err := url.Parse(splitList(raw)[0])
	if err != nil {
		return "", 0, fmt.Errorf("nats: parse url: %w", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, fmt.Errorf("nats: url %q needs host:port: %w", raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("nats: port %q: %w", portStr, err)
	}
	return host, port, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from an Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer. YAML decodes numbers as int, TOML as int64,
// and both may produce float64.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// partialInterval reads partial_interval_ms. ok is false when the key is
// absent, so the engine default applies; 0 disables partials.
func partialInterval(opts map[string]any) (d time.Duration, ok bool) {
	if _, ok = opts["partial_interval_ms"]; !ok {
		return 0, false
	}
	ms := optInt(opts, "partial_interval_ms")
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
