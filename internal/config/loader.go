package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a config file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the format from a file extension. Anything other than
// ".toml" is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":     {"whisper", "whisper-native", "deepgram", "exec", "mock"},
	"vad":     {"energy"},
	"backend": {"malgo", "synthetic"},
}

// Load reads the configuration file at path, applies defaults and returns a
// validated [Config]. Files ending in ".toml" are decoded as TOML, all others
// as YAML.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := Decode(f, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return Decode(r, FormatYAML)
}

// Decode reads a config in the given format. Unknown keys are errors in
// both formats.
func Decode(r io.Reader, format Format) (*Config, error) {
	cfg := &Config{}
	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(r).Decode(cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: decode toml: unknown keys: %s", strings.Join(keys, ", "))
		}
	default:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeBytes is [Decode] for content already in memory.
func DecodeBytes(data []byte, format Format) (*Config, error) {
	return Decode(bytes.NewReader(data), format)
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8080")
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.LogFormat, LogFormatText)

	setDefault(&cfg.Audio.SampleRate, 16000)
	setDefault(&cfg.Audio.FrameMs, 20)
	setDefault(&cfg.Audio.RingBufferMs, 500)
	setDefault(&cfg.Audio.PopTimeoutMs, 50)
	setDefault(&cfg.Audio.FrameQueue, 256)

	setDefault(&cfg.Capture.Backend.Name, "malgo")
	setDefault(&cfg.Capture.BlockMs, 10)
	setDefault(&cfg.Capture.Reconnect.MaxRetries, 10)
	setDefault(&cfg.Capture.Reconnect.BackoffMs, 1000)
	setDefault(&cfg.Capture.Reconnect.MaxBackoffMs, 30000)

	if cfg.Preprocess.NoiseStrength == nil {
		v := 1.0
		cfg.Preprocess.NoiseStrength = &v
	}
	setDefault(&cfg.Preprocess.NoiseFloor, 0.05)
	if cfg.Preprocess.Enhance == nil {
		v := true
		cfg.Preprocess.Enhance = &v
	}
	setDefault(&cfg.Preprocess.VAD.Name, "energy")
	setDefault(&cfg.Preprocess.VAD.ThresholdDB, -45)
	setDefault(&cfg.Preprocess.VAD.FlatnessMax, 0.6)
	setDefault(&cfg.Preprocess.VAD.StartFrames, 3)
	setDefault(&cfg.Preprocess.VAD.EndFrames, 10)
	setDefault(&cfg.Preprocess.VAD.HangoverFrames, 5)

	setDefault(&cfg.Recognizer.Language, "en")
	setDefault(&cfg.Recognizer.MaxUtteranceMs, 15000)
	setDefault(&cfg.Recognizer.DrainTimeoutMs, 30000)

	setDefault(&cfg.Emitter.Breaker.MaxFailures, 5)
	setDefault(&cfg.Emitter.Breaker.ResetTimeoutMs, 30000)
	setDefault(&cfg.Emitter.Breaker.HalfOpenMax, 1)

	setDefault(&cfg.Vocabulary.PhoneticThreshold, 0.7)
	setDefault(&cfg.Vocabulary.FuzzyThreshold, 0.85)

	setDefault(&cfg.Health.LatencyBudgetMs, 500)
	setDefault(&cfg.Health.PressureRatio, 0.8)
	setDefault(&cfg.Health.PressureSamples, 3)
	setDefault(&cfg.Health.IntervalMs, 250)

	setDefault(&cfg.Observe.ServiceName, "callscribe")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate != 0 && a.SampleRate != 16000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is unsupported; recognition engines expect 16000", a.SampleRate))
	}
	if a.FrameMs < 0 || (a.FrameMs > 0 && (a.FrameMs < 10 || a.FrameMs > 30)) {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [10, 30]", a.FrameMs))
	}
	if a.RingBufferMs < 0 || (a.RingBufferMs > 0 && a.RingBufferMs < cfg.Capture.BlockMs) {
		errs = append(errs, fmt.Errorf("audio.ring_buffer_ms %d must hold at least one capture block", a.RingBufferMs))
	}
	if a.PopTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("audio.pop_timeout_ms %d must not be negative", a.PopTimeoutMs))
	}
	if a.FrameQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_queue %d must not be negative", a.FrameQueue))
	}

	// Capture
	if cfg.Capture.BlockMs < 0 {
		errs = append(errs, fmt.Errorf("capture.block_ms %d must not be negative", cfg.Capture.BlockMs))
	}
	rc := cfg.Capture.Reconnect
	if rc.MaxRetries < 0 || rc.BackoffMs < 0 || rc.MaxBackoffMs < 0 {
		errs = append(errs, errors.New("capture.reconnect values must not be negative"))
	}
	if rc.MaxBackoffMs > 0 && rc.BackoffMs > rc.MaxBackoffMs {
		errs = append(errs, fmt.Errorf("capture.reconnect.backoff_ms %d exceeds max_backoff_ms %d", rc.BackoffMs, rc.MaxBackoffMs))
	}
	validateProviderName("backend", cfg.Capture.Backend.Name)

	// Preprocess
	p := cfg.Preprocess
	if p.NoiseStrength != nil && *p.NoiseStrength < 0 {
		errs = append(errs, fmt.Errorf("preprocess.noise_strength %.2f must not be negative", *p.NoiseStrength))
	}
	if p.NoiseFloor < 0 || p.NoiseFloor > 1 {
		errs = append(errs, fmt.Errorf("preprocess.noise_floor %.3f is out of range [0, 1]", p.NoiseFloor))
	}
	if p.VAD.FlatnessMax < 0 || p.VAD.FlatnessMax > 1 {
		errs = append(errs, fmt.Errorf("preprocess.vad.flatness_max %.2f is out of range [0, 1]", p.VAD.FlatnessMax))
	}
	if p.VAD.StartFrames < 0 || p.VAD.EndFrames < 0 || p.VAD.HangoverFrames < 0 {
		errs = append(errs, errors.New("preprocess.vad frame counts must not be negative"))
	}
	validateProviderName("vad", p.VAD.Name)

	// Recognizer
	r := cfg.Recognizer
	if len(r.Engines) == 0 {
		slog.Warn("recognizer.engines is empty; sessions cannot be started until an engine is configured")
	}
	enginesSeen := make(map[string]int, len(r.Engines))
	for i, e := range r.Engines {
		prefix := fmt.Sprintf("recognizer.engines[%d]", i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		key := e.Name + "|" + e.BaseURL + "|" + e.Model
		if prev, ok := enginesSeen[key]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates recognizer.engines[%d]", prefix, prev))
		}
		enginesSeen[key] = i
		validateProviderName("stt", e.Name)
	}
	if r.SilenceThresholdMs < 0 || r.MaxUtteranceMs < 0 || r.DrainTimeoutMs < 0 {
		errs = append(errs, errors.New("recognizer durations must not be negative"))
	}
	if r.SilenceThresholdMs > 0 && r.MaxUtteranceMs > 0 && r.SilenceThresholdMs >= r.MaxUtteranceMs {
		errs = append(errs, fmt.Errorf("recognizer.silence_threshold_ms %d must be below max_utterance_ms %d", r.SilenceThresholdMs, r.MaxUtteranceMs))
	}
	for i, k := range r.Keywords {
		if strings.TrimSpace(k.Keyword) == "" {
			errs = append(errs, fmt.Errorf("recognizer.keywords[%d].keyword is required", i))
		}
	}

	// Emitter
	sinkNames := make(map[string]int, len(cfg.Emitter.Sinks))
	for i, s := range cfg.Emitter.Sinks {
		prefix := fmt.Sprintf("emitter.sinks[%d]", i)
		if !s.Type.IsValid() {
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: log, nats, sqlite, postgres, websocket", prefix, s.Type))
			continue
		}
		if prev, ok := sinkNames[s.DisplayName()]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of emitter.sinks[%d]", prefix, s.DisplayName(), prev))
		}
		sinkNames[s.DisplayName()] = i
		switch s.Type {
		case SinkNATS:
			if s.URL == "" && !s.Embedded {
				errs = append(errs, fmt.Errorf("%s.url is required for nats sinks", prefix))
			}
		case SinkSQLite:
			if s.Path == "" {
				errs = append(errs, fmt.Errorf("%s.path is required for sqlite sinks", prefix))
			}
		case SinkPostgres:
			if s.DSN == "" {
				errs = append(errs, fmt.Errorf("%s.dsn is required for postgres sinks", prefix))
			}
		}
		if s.RetentionHours < 0 {
			errs = append(errs, fmt.Errorf("%s.retention_hours must not be negative", prefix))
		}
	}

	// Vocabulary
	v := cfg.Vocabulary
	if v.PhoneticThreshold < 0 || v.PhoneticThreshold > 1 {
		errs = append(errs, fmt.Errorf("vocabulary.phonetic_threshold %.2f is out of range [0, 1]", v.PhoneticThreshold))
	}
	if v.FuzzyThreshold < 0 || v.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("vocabulary.fuzzy_threshold %.2f is out of range [0, 1]", v.FuzzyThreshold))
	}

	// Health
	h := cfg.Health
	if h.LatencyBudgetMs < 0 || h.PressureSamples < 0 || h.IntervalMs < 0 {
		errs = append(errs, errors.New("health values must not be negative"))
	}
	if h.PressureRatio < 0 || h.PressureRatio > 1 {
		errs = append(errs, fmt.Errorf("health.pressure_ratio %.2f is out of range [0, 1]", h.PressureRatio))
	}

	if r := cfg.Observe.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
