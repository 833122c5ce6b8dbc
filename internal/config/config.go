// Package config provides the configuration schema, loader, and provider registry
// for callscribe.
package config

import (
	"time"

	"github.com/MrWong99/callscribe/pkg/types"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// SinkType selects an event sink implementation.
type SinkType string

const (
	SinkLog       SinkType = "log"
	SinkNATS      SinkType = "nats"
	SinkSQLite    SinkType = "sqlite"
	SinkPostgres  SinkType = "postgres"
	SinkWebsocket SinkType = "websocket"
)

// IsValid reports whether s is a recognised sink type.
func (s SinkType) IsValid() bool {
	switch s {
	case SinkLog, SinkNATS, SinkSQLite, SinkPostgres, SinkWebsocket:
		return true
	}
	return false
}

// Config is the root configuration structure for callscribe.
// It is typically loaded from a YAML or TOML file using [Load].
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Audio      AudioConfig      `yaml:"audio" toml:"audio"`
	Capture    CaptureConfig    `yaml:"capture" toml:"capture"`
	Preprocess PreprocessConfig `yaml:"preprocess" toml:"preprocess"`
	Recognizer RecognizerConfig `yaml:"recognizer" toml:"recognizer"`
	Emitter    EmitterConfig    `yaml:"emitter" toml:"emitter"`
	Vocabulary VocabularyConfig `yaml:"vocabulary" toml:"vocabulary"`
	Health     HealthConfig     `yaml:"health" toml:"health"`
	Recording  RecordingConfig  `yaml:"recording" toml:"recording"`
	Observe    ObserveConfig    `yaml:"observe" toml:"observe"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP API (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed while running.
	LogLevel LogLevel `yaml:"log_level" toml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format" toml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls" toml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
}

// AudioConfig sets the canonical format and buffering of both channels.
type AudioConfig struct {
	// SampleRate of canonical audio in Hz.
	SampleRate int `yaml:"sample_rate" toml:"sample_rate"`

	// FrameMs is the processing frame duration.
	FrameMs int `yaml:"frame_ms" toml:"frame_ms"`

	// RingBufferMs is the capture ring buffer capacity, in milliseconds of
	// capture blocks.
	RingBufferMs int `yaml:"ring_buffer_ms" toml:"ring_buffer_ms"`

	// PopTimeoutMs bounds each wait on the ring buffer.
	PopTimeoutMs int `yaml:"pop_timeout_ms" toml:"pop_timeout_ms"`

	// FrameQueue is the capacity of the queue between preprocessing and
	// recognition.
	FrameQueue int `yaml:"frame_queue" toml:"frame_queue"`
}

// CaptureConfig selects the audio backend and devices.
type CaptureConfig struct {
	// Backend selects the registered capture backend (malgo, synthetic).
	Backend ProviderEntry `yaml:"backend" toml:"backend"`

	// PrimaryDevice is the microphone id. Empty selects the default
	// microphone.
	PrimaryDevice string `yaml:"primary_device" toml:"primary_device"`

	// CounterpartDevice is the loopback device id. Empty selects the first
	// loopback-capable device.
	CounterpartDevice string `yaml:"counterpart_device" toml:"counterpart_device"`

	// DisableCounterpart runs primary-only sessions.
	DisableCounterpart bool `yaml:"disable_counterpart" toml:"disable_counterpart"`

	// BlockMs is the requested capture callback period.
	BlockMs int `yaml:"block_ms" toml:"block_ms"`

	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
}

// ReconnectConfig holds the device reconnect backoff.
type ReconnectConfig struct {
	MaxRetries   int `yaml:"max_retries" toml:"max_retries"`
	BackoffMs    int `yaml:"backoff_ms" toml:"backoff_ms"`
	MaxBackoffMs int `yaml:"max_backoff_ms" toml:"max_backoff_ms"`
}

// PreprocessConfig tunes noise reduction, VAD and enhancement.
type PreprocessConfig struct {
	// NoiseStrength scales spectral subtraction. 0 disables noise reduction.
	// Nil takes the default.
	NoiseStrength *float64 `yaml:"noise_strength" toml:"noise_strength"`

	// NoiseFloor is the fraction of each bin that survives subtraction.
	NoiseFloor float64 `yaml:"noise_floor" toml:"noise_floor"`

	// Enhance enables speech-band weighting. Nil takes the default (on).
	Enhance *bool `yaml:"enhance" toml:"enhance"`

	VAD VADConfig `yaml:"vad" toml:"vad"`
}

// VADConfig selects and tunes the voice activity detector.
type VADConfig struct {
	// Name selects the registered VAD engine.
	Name string `yaml:"name" toml:"name"`

	ThresholdDB    float64 `yaml:"threshold_db" toml:"threshold_db"`
	FlatnessMax    float64 `yaml:"flatness_max" toml:"flatness_max"`
	StartFrames    int     `yaml:"start_frames" toml:"start_frames"`
	EndFrames      int     `yaml:"end_frames" toml:"end_frames"`
	HangoverFrames int     `yaml:"hangover_frames" toml:"hangover_frames"`

	Options map[string]any `yaml:"options" toml:"options"`
}

// RecognizerConfig configures the recognition engines and utterance
// segmentation.
type RecognizerConfig struct {
	// Engines are tried in order; later entries take over while earlier ones
	// are failing.
	Engines []ProviderEntry `yaml:"engines" toml:"engines"`

	// Language is the BCP-47 recognition language.
	Language string `yaml:"language" toml:"language"`

	// SilenceThresholdMs ends an utterance after this much non-voice audio.
	// Zero takes the engine's default.
	SilenceThresholdMs int `yaml:"silence_threshold_ms" toml:"silence_threshold_ms"`

	MaxUtteranceMs int `yaml:"max_utterance_ms" toml:"max_utterance_ms"`
	DrainTimeoutMs int `yaml:"drain_timeout_ms" toml:"drain_timeout_ms"`

	// Keywords are boosted by engines that support it.
	Keywords []types.KeywordBoost `yaml:"keywords" toml:"keywords"`
}

// ProviderEntry is the common configuration block shared by engines and
// backends. The Name field is used to look up the constructor in the
// [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "whisper", "malgo").
	Name string `yaml:"name" toml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key" toml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url" toml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model" toml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options" toml:"options"`
}

// EmitterConfig lists the event sinks.
type EmitterConfig struct {
	Sinks []SinkConfig `yaml:"sinks" toml:"sinks"`

	// Breaker tunes the circuit breaker placed in front of every sink.
	Breaker BreakerConfig `yaml:"breaker" toml:"breaker"`
}

// SinkConfig configures one event sink. Which fields apply depends on Type.
type SinkConfig struct {
	Type SinkType `yaml:"type" toml:"type"`

	// Name labels the sink in logs and metrics. Defaults to Type.
	Name string `yaml:"name" toml:"name"`

	// URL lists NATS servers (comma separated).
	URL string `yaml:"url" toml:"url"`

	// Subject is the NATS subject prefix.
	Subject string `yaml:"subject" toml:"subject"`

	// Embedded starts an in-process NATS server on URL's port.
	Embedded bool `yaml:"embedded" toml:"embedded"`

	// Path is the SQLite database file.
	Path string `yaml:"path" toml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" toml:"dsn"`

	// FinalsOnly drops partial events for this sink.
	FinalsOnly bool `yaml:"finals_only" toml:"finals_only"`

	// RetentionHours prunes old SQLite rows on start. Zero keeps all.
	RetentionHours int `yaml:"retention_hours" toml:"retention_hours"`

	Options map[string]any `yaml:"options" toml:"options"`
}

// DisplayName returns Name or, if empty, the sink type.
func (s SinkConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return string(s.Type)
}

// BreakerConfig tunes sink and engine circuit breakers.
type BreakerConfig struct {
	MaxFailures    int `yaml:"max_failures" toml:"max_failures"`
	ResetTimeoutMs int `yaml:"reset_timeout_ms" toml:"reset_timeout_ms"`
	HalfOpenMax    int `yaml:"half_open_max" toml:"half_open_max"`
}

// VocabularyConfig drives the correction of product and company names in
// final transcripts.
type VocabularyConfig struct {
	Terms             []string `yaml:"terms" toml:"terms"`
	PhoneticThreshold float64  `yaml:"phonetic_threshold" toml:"phonetic_threshold"`
	FuzzyThreshold    float64  `yaml:"fuzzy_threshold" toml:"fuzzy_threshold"`
}

// HealthConfig sets the monitor thresholds. They can be changed while
// running.
type HealthConfig struct {
	LatencyBudgetMs int     `yaml:"latency_budget_ms" toml:"latency_budget_ms"`
	PressureRatio   float64 `yaml:"pressure_ratio" toml:"pressure_ratio"`
	PressureSamples int     `yaml:"pressure_samples" toml:"pressure_samples"`
	IntervalMs      int     `yaml:"interval_ms" toml:"interval_ms"`
}

// LatencyBudget returns the budget as a duration.
func (h HealthConfig) LatencyBudget() time.Duration { return ms(h.LatencyBudgetMs) }

// RecordingConfig enables WAV recording of both channels.
type RecordingConfig struct {
	// Dir receives one sub-directory per session. Empty disables recording.
	Dir string `yaml:"dir" toml:"dir"`
}

// ObserveConfig configures telemetry.
type ObserveConfig struct {
	ServiceName string `yaml:"service_name" toml:"service_name"`

	// InstanceID labels this process in telemetry. Defaults to the host name.
	InstanceID string `yaml:"instance_id" toml:"instance_id"`

	// TraceSampleRatio is the fraction of traces recorded, in (0, 1].
	// Zero records every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio" toml:"trace_sample_ratio"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
