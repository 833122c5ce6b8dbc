package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/callscribe/internal/config"
)

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: verbose\n",
			mention: "log_level",
		},
		{
			name:    "invalid log format",
			yaml:    "server:\n  log_format: xml\n",
			mention: "log_format",
		},
		{
			name:    "tls without key",
			yaml:    "server:\n  tls:\n    cert_file: a.pem\n",
			mention: "key_file",
		},
		{
			name:    "non canonical sample rate",
			yaml:    "audio:\n  sample_rate: 44100\n",
			mention: "sample_rate",
		},
		{
			name:    "frame too long",
			yaml:    "audio:\n  frame_ms: 100\n",
			mention: "frame_ms",
		},
		{
			name:    "ring smaller than block",
			yaml:    "audio:\n  ring_buffer_ms: 5\ncapture:\n  block_ms: 10\n",
			mention: "ring_buffer_ms",
		},
		{
			name:    "backoff above max",
			yaml:    "capture:\n  reconnect:\n    backoff_ms: 5000\n    max_backoff_ms: 1000\n",
			mention: "backoff_ms",
		},
		{
			name:    "noise floor out of range",
			yaml:    "preprocess:\n  noise_floor: 2\n",
			mention: "noise_floor",
		},
		{
			name:    "engine without name",
			yaml:    "recognizer:\n  engines:\n    - model: x\n",
			mention: "name is required",
		},
		{
			name:    "duplicate engine",
			yaml:    "recognizer:\n  engines:\n    - name: mock\n    - name: mock\n",
			mention: "duplicates",
		},
		{
			name:    "silence above max utterance",
			yaml:    "recognizer:\n  silence_threshold_ms: 20000\n  max_utterance_ms: 10000\n",
			mention: "silence_threshold_ms",
		},
		{
			name:    "empty keyword",
			yaml:    "recognizer:\n  keywords:\n    - boost: 1\n",
			mention: "keyword is required",
		},
		{
			name:    "unknown sink type",
			yaml:    "emitter:\n  sinks:\n    - type: kafka\n",
			mention: "type",
		},
		{
			name:    "duplicate sink name",
			yaml:    "emitter:\n  sinks:\n    - type: log\n    - type: log\n",
			mention: "duplicate",
		},
		{
			name:    "nats without url",
			yaml:    "emitter:\n  sinks:\n    - type: nats\n",
			mention: "url is required",
		},
		{
			name:    "sqlite without path",
			yaml:    "emitter:\n  sinks:\n    - type: sqlite\n",
			mention: "path is required",
		},
		{
			name:    "postgres without dsn",
			yaml:    "emitter:\n  sinks:\n    - type: postgres\n",
			mention: "dsn is required",
		},
		{
			name:    "fuzzy threshold out of range",
			yaml:    "vocabulary:\n  fuzzy_threshold: 1.5\n",
			mention: "fuzzy_threshold",
		},
		{
			name:    "pressure ratio out of range",
			yaml:    "health:\n  pressure_ratio: 3\n",
			mention: "pressure_ratio",
		},
		{
			name:    "sample ratio above one",
			yaml:    "observe:\n  trace_sample_ratio: 1.5\n",
			mention: "trace_sample_ratio",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error should mention %q, got: %v", tt.mention, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
  log_format: xml
health:
  pressure_ratio: 2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "log_format", "pressure_ratio"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_EmbeddedNATSNeedsNoURL(t *testing.T) {
	t.Parallel()
	yaml := `
emitter:
  sinks:
    - type: nats
      embedded: true
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_UnknownProviderNameOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
capture:
  backend:
    name: pulseaudio
recognizer:
  engines:
    - name: my-custom-engine
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider names should not fail validation: %v", err)
	}
}
