// Package types defines the shared types used across all callscribe packages.
//
// These types form the lingua franca between capture, recognition, emission
// and the health monitor. They are intentionally minimal: each package defines
// its own domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

import (
	"fmt"
	"time"
)

// ChannelRole identifies which side of the conversation an audio channel
// carries.
type ChannelRole string

const (
	// RolePrimary is the local user's microphone.
	RolePrimary ChannelRole = "primary"

	// RoleCounterpart is the remote party, captured from the system output
	// through a loopback device.
	RoleCounterpart ChannelRole = "counterpart"

	// RoleUnassigned marks devices that were not classified for either channel.
	RoleUnassigned ChannelRole = "unassigned"
)

// IsValid reports whether r is a recognised channel role.
func (r ChannelRole) IsValid() bool {
	switch r {
	case RolePrimary, RoleCounterpart, RoleUnassigned:
		return true
	}
	return false
}

// IsUser reports whether r carries the local user's voice.
func (r ChannelRole) IsUser() bool { return r == RolePrimary }

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available (Deepgram).
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a keyword to boost in STT recognition.
// Used to improve recognition of product names, company names and jargon.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Salesforce").
	Keyword string `yaml:"keyword" toml:"keyword"`

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64 `yaml:"boost" toml:"boost"`
}

// Hypothesis is a single recognition result produced by the recognition
// adapter for one channel. Hypotheses are immutable once created.
type Hypothesis struct {
	// Role is the channel the audio came from.
	Role ChannelRole

	// Text is the utterance text recognised so far (partial) or in full (final).
	Text string

	// RawText holds the recogniser's wording when vocabulary correction
	// changed Text. Empty otherwise.
	RawText string

	// IsFinal is true exactly once per utterance.
	IsFinal bool

	// Confidence is in [0.0, 1.0].
	Confidence float64

	// Offset is the recogniser-side position of the hypothesis, measured
	// from the start of the channel stream.
	Offset time.Duration

	// Captured is the capture time of the most recent audio that contributed
	// to this hypothesis. It carries a monotonic clock reading and is used for
	// end-to-end latency measurement.
	Captured time.Time

	// Utterance numbers utterances within a channel, starting at 1.
	Utterance uint64
}

// TranscriptionEvent is the unit delivered to downstream consumers. It is
// created by the emitter from a [Hypothesis] and never modified afterwards.
type TranscriptionEvent struct {
	EventID     string      `json:"event_id"`
	SessionID   string      `json:"session_id"`
	ChunkID     uint64      `json:"chunk_id"`
	Channel     ChannelRole `json:"channel"`
	IsUser      bool        `json:"is_user"`
	Text        string      `json:"text"`
	RawText     string      `json:"raw_text,omitempty"`
	IsFinal     bool        `json:"is_final"`
	Confidence  float64     `json:"confidence"`
	TimestampMs int64       `json:"timestamp_ms"`

	// Captured is the capture time of the audio that triggered the event.
	// Not serialised; used by the health monitor.
	Captured time.Time `json:"-"`
}

// String returns a compact human-readable form for logs.
func (e TranscriptionEvent) String() string {
	kind := "partial"
	if e.IsFinal {
		kind = "final"
	}
	return fmt.Sprintf("%s #%d %s %s: %q", e.SessionID, e.ChunkID, e.Channel, kind, e.Text)
}

// AudioLevels holds the most recent level meter reading for both channels,
// on a 0–100 scale.
type AudioLevels struct {
	User     float64 `json:"user"`
	Prospect float64 `json:"prospect"`
}
