// Package stt defines the Provider interface for speech recognition engines.
//
// An engine wraps a transcription backend (a local whisper.cpp server, the
// whisper.cpp library itself, an external command, or a streaming cloud
// service) behind a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts canonical PCM audio and emits
// two streams of Transcript values, low-latency partials and committed
// finals.
//
// The recognition adapter opens one session per utterance and closes it when
// the utterance ends, so engines that only produce results after seeing the
// whole utterance (batch engines) fit the same interface as streaming ones.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/callscribe/pkg/types"
)

// ErrNotSupported is returned by optional operations an engine does not
// implement, such as mid-session keyword updates.
var ErrNotSupported = errors.New("stt: operation not supported")

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Callscribe always sends
	// canonical 16 kHz audio.
	SampleRate int

	// Channels is the number of audio channels. Always 1 for canonical audio.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the engine auto-detect, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for product names, company names and jargon.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open recognition session.
//
// Callers must call Close when the session is no longer needed. Failing to
// do so may leak goroutines and network connections inside the engine.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of little-endian 16-bit PCM to the engine.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a channel of interim Transcript values. The channel is
	// closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a channel of committed Transcript values. The channel is
	// closed when the session ends.
	Finals() <-chan types.Transcript

	// SetKeywords replaces the active keyword boost list without restarting
	// the session. Engines that cannot do this return ErrNotSupported.
	SetKeywords(keywords []types.KeywordBoost) error

	// Close flushes any pending audio, lets the engine produce its last
	// results and releases all resources. Both channels are closed once the
	// engine is done. Calling Close more than once is safe and returns nil.
	Close() error
}

// ErrorReporter is implemented by sessions that can fail asynchronously,
// after SendAudio already returned (an inference call, a dropped websocket).
// Err returns the first such failure, or nil. It is meaningful once the
// result channels are closed.
type ErrorReporter interface {
	Err() error
}

// SessionErr returns the asynchronous failure recorded by h, if h reports
// one.
func SessionErr(h SessionHandle) error {
	if r, ok := h.(ErrorReporter); ok {
		return r.Err()
	}
	return nil
}

// Provider is the abstraction over any recognition engine.
//
// Implementations must be safe for concurrent use; both channels open
// sessions on the same Provider.
type Provider interface {
	// StartStream opens a new recognition session with the given audio format
	// and configuration. The returned SessionHandle accepts audio immediately.
	//
	// Returns an error if the engine cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
