// Package vad defines the voice activity detector used by preprocessing.
//
// An [Engine] creates one [SessionHandle] per capture channel. A session
// keeps the smoothing state of one stream (onset counting, hangover, end
// counting), so the primary and counterpart channels never influence each
// other. Sessions are fed canonical frames, one at a time, on the channel's
// processing goroutine and answer synchronously.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate of the frames in Hz. Canonical audio is 16000.
	SampleRate int

	// FrameSizeMs is the duration of every frame passed to ProcessFrame.
	// Sessions reject frames of any other size.
	FrameSizeMs int

	// SpeechThreshold is the probability at which a non-speaking session
	// counts a frame as a speech candidate. Range [0, 1].
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a speaking session
	// counts a frame towards the end of speech. Must not exceed
	// SpeechThreshold.
	SilenceThreshold float64
}

// VADEvent is the smoothed decision for one frame.
type VADEvent struct {
	Type VADEventType

	// Probability is the raw, unsmoothed speech score of the frame (0.0–1.0).
	Probability float64
}

// VADEventType enumerates the smoothed detection states.
type VADEventType int

const (
	// VADSilence indicates no speech.
	VADSilence VADEventType = iota

	// VADSpeechStart marks the frame on which speech was confirmed.
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech, hangover included.
	VADSpeechContinue

	// VADSpeechEnd marks the first frame after speech ended.
	VADSpeechEnd
)

// Voiced reports whether the frame belongs to a speech segment.
func (t VADEventType) Voiced() bool {
	return t == VADSpeechStart || t == VADSpeechContinue
}

func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech"
	case VADSpeechEnd:
		return "speech_end"
	}
	return "unknown"
}

// SessionHandle is the detection state of one stream. Not safe for
// concurrent use.
type SessionHandle interface {
	// ProcessFrame classifies one frame of 16-bit little-endian mono PCM. It
	// returns an error for frames of the wrong size and after Close. It must
	// not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset returns the session to silence, e.g. after a capture reconnect.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine creates VAD sessions. Implementations must be safe for concurrent
// use.
type Engine interface {
	// NewSession returns a session ready for frames, or an error if cfg is
	// invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
