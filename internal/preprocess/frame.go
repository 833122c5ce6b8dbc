package preprocess

import (
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/vad"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Frame is one fixed-duration window of canonical audio after
// preprocessing. Frames are created by the [Preprocessor] and never
// modified afterwards.
type Frame struct {
	Role types.ChannelRole

	// Samples holds the processed 16-bit mono samples.
	Samples []int16

	// Seq numbers frames within the channel, starting at 1.
	Seq uint64

	// Offset is the position of the first sample from the start of the
	// channel stream.
	Offset time.Duration

	// Captured is the capture time of the newest audio block that
	// contributed to the frame.
	Captured time.Time

	// RMS is the root-mean-square level of the denoised frame in [0, 1].
	RMS float64

	// ZCR is the zero-crossing rate in crossings per sample.
	ZCR float64

	// Flatness is the spectral flatness of the denoised frame in [0, 1].
	Flatness float64

	// Level is the input level meter reading in [0, 100].
	Level float64

	// VoiceActive is the smoothed voice activity decision.
	VoiceActive bool

	// VAD is the raw event reported by the VAD session.
	VAD vad.VADEventType

	// Substituted marks a silence frame that replaced malformed input or a
	// failed processing stage.
	Substituted bool
}

// PCM returns the samples as little-endian bytes.
func (f Frame) PCM() []byte { return audio.PCMBytes(f.Samples) }
