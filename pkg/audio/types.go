package audio

import (
	"fmt"
	"time"

	"github.com/MrWong99/callscribe/pkg/types"
)

// SampleFormat is the encoding of a single interleaved sample.
type SampleFormat int

const (
	// FormatUnknown is the zero value and is never accepted by the converter.
	FormatUnknown SampleFormat = iota
	// FormatU8 is unsigned 8-bit PCM centred on 128.
	FormatU8
	// FormatS16 is signed 16-bit little-endian PCM.
	FormatS16
	// FormatS32 is signed 32-bit little-endian PCM.
	FormatS32
	// FormatF32 is 32-bit little-endian IEEE float in [-1, 1].
	FormatF32
)

// BytesPerSample returns the width of one sample, or 0 for unknown formats.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatU8:
		return 1
	case FormatS16:
		return 2
	case FormatS32, FormatF32:
		return 4
	}
	return 0
}

func (f SampleFormat) String() string {
	switch f {
	case FormatU8:
		return "u8"
	case FormatS16:
		return "s16le"
	case FormatS32:
		return "s32le"
	case FormatF32:
		return "f32le"
	}
	return "unknown"
}

// Format describes the sample encoding, sample rate and channel count of an
// audio stream.
type Format struct {
	Sample     SampleFormat
	SampleRate int
	Channels   int
}

// Canonical is the format consumed by preprocessing and recognition:
// 16 kHz, mono, signed 16-bit.
var Canonical = Format{Sample: FormatS16, SampleRate: 16000, Channels: 1}

// FrameBytes returns the byte size of one interleaved frame (one sample per
// channel).
func (f Format) FrameBytes() int { return f.Sample.BytesPerSample() * f.Channels }

// Validate reports whether f can be converted.
func (f Format) Validate() error {
	if f.Sample.BytesPerSample() == 0 {
		return fmt.Errorf("audio: unsupported sample format %d", f.Sample)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: invalid channel count %d", f.Channels)
	}
	return nil
}

// Duration returns the playback duration of n bytes in this format.
func (f Format) Duration(n int) time.Duration {
	fb := f.FrameBytes()
	if fb == 0 || f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n/fb) * time.Second / time.Duration(f.SampleRate)
}

func (f Format) String() string {
	return fmt.Sprintf("%s %s", f.Sample, formatString(f.SampleRate, f.Channels))
}

// AudioBlock is one buffer of raw samples as delivered by a capture callback.
// A block is created by the capture stream, copied into the ring buffer, and
// consumed exactly once by that channel's converter. It is never mutated
// after creation.
type AudioBlock struct {
	// Data holds interleaved samples encoded as described by Format.
	Data []byte

	// Format is the encoding of Data.
	Format Format

	// Role is the channel this block belongs to.
	Role types.ChannelRole

	// Captured is the time the callback received the block. It carries a
	// monotonic clock reading.
	Captured time.Time

	// Seq is strictly increasing per channel, starting at 1.
	Seq uint64
}

// Duration returns the playback duration of the block.
func (b AudioBlock) Duration() time.Duration { return b.Format.Duration(len(b.Data)) }
