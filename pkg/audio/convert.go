package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// ErrMisaligned is returned by [Converter.Convert] when a block's byte length
// is not a whole number of frames.
var ErrMisaligned = errors.New("audio: block length is not frame aligned")

// Converter normalises [AudioBlock] values to a target format: bit depth
// first, then mono downmix, then sample-rate conversion by linear
// interpolation.
//
// The resampler keeps continuation state (fractional read position and the
// last input sample) so consecutive blocks join without clicks. Create one
// Converter per channel; it is not designed for shared use across goroutines.
type Converter struct {
	Target Format

	rs             resampler
	warnedMismatch sync.Once
	scratch        []float32
}

// NewConverter returns a Converter producing target. Only mono targets are
// supported.
func NewConverter(target Format) *Converter {
	return &Converter{Target: target}
}

// Convert returns the block's audio as target-format samples. If the block is
// already in the target format its samples are decoded and returned unchanged.
// The returned slice is freshly allocated and owned by the caller.
func (c *Converter) Convert(b AudioBlock) ([]int16, error) {
	if err := b.Format.Validate(); err != nil {
		return nil, err
	}
	fb := b.Format.FrameBytes()
	if len(b.Data)%fb != 0 {
		return nil, fmt.Errorf("%w: %d bytes, %d bytes per frame", ErrMisaligned, len(b.Data), fb)
	}

	// Fast path: source matches target.
	if b.Format == c.Target {
		return PCMSamples(b.Data), nil
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format converter: converting",
			"from", b.Format.String(),
			"to", c.Target.String(),
			"channel", b.Role,
		)
	})

	mono := c.downmix(b.Data, b.Format)
	if b.Format.SampleRate != c.Target.SampleRate {
		c.rs.setRates(b.Format.SampleRate, c.Target.SampleRate)
		mono = c.rs.process(mono)
	}

	out := make([]int16, len(mono))
	for i, v := range mono {
		out[i] = floatToS16(v)
	}
	return out, nil
}

// Reset clears the resampler continuation state, e.g. after a device
// reconnect where the new stream does not continue the old one.
func (c *Converter) Reset() {
	c.rs = resampler{}
}

// downmix decodes interleaved samples to float32 in [-1, 1] and averages all
// channels into one. The result aliases an internal scratch buffer.
func (c *Converter) downmix(data []byte, f Format) []float32 {
	bps := f.Sample.BytesPerSample()
	frames := len(data) / (bps * f.Channels)
	if cap(c.scratch) < frames {
		c.scratch = make([]float32, frames)
	}
	out := c.scratch[:frames]
	inv := 1 / float32(f.Channels)
	for i := range frames {
		var sum float32
		base := i * bps * f.Channels
		for ch := range f.Channels {
			sum += decodeSample(data[base+ch*bps:], f.Sample)
		}
		out[i] = sum * inv
	}
	return out
}

func decodeSample(b []byte, f SampleFormat) float32 {
	switch f {
	case FormatU8:
		return (float32(b[0]) - 128) / 128
	case FormatS16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
	case FormatS32:
		return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
	case FormatF32:
		v := math.Float32frombits(binary.LittleEndian.Uint32(b))
		if v != v { // NaN
			return 0
		}
		return v
	}
	return 0
}

func floatToS16(v float32) int16 {
	s := v * 32767
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int16(s)
}

// resampler is a streaming linear-interpolation sample-rate converter.
// pos is the read position of the next output sample relative to the start
// of the next input block; it lies in [-1, 0) when the next output falls
// between the previous block's last sample and the new block's first.
type resampler struct {
	src, dst int
	pos      float64
	prev     float32
}

func (r *resampler) setRates(src, dst int) {
	if r.src != src || r.dst != dst {
		*r = resampler{src: src, dst: dst}
	}
}

func (r *resampler) process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	step := float64(r.src) / float64(r.dst)
	last := float64(len(in) - 1)
	out := make([]float32, 0, int(float64(len(in))/step)+2)
	for r.pos < last {
		idx := int(math.Floor(r.pos))
		frac := float32(r.pos - float64(idx))
		var s0 float32
		if idx < 0 {
			s0 = r.prev
		} else {
			s0 = in[idx]
		}
		s1 := in[idx+1]
		out = append(out, s0+(s1-s0)*frac)
		r.pos += step
	}
	r.pos -= float64(len(in))
	r.prev = in[len(in)-1]
	return out
}

// PCMSamples decodes little-endian signed 16-bit PCM. A trailing odd byte is
// ignored.
func PCMSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCMBytes encodes samples as little-endian signed 16-bit PCM.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
