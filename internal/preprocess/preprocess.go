// Package preprocess cleans canonical audio before recognition. Each channel
// owns one [Preprocessor], which cuts the incoming sample stream into fixed
// frames and runs them through three stages:
//
//  1. noise reduction by spectral subtraction against an adaptive noise
//     estimate,
//  2. voice activity detection through a [vad.SessionHandle],
//  3. speech-band enhancement.
//
// Frames without voice are tagged, not dropped. A frame that cannot be
// processed is replaced by silence of the same length so downstream timing
// stays intact.
package preprocess

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/vad"
	"github.com/MrWong99/callscribe/pkg/provider/vad/energy"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Config configures a [Preprocessor].
type Config struct {
	Role types.ChannelRole

	// SampleRate of the canonical input. Default: 16000.
	SampleRate int

	// FrameMs is the frame duration. Default: 20.
	FrameMs int

	// NoiseStrength scales the subtracted noise estimate. 0 disables noise
	// reduction.
	NoiseStrength float64

	// NoiseFloor is the fraction of each bin's magnitude that always
	// survives subtraction. Must be in (0, 1] when noise reduction is on.
	NoiseFloor float64

	// Enhance enables speech-band weighting.
	Enhance bool

	// VAD carries the detection thresholds. SampleRate and FrameSizeMs are
	// filled in from this Config.
	VAD vad.Config
}

// Preprocessor turns canonical samples into [Frame] values for one channel.
// It is not safe for concurrent use.
type Preprocessor struct {
	cfg     Config
	samples int
	session vad.SessionHandle

	sp    *spectral
	nr    *noiseReducer
	gains []float64

	pending  []int16
	seq      uint64
	voice    bool
	pcm      []byte
	x        []float64
	denoised []complex128
	enhanced []complex128

	substituted atomic.Uint64

	warnMu sync.Mutex
	warned map[string]bool
}

// New creates a Preprocessor that detects voice with a session from engine.
func New(cfg Config, engine vad.Engine) (*Preprocessor, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.Canonical.SampleRate
	}
	if cfg.FrameMs == 0 {
		cfg.FrameMs = 20
	}
	n := cfg.SampleRate * cfg.FrameMs / 1000
	if n < 2 {
		return nil, fmt.Errorf("preprocess: frame of %dms at %d Hz is too short", cfg.FrameMs, cfg.SampleRate)
	}
	if cfg.NoiseStrength < 0 {
		return nil, fmt.Errorf("preprocess: noise strength %.2f must not be negative", cfg.NoiseStrength)
	}
	if cfg.NoiseStrength > 0 && (cfg.NoiseFloor <= 0 || cfg.NoiseFloor > 1) {
		return nil, fmt.Errorf("preprocess: noise floor %.3f must be in (0, 1]", cfg.NoiseFloor)
	}
	if engine == nil {
		return nil, fmt.Errorf("preprocess: vad engine is required")
	}

	vcfg := cfg.VAD
	vcfg.SampleRate = cfg.SampleRate
	vcfg.FrameSizeMs = cfg.FrameMs
	session, err := engine.NewSession(vcfg)
	if err != nil {
		return nil, fmt.Errorf("preprocess: open vad session: %w", err)
	}

	p := &Preprocessor{
		cfg:      cfg,
		samples:  n,
		session:  session,
		sp:       newSpectral(n),
		gains:    bandGains(n, cfg.SampleRate),
		pcm:      make([]byte, 2*n),
		x:        make([]float64, n),
		denoised: make([]complex128, n/2+1),
		enhanced: make([]complex128, n/2+1),
		warned:   make(map[string]bool),
	}
	if cfg.NoiseStrength > 0 {
		p.nr = newNoiseReducer(n/2+1, cfg.NoiseStrength, cfg.NoiseFloor)
	}
	return p, nil
}

// FrameSamples returns the number of samples per frame.
func (p *Preprocessor) FrameSamples() int { return p.samples }

// Push appends samples captured at captured and returns every complete frame
// now available. Leftover samples wait for the next call.
func (p *Preprocessor) Push(samples []int16, captured time.Time) []Frame {
	p.pending = append(p.pending, samples...)
	var frames []Frame
	for len(p.pending) >= p.samples {
		frames = append(frames, p.Process(p.pending[:p.samples], captured))
		p.pending = p.pending[p.samples:]
	}
	// Compact so the backing array does not grow without bound.
	if len(p.pending) > 0 && cap(p.pending) > 4*p.samples {
		p.pending = append([]int16(nil), p.pending...)
	}
	return frames
}

// Flush pads any buffered samples with silence to a full frame and returns
// it. It returns no frames when nothing is buffered.
func (p *Preprocessor) Flush(captured time.Time) []Frame {
	if len(p.pending) == 0 {
		return nil
	}
	buf := make([]int16, p.samples)
	copy(buf, p.pending)
	p.pending = p.pending[:0]
	return []Frame{p.Process(buf, captured)}
}

// Process runs one frame through all stages. A frame of the wrong length or
// one that fails a stage yields a substituted silence frame.
func (p *Preprocessor) Process(samples []int16, captured time.Time) Frame {
	p.seq++
	f := Frame{
		Role:     p.cfg.Role,
		Seq:      p.seq,
		Offset:   time.Duration(p.seq-1) * time.Duration(p.samples) * time.Second / time.Duration(p.cfg.SampleRate),
		Captured: captured,
	}
	if len(samples) != p.samples {
		p.warnOnce("length", "malformed frame replaced by silence",
			"got", len(samples), "want", p.samples)
		return p.substitute(f)
	}

	var abs float64
	for i, s := range samples {
		p.x[i] = float64(s) / 32768
		abs += math.Abs(p.x[i])
	}
	f.Level = math.Min(100, abs/float64(p.samples)*100)

	// 1. Noise reduction.
	spec := p.sp.forward(p.x)
	y := p.x
	if p.nr != nil {
		p.nr.apply(spec, p.denoised, !p.voice)
		y = p.sp.inverse(p.denoised)
		spec = p.denoised
	} else {
		copy(p.denoised, spec)
	}
	if hasNaN(y) {
		p.warnOnce("nan", "noise reduction produced invalid samples; frame replaced by silence")
		return p.substitute(f)
	}
	f.Flatness = energy.Flatness(spec)
	f.RMS, f.ZCR = rmsZCR(y)

	// 2. Voice activity on the denoised signal.
	encodeS16(p.pcm, y)
	ev, err := p.session.ProcessFrame(p.pcm)
	if err != nil {
		p.warnOnce("vad", "voice activity detection failed; frame replaced by silence", "err", err)
		return p.substitute(f)
	}
	f.VAD = ev.Type
	f.VoiceActive = ev.Type.Voiced()
	p.voice = f.VoiceActive

	// 3. Enhancement, regardless of voice activity.
	out := y
	if p.cfg.Enhance {
		weight(p.denoised, p.enhanced, p.gains)
		out = p.sp.inverse(p.enhanced)
		if hasNaN(out) {
			p.warnOnce("enhance", "enhancement produced invalid samples; frame replaced by silence")
			return p.substitute(f)
		}
	}
	f.Samples = toS16(out)
	return f
}

func (p *Preprocessor) substitute(f Frame) Frame {
	p.substituted.Add(1)
	f.Samples = make([]int16, p.samples)
	f.Substituted = true
	f.VoiceActive = false
	f.VAD = vad.VADSilence
	f.RMS, f.ZCR, f.Flatness = 0, 0, 0
	return f
}

// Substituted returns the number of frames replaced by silence.
func (p *Preprocessor) Substituted() uint64 { return p.substituted.Load() }

// Reset clears buffered samples, the noise estimate and VAD state, e.g.
// after a device reconnect. Frame numbering continues.
func (p *Preprocessor) Reset() {
	p.pending = p.pending[:0]
	p.voice = false
	if p.nr != nil {
		p.nr.reset()
	}
	p.session.Reset()
}

// Close releases the VAD session.
func (p *Preprocessor) Close() error {
	return p.session.Close()
}

// warnOnce logs the first occurrence of each problem kind.
func (p *Preprocessor) warnOnce(kind, msg string, args ...any) {
	p.warnMu.Lock()
	seen := p.warned[kind]
	p.warned[kind] = true
	p.warnMu.Unlock()
	if seen {
		return
	}
	slog.Warn("preprocess: "+msg, append([]any{"channel", p.cfg.Role, "kind", kind}, args...)...)
}

func hasNaN(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func rmsZCR(x []float64) (rms, zcr float64) {
	var sum float64
	var crossings int
	for i, v := range x {
		sum += v * v
		if i > 0 && (v >= 0) != (x[i-1] >= 0) {
			crossings++
		}
	}
	return math.Sqrt(sum / float64(len(x))), float64(crossings) / float64(len(x))
}

func clampS16(v float64) int16 {
	s := math.Round(v * 32768)
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	}
	return int16(s)
}

func toS16(x []float64) []int16 {
	out := make([]int16, len(x))
	for i, v := range x {
		out[i] = clampS16(v)
	}
	return out
}

func encodeS16(dst []byte, x []float64) {
	for i, v := range x {
		s := uint16(clampS16(v))
		dst[2*i] = byte(s)
		dst[2*i+1] = byte(s >> 8)
	}
}
