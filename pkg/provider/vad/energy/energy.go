// Package energy provides a [vad.Engine] that needs no model: a frame is a
// speech candidate when its RMS level exceeds a dBFS threshold and its
// spectrum is not flat like broadband noise. Candidates are smoothed with
// start, end and hangover frame counts so short clicks do not open an
// utterance and short pauses do not close one.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/callscribe/pkg/provider/vad"
)

// Options configures the detector.
type Options struct {
	// ThresholdDB is the level at which a frame has speech probability 0.5.
	// Default: -45.
	ThresholdDB float64

	// FlatnessMax is the highest spectral flatness still treated as voice.
	// Default: 0.6.
	FlatnessMax float64

	// StartFrames is the number of consecutive speech candidates needed to
	// enter speech. Default: 3.
	StartFrames int

	// EndFrames is the number of consecutive non-speech frames needed to
	// leave speech. Default: 10.
	EndFrames int

	// HangoverFrames are granted after speech onset; the first non-speech
	// frames consume them before any end counting matters. Default: 5.
	HangoverFrames int
}

// DefaultOptions returns the default detector settings.
func DefaultOptions() Options {
	return Options{
		ThresholdDB:    -45,
		FlatnessMax:    0.6,
		StartFrames:    3,
		EndFrames:      10,
		HangoverFrames: 5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ThresholdDB == 0 {
		o.ThresholdDB = d.ThresholdDB
	}
	if o.FlatnessMax == 0 {
		o.FlatnessMax = d.FlatnessMax
	}
	if o.StartFrames == 0 {
		o.StartFrames = d.StartFrames
	}
	if o.EndFrames == 0 {
		o.EndFrames = d.EndFrames
	}
	if o.HangoverFrames == 0 {
		o.HangoverFrames = d.HangoverFrames
	}
	return o
}

// Engine creates energy VAD sessions. It is stateless and safe for
// concurrent use.
type Engine struct {
	opts Options
}

// New returns an Engine. Zero option fields take their defaults.
func New(opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	var errs []error
	if opts.ThresholdDB >= 0 || opts.ThresholdDB < -120 {
		errs = append(errs, fmt.Errorf("threshold_db %.1f must be in [-120, 0)", opts.ThresholdDB))
	}
	if opts.FlatnessMax <= 0 || opts.FlatnessMax > 1 {
		errs = append(errs, fmt.Errorf("flatness_max %.2f must be in (0, 1]", opts.FlatnessMax))
	}
	if opts.StartFrames < 1 || opts.EndFrames < 1 || opts.HangoverFrames < 0 {
		errs = append(errs, errors.New("frame counts must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("energy vad: %w", err)
	}
	return &Engine{opts: opts}, nil
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// NewSession implements [vad.Engine]. Frames must be 16-bit little-endian
// mono PCM. SpeechThreshold and SilenceThreshold default to 0.5 and 0.35.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy vad: invalid sample rate %d or frame size %dms", cfg.SampleRate, cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = 0.5
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = 0.35
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy vad: silence threshold %.2f above speech threshold %.2f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	n := cfg.SampleRate * cfg.FrameSizeMs / 1000
	return &Session{
		cfg:      cfg,
		opts:     e.opts,
		samples:  n,
		analyzer: NewAnalyzer(n),
		scratch:  make([]float64, n),
	}, nil
}

// Session tracks the smoothing state of one audio stream.
type Session struct {
	cfg      vad.Config
	opts     Options
	samples  int
	analyzer *Analyzer
	scratch  []float64

	mu       sync.Mutex
	closed   bool
	speaking bool
	speech   int // consecutive speech candidates
	silence  int // consecutive non-speech frames
	hangover int
	last     Reading
}

// Reading is the raw measurement of the most recent frame.
type Reading struct {
	DBFS        float64
	Flatness    float64
	Probability float64
	Candidate   bool
}

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy vad: session closed")

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrClosed
	}
	if len(frame) != s.samples*2 {
		return vad.VADEvent{}, fmt.Errorf("energy vad: frame is %d bytes, want %d", len(frame), s.samples*2)
	}
	for i := range s.scratch {
		s.scratch[i] = float64(int16(binary.LittleEndian.Uint16(frame[2*i:]))) / 32768
	}

	db := DBFS(s.scratch)
	flat := Flatness(s.analyzer.Spectrum(s.scratch))
	prob := math.Min(1, math.Max(0, 0.5+(db-s.opts.ThresholdDB)/20))

	// Hysteresis: once speaking, a frame only counts as silence below the
	// lower threshold.
	thr := s.cfg.SpeechThreshold
	if s.speaking {
		thr = s.cfg.SilenceThreshold
	}
	candidate := prob >= thr && flat <= s.opts.FlatnessMax
	s.last = Reading{DBFS: db, Flatness: flat, Probability: prob, Candidate: candidate}

	was := s.speaking
	s.update(candidate)

	ev := vad.VADEvent{Probability: prob}
	switch {
	case !was && s.speaking:
		ev.Type = vad.VADSpeechStart
	case was && s.speaking:
		ev.Type = vad.VADSpeechContinue
	case was && !s.speaking:
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

func (s *Session) update(candidate bool) {
	if candidate {
		s.speech++
		s.silence = 0
		if !s.speaking && s.speech >= s.opts.StartFrames {
			s.speaking = true
			s.hangover = s.opts.HangoverFrames
		}
		return
	}
	s.silence++
	s.speech = 0
	if !s.speaking {
		return
	}
	if s.hangover > 0 {
		s.hangover--
	} else if s.silence >= s.opts.EndFrames {
		s.speaking = false
	}
}

// Last returns the measurement of the most recent frame.
func (s *Session) Last() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.speech, s.silence, s.hangover = 0, 0, 0
	s.last = Reading{}
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ensure Engine and Session implement the vad interfaces at compile time.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
