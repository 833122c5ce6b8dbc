// Package recognize turns preprocessed frames into recognition hypotheses.
//
// An [Adapter] owns the recognition state of one channel and drives a
// streaming engine from pkg/provider/stt through the cycle
//
//	Idle → Listening → Finalizing → Idle
//
// A voice-active frame opens an engine stream. Frames are forwarded while
// listening, including the silent ones that follow speech. Sustained
// silence, an over-long utterance or [Adapter.Flush] closes the stream, and
// the adapter emits exactly one final hypothesis for the utterance once the
// engine has drained.
package recognize

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/callscribe/internal/preprocess"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/types"
)

// State is the recognition state of one channel.
type State int

const (
	StateIdle State = iota
	StateListening
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

const (
	DefaultSilenceThreshold = time.Second
	DefaultMaxUtterance     = 15 * time.Second
	DefaultDrainTimeout     = 30 * time.Second
)

// Config configures an [Adapter].
type Config struct {
	Role     types.ChannelRole
	Provider stt.Provider

	// Stream is passed to every StartStream call.
	Stream stt.StreamConfig

	// SilenceThreshold is how long non-voice frames must last before the
	// utterance is finalized. Default: 1s.
	SilenceThreshold time.Duration

	// MaxUtterance forces finalization of very long utterances.
	// Default: 15s.
	MaxUtterance time.Duration

	// DrainTimeout bounds the wait for the engine's last results after the
	// stream is closed. Default: 30s.
	DrainTimeout time.Duration
}

// Adapter drives one engine stream per utterance. It is not safe for
// concurrent use; each channel's recognition goroutine owns one.
type Adapter struct {
	cfg   Config
	state State

	handle    stt.SessionHandle
	partials  <-chan types.Transcript
	finals    <-chan types.Transcript
	utterance uint64

	// Per-utterance state.
	start       time.Duration
	length      time.Duration
	silence     time.Duration
	captured    time.Time
	committed   []string
	confSum     float64
	confN       int
	partial     string
	partialConf float64
	lastEmitted string
}

// New validates cfg and returns an idle Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Provider == nil {
		return nil, errors.New("recognize: provider is required")
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = DefaultMaxUtterance
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Stream.SampleRate == 0 {
		cfg.Stream.SampleRate = audio.Canonical.SampleRate
	}
	if cfg.Stream.Channels == 0 {
		cfg.Stream.Channels = 1
	}
	return &Adapter{cfg: cfg}, nil
}

// State returns the current recognition state.
func (a *Adapter) State() State { return a.state }

// Utterances returns how many utterances have been opened.
func (a *Adapter) Utterances() uint64 { return a.utterance }

// Feed processes one frame and returns the hypotheses it produced. ctx must
// live as long as the channel: engine streams are opened with it.
//
// Errors are *RecognitionError values. After an error the adapter is Idle
// and ready for the next frame; a final produced from partial results may
// still be returned alongside the error.
func (a *Adapter) Feed(ctx context.Context, f preprocess.Frame) ([]types.Hypothesis, error) {
	if a.state == StateIdle {
		if !f.VoiceActive {
			return nil, nil
		}
		if err := a.open(ctx, f); err != nil {
			return nil, err
		}
	}

	if err := a.handle.SendAudio(f.PCM()); err != nil {
		a.abort()
		return nil, a.wrap("send", err)
	}
	dur := time.Duration(len(f.Samples)) * time.Second / time.Duration(a.cfg.Stream.SampleRate)
	a.length += dur
	if !f.Captured.IsZero() {
		a.captured = f.Captured
	}
	if f.VoiceActive {
		a.silence = 0
	} else {
		a.silence += dur
	}

	hyps, ended := a.poll()
	switch {
	case ended:
		final, err := a.finalize()
		if err == nil {
			err = a.wrap("stream", ErrStreamEnded)
		}
		return append(hyps, final...), err
	case a.silence >= a.cfg.SilenceThreshold, a.length >= a.cfg.MaxUtterance:
		final, err := a.finalize()
		return append(hyps, final...), err
	}
	return hyps, nil
}

// Flush force-finalizes an open utterance. It is a no-op when Idle.
func (a *Adapter) Flush(_ context.Context) ([]types.Hypothesis, error) {
	if a.state != StateListening {
		return nil, nil
	}
	hyps, _ := a.poll()
	final, err := a.finalize()
	return append(hyps, final...), err
}

// SetKeywords replaces the keyword boosts. An open engine stream is updated
// when the engine supports it; later utterances start with the new list.
func (a *Adapter) SetKeywords(keywords []types.KeywordBoost) error {
	a.cfg.Stream.Keywords = slices.Clone(keywords)
	if a.handle == nil {
		return nil
	}
	if err := a.handle.SetKeywords(keywords); err != nil && !errors.Is(err, stt.ErrNotSupported) {
		return a.wrap("keywords", err)
	}
	return nil
}

// Close abandons an open utterance without producing a final.
func (a *Adapter) Close() error {
	if a.state == StateIdle {
		return nil
	}
	a.abort()
	return nil
}

func (a *Adapter) open(ctx context.Context, f preprocess.Frame) error {
	h, err := a.cfg.Provider.StartStream(ctx, a.cfg.Stream)
	if err != nil {
		return a.wrap("start", err)
	}
	a.utterance++
	a.handle = h
	a.partials = h.Partials()
	a.finals = h.Finals()
	a.state = StateListening
	a.start = f.Offset
	a.length, a.silence = 0, 0
	a.captured = time.Time{}
	a.committed = a.committed[:0]
	a.confSum, a.confN = 0, 0
	a.partial, a.partialConf, a.lastEmitted = "", 0, ""
	slog.Debug("recognize: utterance opened", "channel", a.cfg.Role, "utterance", a.utterance, "offset", f.Offset)
	return nil
}

// poll collects whatever the engine has produced without blocking. ended
// reports that both result channels were closed.
func (a *Adapter) poll() (hyps []types.Hypothesis, ended bool) {
	for {
		select {
		case tr, ok := <-a.partials:
			if !ok {
				a.partials = nil
				break
			}
			a.partial, a.partialConf = tr.Text, tr.Confidence
		case tr, ok := <-a.finals:
			if !ok {
				a.finals = nil
				break
			}
			a.commit(tr)
		default:
			return hyps, a.partials == nil && a.finals == nil
		}
		if h, ok := a.partialHypothesis(); ok {
			hyps = append(hyps, h)
		}
	}
}

func (a *Adapter) commit(tr types.Transcript) {
	a.partial = ""
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}
	a.committed = append(a.committed, text)
	if tr.Confidence > 0 {
		a.confSum += tr.Confidence
		a.confN++
	}
}

// text is the committed text plus the current partial.
func (a *Adapter) text() string {
	parts := a.committed
	if p := strings.TrimSpace(a.partial); p != "" {
		parts = append(parts[:len(parts):len(parts)], p)
	}
	return strings.Join(parts, " ")
}

// partialHypothesis returns a non-final hypothesis when the utterance text
// changed since the last one.
func (a *Adapter) partialHypothesis() (types.Hypothesis, bool) {
	text := a.text()
	if text == "" || text == a.lastEmitted {
		return types.Hypothesis{}, false
	}
	a.lastEmitted = text
	return a.hypothesis(text, false), true
}

func (a *Adapter) hypothesis(text string, final bool) types.Hypothesis {
	conf := a.partialConf
	if a.confN > 0 && (final || a.partial == "") {
		conf = a.confSum / float64(a.confN)
	}
	return types.Hypothesis{
		Role:       a.cfg.Role,
		Text:       text,
		IsFinal:    final,
		Confidence: min(max(conf, 0), 1),
		Offset:     a.start + a.length,
		Captured:   a.captured,
		Utterance:  a.utterance,
	}
}

// finalize closes the engine stream, drains it and returns the single final
// hypothesis of the utterance. Utterances without any recognised text yield
// no hypothesis.
func (a *Adapter) finalize() ([]types.Hypothesis, error) {
	a.state = StateFinalizing
	h := a.handle
	closeErr := h.Close()

	timer := time.NewTimer(a.cfg.DrainTimeout)
	defer timer.Stop()
	var drainErr error
	for a.partials != nil || a.finals != nil {
		select {
		case tr, ok := <-a.partials:
			if !ok {
				a.partials = nil
				continue
			}
			a.partial, a.partialConf = tr.Text, tr.Confidence
		case tr, ok := <-a.finals:
			if !ok {
				a.finals = nil
				continue
			}
			a.commit(tr)
		case <-timer.C:
			drainErr = ErrDrainTimeout
			a.partials, a.finals = nil, nil
		}
	}

	// Without committed text the last partial stands in for the final.
	text := strings.Join(a.committed, " ")
	if text == "" {
		text = strings.TrimSpace(a.partial)
	}
	a.partial = ""

	var hyps []types.Hypothesis
	if text != "" {
		hyps = append(hyps, a.hypothesis(text, true))
	}
	slog.Debug("recognize: utterance finalized", "channel", a.cfg.Role, "utterance", a.utterance,
		"length", a.length, "text_len", len(text))
	a.reset()

	if err := errors.Join(stt.SessionErr(h), closeErr, drainErr); err != nil {
		return hyps, a.wrap("finalize", err)
	}
	return hyps, nil
}

// abort closes the engine stream and discards its results.
func (a *Adapter) abort() {
	h := a.handle
	partials, finals := a.partials, a.finals
	a.reset()
	if h == nil {
		return
	}
	_ = h.Close()
	if partials != nil {
		go audio.Drain(partials)
	}
	if finals != nil {
		role := a.cfg.Role
		go func() {
			if n := audio.Drain(finals); n > 0 {
				slog.Debug("recognize: discarded finals of aborted utterance", "channel", role, "count", n)
			}
		}()
	}
}

func (a *Adapter) reset() {
	a.state = StateIdle
	a.handle = nil
	a.partials, a.finals = nil, nil
}

func (a *Adapter) wrap(op string, err error) error {
	return &RecognitionError{Role: a.cfg.Role, Op: op, Err: err}
}
