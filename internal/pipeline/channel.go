// Package pipeline runs the processing chain of one audio channel:
//
//	capture stream → ring buffer → converter → preprocessor
//	    → frame queue → recognition adapter → corrector → emitter
//
// Each [Channel] owns two goroutines in an errgroup. The processing
// goroutine pops capture blocks, converts them to canonical audio and cuts
// preprocessed frames into a bounded queue. The recognition goroutine feeds
// those frames to the adapter and emits every hypothesis. Nothing is shared
// between channels except the emitter, the monitor and the corrector, which
// are safe for concurrent use.
//
// [Channel.Stop] drains: capture stops first, the ring buffer is closed and
// emptied, the frame queue is closed and emptied, and the adapter finalizes
// any open utterance.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callscribe/internal/emit"
	"github.com/MrWong99/callscribe/internal/health"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/preprocess"
	"github.com/MrWong99/callscribe/internal/recognize"
	"github.com/MrWong99/callscribe/internal/recording"
	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/audio/capture"
	"github.com/MrWong99/callscribe/pkg/audio/device"
	"github.com/MrWong99/callscribe/pkg/provider/vad"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Stage names reported to the monitor.
const (
	StageConvert    = "convert"
	StagePreprocess = "preprocess"
	StageRecognize  = "recognize"
	StageEmit       = "emit"
)

// Defaults for zero [Config] fields.
const (
	DefaultRingSpan   = 500 * time.Millisecond
	DefaultBlock      = 10 * time.Millisecond
	DefaultPopTimeout = 50 * time.Millisecond
	DefaultFrameQueue = 256
)

// Config configures one channel.
type Config struct {
	Role    types.ChannelRole
	Backend device.Backend
	Device  device.AudioDevice

	// Hint is the preferred capture format. Zero lets the backend choose.
	Hint audio.Format

	// RingSpan is how much audio the ring buffer holds, and Block the
	// expected capture block duration used to size it.
	RingSpan time.Duration
	Block    time.Duration

	// PopTimeout bounds each wait on the ring buffer.
	PopTimeout time.Duration

	// FrameQueue is the capacity of the queue between preprocessing and
	// recognition.
	FrameQueue int

	Reconnect capture.ReconnectConfig

	// Preprocess configures the preprocessor. Role is filled in.
	Preprocess preprocess.Config
	VAD        vad.Engine

	// Recognizer configures the adapter. Role is filled in.
	Recognizer recognize.Config

	// Emitter receives every hypothesis. Required.
	Emitter *emit.Emitter

	// Corrector, if set, rewrites final text against the vocabulary.
	Corrector *transcript.Corrector

	// Monitor, if set, receives stage timings, levels and errors.
	Monitor *health.Monitor

	// Metrics, if set, records capture and preprocessing counters.
	Metrics *observe.Metrics

	// Recorder, if set, receives the canonical samples of the channel.
	Recorder *recording.Recorder

	// OnCaptureEvent is called for every capture stream event after the
	// monitor saw it. It runs on the reconnect goroutine and must not call
	// [Channel.Stop] synchronously.
	OnCaptureEvent func(capture.Event)
}

// Channel is a running pipeline for one capture device.
type Channel struct {
	cfg    Config
	ring   *audio.RingBuffer
	conv   *audio.Converter
	pre    *preprocess.Preprocessor
	rec    *recognize.Adapter
	stream *capture.Stream
	frames chan preprocess.Frame

	g      *errgroup.Group
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	keywords   atomic.Pointer[[]types.KeywordBoost]
	hypotheses atomic.Uint64

	// resetFrom is the first sequence number captured after a device loss,
	// zero when no reset is pending. process resets the converter and
	// preprocessor when it reaches that block.
	resetFrom atomic.Uint64
	resets    atomic.Uint64

	stopOnce sync.Once
	stopErr  error
}

// Start builds the channel's stages, opens the capture device and starts
// processing. The channel runs until [Channel.Stop] or until ctx is
// cancelled, which aborts without draining.
//
// Capture errors are returned as they come from [capture.Start]: a
// *capture.StreamError wrapping [capture.ErrDeviceBusy],
// [device.ErrFormatUnsupported] or the backend's open error.
func Start(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.Emitter == nil {
		return nil, errors.New("pipeline: emitter is required")
	}
	if cfg.RingSpan <= 0 {
		cfg.RingSpan = DefaultRingSpan
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = DefaultPopTimeout
	}
	if cfg.FrameQueue <= 0 {
		cfg.FrameQueue = DefaultFrameQueue
	}
	cfg.Preprocess.Role = cfg.Role
	cfg.Recognizer.Role = cfg.Role

	pre, err := preprocess.New(cfg.Preprocess, cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %s: %w", cfg.Role, err)
	}
	rec, err := recognize.New(cfg.Recognizer)
	if err != nil {
		_ = pre.Close()
		return nil, fmt.Errorf("pipeline: %s: %w", cfg.Role, err)
	}

	c := &Channel{
		cfg:    cfg,
		ring:   audio.NewRingBuffer(audio.CapacityFor(cfg.RingSpan, cfg.Block)),
		conv:   audio.NewConverter(audio.Canonical),
		pre:    pre,
		rec:    rec,
		frames: make(chan preprocess.Frame, cfg.FrameQueue),
		done:   make(chan struct{}),
	}

	stream, err := capture.Start(ctx, capture.Config{
		Backend:   cfg.Backend,
		Device:    cfg.Device,
		Role:      cfg.Role,
		Hint:      cfg.Hint,
		Ring:      c.ring,
		Reconnect: cfg.Reconnect,
		OnEvent:   c.onCaptureEvent,
	})
	if err != nil {
		_ = pre.Close()
		_ = rec.Close()
		return nil, err
	}
	c.stream = stream
	if cfg.Monitor != nil {
		cfg.Monitor.Register(cfg.Role, c.ring)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	c.g = g
	g.Go(func() error { return c.process(gctx) })
	g.Go(func() error { return c.recognize(gctx) })
	go func() {
		c.err = g.Wait()
		close(c.done)
	}()

	slog.Info("pipeline: channel started",
		"channel", cfg.Role,
		"device", cfg.Device.ID,
		"format", stream.Format().String(),
		"ring_blocks", c.ring.Cap(),
	)
	return c, nil
}

// Role returns the channel role.
func (c *Channel) Role() types.ChannelRole { return c.cfg.Role }

// Device returns the captured device.
func (c *Channel) Device() device.AudioDevice { return c.cfg.Device }

// Ring returns the channel's ring buffer.
func (c *Channel) Ring() *audio.RingBuffer { return c.ring }

// Hypotheses returns how many hypotheses were handed to the emitter.
func (c *Channel) Hypotheses() uint64 { return c.hypotheses.Load() }

// Resets returns how many times the stage state was reset after a device
// reconnect.
func (c *Channel) Resets() uint64 { return c.resets.Load() }

// Done is closed once both goroutines have returned.
func (c *Channel) Done() <-chan struct{} { return c.done }

// SetKeywords replaces the recognizer keyword boosts. Applied by the
// recognition goroutine before the next frame.
func (c *Channel) SetKeywords(keywords []types.KeywordBoost) {
	kw := append([]types.KeywordBoost(nil), keywords...)
	c.keywords.Store(&kw)
}

// Stop stops capture and drains every buffered block and frame through
// recognition and emission. If ctx expires first the drain is aborted and
// ctx's error is returned. Stop is idempotent.
func (c *Channel) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		var errs []error
		if err := c.stream.Stop(); err != nil {
			errs = append(errs, err)
		}
		c.ring.Close()

		select {
		case <-c.done:
		case <-ctx.Done():
			slog.Warn("pipeline: drain deadline exceeded, aborting", "channel", c.cfg.Role)
			c.cancel()
			<-c.done
			errs = append(errs, ctx.Err())
		}
		c.cancel()
		if c.err != nil && !errors.Is(c.err, context.Canceled) {
			errs = append(errs, c.err)
		}
		errs = append(errs, c.rec.Close(), c.pre.Close())

		slog.Info("pipeline: channel stopped",
			"channel", c.cfg.Role,
			"blocks", c.stream.Blocks(),
			"hypotheses", c.hypotheses.Load(),
			"substituted", c.pre.Substituted(),
			"resets", c.resets.Load(),
		)
		c.stopErr = errors.Join(errs...)
	})
	return c.stopErr
}

func (c *Channel) onCaptureEvent(ev capture.Event) {
	if ev.Kind == capture.EventDisconnected {
		c.resetFrom.Store(ev.Seq + 1)
	}
	if c.cfg.Monitor != nil {
		c.cfg.Monitor.ObserveCapture(ev)
	}
	if c.cfg.OnCaptureEvent != nil {
		c.cfg.OnCaptureEvent(ev)
	}
}

// process pops capture blocks until the ring buffer is closed and drained,
// then closes the frame queue.
func (c *Channel) process(ctx context.Context) error {
	defer close(c.frames)

	var (
		role        = c.cfg.Role
		last        time.Time
		substituted uint64
	)
	for {
		blk, err := c.ring.PopWithTimeout(c.cfg.PopTimeout)
		switch {
		case errors.Is(err, audio.ErrTimeout):
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		case errors.Is(err, audio.ErrClosed):
			return c.send(ctx, c.pre.Flush(last))
		case err != nil:
			return err
		}
		last = blk.Captured
		c.resetAfterGap(blk.Seq)

		start := time.Now()
		samples, err := c.conv.Convert(blk)
		if err != nil {
			c.report(health.StreamWarning, fmt.Errorf("convert block %d: %w", blk.Seq, err))
			continue
		}
		c.observeStage(StageConvert, time.Since(start))

		if c.cfg.Recorder != nil {
			if err := c.cfg.Recorder.Write(role, samples); err != nil && !errors.Is(err, recording.ErrNotRecording) {
				slog.Warn("pipeline: recording failed, channel no longer recorded", "channel", role, "err", err)
			}
		}

		start = time.Now()
		frames := c.pre.Push(samples, blk.Captured)
		if len(frames) > 0 {
			c.observeStage(StagePreprocess, time.Since(start)/time.Duration(len(frames)))
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordCapture(ctx, string(role), 1)
			if n := c.pre.Substituted(); n > substituted {
				c.cfg.Metrics.RecordSubstitutions(ctx, string(role), int64(n-substituted))
				substituted = n
			}
		}
		if err := c.send(ctx, frames); err != nil {
			return err
		}
	}
}

// resetAfterGap drops resampler continuation, noise estimate and VAD
// smoothing once the first block of a reopened device arrives. The
// preprocessor's buffered samples from before the loss are discarded.
func (c *Channel) resetAfterGap(seq uint64) {
	from := c.resetFrom.Load()
	if from == 0 || seq < from || !c.resetFrom.CompareAndSwap(from, 0) {
		return
	}
	c.conv.Reset()
	c.pre.Reset()
	c.resets.Add(1)
	slog.Debug("pipeline: stage state reset after reconnect", "channel", c.cfg.Role, "seq", seq)
}

func (c *Channel) send(ctx context.Context, frames []preprocess.Frame) error {
	for _, f := range frames {
		if c.cfg.Monitor != nil {
			c.cfg.Monitor.ObserveLevel(c.cfg.Role, f.Level)
		}
		select {
		case c.frames <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// recognize feeds frames to the adapter until the frame queue is closed,
// then force-finalizes the open utterance.
func (c *Channel) recognize(ctx context.Context) error {
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return c.flush(ctx)
			}
			c.applyKeywords()
			start := time.Now()
			hyps, err := c.rec.Feed(ctx, f)
			c.observeStage(StageRecognize, time.Since(start))
			c.emit(ctx, hyps)
			if err != nil {
				c.recognitionError(ctx, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) flush(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "pipeline.flush")
	defer span.End()
	hyps, err := c.rec.Flush(ctx)
	c.emit(ctx, hyps)
	if err != nil {
		c.recognitionError(ctx, err)
	}
	return nil
}

func (c *Channel) applyKeywords() {
	kw := c.keywords.Swap(nil)
	if kw == nil {
		return
	}
	if err := c.rec.SetKeywords(*kw); err != nil {
		c.report(health.RecognitionWarning, err)
	}
}

func (c *Channel) emit(ctx context.Context, hyps []types.Hypothesis) {
	for _, h := range hyps {
		if h.IsFinal && c.cfg.Corrector != nil {
			var corrections []transcript.Correction
			h, corrections = c.cfg.Corrector.Apply(h)
			for _, corr := range corrections {
				slog.Debug("pipeline: vocabulary correction", "channel", c.cfg.Role,
					"original", corr.Original, "corrected", corr.Corrected, "confidence", corr.Confidence)
			}
		}
		c.hypotheses.Add(1)
		start := time.Now()
		// Delivery failures are logged, counted and reported by the emitter.
		_, _ = c.cfg.Emitter.Emit(ctx, h)
		c.observeStage(StageEmit, time.Since(start))
	}
}

func (c *Channel) recognitionError(ctx context.Context, err error) {
	op := "unknown"
	var rerr *recognize.RecognitionError
	if errors.As(err, &rerr) {
		op = rerr.Op
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordRecognitionError(ctx, string(c.cfg.Role), op)
	}
	c.report(health.RecognitionWarning, err)
}

func (c *Channel) report(kind health.WarningKind, err error) {
	if c.cfg.Monitor != nil {
		c.cfg.Monitor.ReportError(kind, c.cfg.Role, err)
		return
	}
	slog.Warn("pipeline: "+string(kind)+" error", "channel", c.cfg.Role, "err", err)
}

func (c *Channel) observeStage(stage string, d time.Duration) {
	if c.cfg.Monitor != nil {
		c.cfg.Monitor.ObserveStage(c.cfg.Role, stage, d)
	}
}
