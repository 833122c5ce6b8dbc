// Package batch adapts batch transcribers (whole-buffer in, text out) to
// the streaming stt.SessionHandle interface. Engines such as whisper.cpp or
// an external command-line recognizer share it.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/types"
)

// DefaultMaxBuffer is the buffer length at which a final is committed early.
const DefaultMaxBuffer = 30 * time.Second

// DefaultPartialEvery is how much new audio the batch engines buffer before
// re-transcribing the utterance for a partial.
const DefaultPartialEvery = time.Second

// flushTimeout bounds the final inference run by Close, which uses its own
// context because the stream context may already be cancelled.
const flushTimeout = 30 * time.Second

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("stt: session is closed")

// annotation matches non-speech markers such as "[BLANK_AUDIO]" or
// "(wind blowing)".
var annotation = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)

// Result is the output of one transcription run.
type Result struct {
	Text string
	// Confidence in [0, 1]; zero when the engine does not report one.
	Confidence float64
}

// Infer transcribes one block of canonical mono samples.
type Infer func(ctx context.Context, samples []int16) (Result, error)

// Config tunes a [Session].
type Config struct {
	// Name labels log lines.
	Name string

	// SampleRate of the samples passed to SendAudio. Default: 16000.
	SampleRate int

	// PartialEvery re-transcribes the growing buffer after this much new
	// audio and emits the result as a partial. Zero disables partials.
	PartialEvery time.Duration

	// MaxBuffer commits a final early once this much audio is buffered.
	// Zero disables the limit.
	MaxBuffer time.Duration
}

// Session adapts a batch transcriber to stt.SessionHandle. It buffers the
// utterance and transcribes it when the session closes.
//
// All buffer state is confined to the loop goroutine.
type Session struct {
	cfg   Config
	infer Infer

	audioCh  chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// NewSession starts a Session that transcribes with infer. The session ends
// when Close is called or ctx is cancelled.
func NewSession(ctx context.Context, cfg Config, infer Infer) *Session {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	s := &Session{
		cfg:      cfg,
		infer:    infer,
		audioCh:  make(chan []byte, 256),
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return s
}

// SendAudio queues a chunk of 16-bit little-endian mono PCM.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	select {
	case s.audioCh <- cp:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) Partials() <-chan types.Transcript { return s.partials }

func (s *Session) Finals() <-chan types.Transcript { return s.finals }

// SetKeywords is not supported by batch engines. The session remains usable.
func (s *Session) SetKeywords(_ []types.KeywordBoost) error {
	return stt.ErrNotSupported
}

// Close transcribes whatever is buffered, closes both channels and waits for
// the loop to exit. Calling Close more than once is safe.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// Err returns the first inference failure.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	slog.Warn("stt: transcription failed", "engine", s.cfg.Name, "err", err)
}

func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer       []int16
		committed    time.Duration // audio already covered by earlier finals
		sincePartial time.Duration
	)
	rate := s.cfg.SampleRate
	maxSamples := int(s.cfg.MaxBuffer.Seconds() * float64(rate))

	length := func(n int) time.Duration {
		return time.Duration(n) * time.Second / time.Duration(rate)
	}

	commit := func(ictx context.Context) {
		if len(buffer) == 0 {
			return
		}
		samples := buffer
		buffer = nil
		sincePartial = 0
		start := committed
		committed += length(len(samples))

		res, err := s.infer(ictx, samples)
		if err != nil {
			s.fail(err)
			return
		}
		text := CleanText(res.Text)
		if text == "" {
			return
		}
		select {
		case s.finals <- types.Transcript{Text: text, IsFinal: true, Confidence: res.Confidence, Timestamp: start, Duration: length(len(samples))}:
		default:
		}
	}

	partial := func() {
		sincePartial = 0
		res, err := s.infer(ctx, buffer)
		if err != nil {
			// Partials are best effort; the final run reports failures.
			slog.Debug("stt: interim transcription failed", "engine", s.cfg.Name, "err", err)
			return
		}
		text := CleanText(res.Text)
		if text == "" {
			return
		}
		select {
		case s.partials <- types.Transcript{Text: text, Confidence: res.Confidence, Timestamp: committed, Duration: length(len(buffer))}:
		default:
		}
	}

	finish := func() {
		// Pick up audio queued before Close.
		for drained := false; !drained; {
			select {
			case chunk := <-s.audioCh:
				buffer = append(buffer, audio.PCMSamples(chunk)...)
			default:
				drained = true
			}
		}
		fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		commit(fctx)
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			return
		case <-s.done:
			finish()
			return
		case chunk := <-s.audioCh:
			samples := audio.PCMSamples(chunk)
			buffer = append(buffer, samples...)
			sincePartial += length(len(samples))

			switch {
			case maxSamples > 0 && len(buffer) >= maxSamples:
				commit(ctx)
			case s.cfg.PartialEvery > 0 && sincePartial >= s.cfg.PartialEvery:
				partial()
			}
		}
	}
}

// CleanText collapses whitespace and drops non-speech annotations.
func CleanText(text string) string {
	return strings.Join(strings.Fields(annotation.ReplaceAllString(text, " ")), " ")
}

var (
	_ stt.SessionHandle = (*Session)(nil)
	_ stt.ErrorReporter = (*Session)(nil)
)
