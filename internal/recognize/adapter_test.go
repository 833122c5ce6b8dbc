package recognize_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callscribe/internal/preprocess"
	"github.com/MrWong99/callscribe/internal/recognize"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/stt/mock"
	"github.com/MrWong99/callscribe/pkg/types"
)

const frameDur = 20 * time.Millisecond

type feeder struct {
	t   *testing.T
	a   *recognize.Adapter
	seq uint64
}

func (f *feeder) frame(voice bool) preprocess.Frame {
	f.seq++
	return preprocess.Frame{
		Role:        types.RolePrimary,
		Samples:     make([]int16, 320),
		Seq:         f.seq,
		Offset:      time.Duration(f.seq-1) * frameDur,
		Captured:    time.Now(),
		VoiceActive: voice,
	}
}

// feed sends n frames and returns every hypothesis, failing on errors.
func (f *feeder) feed(voice bool, n int) []types.Hypothesis {
	f.t.Helper()
	var out []types.Hypothesis
	for range n {
		hyps, err := f.a.Feed(f.t.Context(), f.frame(voice))
		if err != nil {
			f.t.Fatalf("Feed: %v", err)
		}
		out = append(out, hyps...)
	}
	return out
}

func newAdapter(t *testing.T, p stt.Provider, cfg recognize.Config) *feeder {
	t.Helper()
	cfg.Role = types.RolePrimary
	cfg.Provider = p
	a, err := recognize.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return &feeder{t: t, a: a}
}

// growing returns a session factory whose sessions emit one growing partial
// per audio chunk and the full sentence as a final on Close.
func growing(words ...string) func(stt.StreamConfig) stt.SessionHandle {
	return func(stt.StreamConfig) stt.SessionHandle {
		n := 0
		return &mock.Session{
			PartialsCh:    make(chan types.Transcript, 64),
			FinalsCh:      make(chan types.Transcript, 64),
			CloseChannels: true,
			OnSendAudio: func(s *mock.Session, _ []byte) {
				if n < len(words) {
					n++
					s.PartialsCh <- types.Transcript{Text: strings.Join(words[:n], " "), Confidence: 0.5}
				}
			},
			OnClose: func(s *mock.Session) {
				s.FinalsCh <- types.Transcript{Text: strings.Join(words, " "), IsFinal: true, Confidence: 0.9}
			},
		}
	}
}

func finals(hyps []types.Hypothesis) []types.Hypothesis {
	var out []types.Hypothesis
	for _, h := range hyps {
		if h.IsFinal {
			out = append(out, h)
		}
	}
	return out
}

func TestAdapter_Lifecycle(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{NewSession: growing("hello", "world")}
	f := newAdapter(t, p, recognize.Config{SilenceThreshold: 100 * time.Millisecond})

	if hyps := f.feed(false, 3); len(hyps) != 0 || f.a.State() != recognize.StateIdle {
		t.Fatalf("silence while idle: hyps=%v state=%v", hyps, f.a.State())
	}
	if p.StartStreamCallCount() != 0 {
		t.Fatal("silence must not open an engine stream")
	}

	hyps := f.feed(true, 3)
	if f.a.State() != recognize.StateListening {
		t.Fatalf("state = %v, want listening", f.a.State())
	}
	if len(hyps) != 2 || hyps[0].Text != "hello" || hyps[1].Text != "hello world" {
		t.Fatalf("partials = %+v", hyps)
	}
	for _, h := range hyps {
		if h.IsFinal || h.Utterance != 1 || h.Role != types.RolePrimary {
			t.Errorf("bad partial %+v", h)
		}
	}

	// Four silent frames stay below the 100ms threshold; the fifth ends it.
	if hyps := f.feed(false, 4); len(hyps) != 0 {
		t.Fatalf("early hypotheses %+v", hyps)
	}
	hyps = f.feed(false, 1)
	if len(hyps) != 1 || !hyps[0].IsFinal {
		t.Fatalf("want exactly one final, got %+v", hyps)
	}
	final := hyps[0]
	if final.Text != "hello world" || final.Confidence != 0.9 || final.Utterance != 1 {
		t.Errorf("final = %+v", final)
	}
	if final.Captured.IsZero() {
		t.Error("final must carry a capture time")
	}
	if f.a.State() != recognize.StateIdle {
		t.Errorf("state after final = %v", f.a.State())
	}

	// A second utterance opens a fresh stream.
	f.feed(true, 1)
	if p.StartStreamCallCount() != 2 || f.a.Utterances() != 2 {
		t.Errorf("streams=%d utterances=%d, want 2 and 2", p.StartStreamCallCount(), f.a.Utterances())
	}
	cfg := p.StartStreamCalls[0].Cfg
	if cfg.SampleRate != 16000 || cfg.Channels != 1 {
		t.Errorf("stream config = %+v", cfg)
	}
}

func TestAdapter_ShortPauseKeepsUtterance(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{NewSession: growing("one", "two")}
	f := newAdapter(t, p, recognize.Config{SilenceThreshold: 100 * time.Millisecond})

	var hyps []types.Hypothesis
	hyps = append(hyps, f.feed(true, 2)...)
	hyps = append(hyps, f.feed(false, 4)...)
	hyps = append(hyps, f.feed(true, 2)...)
	hyps = append(hyps, f.feed(false, 5)...)
	if got := finals(hyps); len(got) != 1 {
		t.Fatalf("got %d finals, want 1: %+v", len(got), hyps)
	}
	if p.StartStreamCallCount() != 1 {
		t.Errorf("a pause below the threshold must not split the utterance")
	}
}

func TestAdapter_MaxUtterance(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{NewSession: growing("talking")}
	f := newAdapter(t, p, recognize.Config{MaxUtterance: 200 * time.Millisecond})

	hyps := f.feed(true, 10)
	if got := finals(hyps); len(got) != 1 || got[0].Text != "talking" {
		t.Fatalf("finals = %+v", got)
	}
	if f.a.State() != recognize.StateIdle {
		t.Errorf("state = %v", f.a.State())
	}
	f.feed(true, 1)
	if f.a.Utterances() != 2 {
		t.Error("continued speech should open a new utterance")
	}
}

func TestAdapter_Flush(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{NewSession: growing("cut", "short")}
	f := newAdapter(t, p, recognize.Config{})

	if hyps, err := f.a.Flush(t.Context()); hyps != nil || err != nil {
		t.Fatalf("Flush while idle = %v, %v", hyps, err)
	}
	f.feed(true, 2)
	hyps, err := f.a.Flush(t.Context())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(hyps) != 1 || !hyps[0].IsFinal || hyps[0].Text != "cut short" {
		t.Fatalf("Flush hyps = %+v", hyps)
	}
	if f.a.State() != recognize.StateIdle {
		t.Errorf("state = %v", f.a.State())
	}
}

func TestAdapter_CommittedSegmentsAndDedup(t *testing.T) {
	t.Parallel()
	calls := 0
	p := &mock.Provider{NewSession: func(stt.StreamConfig) stt.SessionHandle {
		return &mock.Session{
			PartialsCh:    make(chan types.Transcript, 64),
			FinalsCh:      make(chan types.Transcript, 64),
			CloseChannels: true,
			OnSendAudio: func(s *mock.Session, _ []byte) {
				calls++
				switch calls {
				case 1:
					s.PartialsCh <- types.Transcript{Text: "good"}
				case 2:
					s.PartialsCh <- types.Transcript{Text: "good"} // repeated
				case 3:
					s.FinalsCh <- types.Transcript{Text: "good morning", IsFinal: true, Confidence: 0.8}
				case 4:
					s.PartialsCh <- types.Transcript{Text: "every"}
				}
			},
			OnClose: func(s *mock.Session) {
				s.FinalsCh <- types.Transcript{Text: "everyone", IsFinal: true, Confidence: 0.6}
			},
		}
	}}
	f := newAdapter(t, p, recognize.Config{})

	hyps := f.feed(true, 5)
	var texts []string
	for _, h := range hyps {
		texts = append(texts, h.Text)
	}
	want := []string{"good", "good morning", "good morning every"}
	if strings.Join(texts, "|") != strings.Join(want, "|") {
		t.Fatalf("partials = %q, want %q", texts, want)
	}

	hyps, err := f.a.Flush(t.Context())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(hyps) != 1 || hyps[0].Text != "good morning everyone" {
		t.Fatalf("final = %+v", hyps)
	}
	if c := hyps[0].Confidence; c < 0.69 || c > 0.71 {
		t.Errorf("final confidence = %.2f, want mean 0.7", c)
	}
}

func TestAdapter_StartError(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{StartStreamErr: errors.New("engine offline")}
	f := newAdapter(t, p, recognize.Config{})

	_, err := f.a.Feed(t.Context(), f.frame(true))
	var rerr *recognize.RecognitionError
	if !errors.As(err, &rerr) || rerr.Op != "start" || rerr.Role != types.RolePrimary {
		t.Fatalf("err = %v, want start RecognitionError", err)
	}
	if f.a.State() != recognize.StateIdle {
		t.Errorf("state = %v", f.a.State())
	}

	// The adapter keeps working once the engine recovers.
	p.StartStreamErr = nil
	p.NewSession = growing("back")
	f.feed(true, 1)
	if f.a.State() != recognize.StateListening {
		t.Errorf("state after recovery = %v", f.a.State())
	}
}

func TestAdapter_SendError(t *testing.T) {
	t.Parallel()
	sess := &mock.Session{
		PartialsCh:    make(chan types.Transcript, 1),
		FinalsCh:      make(chan types.Transcript, 1),
		CloseChannels: true,
		SendAudioErr:  errors.New("socket closed"),
	}
	f := newAdapter(t, &mock.Provider{Session: sess}, recognize.Config{})

	hyps, err := f.a.Feed(t.Context(), f.frame(true))
	var rerr *recognize.RecognitionError
	if !errors.As(err, &rerr) || rerr.Op != "send" {
		t.Fatalf("err = %v", err)
	}
	if len(hyps) != 0 || f.a.State() != recognize.StateIdle {
		t.Errorf("hyps=%v state=%v", hyps, f.a.State())
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("stream closed %d times, want 1", sess.CloseCallCount)
	}
}

func TestAdapter_EngineFailureKeepsPartialText(t *testing.T) {
	t.Parallel()
	boom := errors.New("inference crashed")
	p := &mock.Provider{NewSession: func(stt.StreamConfig) stt.SessionHandle {
		return &mock.Session{
			PartialsCh:    make(chan types.Transcript, 8),
			FinalsCh:      make(chan types.Transcript, 8),
			CloseChannels: true,
			ErrResult:     boom,
			OnSendAudio: func(s *mock.Session, _ []byte) {
				select {
				case s.PartialsCh <- types.Transcript{Text: "almost there"}:
				default:
				}
			},
		}
	}}
	f := newAdapter(t, p, recognize.Config{})
	f.feed(true, 2)

	hyps, err := f.a.Flush(t.Context())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want engine failure", err)
	}
	if len(hyps) != 1 || hyps[0].Text != "almost there" || !hyps[0].IsFinal {
		t.Errorf("final from last partial = %+v", hyps)
	}
}

func TestAdapter_StreamEndedUnexpectedly(t *testing.T) {
	t.Parallel()
	sess := &mock.Session{
		PartialsCh: make(chan types.Transcript, 1),
		FinalsCh:   make(chan types.Transcript, 1),
	}
	f := newAdapter(t, &mock.Provider{Session: sess}, recognize.Config{})
	f.feed(true, 1)

	close(sess.PartialsCh)
	close(sess.FinalsCh)
	_, err := f.a.Feed(t.Context(), f.frame(true))
	if !errors.Is(err, recognize.ErrStreamEnded) {
		t.Fatalf("err = %v, want ErrStreamEnded", err)
	}
	if f.a.State() != recognize.StateIdle {
		t.Errorf("state = %v", f.a.State())
	}
}

func TestAdapter_DrainTimeout(t *testing.T) {
	t.Parallel()
	// The test owns the channels and never closes them.
	sess := &mock.Session{
		PartialsCh: make(chan types.Transcript, 1),
		FinalsCh:   make(chan types.Transcript, 1),
		OnClose: func(s *mock.Session) {
			s.FinalsCh <- types.Transcript{Text: "late", IsFinal: true}
		},
	}
	f := newAdapter(t, &mock.Provider{Session: sess}, recognize.Config{DrainTimeout: 50 * time.Millisecond})
	f.feed(true, 1)

	start := time.Now()
	hyps, err := f.a.Flush(t.Context())
	if !errors.Is(err, recognize.ErrDrainTimeout) {
		t.Fatalf("err = %v, want ErrDrainTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("drain did not respect the timeout")
	}
	if len(hyps) != 1 || hyps[0].Text != "late" {
		t.Errorf("results received before the timeout must still finalize: %+v", hyps)
	}
}

func TestNew_RequiresProvider(t *testing.T) {
	t.Parallel()
	if _, err := recognize.New(recognize.Config{}); err == nil {
		t.Fatal("expected error without provider")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[recognize.State]string{
		recognize.StateIdle:       "idle",
		recognize.StateListening:  "listening",
		recognize.StateFinalizing: "finalizing",
		recognize.State(9):        "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestAdapter_SetKeywords(t *testing.T) {
	t.Parallel()
	sess := &mock.Session{
		PartialsCh:    make(chan types.Transcript, 4),
		FinalsCh:      make(chan types.Transcript, 4),
		CloseChannels: true,
	}
	p := &mock.Provider{Session: sess}
	f := newAdapter(t, p, recognize.Config{})

	idle := []types.KeywordBoost{{Keyword: "Acme", Boost: 2}}
	if err := f.a.SetKeywords(idle); err != nil {
		t.Fatalf("SetKeywords while idle: %v", err)
	}
	f.feed(true, 1)
	if got := p.StartStreamCalls[0].Cfg.Keywords; len(got) != 1 || got[0].Keyword != "Acme" {
		t.Errorf("stream opened with keywords %+v", got)
	}

	open := []types.KeywordBoost{{Keyword: "Globex", Boost: 1}}
	if err := f.a.SetKeywords(open); err != nil {
		t.Fatalf("SetKeywords while listening: %v", err)
	}
	if len(sess.SetKeywordsCalls) != 1 || sess.SetKeywordsCalls[0].Keywords[0].Keyword != "Globex" {
		t.Errorf("open stream keywords = %+v", sess.SetKeywordsCalls)
	}

	sess.SetKeywordsErr = stt.ErrNotSupported
	if err := f.a.SetKeywords(idle); err != nil {
		t.Errorf("unsupported keyword update should be ignored, got %v", err)
	}
	sess.SetKeywordsErr = errors.New("boom")
	var rerr *recognize.RecognitionError
	if err := f.a.SetKeywords(idle); !errors.As(err, &rerr) || rerr.Op != "keywords" {
		t.Errorf("err = %v, want RecognitionError op keywords", err)
	}
}
