package energy_test

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/callscribe/pkg/provider/vad"
	"github.com/MrWong99/callscribe/pkg/provider/vad/energy"
)

const frameSamples = 320 // 20ms at 16 kHz

func cfg() vad.Config {
	return vad.Config{SampleRate: 16000, FrameSizeMs: 20}
}

func encode(samples []float64) []byte {
	b := make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(int16(v*32767)))
	}
	return b
}

// tone returns frame idx of a continuous sine.
func tone(freq, amp float64, idx int) []float64 {
	out := make([]float64, frameSamples)
	for i := range out {
		n := idx*frameSamples + i
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(n)/16000)
	}
	return out
}

func noise(amp float64, rng *rand.Rand) []float64 {
	out := make([]float64, frameSamples)
	for i := range out {
		out[i] = amp * (2*rng.Float64() - 1)
	}
	return out
}

func newSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	e, err := energy.New(energy.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := e.NewSession(cfg())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestSession_Smoothing(t *testing.T) {
	t.Parallel()
	s := newSession(t)

	// Loud tone: speech starts on the third frame.
	var types []vad.VADEventType
	for i := range 5 {
		ev, err := s.ProcessFrame(encode(tone(200, 0.3, i)))
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		types = append(types, ev.Type)
	}
	want := []vad.VADEventType{vad.VADSilence, vad.VADSilence, vad.VADSpeechStart, vad.VADSpeechContinue, vad.VADSpeechContinue}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("onset events = %v, want %v", types, want)
		}
	}

	// Silence: speech ends on the tenth silent frame.
	silent := encode(make([]float64, frameSamples))
	for i := 1; i <= 12; i++ {
		ev, err := s.ProcessFrame(silent)
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		switch {
		case i < 10 && ev.Type != vad.VADSpeechContinue:
			t.Fatalf("silent frame %d: got %v, want continue (hangover)", i, ev.Type)
		case i == 10 && ev.Type != vad.VADSpeechEnd:
			t.Fatalf("silent frame %d: got %v, want speech end", i, ev.Type)
		case i > 10 && ev.Type != vad.VADSilence:
			t.Fatalf("silent frame %d: got %v, want silence", i, ev.Type)
		}
	}
}

func TestSession_ShortBurstIgnored(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	silent := encode(make([]float64, frameSamples))
	for i := range 2 {
		if ev, _ := s.ProcessFrame(encode(tone(300, 0.5, i))); ev.Type != vad.VADSilence {
			t.Fatalf("burst frame %d: got %v", i, ev.Type)
		}
	}
	if ev, _ := s.ProcessFrame(silent); ev.Type != vad.VADSilence {
		t.Fatalf("after burst: got %v", ev.Type)
	}
}

func TestSession_RejectsQuietAndNoise(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	tests := []struct {
		name  string
		frame func(i int) []float64
	}{
		{"quiet tone below threshold", func(i int) []float64 { return tone(200, 0.0005, i) }},
		{"loud broadband noise", func(int) []float64 { return noise(0.5, rng) }},
	}
	for _, tt := range tests {
		s := newSession(t)
		for i := range 20 {
			ev, err := s.ProcessFrame(encode(tt.frame(i)))
			if err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}
			if ev.Type != vad.VADSilence {
				t.Fatalf("%s: frame %d classified as %v", tt.name, i, ev.Type)
			}
		}
	}
}

func TestSession_Errors(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	if _, err := s.ProcessFrame(make([]byte, 10)); err == nil {
		t.Error("expected error for short frame")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ProcessFrame(make([]byte, 2*frameSamples)); !errors.Is(err, energy.ErrClosed) {
		t.Errorf("after Close: got %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	for i := range 4 {
		_, _ = s.ProcessFrame(encode(tone(200, 0.3, i)))
	}
	s.Reset()
	if ev, _ := s.ProcessFrame(encode(tone(200, 0.3, 4))); ev.Type != vad.VADSilence {
		t.Errorf("first frame after Reset: got %v, want silence (onset restarts)", ev.Type)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := energy.New(energy.Options{ThresholdDB: 3}); err == nil {
		t.Error("expected error for positive threshold")
	}
	if _, err := energy.New(energy.Options{FlatnessMax: 2}); err == nil {
		t.Error("expected error for flatness above 1")
	}
	e, _ := energy.New(energy.Options{})
	if got := e.Options(); got != energy.DefaultOptions() {
		t.Errorf("Options = %+v, want defaults", got)
	}
	if _, err := e.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.3, SilenceThreshold: 0.6}); err == nil {
		t.Error("expected error when silence threshold exceeds speech threshold")
	}
	if _, err := e.NewSession(vad.Config{}); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestAnalysis(t *testing.T) {
	t.Parallel()
	a := energy.NewAnalyzer(frameSamples)

	if f := energy.Flatness(a.Spectrum(tone(440, 0.5, 0))); f > 0.3 {
		t.Errorf("tone flatness = %.3f, want < 0.3", f)
	}
	rng := rand.New(rand.NewPCG(3, 4))
	if f := energy.Flatness(a.Spectrum(noise(0.5, rng))); f < 0.7 {
		t.Errorf("noise flatness = %.3f, want > 0.7", f)
	}

	if db := energy.DBFS(make([]float64, 8)); db != -120 {
		t.Errorf("DBFS(silence) = %v, want -120", db)
	}
	full := make([]float64, 64)
	for i := range full {
		full[i] = 1
	}
	if db := energy.DBFS(full); math.Abs(db) > 1e-9 {
		t.Errorf("DBFS(full scale DC) = %v, want 0", db)
	}
}
