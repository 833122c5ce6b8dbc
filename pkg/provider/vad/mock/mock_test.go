package mock_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/callscribe/pkg/provider/vad"
	"github.com/MrWong99/callscribe/pkg/provider/vad/mock"
)

func TestSession_ReplaysScript(t *testing.T) {
	t.Parallel()
	s := &mock.Session{Script: mock.Voiced(2, 3), Probability: 0.8}
	want := []vad.VADEventType{
		vad.VADSilence, vad.VADSilence,
		vad.VADSpeechStart, vad.VADSpeechContinue, vad.VADSpeechContinue,
		vad.VADSpeechEnd, vad.VADSilence,
	}
	for i, w := range want {
		ev, err := s.ProcessFrame(nil)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Type != w || ev.Probability != 0.8 {
			t.Errorf("frame %d = %v (%.1f), want %v", i, ev.Type, ev.Probability, w)
		}
	}
	if s.Frames() != len(want) {
		t.Errorf("Frames() = %d", s.Frames())
	}

	_ = s.Close()
	if _, err := s.ProcessFrame(nil); !errors.Is(err, mock.ErrClosed) {
		t.Errorf("after Close: %v, want ErrClosed", err)
	}
}

func TestVADEventType_Voiced(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ  vad.VADEventType
		want bool
	}{
		{vad.VADSilence, false},
		{vad.VADSpeechStart, true},
		{vad.VADSpeechContinue, true},
		{vad.VADSpeechEnd, false},
	}
	for _, tt := range tests {
		if got := tt.typ.Voiced(); got != tt.want {
			t.Errorf("%v.Voiced() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestEngine_RecordsConfigs(t *testing.T) {
	t.Parallel()
	e := &mock.Engine{}
	if _, err := e.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 20}); err != nil {
		t.Fatal(err)
	}
	if got := e.Configs(); len(got) != 1 || got[0].FrameSizeMs != 20 {
		t.Errorf("Configs() = %+v", got)
	}
	e.NewSessionErr = errors.New("no model")
	if _, err := e.NewSession(vad.Config{}); err == nil {
		t.Error("expected NewSessionErr")
	}
}
