// Package mock provides test doubles for the vad package interfaces.
//
// A [Session] replays a script of decisions, one per frame, so tests can
// drive utterance segmentation without synthesising audio:
//
//	sess := &mock.Session{Script: mock.Voiced(3, 10)}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/callscribe/pkg/provider/vad"
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("vad mock: session closed")

// Voiced returns a script of lead silent frames followed by n voiced frames
// and one speech end.
func Voiced(lead, n int) []vad.VADEventType {
	script := make([]vad.VADEventType, 0, lead+n+1)
	for range lead {
		script = append(script, vad.VADSilence)
	}
	for i := range n {
		if i == 0 {
			script = append(script, vad.VADSpeechStart)
			continue
		}
		script = append(script, vad.VADSpeechContinue)
	}
	return append(script, vad.VADSpeechEnd)
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, every call returns a new
	// Session that reports silence.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned from NewSession.
	NewSessionErr error

	configs []vad.Config
}

// NewSession records cfg and returns Session or NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns the configs passed to NewSession, in order.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Script holds one decision per frame. Past its end the session reports
	// After, or silence when After is unset.
	Script []vad.VADEventType
	After  vad.VADEventType

	// Probability is reported with every decision.
	Probability float64

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	frames int
	resets int
	closed bool
}

// ProcessFrame returns the next scripted decision.
func (s *Session) ProcessFrame(_ []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrClosed
	}
	if s.ProcessFrameErr != nil {
		return vad.VADEvent{}, s.ProcessFrameErr
	}
	t := s.After
	if s.frames < len(s.Script) {
		t = s.Script[s.frames]
	}
	s.frames++
	return vad.VADEvent{Type: t, Probability: s.Probability}, nil
}

// Reset counts the call. The script position is kept.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Frames returns the number of frames processed.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Resets returns the number of Reset calls.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ vad.SessionHandle = (*Session)(nil)
