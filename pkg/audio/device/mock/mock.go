// Package mock provides in-memory mock implementations of the [device.Backend]
// and [device.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	backend := &mock.Backend{
//	    DevicesResult: []device.Info{
//	        {ID: "mic-1", Name: "USB Microphone", Direction: device.DirectionInput, IsDefault: true},
//	    },
//	}
//	stream, _ := backend.Open(ctx, dev, audio.Canonical, cb)
//	backend.LastStream().Emit(pcm)
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/audio/device"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [device.Stream]. Use [Stream.Emit] to
// deliver data to the registered callback and [Stream.Fail] to report an
// asynchronous error.
type Stream struct {
	mu sync.Mutex

	// Device is the device this stream was opened on.
	Device device.AudioDevice

	// FormatResult is returned by [Stream.Format].
	FormatResult audio.Format

	// StartError is returned by [Stream.Start].
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	cb      device.Callbacks
	started bool
}

// Start implements [device.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.started = true
	return nil
}

// Stop implements [device.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.started = false
	return nil
}

// Format implements [device.Stream].
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Running reports whether Start was called without a later Stop.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Emit calls the data callback with data if the stream is running. It
// returns false when the stream is stopped.
func (s *Stream) Emit(data []byte) bool {
	s.mu.Lock()
	cb, started, f := s.cb.Data, s.started, s.FormatResult
	s.mu.Unlock()
	if !started || cb == nil {
		return false
	}
	cb(data, f)
	return true
}

// Fail calls the error callback with err.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	cb := s.cb.Error
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Backend.Open] invocation.
type OpenCall struct {
	// Device is the device passed to Open.
	Device device.AudioDevice
	// Hint is the format hint passed to Open.
	Hint audio.Format
}

// Backend is a mock implementation of [device.Backend].
type Backend struct {
	mu sync.Mutex

	// DevicesResult is returned by Devices.
	DevicesResult []device.Info

	// DevicesError is returned by Devices.
	DevicesError error

	// OpenError, if non-nil, is returned by Open.
	OpenError error

	// OpenErrors, if non-empty, is consumed one entry per Open call before
	// OpenError is consulted. A nil entry means success.
	OpenErrors []error

	// StreamFormat is the format reported by opened streams. Defaults to the hint.
	StreamFormat audio.Format

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// Streams holds every stream returned by Open, in order.
	Streams []*Stream

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Devices implements [device.Backend].
func (b *Backend) Devices(_ context.Context) ([]device.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DevicesError != nil {
		return nil, b.DevicesError
	}
	out := make([]device.Info, len(b.DevicesResult))
	copy(out, b.DevicesResult)
	return out, nil
}

// Open implements [device.Backend]. Records the call and returns a new [Stream].
func (b *Backend) Open(_ context.Context, dev device.AudioDevice, hint audio.Format, cb device.Callbacks) (device.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCalls = append(b.OpenCalls, OpenCall{Device: dev, Hint: hint})
	if len(b.OpenErrors) > 0 {
		err := b.OpenErrors[0]
		b.OpenErrors = b.OpenErrors[1:]
		if err != nil {
			return nil, err
		}
	} else if b.OpenError != nil {
		return nil, b.OpenError
	}
	f := b.StreamFormat
	if f == (audio.Format{}) {
		f = hint
	}
	s := &Stream{Device: dev, FormatResult: f, cb: cb}
	b.Streams = append(b.Streams, s)
	return s, nil
}

// Close implements [device.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountClose++
	return nil
}

// LastStream returns the most recently opened stream, or nil.
func (b *Backend) LastStream() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Streams) == 0 {
		return nil
	}
	return b.Streams[len(b.Streams)-1]
}

// StreamFor returns the most recent stream opened on device id.
func (b *Backend) StreamFor(id string) (*Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.Streams) - 1; i >= 0; i-- {
		if b.Streams[i].Device.ID == id {
			return b.Streams[i], nil
		}
	}
	return nil, fmt.Errorf("mock: no stream opened on %q", id)
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (b *Backend) OpenCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.OpenCalls)
}

// Ensure the mocks implement the interfaces at compile time.
var (
	_ device.Backend = (*Backend)(nil)
	_ device.Stream  = (*Stream)(nil)
)
