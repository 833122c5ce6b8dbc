// Package capture turns a device stream into a sequence of [audio.AudioBlock]
// values pushed into a ring buffer.
//
// The backend callback does the minimum: stamp the capture time, assign the
// next sequence number and push the bytes, which the ring buffer copies into
// a preallocated slot without blocking. Device
// loss is handled by a [Reconnector] that reopens the device with exponential
// backoff while sequence numbers keep counting.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/audio/device"
	"github.com/MrWong99/callscribe/pkg/types"
)

var (
	// ErrDeviceBusy is returned by [Start] when another stream in this
	// process already owns the device.
	ErrDeviceBusy = errors.New("capture: device already in use")

	// ErrRetriesExhausted is reported when a lost device could not be
	// reopened within the configured number of attempts.
	ErrRetriesExhausted = errors.New("capture: reconnect retries exhausted")
)

// StreamError describes a capture failure on one channel.
type StreamError struct {
	Role   types.ChannelRole
	Device string
	Op     string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("capture: %s %s %q: %v", e.Op, e.Role, e.Device, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// EventKind classifies an [Event].
type EventKind int

const (
	// EventDisconnected is reported when the device stream failed and a
	// reconnect is about to start.
	EventDisconnected EventKind = iota
	// EventReconnected is reported after the device was reopened.
	EventReconnected
	// EventFailed is reported once when reconnection was abandoned. The
	// stream delivers no more audio.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventDisconnected:
		return "disconnected"
	case EventReconnected:
		return "reconnected"
	case EventFailed:
		return "failed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event reports a change in stream health. Err is a *StreamError for
// EventDisconnected and EventFailed. Seq is the last sequence number pushed
// before the event; blocks after a disconnect start at Seq+1.
type Event struct {
	Kind    EventKind
	Role    types.ChannelRole
	Device  string
	Attempt int
	Seq     uint64
	Err     error
}

// Config configures [Start].
type Config struct {
	Backend device.Backend
	Device  device.AudioDevice
	Role    types.ChannelRole

	// Hint is the preferred capture format. Zero lets the backend choose.
	Hint audio.Format

	// Ring receives every captured block. Required.
	Ring *audio.RingBuffer

	Reconnect ReconnectConfig

	// OnEvent is called from the reconnect goroutine, never from the audio
	// callback. May be nil.
	OnEvent func(Event)
}

// Stream is a running capture on one device.
type Stream struct {
	cfg  Config
	rec  *Reconnector
	seq  atomic.Uint64
	blks atomic.Uint64

	format atomic.Pointer[audio.Format]

	// lastErr carries the cause of the latest disconnect from the backend
	// callback to the reconnect goroutine.
	lastErr atomic.Pointer[error]

	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

// Start claims cfg.Device, opens it and begins pushing blocks into cfg.Ring.
// The stream keeps running until [Stream.Stop]. Cancelling ctx ends
// reconnect attempts but leaves the open device running, so callers must
// still call Stop.
//
// Errors are *StreamError values wrapping [ErrDeviceBusy],
// [device.ErrFormatUnsupported] or the backend's open error. Open failures
// at start are not retried.
func Start(ctx context.Context, cfg Config) (*Stream, error) {
	if cfg.Backend == nil || cfg.Ring == nil {
		return nil, &StreamError{Role: cfg.Role, Device: cfg.Device.ID, Op: "start",
			Err: errors.New("backend and ring buffer are required")}
	}
	if err := claim(cfg.Device.ID); err != nil {
		return nil, &StreamError{Role: cfg.Role, Device: cfg.Device.ID, Op: "start", Err: err}
	}

	s := &Stream{cfg: cfg}
	cb := device.Callbacks{Data: s.onData, Error: s.onError}
	s.rec = NewReconnector(ReconnectorConfig{
		ReconnectConfig: cfg.Reconnect,
		DeviceID:        cfg.Device.ID,
		Dial: func(ctx context.Context) (device.Stream, error) {
			return cfg.Backend.Open(ctx, cfg.Device, cfg.Hint, cb)
		},
		OnDisconnect: s.onDisconnect,
		OnReconnect:  s.onReconnect,
		OnGiveUp:     s.onGiveUp,
	})

	ds, err := s.rec.Connect(ctx)
	if err != nil {
		release(cfg.Device.ID)
		return nil, &StreamError{Role: cfg.Role, Device: cfg.Device.ID, Op: "open", Err: err}
	}
	f := ds.Format()
	s.format.Store(&f)

	mctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.rec.Monitor(mctx)
	return s, nil
}

// onData runs on the backend's audio thread. It must not block, lock,
// allocate or log. The ring copies data into one of its own slots.
func (s *Stream) onData(data []byte, f audio.Format) {
	captured := time.Now()
	s.blks.Add(1)
	s.cfg.Ring.Push(audio.AudioBlock{
		Data:     data,
		Format:   f,
		Role:     s.cfg.Role,
		Captured: captured,
		Seq:      s.seq.Add(1),
	})
}

// onError may also run on a backend thread; the reconnect goroutine does the
// actual work.
func (s *Stream) onError(err error) {
	s.lastErr.Store(&err)
	s.rec.NotifyDisconnect()
}

func (s *Stream) onDisconnect() {
	err := s.LastError()
	if err == nil {
		err = device.ErrDeviceDisconnected
	}
	s.emit(Event{Kind: EventDisconnected, Role: s.cfg.Role, Device: s.cfg.Device.ID, Seq: s.seq.Load(),
		Err: &StreamError{Role: s.cfg.Role, Device: s.cfg.Device.ID, Op: "read", Err: err}})
}

func (s *Stream) onReconnect(ds device.Stream, attempt int) {
	f := ds.Format()
	s.format.Store(&f)
	s.emit(Event{Kind: EventReconnected, Role: s.cfg.Role, Device: s.cfg.Device.ID, Attempt: attempt, Seq: s.seq.Load()})
}

func (s *Stream) onGiveUp(err error) {
	s.emit(Event{Kind: EventFailed, Role: s.cfg.Role, Device: s.cfg.Device.ID, Seq: s.seq.Load(),
		Err: &StreamError{Role: s.cfg.Role, Device: s.cfg.Device.ID, Op: "reconnect", Err: err}})
}

func (s *Stream) emit(ev Event) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(ev)
	}
}

// Stop stops reconnects and the device stream and releases the device claim.
// The ring buffer is left open; the caller closes it once capture has
// stopped. Safe to call more than once.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		s.stopErr = s.rec.Stop()
		release(s.cfg.Device.ID)
	})
	return s.stopErr
}

// Role returns the channel role.
func (s *Stream) Role() types.ChannelRole { return s.cfg.Role }

// Device returns the captured device.
func (s *Stream) Device() device.AudioDevice { return s.cfg.Device }

// Format returns the format of the current device stream.
func (s *Stream) Format() audio.Format { return *s.format.Load() }

// Blocks returns the number of blocks delivered by the device.
func (s *Stream) Blocks() uint64 { return s.blks.Load() }

// LastSeq returns the most recently assigned sequence number.
func (s *Stream) LastSeq() uint64 { return s.seq.Load() }

// LastError returns the cause of the most recent disconnect, or nil.
func (s *Stream) LastError() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// ─── device claims ───────────────────────────────────────────────────────────

var claims = struct {
	sync.Mutex
	ids map[string]struct{}
}{ids: make(map[string]struct{})}

func claim(id string) error {
	claims.Lock()
	defer claims.Unlock()
	if _, busy := claims.ids[id]; busy {
		return fmt.Errorf("%w: %q", ErrDeviceBusy, id)
	}
	claims.ids[id] = struct{}{}
	return nil
}

func release(id string) {
	claims.Lock()
	defer claims.Unlock()
	delete(claims.ids, id)
}
