package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/audio/device"
	"github.com/MrWong99/callscribe/pkg/audio/device/mock"
	"github.com/MrWong99/callscribe/pkg/types"
)

func testDevice(id string) device.AudioDevice {
	return device.AudioDevice{ID: id, Name: "Mic " + id, Role: types.RolePrimary, Kind: device.KindMicrophone}
}

func fastReconnect() ReconnectConfig {
	return ReconnectConfig{MaxRetries: 3, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestStart_PushesSequencedBlocks(t *testing.T) {
	t.Parallel()
	backend := &mock.Backend{}
	ring := audio.NewRingBuffer(8)

	s, err := Start(context.Background(), Config{
		Backend: backend,
		Device:  testDevice("seq-mic"),
		Role:    types.RolePrimary,
		Hint:    audio.Canonical,
		Ring:    ring,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	src := []byte{1, 0, 2, 0}
	ms := backend.LastStream()
	for range 3 {
		if !ms.Emit(src) {
			t.Fatal("Emit on a started stream failed")
		}
	}
	src[0] = 99 // blocks are copies

	before := time.Now()
	for want := uint64(1); want <= 3; want++ {
		b, err := ring.PopWithTimeout(10 * time.Millisecond)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if b.Seq != want {
			t.Errorf("Seq = %d, want %d", b.Seq, want)
		}
		if b.Role != types.RolePrimary {
			t.Errorf("Role = %q, want primary", b.Role)
		}
		if b.Data[0] != 1 {
			t.Errorf("block data aliased the callback buffer: %v", b.Data)
		}
		if b.Captured.IsZero() || b.Captured.After(before) {
			t.Errorf("Captured = %v, want a time before %v", b.Captured, before)
		}
		if b.Format != audio.Canonical {
			t.Errorf("Format = %v, want canonical", b.Format)
		}
	}
	if s.Blocks() != 3 || s.LastSeq() != 3 {
		t.Errorf("Blocks=%d LastSeq=%d, want 3/3", s.Blocks(), s.LastSeq())
	}
}

func TestStream_CallbackDoesNotAllocate(t *testing.T) {
	ring := audio.NewRingBuffer(4)
	s, err := Start(context.Background(), Config{
		Backend: &mock.Backend{},
		Device:  testDevice("alloc-mic"),
		Role:    types.RoleCounterpart,
		Ring:    ring,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	data := make([]byte, 640)
	allocs := testing.AllocsPerRun(1000, func() {
		s.onData(data, audio.Canonical)
		if _, err := ring.PopWithTimeout(0); err != nil {
			t.Fatal(err)
		}
	})
	if allocs != 0 {
		t.Errorf("allocations per capture callback = %v, want 0", allocs)
	}
}

func TestStart_DeviceBusy(t *testing.T) {
	t.Parallel()
	backend := &mock.Backend{}
	dev := testDevice("busy-mic")

	first, err := Start(context.Background(), Config{Backend: backend, Device: dev, Ring: audio.NewRingBuffer(1)})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}

	_, err = Start(context.Background(), Config{Backend: backend, Device: dev, Ring: audio.NewRingBuffer(1)})
	if !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("second Start: got %v, want ErrDeviceBusy", err)
	}
	var se *StreamError
	if !errors.As(err, &se) || se.Device != "busy-mic" {
		t.Errorf("expected *StreamError for busy-mic, got %#v", err)
	}

	if err := first.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	again, err := Start(context.Background(), Config{Backend: backend, Device: dev, Ring: audio.NewRingBuffer(1)})
	if err != nil {
		t.Fatalf("Start after release: %v", err)
	}
	_ = again.Stop()
}

func TestStart_FormatUnsupportedIsNotRetried(t *testing.T) {
	t.Parallel()
	backend := &mock.Backend{OpenError: fmt.Errorf("malgo: %w", device.ErrFormatUnsupported)}

	_, err := Start(context.Background(), Config{
		Backend:   backend,
		Device:    testDevice("fmt-mic"),
		Ring:      audio.NewRingBuffer(1),
		Reconnect: fastReconnect(),
	})
	if !errors.Is(err, device.ErrFormatUnsupported) {
		t.Fatalf("got %v, want ErrFormatUnsupported", err)
	}
	if n := backend.OpenCallCount(); n != 1 {
		t.Errorf("Open called %d times, want 1", n)
	}
	// The claim must have been released.
	if err := claim("fmt-mic"); err != nil {
		t.Errorf("device still claimed: %v", err)
	}
	release("fmt-mic")
}

func TestStream_ReconnectKeepsSequence(t *testing.T) {
	t.Parallel()
	backend := &mock.Backend{
		// Initial open succeeds, the first reconnect attempt fails.
		OpenErrors: []error{nil, errors.New("device gone")},
	}
	ring := audio.NewRingBuffer(16)
	events := make(chan Event, 8)

	s, err := Start(t.Context(), Config{
		Backend:   backend,
		Device:    testDevice("reconnect-mic"),
		Role:      types.RoleCounterpart,
		Hint:      audio.Canonical,
		Ring:      ring,
		Reconnect: fastReconnect(),
		OnEvent:   func(ev Event) { events <- ev },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	first := backend.LastStream()
	first.Emit([]byte{0, 0})
	first.Emit([]byte{0, 0})
	first.Fail(device.ErrDeviceDisconnected)

	dis := waitEvent(t, events, EventDisconnected)
	if !errors.Is(dis.Err, device.ErrDeviceDisconnected) {
		t.Errorf("disconnect event error = %v", dis.Err)
	}
	if dis.Seq != 2 {
		t.Errorf("disconnect event Seq = %d, want 2", dis.Seq)
	}
	rec := waitEvent(t, events, EventReconnected)
	if rec.Attempt != 2 {
		t.Errorf("reconnected on attempt %d, want 2", rec.Attempt)
	}
	if first.Running() {
		t.Error("failed stream should have been stopped")
	}

	second := backend.LastStream()
	if second == first {
		t.Fatal("expected a new device stream")
	}
	second.Emit([]byte{0, 0})

	var seqs []uint64
	for range 3 {
		b, err := ring.PopWithTimeout(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		seqs = append(seqs, b.Seq)
	}
	if fmt.Sprint(seqs) != "[1 2 3]" {
		t.Errorf("sequence across reconnect = %v, want [1 2 3]", seqs)
	}
	if ring.Stats().Gaps != 0 {
		t.Errorf("unexpected sequence gaps: %d", ring.Stats().Gaps)
	}
}

func TestStream_RetriesExhausted(t *testing.T) {
	t.Parallel()
	gone := errors.New("device gone")
	backend := &mock.Backend{OpenErrors: []error{nil, gone, gone, gone}}
	events := make(chan Event, 8)

	s, err := Start(t.Context(), Config{
		Backend:   backend,
		Device:    testDevice("exhaust-mic"),
		Ring:      audio.NewRingBuffer(4),
		Reconnect: fastReconnect(),
		OnEvent:   func(ev Event) { events <- ev },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	backend.LastStream().Fail(device.ErrDeviceDisconnected)

	ev := waitEvent(t, events, EventFailed)
	if !errors.Is(ev.Err, ErrRetriesExhausted) {
		t.Errorf("failed event error = %v, want ErrRetriesExhausted", ev.Err)
	}
	if !errors.Is(ev.Err, gone) {
		t.Errorf("failed event should carry the last open error, got %v", ev.Err)
	}
	var se *StreamError
	if !errors.As(ev.Err, &se) || se.Op != "reconnect" {
		t.Errorf("expected *StreamError op=reconnect, got %#v", ev.Err)
	}
	if n := backend.OpenCallCount(); n != 4 {
		t.Errorf("Open called %d times, want 4", n)
	}
}

func TestStream_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	backend := &mock.Backend{}
	s, err := Start(context.Background(), Config{Backend: backend, Device: testDevice("stop-mic"), Ring: audio.NewRingBuffer(1)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ms := backend.LastStream()

	for range 2 {
		if err := s.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if ms.Running() {
		t.Error("device stream still running after Stop")
	}
	if ms.Emit([]byte{0, 0}) {
		t.Error("stopped stream accepted data")
	}
}

func TestReconnector_Defaults(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{DeviceID: "dev"})

	if r.maxRetries != 10 {
		t.Errorf("expected default maxRetries=10, got %d", r.maxRetries)
	}
	if r.backoff != 1*time.Second {
		t.Errorf("expected default backoff=1s, got %v", r.backoff)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("expected default maxBackoff=30s, got %v", r.maxBackoff)
	}
}

func TestReconnector_ExponentialBackoff(t *testing.T) {
	var dials atomic.Int32
	var stamps []time.Time
	reconnected := make(chan int, 1)

	r := NewReconnector(ReconnectorConfig{
		ReconnectConfig: ReconnectConfig{MaxRetries: 5, Backoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond},
		DeviceID:        "dev",
		Dial: func(context.Context) (device.Stream, error) {
			stamps = append(stamps, time.Now())
			n := dials.Add(1)
			if n == 1 || n > 4 {
				return &mock.Stream{}, nil
			}
			return nil, errors.New("not yet")
		},
		OnReconnect: func(_ device.Stream, attempt int) { reconnected <- attempt },
	})

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Monitor(t.Context())
	r.NotifyDisconnect()

	select {
	case attempt := <-reconnected:
		if attempt != 4 {
			t.Errorf("reconnected on attempt %d, want 4", attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnReconnect to be called")
	}
	_ = r.Stop()

	// stamps[1..4] are the reconnect attempts; waits are 5ms, 10ms, 20ms.
	if len(stamps) != 5 {
		t.Fatalf("expected 5 dials, got %d", len(stamps))
	}
	if gap := stamps[4].Sub(stamps[3]); gap < 15*time.Millisecond {
		t.Errorf("third backoff = %v, want >= ~20ms", gap)
	}
	if r.Stream() != nil {
		t.Error("Stream should be nil after Stop")
	}
}

func TestReconnector_StopDuringBackoff(t *testing.T) {
	var dials atomic.Int32
	r := NewReconnector(ReconnectorConfig{
		ReconnectConfig: ReconnectConfig{MaxRetries: 5, Backoff: time.Hour},
		DeviceID:        "dev",
		Dial: func(context.Context) (device.Stream, error) {
			if dials.Add(1) == 1 {
				return &mock.Stream{}, nil
			}
			return nil, errors.New("still gone")
		},
	})
	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Monitor(t.Context())
	r.NotifyDisconnect()

	deadline := time.Now().Add(time.Second)
	for dials.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		_ = r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked while the monitor was backing off")
	}
}
