package synthetic_test

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/audio/device"
	"github.com/MrWong99/callscribe/pkg/audio/device/synthetic"
	"github.com/MrWong99/callscribe/pkg/types"
)

type collector struct {
	mu     sync.Mutex
	blocks [][]byte
	errs   []error
	errCh  chan struct{}
}

func newCollector() *collector { return &collector{errCh: make(chan struct{}, 8)} }

func (c *collector) callbacks() device.Callbacks {
	return device.Callbacks{
		Data: func(data []byte, _ audio.Format) {
			c.mu.Lock()
			c.blocks = append(c.blocks, append([]byte(nil), data...))
			c.mu.Unlock()
		},
		Error: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
			c.errCh <- struct{}{}
		},
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

// peak returns the largest absolute F32 sample across all blocks.
func (c *collector) peak() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var p float64
	for _, b := range c.blocks {
		for i := 0; i+4 <= len(b); i += 4 {
			v := math.Abs(float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i:]))))
			p = max(p, v)
		}
	}
	return p
}

func waitBlocks(t *testing.T, c *collector, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("got %d blocks, want at least %d", c.count(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func open(t *testing.T, b *synthetic.Backend, id string, c *collector) device.Stream {
	t.Helper()
	s, err := b.Open(t.Context(), device.AudioDevice{ID: id}, audio.Format{}, c.callbacks())
	if err != nil {
		t.Fatalf("Open(%q): %v", id, err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestDefaultDevices_Classify(t *testing.T) {
	t.Parallel()
	infos, err := synthetic.New().Devices(t.Context())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	roles := map[string]types.ChannelRole{}
	for _, info := range infos {
		if info.DefaultFormat.Validate() != nil {
			t.Errorf("%s: default format %v invalid", info.ID, info.DefaultFormat)
		}
		roles[info.ID] = device.Classify(info).Role
	}
	if roles["synthetic-mic"] != types.RolePrimary {
		t.Errorf("synthetic-mic role = %q", roles["synthetic-mic"])
	}
	if roles["synthetic-mix"] != types.RoleCounterpart {
		t.Errorf("synthetic-mix role = %q", roles["synthetic-mix"])
	}
}

func TestStream_DeliversBlocks(t *testing.T) {
	t.Parallel()
	f := audio.Format{Sample: audio.FormatF32, SampleRate: 48000, Channels: 2}
	b := synthetic.New(
		synthetic.WithSpeed(10),
		synthetic.WithFormat(f),
		synthetic.WithDevice(synthetic.DeviceSpec{
			Info:   device.Info{ID: "tone", Direction: device.DirectionInput},
			Script: []synthetic.Segment{{Kind: synthetic.Tone, Duration: time.Minute, Frequency: 440, Amplitude: 0.5}},
		}),
	)
	c := newCollector()
	s := open(t, b, "tone", c)
	if s.Format() != f {
		t.Errorf("Format = %v, want %v", s.Format(), f)
	}
	waitBlocks(t, c, 5)

	c.mu.Lock()
	size := len(c.blocks[0])
	c.mu.Unlock()
	// 10ms at 48kHz stereo float.
	if want := 480 * f.FrameBytes(); size != want {
		t.Errorf("block size = %d, want %d", size, want)
	}
	if p := c.peak(); p < 0.45 || p > 0.5001 {
		t.Errorf("peak = %.3f, want about 0.5", p)
	}

	_ = s.Stop()
	n := c.count()
	time.Sleep(20 * time.Millisecond)
	if c.count() != n {
		t.Error("data delivered after Stop")
	}
}

func TestStream_ScriptedDisconnectResumes(t *testing.T) {
	t.Parallel()
	b := synthetic.New(
		synthetic.WithSpeed(10),
		synthetic.WithDevice(synthetic.DeviceSpec{
			Info: device.Info{ID: "flaky", Direction: device.DirectionInput},
			Script: []synthetic.Segment{
				{Kind: synthetic.Silence, Duration: 30 * time.Millisecond},
				{Kind: synthetic.Disconnect},
				{Kind: synthetic.Tone, Duration: time.Minute, Frequency: 300, Amplitude: 0.4},
			},
		}),
	)

	first := newCollector()
	s := open(t, b, "flaky", first)
	select {
	case <-first.errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect reported")
	}
	if !errors.Is(first.errs[0], device.ErrDeviceDisconnected) {
		t.Errorf("err = %v, want ErrDeviceDisconnected", first.errs[0])
	}
	if first.peak() != 0 {
		t.Error("silence segment produced signal")
	}
	_ = s.Stop()

	second := newCollector()
	open(t, b, "flaky", second)
	waitBlocks(t, second, 3)
	if p := second.peak(); p < 0.3 {
		t.Errorf("reopened stream should resume with the tone, peak = %.3f", p)
	}
}

func TestBackend_SetUnavailable(t *testing.T) {
	t.Parallel()
	b := synthetic.New()
	b.SetUnavailable("synthetic-mic", 2)

	for i := range 2 {
		_, err := b.Open(t.Context(), device.AudioDevice{ID: "synthetic-mic"}, audio.Format{}, device.Callbacks{})
		if !errors.Is(err, device.ErrDeviceDisconnected) {
			t.Fatalf("attempt %d: err = %v, want ErrDeviceDisconnected", i, err)
		}
	}
	s, err := b.Open(t.Context(), device.AudioDevice{ID: "synthetic-mic"}, audio.Format{}, device.Callbacks{})
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	_ = s.Stop()
}

func TestBackend_DisconnectActiveStream(t *testing.T) {
	t.Parallel()
	b := synthetic.New(synthetic.WithSpeed(10))
	c := newCollector()
	open(t, b, "synthetic-mix", c)
	waitBlocks(t, c, 1)

	b.Disconnect("synthetic-mix")
	select {
	case <-c.errCh:
	case <-time.After(time.Second):
		t.Fatal("Disconnect did not report an error")
	}
	n := c.count()
	time.Sleep(20 * time.Millisecond)
	if c.count() != n {
		t.Error("a disconnected stream kept delivering data")
	}
}

func TestBackend_OpenUnknownDevice(t *testing.T) {
	t.Parallel()
	_, err := synthetic.New().Open(t.Context(), device.AudioDevice{ID: "nope"}, audio.Format{}, device.Callbacks{})
	if !errors.Is(err, device.ErrDeviceDisconnected) {
		t.Fatalf("err = %v, want ErrDeviceDisconnected", err)
	}
}
