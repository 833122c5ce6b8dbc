// Package synthetic implements a [device.Backend] that generates audio
// instead of reading hardware. Each device plays a script of segments
// (silence, noise, tone, speech-like signal, disconnect) in real time or at a
// configurable speed-up, which makes the full pipeline testable without audio
// hardware and lets operators dry-run a deployment.
package synthetic

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/audio/device"
)

// SegmentKind selects the signal generated for a [Segment].
type SegmentKind string

const (
	Silence    SegmentKind = "silence"
	Noise      SegmentKind = "noise"
	Tone       SegmentKind = "tone"
	Speech     SegmentKind = "speech"
	Disconnect SegmentKind = "disconnect"
)

// Segment is one step of a device script.
type Segment struct {
	Kind     SegmentKind
	Duration time.Duration

	// Frequency is the tone frequency or the speech fundamental in Hz.
	Frequency float64

	// Amplitude is the peak level in [0, 1].
	Amplitude float64
}

// DeviceSpec declares one synthetic device.
type DeviceSpec struct {
	Info device.Info

	// Script is played from the start when the device is first opened and
	// resumed where it left off after a disconnect.
	Script []Segment

	// Loop restarts the script when it ends. Without Loop the device emits
	// silence after the last segment.
	Loop bool
}

// Option configures a [Backend].
type Option func(*Backend)

// WithDevice adds a device.
func WithDevice(spec DeviceSpec) Option {
	return func(b *Backend) { b.specs = append(b.specs, spec) }
}

// WithSpeed plays scripts speed times faster than real time. Default: 1.
func WithSpeed(speed float64) Option {
	return func(b *Backend) {
		if speed > 0 {
			b.speed = speed
		}
	}
}

// WithBlockDuration sets the callback block duration. Default: 10ms.
func WithBlockDuration(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.block = d
		}
	}
}

// WithFormat sets the format delivered by every device. Default: 48 kHz
// stereo float32, the typical native format of desktop audio endpoints.
func WithFormat(f audio.Format) Option {
	return func(b *Backend) { b.format = f }
}

// Backend generates audio for scripted devices. It is safe for concurrent use.
type Backend struct {
	specs  []DeviceSpec
	speed  float64
	block  time.Duration
	format audio.Format

	mu          sync.Mutex
	cursors     map[string]*cursor
	unavailable map[string]int
	active      map[string]*stream
}

// New returns a Backend. Without [WithDevice] options it exposes a default
// microphone and a default stereo-mix loopback device.
func New(opts ...Option) *Backend {
	b := &Backend{
		speed:       1,
		block:       10 * time.Millisecond,
		format:      audio.Format{Sample: audio.FormatF32, SampleRate: 48000, Channels: 2},
		cursors:     make(map[string]*cursor),
		unavailable: make(map[string]int),
		active:      make(map[string]*stream),
	}
	for _, o := range opts {
		o(b)
	}
	if len(b.specs) == 0 {
		b.specs = DefaultDevices()
	}
	return b
}

// DefaultDevices returns a microphone with a 180 Hz voice and a stereo-mix
// device with a 120 Hz voice, both alternating speech and pauses forever.
func DefaultDevices() []DeviceSpec {
	talk := func(f0 float64) []Segment {
		return []Segment{
			{Kind: Silence, Duration: 1500 * time.Millisecond},
			{Kind: Speech, Duration: 2500 * time.Millisecond, Frequency: f0, Amplitude: 0.3},
			{Kind: Noise, Duration: 1500 * time.Millisecond, Amplitude: 0.0005},
		}
	}
	return []DeviceSpec{
		{
			Info:   device.Info{ID: "synthetic-mic", Name: "Synthetic Microphone", Direction: device.DirectionInput, IsDefault: true},
			Script: talk(180),
			Loop:   true,
		},
		{
			Info:   device.Info{ID: "synthetic-mix", Name: "Synthetic Stereo Mix", Direction: device.DirectionInput},
			Script: talk(120),
			Loop:   true,
		},
	}
}

// Devices implements [device.Backend].
func (b *Backend) Devices(_ context.Context) ([]device.Info, error) {
	out := make([]device.Info, 0, len(b.specs))
	for _, s := range b.specs {
		info := s.Info
		if info.DefaultFormat == (audio.Format{}) {
			info.DefaultFormat = b.format
		}
		out = append(out, info)
	}
	return out, nil
}

// SetUnavailable makes the next n Open calls for id fail as if the device had
// vanished.
func (b *Backend) SetUnavailable(id string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable[id] = n
}

// Disconnect simulates the device id disappearing mid-stream. It reports
// [device.ErrDeviceDisconnected] on the active stream, if any.
func (b *Backend) Disconnect(id string) {
	b.mu.Lock()
	s := b.active[id]
	b.mu.Unlock()
	if s != nil {
		s.fail(fmt.Errorf("synthetic %q: %w", id, device.ErrDeviceDisconnected))
	}
}

// Open implements [device.Backend]. The hint is ignored; streams always
// deliver the backend format.
func (b *Backend) Open(_ context.Context, dev device.AudioDevice, _ audio.Format, cb device.Callbacks) (device.Stream, error) {
	var spec *DeviceSpec
	for i := range b.specs {
		if b.specs[i].Info.ID == dev.ID {
			spec = &b.specs[i]
			break
		}
	}
	if spec == nil {
		return nil, fmt.Errorf("synthetic: open %q: %w", dev.ID, device.ErrDeviceDisconnected)
	}
	if err := b.format.Validate(); err != nil {
		return nil, fmt.Errorf("synthetic: %w: %v", device.ErrFormatUnsupported, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if n := b.unavailable[dev.ID]; n > 0 {
		b.unavailable[dev.ID] = n - 1
		return nil, fmt.Errorf("synthetic: open %q: %w", dev.ID, device.ErrDeviceDisconnected)
	}
	cur, ok := b.cursors[dev.ID]
	if !ok {
		cur = &cursor{spec: spec, rng: rand.New(rand.NewPCG(uint64(len(dev.ID)), 7))}
		b.cursors[dev.ID] = cur
	}
	s := &stream{
		backend: b,
		id:      dev.ID,
		cur:     cur,
		format:  b.format,
		cb:      cb,
		block:   b.block,
		speed:   b.speed,
		done:    make(chan struct{}),
	}
	b.active[dev.ID] = s
	return s, nil
}

// Close implements [device.Backend].
func (b *Backend) Close() error { return nil }

func (b *Backend) release(id string, s *stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active[id] == s {
		delete(b.active, id)
	}
}

// ─── stream ───────────────────────────────────────────────────────────────────

type stream struct {
	backend *Backend
	id      string
	cur     *cursor
	format  audio.Format
	cb      device.Callbacks
	block   time.Duration
	speed   float64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	// dead is set once the stream reported a failure; a vanished device
	// delivers no more data.
	dead atomic.Bool
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Start() error {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
	return nil
}

func (s *stream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.backend.release(s.id, s)
	})
	return nil
}

func (s *stream) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if s.dead.Swap(true) {
		return
	}
	if s.cb.Error != nil {
		s.cb.Error(err)
	}
}

func (s *stream) run() {
	defer s.wg.Done()
	frames := int(int64(s.format.SampleRate) * int64(s.block) / int64(time.Second))
	buf := make([]byte, frames*s.format.FrameBytes())
	ticker := time.NewTicker(time.Duration(float64(s.block) / s.speed))
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if s.dead.Load() {
			continue
		}
		if s.cur.fill(buf, s.format, frames) {
			// Script hit a disconnect segment: report it and go quiet until
			// stopped, like a device that vanished.
			s.fail(fmt.Errorf("synthetic %q: %w", s.id, device.ErrDeviceDisconnected))
			<-s.done
			return
		}
		if s.cb.Data != nil {
			s.cb.Data(buf, s.format)
		}
	}
}

// ─── signal generation ───────────────────────────────────────────────────────

// cursor tracks the playback position within a device script. It survives
// reconnects so a reopened device continues where it stopped.
type cursor struct {
	spec    *DeviceSpec
	seg     int
	elapsed int // samples into the current segment
	phase   float64
	t       int64
	rng     *rand.Rand
}

// fill writes frames of audio into buf. It returns true when a disconnect
// segment is reached; the segment is consumed so the next stream resumes
// after it.
func (c *cursor) fill(buf []byte, f audio.Format, frames int) bool {
	bps := f.Sample.BytesPerSample()
	for i := range frames {
		seg, disconnect := c.current(f.SampleRate)
		if disconnect {
			return true
		}
		v := c.sample(seg, f.SampleRate)
		for ch := range f.Channels {
			encode(buf[(i*f.Channels+ch)*bps:], f.Sample, v)
		}
		c.elapsed++
		c.t++
	}
	return false
}

// current returns the active segment, advancing past finished ones.
func (c *cursor) current(rate int) (Segment, bool) {
	script := c.spec.Script
	for {
		if c.seg >= len(script) {
			if c.spec.Loop && len(script) > 0 {
				c.seg = 0
				continue
			}
			return Segment{Kind: Silence}, false
		}
		seg := script[c.seg]
		if seg.Kind == Disconnect {
			c.seg++
			c.elapsed = 0
			return seg, true
		}
		n := int(int64(seg.Duration) * int64(rate) / int64(time.Second))
		if c.elapsed < n {
			return seg, false
		}
		c.seg++
		c.elapsed = 0
	}
}

const harmonics = 5

func (c *cursor) sample(seg Segment, rate int) float32 {
	ts := float64(c.t) / float64(rate)
	switch seg.Kind {
	case Noise:
		return float32(seg.Amplitude * (2*c.rng.Float64() - 1))
	case Tone:
		c.phase += 2 * math.Pi * seg.Frequency / float64(rate)
		return float32(seg.Amplitude * math.Sin(c.phase))
	case Speech:
		// Harmonic voice with slight vibrato, shaped by a 4 Hz syllable
		// envelope that never fully closes.
		f0 := seg.Frequency * (1 + 0.03*math.Sin(2*math.Pi*3*ts))
		c.phase += 2 * math.Pi * f0 / float64(rate)
		var v, norm float64
		for h := 1; h <= harmonics; h++ {
			w := 1 / float64(h)
			v += w * math.Sin(float64(h)*c.phase)
			norm += w
		}
		env := 0.3 + 0.7*0.5*(1-math.Cos(2*math.Pi*4*ts))
		return float32(seg.Amplitude * env * v / norm)
	}
	return 0
}

func encode(b []byte, f audio.SampleFormat, v float32) {
	switch f {
	case audio.FormatF32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	case audio.FormatS16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v*32767)))
	case audio.FormatS32:
		binary.LittleEndian.PutUint32(b, uint32(int32(float64(v)*2147483647)))
	case audio.FormatU8:
		b[0] = byte(int(v*127) + 128)
	}
}

// Ensure Backend implements device.Backend at compile time.
var _ device.Backend = (*Backend)(nil)
