// Package malgo implements [device.Backend] on miniaudio through
// github.com/gen2brain/malgo.
//
// Input endpoints are opened as plain captures. On Windows, output endpoints
// are also listed and opened in WASAPI loopback mode, so the counterpart
// channel records what the speakers play. Elsewhere, loopback is reached
// through monitor sources (PulseAudio "Monitor of ...", BlackHole and the
// like), which appear as ordinary inputs and are classified by name.
//
// Disconnects are detected through the device stop notification: a stop
// that was not requested through [device.Stream.Stop] is reported as
// [device.ErrDeviceDisconnected].
package malgo

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/audio/device"
)

// Config configures a [Backend].
type Config struct {
	// PeriodMs is the requested callback period. Default: 10.
	PeriodMs int

	// Loopback lists output endpoints as loopback-capable. Defaults to true
	// on Windows, where WASAPI supports it.
	Loopback *bool

	// Log receives miniaudio's diagnostic messages at debug level. Nil uses
	// slog.Default().
	Log *slog.Logger
}

// Backend is a miniaudio context. Safe for concurrent use.
type Backend struct {
	ctx      *malgo.AllocatedContext
	period   uint32
	loopback bool
	log      *slog.Logger

	mu  sync.Mutex
	ids map[string]*malgo.DeviceID
}

// New initialises a miniaudio context with the platform's default backends.
func New(cfg Config) (*Backend, error) {
	if cfg.PeriodMs <= 0 {
		cfg.PeriodMs = 10
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	loopback := runtime.GOOS == "windows"
	if cfg.Loopback != nil {
		loopback = *cfg.Loopback
	}
	log := cfg.Log.With("backend", "malgo")

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Backend{
		ctx:      ctx,
		period:   uint32(cfg.PeriodMs),
		loopback: loopback,
		log:      log,
		ids:      make(map[string]*malgo.DeviceID),
	}, nil
}

// Devices implements [device.Backend]. Output endpoints are included only
// when loopback capture is available.
func (b *Backend) Devices(_ context.Context) ([]device.Info, error) {
	captures, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo: list capture devices: %w", err)
	}
	var playbacks []malgo.DeviceInfo
	if b.loopback {
		playbacks, err = b.ctx.Devices(malgo.Playback)
		if err != nil {
			return nil, fmt.Errorf("malgo: list playback devices: %w", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]device.Info, 0, len(captures)+len(playbacks))
	for _, d := range captures {
		out = append(out, b.remember(d, device.DirectionInput))
	}
	for _, d := range playbacks {
		out = append(out, b.remember(d, device.DirectionOutput))
	}
	return out, nil
}

// remember records the native id behind the string handle. Callers hold mu.
func (b *Backend) remember(d malgo.DeviceInfo, dir device.Direction) device.Info {
	id := deviceKey(dir, d.ID.String())
	nid := d.ID
	b.ids[id] = &nid
	return device.Info{
		ID:               id,
		Name:             d.Name(),
		Direction:        dir,
		IsDefault:        d.IsDefault != 0,
		SupportsLoopback: dir == device.DirectionOutput,
	}
}

// Open implements [device.Backend]. The hint is requested from miniaudio,
// which converts internally when the endpoint runs at another format, so
// the delivered format normally equals a supported hint.
func (b *Backend) Open(_ context.Context, dev device.AudioDevice, hint audio.Format, cb device.Callbacks) (device.Stream, error) {
	b.mu.Lock()
	nid, ok := b.ids[dev.ID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("malgo: open %q: %w", dev.ID, device.ErrDeviceDisconnected)
	}

	kind := malgo.Capture
	if dev.Direction == device.DirectionOutput {
		kind = malgo.Loopback
	}
	cfg := deviceConfig(kind, hint, b.period)
	cfg.Capture.DeviceID = nid.Pointer()

	s := &stream{log: b.log.With("device", dev.ID), cb: cb}
	dv, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: open %q: %w: %v", dev.ID, device.ErrDeviceDisconnected, err)
	}
	f, ok := fromMalgoFormat(dv.CaptureFormat())
	if !ok {
		dv.Uninit()
		return nil, fmt.Errorf("malgo: open %q: %w: sample format %v", dev.ID, device.ErrFormatUnsupported, dv.CaptureFormat())
	}
	s.dev = dv
	s.format = audio.Format{Sample: f, SampleRate: int(dv.SampleRate()), Channels: int(dv.CaptureChannels())}
	if err := s.format.Validate(); err != nil {
		dv.Uninit()
		return nil, fmt.Errorf("malgo: open %q: %w: %v", dev.ID, device.ErrFormatUnsupported, err)
	}
	return s, nil
}

// Close implements [device.Backend].
func (b *Backend) Close() error {
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	b.ctx.Free()
	return nil
}

// deviceKey namespaces ids so an endpoint listed for both capture and
// loopback gets two distinct handles.
func deviceKey(dir device.Direction, native string) string {
	if dir == device.DirectionOutput {
		return "out:" + native
	}
	return "in:" + native
}

func deviceConfig(kind malgo.DeviceType, hint audio.Format, periodMs uint32) malgo.DeviceConfig {
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.PeriodSizeInMilliseconds = periodMs
	if f, ok := toMalgoFormat(hint.Sample); ok {
		cfg.Capture.Format = f
	}
	if hint.Channels > 0 {
		cfg.Capture.Channels = uint32(hint.Channels)
	}
	if hint.SampleRate > 0 {
		cfg.SampleRate = uint32(hint.SampleRate)
	}
	return cfg
}

func toMalgoFormat(f audio.SampleFormat) (malgo.FormatType, bool) {
	switch f {
	case audio.FormatU8:
		return malgo.FormatU8, true
	case audio.FormatS16:
		return malgo.FormatS16, true
	case audio.FormatS32:
		return malgo.FormatS32, true
	case audio.FormatF32:
		return malgo.FormatF32, true
	}
	return malgo.FormatUnknown, false
}

func fromMalgoFormat(f malgo.FormatType) (audio.SampleFormat, bool) {
	switch f {
	case malgo.FormatU8:
		return audio.FormatU8, true
	case malgo.FormatS16:
		return audio.FormatS16, true
	case malgo.FormatS32:
		return audio.FormatS32, true
	case malgo.FormatF32:
		return audio.FormatF32, true
	}
	return audio.FormatUnknown, false
}

// ─── stream ───────────────────────────────────────────────────────────────────

type stream struct {
	dev    *malgo.Device
	format audio.Format
	cb     device.Callbacks
	log    *slog.Logger

	stopping atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Start() error {
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("malgo: start: %w", err)
	}
	return nil
}

func (s *stream) Stop() error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		if s.dev.IsStarted() {
			if err := s.dev.Stop(); err != nil {
				s.stopErr = fmt.Errorf("malgo: stop: %w", err)
			}
		}
		s.dev.Uninit()
	})
	return s.stopErr
}

func (s *stream) onData(_, input []byte, _ uint32) {
	if s.cb.Data != nil && len(input) > 0 {
		s.cb.Data(input, s.format)
	}
}

// onStop runs on miniaudio's thread for every stop, requested or not.
func (s *stream) onStop() {
	if s.stopping.Load() {
		return
	}
	s.log.Warn("capture device stopped unexpectedly")
	if s.cb.Error != nil {
		s.cb.Error(fmt.Errorf("malgo: %w", device.ErrDeviceDisconnected))
	}
}
