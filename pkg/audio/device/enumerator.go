package device

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode"

	"github.com/MrWong99/callscribe/pkg/types"
)

// loopbackNames are substrings of endpoint names that mirror system output
// as a capturable input (Windows "Stereo Mix", PulseAudio "Monitor of ...").
var loopbackNames = []string{"stereo mix", "what u hear", "loopback", "wave out mix", "monitor of"}

// micWords are whole words that mark a microphone. "mic" must not match
// inside "Microsoft" or "Mickey".
var micWords = []string{"microphone", "microphones", "mic", "mics"}

var outputNames = []string{"speakers", "headphones"}

// Enumerator lists and selects devices from a [Backend]. Every call to List
// re-queries the backend, so the result is a fresh snapshot rather than a
// live subscription.
type Enumerator struct {
	backend Backend
}

// NewEnumerator returns an Enumerator over b.
func NewEnumerator(b Backend) *Enumerator {
	return &Enumerator{backend: b}
}

// Backend returns the underlying backend.
func (e *Enumerator) Backend() Backend { return e.backend }

// List returns all devices currently reported by the backend, classified by
// role.
func (e *Enumerator) List(ctx context.Context) ([]AudioDevice, error) {
	infos, err := e.backend.Devices(ctx)
	if err != nil {
		return nil, &DeviceError{Op: "list", Err: err}
	}
	out := make([]AudioDevice, 0, len(infos))
	for _, info := range infos {
		out = append(out, Classify(info))
	}
	return out, nil
}

// Select picks the device for role. When id is empty, the default device for
// that role is chosen: the OS default microphone for [types.RolePrimary],
// then any microphone, then the OS default input even when its name does
// not identify it; for
// [types.RoleCounterpart] a dedicated loopback device first, then a
// loopback-capable default output, then any loopback-capable output.
//
// Errors wrap [ErrNotFound] or, for the counterpart role, [ErrNoCompatibleDevice].
func (e *Enumerator) Select(ctx context.Context, role types.ChannelRole, id string) (AudioDevice, error) {
	devices, err := e.List(ctx)
	if err != nil {
		return AudioDevice{}, err
	}
	if len(devices) == 0 {
		return AudioDevice{}, &DeviceError{Op: "select", Role: role, Err: ErrNoDevices}
	}

	if id != "" {
		for _, d := range devices {
			if d.ID != id {
				continue
			}
			if role == types.RoleCounterpart && d.Role != types.RoleCounterpart {
				return AudioDevice{}, &DeviceError{Op: "select", Role: role, ID: id, Err: ErrNoCompatibleDevice}
			}
			if role == types.RolePrimary && d.Direction != DirectionInput {
				return AudioDevice{}, &DeviceError{Op: "select", Role: role, ID: id,
					Err: fmt.Errorf("%w: %q is an output device", ErrNotFound, d.Name)}
			}
			return d, nil
		}
		return AudioDevice{}, &DeviceError{Op: "select", Role: role, ID: id, Err: ErrNotFound}
	}

	switch role {
	case types.RolePrimary:
		if d, ok := pick(devices, func(d AudioDevice) bool { return d.Role == types.RolePrimary && d.IsDefault }); ok {
			return d, nil
		}
		if d, ok := pick(devices, func(d AudioDevice) bool { return d.Role == types.RolePrimary }); ok {
			return d, nil
		}
		if d, ok := pick(devices, func(d AudioDevice) bool {
			return d.Direction == DirectionInput && d.Role == types.RoleUnassigned && d.IsDefault
		}); ok {
			return d, nil
		}
		return AudioDevice{}, &DeviceError{Op: "select", Role: role, Err: ErrNotFound}

	case types.RoleCounterpart:
		if d, ok := pick(devices, func(d AudioDevice) bool { return d.Kind == KindLoopback }); ok {
			return d, nil
		}
		if d, ok := pick(devices, func(d AudioDevice) bool { return d.Role == types.RoleCounterpart && d.IsDefault }); ok {
			return d, nil
		}
		if d, ok := pick(devices, func(d AudioDevice) bool { return d.Role == types.RoleCounterpart }); ok {
			return d, nil
		}
		slog.Warn("no loopback-capable device found; counterpart channel unavailable",
			"devices", len(devices),
		)
		return AudioDevice{}, &DeviceError{Op: "select", Role: role, Err: ErrNoCompatibleDevice}
	}
	return AudioDevice{}, &DeviceError{Op: "select", Role: role, Err: fmt.Errorf("%w: invalid role", ErrNotFound)}
}

func pick(devices []AudioDevice, match func(AudioDevice) bool) (AudioDevice, bool) {
	for _, d := range devices {
		if match(d) {
			return d, true
		}
	}
	return AudioDevice{}, false
}

// Classify derives the role and kind of a raw endpoint. OS-reported
// capabilities decide the role; the name only refines the kind, except that
// input endpoints named like a loopback mirror are treated as loopback.
func Classify(info Info) AudioDevice {
	d := AudioDevice{
		ID:               info.ID,
		Name:             info.Name,
		IsDefault:        info.IsDefault,
		SupportsLoopback: info.SupportsLoopback,
		DefaultFormat:    info.DefaultFormat,
		Direction:        info.Direction,
	}
	name := strings.ToLower(info.Name)

	switch info.Direction {
	case DirectionInput:
		switch {
		case containsAny(name, loopbackNames):
			d.Kind = KindLoopback
			d.Role = types.RoleCounterpart
			d.SupportsLoopback = true
		case info.SupportsLoopback:
			d.Kind = KindLoopback
			d.Role = types.RoleCounterpart
		case hasWord(name, micWords):
			d.Kind = KindMicrophone
			d.Role = types.RolePrimary
		default:
			d.Kind = KindUnknown
			d.Role = types.RoleUnassigned
		}
	case DirectionOutput:
		d.Kind = KindSystemOutput
		if !containsAny(name, outputNames) {
			d.Kind = KindUnknown
		}
		if info.SupportsLoopback {
			d.Role = types.RoleCounterpart
		} else {
			d.Role = types.RoleUnassigned
		}
	}
	return d
}

// hasWord reports whether s contains one of words as a whole word.
func hasWord(s string, words []string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if slices.Contains(words, f) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
