// Package device discovers audio endpoints and classifies them by the
// conversation channel they can serve.
//
// The two primary abstractions are:
//
//   - [Backend] — an OS or synthetic audio subsystem that lists raw endpoints
//     and opens capture streams on them.
//   - [Enumerator] — turns a backend's raw endpoint list into classified
//     [AudioDevice] values and selects one per [types.ChannelRole].
//
// Backend implementations live in sub-packages (device/malgo for real
// hardware, device/synthetic for generated signals, device/mock for tests).
// This package lives under pkg/ because third-party backends are expected to
// implement [Backend] and [Stream].
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/types"
)

var (
	// ErrNotFound is returned when a requested device id does not exist or no
	// device can serve the requested role.
	ErrNotFound = errors.New("device not found")

	// ErrNoCompatibleDevice is returned when no loopback-capable device exists
	// for the counterpart channel. Callers fall back to primary-only capture.
	ErrNoCompatibleDevice = errors.New("no loopback-capable device available")

	// ErrNoDevices is returned when the backend reports no devices at all.
	ErrNoDevices = errors.New("no audio devices available")

	// ErrFormatUnsupported is returned by [Backend.Open] when the device cannot
	// deliver any format the converter understands. It is never retried.
	ErrFormatUnsupported = errors.New("audio format unsupported")

	// ErrDeviceDisconnected is passed to [Callbacks.Error] when the device
	// disappears or the OS stops the stream.
	ErrDeviceDisconnected = errors.New("device disconnected")
)

// DeviceError describes an enumeration or selection failure. It is
// recoverable: callers fall back to primary-only capture.
type DeviceError struct {
	Op   string
	Role types.ChannelRole
	ID   string
	Err  error
}

func (e *DeviceError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("device: %s %s %q: %v", e.Op, e.Role, e.ID, e.Err)
	}
	if e.Role != "" {
		return fmt.Sprintf("device: %s %s: %v", e.Op, e.Role, e.Err)
	}
	return fmt.Sprintf("device: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Direction is the data direction of an endpoint as reported by the OS.
type Direction int

const (
	// DirectionInput endpoints produce audio (microphones, monitor sources).
	DirectionInput Direction = iota
	// DirectionOutput endpoints consume audio (speakers, headphones).
	DirectionOutput
)

// Kind is the human-facing classification of a device.
type Kind string

const (
	KindMicrophone   Kind = "microphone"
	KindLoopback     Kind = "loopback"
	KindSystemOutput Kind = "system_output"
	KindUnknown      Kind = "unknown"
)

// Info is a raw endpoint as reported by a [Backend].
type Info struct {
	// ID is the backend's opaque handle. It is stable for the lifetime of the
	// backend but may change across restarts.
	ID string

	// Name is the human-readable name.
	Name string

	Direction Direction

	// IsDefault marks the OS default endpoint for its direction.
	IsDefault bool

	// SupportsLoopback reports that capturing from this endpoint yields the
	// audio being played on it.
	SupportsLoopback bool

	// DefaultFormat is the endpoint's native format; zero if unknown.
	DefaultFormat audio.Format
}

// AudioDevice is a classified endpoint. Values are immutable snapshots.
type AudioDevice struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Role             types.ChannelRole `json:"role"`
	Kind             Kind              `json:"kind"`
	SupportsLoopback bool              `json:"supports_loopback"`
	IsDefault        bool              `json:"is_default"`
	DefaultFormat    audio.Format      `json:"-"`

	// Direction is kept so backends can tell loopback captures of output
	// endpoints apart from plain input captures.
	Direction Direction `json:"-"`
}

// Callbacks receive stream data and errors from a backend. Both are invoked
// on the backend's own thread.
type Callbacks struct {
	// Data receives one block of interleaved samples. The slice is only valid
	// for the duration of the call. Data must return quickly and never block.
	Data func(data []byte, format audio.Format)

	// Error reports asynchronous stream failures. Disconnects are reported
	// with an error wrapping [ErrDeviceDisconnected]. May be nil.
	Error func(err error)
}

// Stream is an open device stream.
type Stream interface {
	// Start begins delivering data to the registered callbacks.
	Start() error

	// Stop halts delivery and releases the device. Safe to call more than once.
	Stop() error

	// Format is the negotiated format of delivered data.
	Format() audio.Format
}

// Backend is the entry point for an audio subsystem.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Devices returns the currently available endpoints.
	Devices(ctx context.Context) ([]Info, error)

	// Open prepares a capture stream on the endpoint identified by dev. For
	// output endpoints with SupportsLoopback, the stream captures what is
	// being played. hint is the preferred format; backends may deliver a
	// different one and report it via [Stream.Format]. Returns an error
	// wrapping [ErrFormatUnsupported] if nothing usable can be negotiated.
	Open(ctx context.Context, dev AudioDevice, hint audio.Format, cb Callbacks) (Stream, error)

	// Close releases backend resources. Streams must be stopped first.
	Close() error
}
