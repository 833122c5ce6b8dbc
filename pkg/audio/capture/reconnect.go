package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio/device"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ReconnectConfig holds the backoff parameters of a [Reconnector]. Zero
// fields take the defaults: 10 retries, 1s initial backoff, 30s cap.
type ReconnectConfig struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Reconnector keeps a device stream alive. The initial stream is opened by
// [Reconnector.Connect]; [Reconnector.Monitor] starts a goroutine that waits
// for [Reconnector.NotifyDisconnect], tears the failed stream down and reopens
// the device with exponential backoff.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dial         func(context.Context) (device.Stream, error)
	deviceID     string
	maxRetries   int
	backoff      time.Duration
	maxBackoff   time.Duration
	onDisconnect func()
	onReconnect  func(device.Stream, int)
	onGiveUp     func(error)

	mu           sync.Mutex
	stream       device.Stream
	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	ReconnectConfig

	// Dial opens (but does not start) a stream on the device.
	Dial func(ctx context.Context) (device.Stream, error)

	// DeviceID is used for logging only.
	DeviceID string

	// OnDisconnect is called from the monitor goroutine when a disconnect
	// notification is picked up, before the first attempt. May be nil.
	OnDisconnect func()

	// OnReconnect is called after a successful reconnection with the new,
	// already started stream and the attempt number. May be nil.
	OnReconnect func(s device.Stream, attempt int)

	// OnGiveUp is called once when reconnection is abandoned, with an error
	// wrapping [ErrRetriesExhausted] or the non-retryable cause. May be nil.
	OnGiveUp func(err error)
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		dial:         cfg.Dial,
		deviceID:     cfg.DeviceID,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onDisconnect: cfg.OnDisconnect,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect opens and starts the initial stream.
func (r *Reconnector) Connect(ctx context.Context) (device.Stream, error) {
	s, err := r.open(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.stream = s
	r.mu.Unlock()

	return s, nil
}

func (r *Reconnector) open(ctx context.Context) (device.Stream, error) {
	s, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		_ = s.Stop()
		return nil, fmt.Errorf("start stream: %w", err)
	}
	return s, nil
}

// Monitor starts watching for disconnects in a background goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.monitorLoop(ctx)
	}()
}

// NotifyDisconnect signals the monitor that the stream has failed. It never
// blocks, so it may be called from a backend callback. Only the first call
// per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring, waits for an in-flight reconnect to finish and stops
// the current stream. Safe to call multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()

	r.mu.Lock()
	s := r.stream
	r.stream = nil
	r.mu.Unlock()

	if s != nil {
		return s.Stop()
	}
	return nil
}

// Stream returns the current stream. It returns nil while reconnecting.
func (r *Reconnector) Stream() device.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

// monitorLoop waits for disconnect notifications and attempts reconnection.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			if !r.attemptReconnect(ctx) {
				return
			}
		}
	}
}

// attemptReconnect stops the failed stream and reopens the device with
// exponential backoff. It returns false when monitoring should end.
func (r *Reconnector) attemptReconnect(ctx context.Context) bool {
	// The device is exclusive, so the failed stream must be released before
	// the device can be reopened.
	r.mu.Lock()
	old := r.stream
	r.stream = nil
	r.mu.Unlock()
	if old != nil {
		_ = old.Stop()
	}
	if r.onDisconnect != nil {
		r.onDisconnect()
	}

	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		default:
		}

		slog.Info("attempting device reconnection",
			"device", r.deviceID,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		s, err := r.open(ctx)
		if err == nil {
			r.mu.Lock()
			r.stream = s
			r.mu.Unlock()

			// Drop any disconnect reported by the stream that was just
			// replaced.
			select {
			case <-r.disconnected:
			default:
			}

			slog.Info("device reconnection successful",
				"device", r.deviceID,
				"attempt", attempt,
			)

			if r.onReconnect != nil {
				r.onReconnect(s, attempt)
			}
			return true
		}
		lastErr = err

		if errors.Is(err, device.ErrFormatUnsupported) {
			slog.Error("device reopened with unsupported format; giving up",
				"device", r.deviceID,
				"error", err,
			)
			r.giveUp(err)
			return false
		}

		slog.Warn("device reconnection attempt failed",
			"device", r.deviceID,
			"attempt", attempt,
			"error", err,
		)

		// Wait before retrying.
		select {
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		case <-time.After(currentBackoff):
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("device reconnection failed after max retries",
		"device", r.deviceID,
		"max_retries", r.maxRetries,
	)
	r.giveUp(fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.maxRetries, lastErr))
	return false
}

func (r *Reconnector) giveUp(err error) {
	if r.onGiveUp != nil {
		r.onGiveUp(err)
	}
}
