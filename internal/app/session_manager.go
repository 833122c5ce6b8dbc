package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/emit"
	"github.com/MrWong99/callscribe/internal/health"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/pipeline"
	"github.com/MrWong99/callscribe/internal/preprocess"
	"github.com/MrWong99/callscribe/internal/recognize"
	"github.com/MrWong99/callscribe/internal/recording"
	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/internal/transcript/phonetic"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/audio/capture"
	"github.com/MrWong99/callscribe/pkg/audio/device"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Per-engine silence thresholds used when recognizer.silence_threshold_ms is
// unset. Streaming cloud engines endpoint on their own and get more slack.
const (
	localSilenceThreshold     = 1000 * time.Millisecond
	deepgramSilenceThreshold  = 1500 * time.Millisecond
	failedChannelStopDeadline = 5 * time.Second
)

var (
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned by Stop when no session is running.
	ErrNoSession = errors.New("app: no active session")

	// ErrUnknownSession is returned by Stop for a session id that is not the
	// active one.
	ErrUnknownSession = errors.New("app: unknown session")
)

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`

	// Primary is the microphone being captured.
	Primary device.AudioDevice `json:"primary_device"`

	// Counterpart is the loopback device, nil for primary-only sessions.
	Counterpart *device.AudioDevice `json:"counterpart_device,omitempty"`

	// Degraded explains why the session runs primary-only although a
	// counterpart was requested.
	Degraded string `json:"degraded,omitempty"`
}

// SessionManager manages the lifecycle of capture sessions.
// Only one session can be active at a time (enforced by mutex).
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu        sync.Mutex
	active    bool
	info      SessionInfo
	channels  map[types.ChannelRole]*pipeline.Channel
	draining  map[types.ChannelRole]*pipeline.Channel
	corrector *transcript.Corrector
	cancel    context.CancelFunc

	// Dependencies injected at construction.
	cfg       *config.Config
	providers *Providers
	enum      *device.Enumerator
	emitter   *emit.Emitter
	monitor   *health.Monitor
	metrics   *observe.Metrics
	recorder  *recording.Recorder
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers
	Emitter   *emit.Emitter
	Monitor   *health.Monitor
	Metrics   *observe.Metrics

	// Recorder is optional.
	Recorder *recording.Recorder
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:       cfg.Config,
		providers: cfg.Providers,
		enum:      device.NewEnumerator(cfg.Providers.Backend),
		emitter:   cfg.Emitter,
		monitor:   cfg.Monitor,
		metrics:   cfg.Metrics,
		recorder:  cfg.Recorder,
	}
}

// ListDevices returns every capture device with its classified role.
func (sm *SessionManager) ListDevices(ctx context.Context) ([]device.AudioDevice, error) {
	return sm.enum.List(ctx)
}

// Start selects the devices, starts one pipeline per channel and returns the
// new session id. An empty primaryID selects the default microphone. A nil
// counterpartID runs a primary-only session; a pointer to "" selects the
// first loopback device. When the requested counterpart is missing or cannot
// capture loopback audio, the session runs primary-only and is flagged as
// degraded. A missing primary device fails with a [*device.DeviceError].
//
// Returns [ErrSessionActive] if a session is already active.
func (sm *SessionManager) Start(ctx context.Context, primaryID string, counterpartID *string) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return "", fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
	}

	primary, err := sm.enum.Select(ctx, types.RolePrimary, primaryID)
	if err != nil {
		return "", fmt.Errorf("session: select primary device: %w", err)
	}
	var (
		counterpart *device.AudioDevice
		degraded    string
	)
	if counterpartID != nil {
		dev, err := sm.enum.Select(ctx, types.RoleCounterpart, *counterpartID)
		switch {
		case err == nil:
			counterpart = &dev
		case errors.Is(err, device.ErrNotFound), errors.Is(err, device.ErrNoCompatibleDevice):
			degraded = fmt.Sprintf("counterpart unavailable, primary-only: %v", err)
		default:
			return "", fmt.Errorf("session: select counterpart device: %w", err)
		}
	}

	sessionID := uuid.NewString()
	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, sessionID), "session.start")
	defer span.End()

	sm.monitor.Reset(sessionID)
	sm.emitter.Begin(sessionID)
	if degraded != "" {
		sm.monitor.SetDegraded(degraded)
	}
	if sm.recorder != nil {
		if err := sm.recorder.Begin(sessionID); err != nil {
			slog.Warn("session: recording disabled", "session_id", sessionID, "err", err)
		}
	}

	// Channels outlive the request that started them.
	sessionCtx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), sessionID))
	corrector := sm.newCorrector()
	channels := make(map[types.ChannelRole]*pipeline.Channel, 2)

	abort := func(cause error) (string, error) {
		for role, ch := range channels {
			_ = ch.Stop(sessionCtx)
			sm.monitor.Unregister(role)
		}
		cancel()
		sm.endRecording(sessionID)
		span.RecordError(cause)
		return "", cause
	}

	ch, err := pipeline.Start(sessionCtx, sm.channelConfig(sessionID, types.RolePrimary, primary, corrector))
	if err != nil {
		return abort(fmt.Errorf("session: start primary channel: %w", err))
	}
	channels[types.RolePrimary] = ch
	if counterpart != nil {
		ch, err := pipeline.Start(sessionCtx, sm.channelConfig(sessionID, types.RoleCounterpart, *counterpart, corrector))
		if err != nil {
			return abort(fmt.Errorf("session: start counterpart channel: %w", err))
		}
		channels[types.RoleCounterpart] = ch
	}

	sm.active = true
	sm.channels = channels
	sm.corrector = corrector
	sm.cancel = cancel
	sm.info = SessionInfo{
		SessionID:   sessionID,
		StartedAt:   time.Now().UTC(),
		Primary:     primary,
		Counterpart: counterpart,
		Degraded:    degraded,
	}
	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, 1)
	}

	attrs := []any{"session_id", sessionID, "primary", primary.ID, "engine", sm.providers.STTName}
	if counterpart != nil {
		attrs = append(attrs, "counterpart", counterpart.ID)
	}
	if degraded != "" {
		attrs = append(attrs, "degraded", degraded)
	}
	slog.Info("session started", attrs...)

	return sessionID, nil
}

// Stop gracefully ends the session: capture stops, every buffered block is
// recognised and emitted, and open utterances are finalized. If ctx expires
// first the drain is aborted and ctx's error is returned with any others.
//
// Returns [ErrNoSession] if no session is active and [ErrUnknownSession] if
// sessionID is not the active session.
func (sm *SessionManager) Stop(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.active {
		return ErrNoSession
	}
	if sessionID != sm.info.SessionID {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, sessionID), "session.stop")
	defer span.End()

	var g errgroup.Group
	errs := make([]error, 0, len(sm.channels))
	var errMu sync.Mutex
	for role, ch := range sm.channels {
		g.Go(func() error {
			if err := ch.Stop(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("session: stop %s channel: %w", role, err))
				errMu.Unlock()
			}
			sm.monitor.Unregister(role)
			return nil
		})
	}
	_ = g.Wait()

	// Channels lost mid-session are still flushing on their own goroutine.
	// Their finals belong to this session and must land before the next
	// session begins.
	for role, ch := range sm.draining {
		select {
		case <-ch.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("session: drain lost %s channel: %w", role, ctx.Err()))
		}
		sm.monitor.Unregister(role)
	}

	if sm.cancel != nil {
		sm.cancel()
	}
	sm.endRecording(sessionID)
	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, -1)
	}

	snap := sm.monitor.Snapshot()
	slog.Info("session stopped",
		"session_id", sessionID,
		"events", snap.EventsEmitted,
		"avg_latency_ms", snap.AvgLatencyMs,
		"duration", time.Since(sm.info.StartedAt).Round(time.Millisecond),
	)

	// Clear state.
	sm.active = false
	sm.channels = nil
	sm.draining = nil
	sm.corrector = nil
	sm.cancel = nil
	sm.info = SessionInfo{}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// HealthSnapshot returns the monitor's current view of the session.
func (sm *SessionManager) HealthSnapshot() health.Snapshot {
	return sm.monitor.Snapshot()
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active session. ok is false if no session
// is active.
func (sm *SessionManager) Info() (info SessionInfo, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.active
}

// SetVocabulary replaces the correction vocabulary. The active session picks
// up new terms immediately; thresholds apply from the next session.
func (sm *SessionManager) SetVocabulary(v config.VocabularyConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.corrector != nil {
		sm.corrector.SetTerms(v.Terms)
	}
	slog.Info("session: vocabulary updated", "terms", len(v.Terms))
}

// SetKeywords replaces the recognizer keyword boosts of the running
// channels. Later sessions read them from the config.
func (sm *SessionManager) SetKeywords(keywords []types.KeywordBoost) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, ch := range sm.channels {
		ch.SetKeywords(keywords)
	}
	slog.Info("session: keywords updated", "keywords", len(keywords))
}

func (sm *SessionManager) setConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// channelFailed handles a capture stream that exhausted its reconnect
// attempts. A lost counterpart degrades the session to primary-only; a lost
// primary stops its channel and leaves the fatal warning in the monitor.
// Runs on its own goroutine: capture events arrive on the reconnect
// goroutine, which Channel.Stop waits for. The channel stays in the draining
// set until its flush completes so that Stop waits for it too.
func (sm *SessionManager) channelFailed(sessionID string, ev capture.Event) {
	sm.mu.Lock()
	ch := sm.channels[ev.Role]
	if !sm.active || sm.info.SessionID != sessionID || ch == nil {
		sm.mu.Unlock()
		return
	}
	delete(sm.channels, ev.Role)
	if sm.draining == nil {
		sm.draining = make(map[types.ChannelRole]*pipeline.Channel)
	}
	sm.draining[ev.Role] = ch
	if ev.Role == types.RoleCounterpart {
		sm.info.Degraded = fmt.Sprintf("counterpart lost, primary-only: %v", ev.Err)
		sm.monitor.SetDegraded(sm.info.Degraded)
	}
	sm.mu.Unlock()

	slog.Error("session: capture channel lost",
		"session_id", sessionID,
		"channel", ev.Role,
		"device", ev.Device,
		"err", ev.Err,
	)
	ctx, cancel := context.WithTimeout(context.Background(), failedChannelStopDeadline)
	defer cancel()
	if err := ch.Stop(ctx); err != nil {
		slog.Warn("session: stop failed channel", "session_id", sessionID, "channel", ev.Role, "err", err)
	}

	// Stop may have waited for this channel and cleared it already; the
	// role may then belong to a newer session.
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.draining[ev.Role] == ch {
		delete(sm.draining, ev.Role)
		sm.monitor.Unregister(ev.Role)
	}
}

// channelConfig builds the pipeline configuration of one channel from the
// current config. Caller holds sm.mu.
func (sm *SessionManager) channelConfig(sessionID string, role types.ChannelRole, dev device.AudioDevice, corrector *transcript.Corrector) pipeline.Config {
	cfg := sm.cfg
	return pipeline.Config{
		Role:       role,
		Backend:    sm.providers.Backend,
		Device:     dev,
		Hint:       audio.Canonical,
		RingSpan:   msDuration(cfg.Audio.RingBufferMs),
		Block:      msDuration(cfg.Capture.BlockMs),
		PopTimeout: msDuration(cfg.Audio.PopTimeoutMs),
		FrameQueue: cfg.Audio.FrameQueue,
		Reconnect: capture.ReconnectConfig{
			MaxRetries: cfg.Capture.Reconnect.MaxRetries,
			Backoff:    msDuration(cfg.Capture.Reconnect.BackoffMs),
			MaxBackoff: msDuration(cfg.Capture.Reconnect.MaxBackoffMs),
		},
		Preprocess: preprocess.Config{
			SampleRate:    cfg.Audio.SampleRate,
			FrameMs:       cfg.Audio.FrameMs,
			NoiseStrength: deref(cfg.Preprocess.NoiseStrength, 1),
			NoiseFloor:    cfg.Preprocess.NoiseFloor,
			Enhance:       deref(cfg.Preprocess.Enhance, true),
		},
		VAD: sm.providers.VAD,
		Recognizer: recognize.Config{
			Provider: sm.providers.STT,
			Stream: stt.StreamConfig{
				Language: cfg.Recognizer.Language,
				Keywords: cfg.Recognizer.Keywords,
			},
			SilenceThreshold: silenceThreshold(cfg.Recognizer.SilenceThresholdMs, sm.providers.STTName),
			MaxUtterance:     msDuration(cfg.Recognizer.MaxUtteranceMs),
			DrainTimeout:     msDuration(cfg.Recognizer.DrainTimeoutMs),
		},
		Emitter:   sm.emitter,
		Corrector: corrector,
		Monitor:   sm.monitor,
		Metrics:   sm.metrics,
		Recorder:  sm.recorder,
		OnCaptureEvent: func(ev capture.Event) {
			if ev.Kind == capture.EventFailed {
				go sm.channelFailed(sessionID, ev)
			}
		},
	}
}

// newCorrector returns a vocabulary corrector built from the current
// thresholds. Caller holds sm.mu.
func (sm *SessionManager) newCorrector() *transcript.Corrector {
	v := sm.cfg.Vocabulary
	var opts []phonetic.Option
	if v.PhoneticThreshold > 0 {
		opts = append(opts, phonetic.WithPhoneticThreshold(v.PhoneticThreshold))
	}
	if v.FuzzyThreshold > 0 {
		opts = append(opts, phonetic.WithFuzzyThreshold(v.FuzzyThreshold))
	}
	return transcript.NewCorrector(phonetic.New(opts...), v.Terms)
}

func (sm *SessionManager) endRecording(sessionID string) {
	if sm.recorder == nil {
		return
	}
	files, err := sm.recorder.End()
	if err != nil {
		slog.Warn("session: finish recording", "session_id", sessionID, "err", err)
	}
	if len(files) > 0 {
		slog.Info("session: recording saved", "session_id", sessionID, "files", files)
	}
}

// silenceThreshold returns the configured threshold or the engine default.
func silenceThreshold(configured int, engine string) time.Duration {
	if configured > 0 {
		return msDuration(configured)
	}
	if strings.HasPrefix(engine, "deepgram") {
		return deepgramSilenceThreshold
	}
	return localSilenceThreshold
}

func msDuration(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
