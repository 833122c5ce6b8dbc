package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/audio/capture"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Monitor defaults.
const (
	DefaultLatencyBudget   = 500 * time.Millisecond
	DefaultPressureRatio   = 0.8
	DefaultPressureSamples = 3
	DefaultInterval        = 250 * time.Millisecond

	latencyWindow = 512
	maxWarnings   = 20
)

// WarningKind classifies a [Warning].
type WarningKind string

const (
	// LatencyWarning: a final event exceeded the capture-to-emission budget.
	LatencyWarning WarningKind = "latency"
	// BufferPressureWarning: a ring buffer stayed above the pressure ratio.
	BufferPressureWarning WarningKind = "buffer_pressure"
	// StreamWarning: a capture device disconnected, reconnected or failed.
	StreamWarning WarningKind = "stream"
	// RecognitionWarning: a recognition engine failed.
	RecognitionWarning WarningKind = "recognition"
	// EmissionWarning: an event sink rejected an event.
	EmissionWarning WarningKind = "emission"
)

// Warning is an advisory notice. Warnings never stop the pipeline.
type Warning struct {
	Kind    WarningKind       `json:"kind"`
	Channel types.ChannelRole `json:"channel,omitempty"`
	Message string            `json:"message"`
	Fatal   bool              `json:"fatal,omitempty"`
	Time    time.Time         `json:"time"`
}

// BufferSource is a ring buffer the monitor samples.
type BufferSource interface {
	Stats() audio.RingStats
}

// MonitorConfig configures a [Monitor]. Zero values take the defaults.
type MonitorConfig struct {
	LatencyBudget   time.Duration
	PressureRatio   float64
	PressureSamples int
	Interval        time.Duration

	// OnWarning, if set, is called for every warning outside the monitor's
	// lock.
	OnWarning func(Warning)
}

// Snapshot is the health view returned to callers.
type Snapshot struct {
	SessionID           string                        `json:"session_id,omitempty"`
	RingBufferOccupancy map[types.ChannelRole]float64 `json:"ring_buffer_occupancy"`
	OverflowCounts      map[types.ChannelRole]uint64  `json:"overflow_counts"`
	SequenceGaps        map[types.ChannelRole]uint64  `json:"sequence_gaps"`
	AvgLatencyMs        float64                       `json:"avg_latency_ms"`
	P50LatencyMs        float64                       `json:"p50_latency_ms"`
	P95LatencyMs        float64                       `json:"p95_latency_ms"`
	StageAvgMs          map[string]float64            `json:"stage_avg_ms"`
	EventsEmitted       uint64                        `json:"events_emitted"`
	ErrorCounts         map[WarningKind]uint64        `json:"error_counts"`
	LastWarning         *Warning                      `json:"last_warning,omitempty"`
	RecentWarnings      []Warning                     `json:"recent_warnings"`
	Degraded            bool                          `json:"degraded"`
	DegradedReason      string                        `json:"degraded_reason,omitempty"`
	AudioLevels         types.AudioLevels             `json:"audio_levels"`
}

type bufferState struct {
	src       BufferSource
	last      audio.RingStats
	pressured int
	warned    bool
}

type stageStat struct {
	total time.Duration
	n     int
}

// Monitor collects latency, buffer and error observations for the running
// session. Observations are cheap and lock briefly; the sampling of ring
// buffers happens on the goroutine running [Monitor.Run]. Safe for
// concurrent use.
type Monitor struct {
	cfg     MonitorConfig
	metrics *observe.Metrics

	mu        sync.Mutex
	sessionID string
	buffers   map[types.ChannelRole]*bufferState
	latencies []float64 // ms, ring of latencyWindow
	next      int
	stages    map[string]*stageStat
	events    uint64
	errors    map[WarningKind]uint64
	warnings  []Warning
	degraded  string
	levels    types.AudioLevels
	failed    map[types.ChannelRole]error
}

// NewMonitor creates a Monitor. metrics may be nil.
func NewMonitor(cfg MonitorConfig, metrics *observe.Metrics) *Monitor {
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = DefaultLatencyBudget
	}
	if cfg.PressureRatio <= 0 || cfg.PressureRatio > 1 {
		cfg.PressureRatio = DefaultPressureRatio
	}
	if cfg.PressureSamples <= 0 {
		cfg.PressureSamples = DefaultPressureSamples
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	m := &Monitor{cfg: cfg, metrics: metrics}
	m.Reset("")
	return m
}

// Reset clears all observations and starts accounting for sessionID.
// Registered buffers are dropped.
func (m *Monitor) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = sessionID
	m.buffers = make(map[types.ChannelRole]*bufferState)
	m.latencies = make([]float64, 0, latencyWindow)
	m.next = 0
	m.stages = make(map[string]*stageStat)
	m.events = 0
	m.errors = make(map[WarningKind]uint64)
	m.warnings = nil
	m.degraded = ""
	m.levels = types.AudioLevels{}
	m.failed = make(map[types.ChannelRole]error)
}

// SetThresholds replaces the latency budget and pressure settings at
// runtime. Zero values keep the current setting.
func (m *Monitor) SetThresholds(budget time.Duration, ratio float64, samples int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if budget > 0 {
		m.cfg.LatencyBudget = budget
	}
	if ratio > 0 && ratio <= 1 {
		m.cfg.PressureRatio = ratio
	}
	if samples > 0 {
		m.cfg.PressureSamples = samples
	}
}

// Register adds a channel's ring buffer to the sampled set.
func (m *Monitor) Register(role types.ChannelRole, src BufferSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[role] = &bufferState{src: src}
}

// Unregister removes a channel's ring buffer.
func (m *Monitor) Unregister(role types.ChannelRole) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, role)
}

// ObserveStage records how long one pipeline stage took.
func (m *Monitor) ObserveStage(role types.ChannelRole, stage string, d time.Duration) {
	m.mu.Lock()
	s := m.stages[stage]
	if s == nil {
		s = &stageStat{}
		m.stages[stage] = s
	}
	s.total += d
	s.n++
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordStage(context.Background(), string(role), stage, d)
	}
}

// ObserveLevel records the latest level meter reading (0–100) of a channel.
func (m *Monitor) ObserveLevel(role types.ChannelRole, level float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch role {
	case types.RolePrimary:
		m.levels.User = level
	case types.RoleCounterpart:
		m.levels.Prospect = level
	}
}

// ObserveEmission records an emitted event and its capture-to-emission
// latency. A final over the latency budget raises a [LatencyWarning].
func (m *Monitor) ObserveEmission(ev types.TranscriptionEvent, emitted time.Time) {
	var latency time.Duration
	if !ev.Captured.IsZero() {
		latency = emitted.Sub(ev.Captured)
	}

	m.mu.Lock()
	m.events++
	if latency > 0 {
		ms := float64(latency) / float64(time.Millisecond)
		if len(m.latencies) < latencyWindow {
			m.latencies = append(m.latencies, ms)
		} else {
			m.latencies[m.next] = ms
		}
		m.next = (m.next + 1) % latencyWindow
	}
	budget := m.cfg.LatencyBudget
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordEmission(context.Background(), string(ev.Channel), ev.IsFinal, latency)
	}
	if ev.IsFinal && latency > budget {
		m.warn(Warning{
			Kind:    LatencyWarning,
			Channel: ev.Channel,
			Message: fmt.Sprintf("final event %d took %s from capture, budget %s", ev.ChunkID, latency.Round(time.Millisecond), budget),
		}, false)
	}
}

// ReportError records a pipeline error as a warning of the given kind.
func (m *Monitor) ReportError(kind WarningKind, role types.ChannelRole, err error) {
	if err == nil {
		return
	}
	m.warn(Warning{Kind: kind, Channel: role, Message: err.Error()}, true)
}

// ObserveCapture turns a capture stream event into a [StreamWarning]. A
// failed stream is fatal for its channel.
func (m *Monitor) ObserveCapture(ev capture.Event) {
	w := Warning{Kind: StreamWarning, Channel: ev.Role}
	switch ev.Kind {
	case capture.EventDisconnected:
		w.Message = fmt.Sprintf("device %q disconnected: %v", ev.Device, ev.Err)
	case capture.EventReconnected:
		w.Message = fmt.Sprintf("device %q reconnected after %d attempt(s)", ev.Device, ev.Attempt)
	case capture.EventFailed:
		w.Message = fmt.Sprintf("device %q lost: %v", ev.Device, ev.Err)
		w.Fatal = true
		m.mu.Lock()
		m.failed[ev.Role] = ev.Err
		m.mu.Unlock()
	}
	m.warn(w, ev.Kind != capture.EventReconnected)

	if m.metrics != nil {
		outcome := map[capture.EventKind]string{
			capture.EventDisconnected: "disconnected",
			capture.EventReconnected:  "ok",
			capture.EventFailed:       "exhausted",
		}[ev.Kind]
		m.metrics.RecordReconnect(context.Background(), string(ev.Role), outcome)
	}
}

// SetDegraded flags the session as running in a reduced mode.
func (m *Monitor) SetDegraded(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded = reason
	slog.Warn("health: session degraded", "session_id", m.sessionID, "reason", reason)
}

// Failed returns the error that ended a channel's capture, or nil.
func (m *Monitor) Failed(role types.ChannelRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed[role]
}

func (m *Monitor) warn(w Warning, counts bool) {
	if w.Time.IsZero() {
		w.Time = time.Now()
	}
	m.mu.Lock()
	if counts {
		m.errors[w.Kind]++
	}
	m.warnings = append(m.warnings, w)
	if len(m.warnings) > maxWarnings {
		m.warnings = slices.Delete(m.warnings, 0, len(m.warnings)-maxWarnings)
	}
	sessionID := m.sessionID
	m.mu.Unlock()

	slog.Warn("health: "+string(w.Kind)+" warning",
		"session_id", sessionID, "channel", w.Channel, "fatal", w.Fatal, "msg", w.Message)
	if m.cfg.OnWarning != nil {
		m.cfg.OnWarning(w)
	}
}

// Run samples registered ring buffers every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sample(ctx)
		}
	}
}

// sample reads every registered buffer once and raises a
// [BufferPressureWarning] when a buffer stays at or above the pressure ratio
// for the configured number of consecutive samples.
func (m *Monitor) sample(ctx context.Context) {
	type reading struct {
		role      types.ChannelRole
		occupancy float64
		overflows uint64
		gaps      uint64
	}
	var (
		readings []reading
		warnings []Warning
	)

	m.mu.Lock()
	for role, b := range m.buffers {
		st := b.src.Stats()
		occ := st.Occupancy()
		readings = append(readings, reading{
			role:      role,
			occupancy: occ,
			overflows: st.Overflows - min(st.Overflows, b.last.Overflows),
			gaps:      st.Gaps - min(st.Gaps, b.last.Gaps),
		})
		b.last = st

		if occ >= m.cfg.PressureRatio {
			b.pressured++
		} else {
			b.pressured = 0
			b.warned = false
		}
		if b.pressured >= m.cfg.PressureSamples && !b.warned {
			b.warned = true
			warnings = append(warnings, Warning{
				Kind:    BufferPressureWarning,
				Channel: role,
				Message: fmt.Sprintf("ring buffer at %.0f%% for %d samples (%d overflows)", occ*100, b.pressured, st.Overflows),
			})
		}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		for _, r := range readings {
			m.metrics.RecordRing(ctx, string(r.role), r.occupancy, r.overflows, r.gaps)
		}
	}
	for _, w := range warnings {
		m.warn(w, true)
	}
}

// Snapshot returns the current health view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		SessionID:           m.sessionID,
		RingBufferOccupancy: make(map[types.ChannelRole]float64, len(m.buffers)),
		OverflowCounts:      make(map[types.ChannelRole]uint64, len(m.buffers)),
		SequenceGaps:        make(map[types.ChannelRole]uint64, len(m.buffers)),
		StageAvgMs:          make(map[string]float64, len(m.stages)),
		EventsEmitted:       m.events,
		ErrorCounts:         make(map[WarningKind]uint64, len(m.errors)),
		RecentWarnings:      slices.Clone(m.warnings),
		Degraded:            m.degraded != "",
		DegradedReason:      m.degraded,
		AudioLevels:         m.levels,
	}
	if s.RecentWarnings == nil {
		s.RecentWarnings = []Warning{}
	}
	for role, b := range m.buffers {
		st := b.src.Stats()
		s.RingBufferOccupancy[role] = st.Occupancy()
		s.OverflowCounts[role] = st.Overflows
		s.SequenceGaps[role] = st.Gaps
	}
	for name, st := range m.stages {
		s.StageAvgMs[name] = float64(st.total) / float64(st.n) / float64(time.Millisecond)
	}
	for k, v := range m.errors {
		s.ErrorCounts[k] = v
	}
	if n := len(m.warnings); n > 0 {
		last := m.warnings[n-1]
		s.LastWarning = &last
	}
	if len(m.latencies) > 0 {
		sorted := slices.Clone(m.latencies)
		slices.Sort(sorted)
		s.AvgLatencyMs = stat.Mean(sorted, nil)
		s.P50LatencyMs = stat.Quantile(0.5, stat.Empirical, sorted, nil)
		s.P95LatencyMs = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	}
	return s
}

// ErrChannelFailed is returned by the readiness check when a channel lost
// its device for good.
var ErrChannelFailed = errors.New("health: capture channel failed")

// Checker returns a readiness check that fails while any channel of the
// current session has lost its device.
func (m *Monitor) Checker() Checker {
	return Checker{
		Name: "capture",
		Check: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			for role, err := range m.failed {
				return fmt.Errorf("%w: %s: %v", ErrChannelFailed, role, err)
			}
			return nil
		},
	}
}
