// Package health tracks pipeline health for the running capture session and
// serves the HTTP probes.
//
// [Monitor] collects end-to-end latency, stage timings, ring buffer
// occupancy, audio levels and warnings, and renders them as a [Snapshot].
// [Handler] serves:
//
//   - /healthz: liveness probe with process uptime.
//   - /readyz: readiness probe. Checks run concurrently. A failed required
//     check answers 503 "fail"; failed optional checks answer 200
//     "degraded".
//   - /metrics: Prometheus exposition, when a metrics handler is given.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds every readiness check.
const checkTimeout = 3 * time.Second

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// Checker probes one dependency. Check returns nil when it is healthy and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional checks do not fail readiness. A sink that cannot be
	// reached degrades the service but capture keeps running.
	Optional bool
}

type checkResult struct {
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms"`
	Optional   bool    `json:"optional,omitempty"`
}

type probeResponse struct {
	Status  string                 `json:"status"`
	UptimeS float64                `json:"uptime_s,omitempty"`
	Checks  map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the liveness and readiness probes.
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New returns a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...), started: time.Now()}
}

// Healthz answers 200 for as long as the process can serve HTTP.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResponse{Status: statusOK, UptimeS: time.Since(h.started).Seconds()})
}

// Readyz runs all checks in parallel and aggregates their results.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := probeResponse{Status: statusOK, Checks: h.run(r.Context())}
	code := http.StatusOK
	for _, c := range res.Checks {
		if c.Status == statusOK {
			continue
		}
		if !c.Optional {
			res.Status = statusFail
			code = http.StatusServiceUnavailable
			break
		}
		res.Status = statusDegraded
	}
	writeJSON(w, code, res)
}

func (h *Handler) run(ctx context.Context) map[string]checkResult {
	var (
		mu  sync.Mutex
		out = make(map[string]checkResult, len(h.checkers))
		g   errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := checkResult{
				Status:     statusOK,
				DurationMs: float64(time.Since(start).Microseconds()) / 1000,
				Optional:   c.Optional,
			}
			if err != nil {
				res.Status, res.Error = statusFail, err.Error()
			}
			mu.Lock()
			out[c.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Register mounts /healthz, /readyz and, when metrics is non-nil, /metrics.
func (h *Handler) Register(r chi.Router, metrics http.Handler) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
}

// SnapshotHandler serves the monitor's current [Snapshot] as JSON.
func SnapshotHandler(m *Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, m.Snapshot())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
