// Package api serves the session control surface over HTTP.
//
// Routes:
//
//	GET    /v1/devices              capture devices with their channel role
//	POST   /v1/sessions             start a session
//	GET    /v1/sessions/current     the active session
//	DELETE /v1/sessions/{id}        stop a session
//	GET    /v1/sessions/{id}/events stored transcript (when a store is configured)
//	GET    /v1/health               pipeline health snapshot
//	GET    /v1/events               websocket event stream (when configured)
//	GET    /healthz, /readyz, /metrics
//
// Errors are JSON objects of the form {"error": "..."}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/callscribe/internal/app"
	"github.com/MrWong99/callscribe/internal/health"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/audio/capture"
	"github.com/MrWong99/callscribe/pkg/audio/device"
	"github.com/MrWong99/callscribe/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Sessions is the session control surface. *app.SessionManager satisfies it.
type Sessions interface {
	ListDevices(ctx context.Context) ([]device.AudioDevice, error)
	Start(ctx context.Context, primaryID string, counterpartID *string) (string, error)
	Stop(ctx context.Context, sessionID string) error
	HealthSnapshot() health.Snapshot
	Info() (app.SessionInfo, bool)
}

// TranscriptStore reads back persisted events. The SQLite and PostgreSQL
// sinks satisfy it.
type TranscriptStore interface {
	Session(ctx context.Context, sessionID string, finalsOnly bool) ([]types.TranscriptionEvent, error)
}

// Config holds the router dependencies. Only Sessions is required.
type Config struct {
	Sessions Sessions

	// Checkers back /readyz.
	Checkers []health.Checker

	// Metrics instruments requests. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics when non-nil.
	MetricsHandler http.Handler

	// Events is mounted on /v1/events when non-nil.
	Events http.Handler

	// Transcripts enables /v1/sessions/{id}/events when non-nil.
	Transcripts TranscriptStore
}

// StartRequest is the body of POST /v1/sessions.
type StartRequest struct {
	PrimaryDevice string `json:"primary_device"`

	// CounterpartDevice is optional. Absent selects primary-only capture,
	// an empty string auto-selects the loopback device.
	CounterpartDevice *string `json:"counterpart_device,omitempty"`
}

// StartResponse is the body of a successful POST /v1/sessions.
type StartResponse struct {
	SessionID string `json:"session_id"`
	Degraded  bool   `json:"degraded"`
}

type errorBody struct {
	Error string `json:"error"`
}

type server struct {
	cfg Config
}

// NewRouter returns the HTTP handler for cfg.
func NewRouter(cfg Config) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(observe.Middleware(cfg.Metrics))

	health.New(cfg.Checkers...).Register(r, cfg.MetricsHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/devices", s.listDevices)
		r.Get("/health", s.healthSnapshot)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.startSession)
			r.Get("/current", s.currentSession)
			r.Delete("/{id}", s.stopSession)
			if cfg.Transcripts != nil {
				r.Get("/{id}/events", s.sessionEvents)
			}
		})
		if cfg.Events != nil {
			r.Method(http.MethodGet, "/events", cfg.Events)
		}
	})
	return r
}

func (s *server) listDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.cfg.Sessions.ListDevices(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if devs == nil {
		devs = []device.AudioDevice{}
	}
	writeJSON(w, http.StatusOK, devs)
}

func (s *server) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	id, err := s.cfg.Sessions.Start(r.Context(), req.PrimaryDevice, req.CounterpartDevice)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	resp := StartResponse{SessionID: id}
	if info, ok := s.cfg.Sessions.Info(); ok && info.SessionID == id {
		resp.Degraded = info.Degraded
	}
	w.Header().Set("Location", "/v1/sessions/"+id)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *server) currentSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.cfg.Sessions.Info()
	if !ok {
		writeError(r.Context(), w, app.ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *server) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) healthSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sessions.HealthSnapshot())
}

func (s *server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	finalsOnly, _ := strconv.ParseBool(r.URL.Query().Get("finals"))
	events, err := s.cfg.Transcripts.Session(r.Context(), chi.URLParam(r, "id"), finalsOnly)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if events == nil {
		events = []types.TranscriptionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// statusFor maps the session and device error taxonomy onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrSessionActive), errors.Is(err, capture.ErrDeviceBusy):
		return http.StatusConflict
	case errors.Is(err, app.ErrNoSession), errors.Is(err, app.ErrUnknownSession),
		errors.Is(err, device.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, device.ErrNoCompatibleDevice), errors.Is(err, device.ErrNoDevices):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	var se *capture.StreamError
	if errors.As(err, &se) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(ctx).Error("api request failed", "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}
