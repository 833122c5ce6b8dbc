package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func probe(t *testing.T, h http.Handler, path string) (int, probeResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var body probeResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("%s: decode: %v", path, err)
	}
	return rec.Code, body
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantFailed []string
	}{
		{
			name:       "nothing registered",
			wantCode:   http.StatusOK,
			wantStatus: statusOK,
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "capture", Check: pass},
				{Name: "sink:sqlite", Check: pass, Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: statusOK,
		},
		{
			name: "optional sink down",
			checkers: []Checker{
				{Name: "capture", Check: pass},
				{Name: "sink:nats", Check: failWith("no servers available"), Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: statusDegraded,
			wantFailed: []string{"sink:nats"},
		},
		{
			name: "capture failed",
			checkers: []Checker{
				{Name: "capture", Check: failWith("primary: device disconnected")},
				{Name: "sink:nats", Check: failWith("no servers available"), Optional: true},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: statusFail,
			wantFailed: []string{"capture", "sink:nats"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := probe(t, http.HandlerFunc(New(tt.checkers...).Readyz), "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			if len(body.Checks) != len(tt.checkers) {
				t.Errorf("checks = %v", body.Checks)
			}
			for _, name := range tt.wantFailed {
				if c := body.Checks[name]; c.Status != statusFail || c.Error == "" {
					t.Errorf("check %s = %+v, want a failure with message", name, c)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow})

	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		done <- rec.Code
	}()
	for range 2 {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("checks ran one after another")
		}
	}
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("status = %d", code)
	}
}

func TestReadyz_RequestCancellation(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "engine", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	r := chi.NewRouter()
	New(Checker{Name: "capture", Check: pass}).Register(r, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("callscribe_capture_blocks_total 1\n"))
	}))

	code, body := probe(t, r, "/healthz")
	if code != http.StatusOK || body.Status != statusOK || body.UptimeS < 0 {
		t.Errorf("/healthz = %d %+v", code, body)
	}
	if code, body := probe(t, r, "/readyz"); code != http.StatusOK || body.Checks["capture"].Status != statusOK {
		t.Errorf("/readyz = %d %+v", code, body)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}

	bare := chi.NewRouter()
	New().Register(bare, nil)
	rec = httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("/metrics without handler = %d, want 404", rec.Code)
	}
}
