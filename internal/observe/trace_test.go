package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer as the global provider for the
// duration of the test. Tests using it must not run in parallel.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLog redirects the default logger into a buffer.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartSpan_SessionAttribute(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "session.start")
	if CorrelationID(ctx) == "" {
		t.Error("span without trace id")
	}
	span.End()

	_, span = StartSpan(WithSessionID(context.Background(), "s-7"), "session.stop")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if len(spans[0].Attributes) != 0 {
		t.Errorf("span outside a session has attributes %v", spans[0].Attributes)
	}
	var got string
	for _, a := range spans[1].Attributes {
		if a.Key == "session.id" {
			got = a.Value.AsString()
		}
	}
	if spans[1].Name != "session.stop" || got != "s-7" {
		t.Errorf("span %q session.id = %q", spans[1].Name, got)
	}
}

func TestCorrelationID(t *testing.T) {
	useTestTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("background context = %q, want empty", got)
	}
	seen := map[string]bool{}
	for range 50 {
		ctx, span := StartSpan(context.Background(), "frame")
		id := CorrelationID(ctx)
		span.End()
		if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
			t.Fatalf("correlation id %q is not a hex trace id", id)
		}
		if seen[id] {
			t.Fatalf("duplicate correlation id %s", id)
		}
		seen[id] = true
	}
}

func TestLogger_Fields(t *testing.T) {
	useTestTracer(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		without []string
	}{
		{
			name:    "plain",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			without: []string{"trace_id", "session_id"},
		},
		{
			name: "session only",
			ctx: func() (context.Context, func()) {
				return WithSessionID(context.Background(), "s-42"), func() {}
			},
			want:    []string{"session_id=s-42"},
			without: []string{"trace_id"},
		},
		{
			name: "session and span",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(WithSessionID(context.Background(), "s-9"), "recognize")
				return ctx, func() { span.End() }
			},
			want: []string{"session_id=s-9", "trace_id=", "span_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)
			ctx, end := tt.ctx()
			defer end()

			Logger(ctx).Info("final emitted")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.without {
				if strings.Contains(out, w) {
					t.Errorf("log %q has unexpected %q", out, w)
				}
			}
			if SessionID(ctx) == "" && strings.Contains(out, "session_id") {
				t.Error("session id logged without one in context")
			}
		})
	}
}
