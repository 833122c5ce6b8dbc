package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitProvider_ServesMetrics(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	tel, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		InstanceID:     "desk-1",
		SampleRatio:    0.5,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordCapture(context.Background(), "counterpart", 5)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"callscribe_capture_blocks", "go_goroutines", `service_instance_id="desk-1"`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics output missing %s", want)
		}
	}
}

func TestInitProvider_SeparateRegistries(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	a, err := InitProvider(context.Background(), ProviderConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown(context.Background())
	b, err := InitProvider(context.Background(), ProviderConfig{})
	if err != nil {
		t.Fatalf("second InitProvider collides with the first: %v", err)
	}
	defer b.Shutdown(context.Background())
	if a.Registry() == b.Registry() {
		t.Error("providers share a registry")
	}
}
