package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// initTestTelemetry runs InitProvider and restores the previous global
// providers when the test ends.
func initTestTelemetry(t *testing.T, cfg ProviderConfig) *Telemetry {
	t.Helper()
	tp, mp, prop := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	tel, err := InitProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
	return tel
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestInitProvider_ServesConsoleMetrics(t *testing.T) {
	tel := initTestTelemetry(t, ProviderConfig{
		ServiceName:    "voxray-test",
		ServiceVersion: "1.2.3",
		Environment:    "radiology-staging",
	})
	if tel.InstanceID == "" {
		t.Fatal("no instance ID")
	}

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordBackendRequest(context.Background(), "voxray", "chat", "ok")

	body := scrape(t, tel.Handler())
	for _, want := range []string{
		"voxray_backend_requests",
		`backend="voxray"`,
		"go_goroutines",
		`service_name="voxray-test"`,
		`deployment_environment="radiology-staging"`,
		`service_instance_id="` + tel.InstanceID + `"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %s", want)
		}
	}
}

func TestInitProvider_SamplesAndPropagates(t *testing.T) {
	initTestTelemetry(t, ProviderConfig{SampleRatio: 7})

	ctx, span := StartSpan(context.Background(), "voice.turn")
	defer span.End()
	if !span.SpanContext().IsSampled() {
		t.Error("out-of-range ratio should fall back to sampling everything")
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if tp := carrier.Get("traceparent"); !strings.Contains(tp, CorrelationID(ctx)) {
		t.Errorf("traceparent = %q, want trace %s", tp, CorrelationID(ctx))
	}
}

func TestInitProvider_SeparateRegistries(t *testing.T) {
	a := initTestTelemetry(t, ProviderConfig{})
	b := initTestTelemetry(t, ProviderConfig{})
	if a.InstanceID == b.InstanceID {
		t.Error("two providers share an instance ID")
	}
	// Both registries carry the runtime collectors without conflicting.
	for _, tel := range []*Telemetry{a, b} {
		if !strings.Contains(scrape(t, tel.Handler()), "go_goroutines") {
			t.Errorf("registry of %s has no runtime metrics", tel.InstanceID)
		}
	}
}
