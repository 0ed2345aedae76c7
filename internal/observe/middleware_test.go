package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const upstreamTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

type mwFixture struct {
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	logs   *bytes.Buffer
	h      http.Handler
}

// consoleMux mimics the console's routes: a JSON API, a path-parameter
// route, a failing analysis endpoint, a probe and a WebSocket upgrade.
func consoleMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/voice/text", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"state":"processing"}`))
	})
	mux.HandleFunc("GET /api/archive/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})
	mux.HandleFunc("POST /api/analyze", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "inference unavailable", http.StatusBadGateway)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err == nil {
			conn.Close()
		}
	})
	return mux
}

func newMWFixture(t *testing.T) *mwFixture {
	t.Helper()
	spans := useTestTracer(t)
	m, reader := newTestMetrics(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &mwFixture{
		reader: reader,
		spans:  spans,
		logs:   &logs,
		h:      Middleware(m, WithRequestLogger(logger))(consoleMux()),
	}
}

func (f *mwFixture) serve(method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader("{}"))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func (f *mwFixture) durations(t *testing.T) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(collect(t, f.reader), "voxray.http.request.duration")
	if met == nil {
		return nil
	}
	return met.Data.(metricdata.Histogram[float64]).DataPoints
}

func TestMiddleware_CorrelationIDFromBrowserTrace(t *testing.T) {
	f := newMWFixture(t)

	rec := f.serve(http.MethodPost, "/api/voice/text", map[string]string{
		"traceparent": "00-" + upstreamTraceID + "-00f067aa0ba902b7-01",
	})
	if got := rec.Header().Get("X-Correlation-ID"); got != upstreamTraceID {
		t.Errorf("X-Correlation-ID = %q, want the browser's trace", got)
	}
	if tp := rec.Header().Get("traceparent"); !strings.Contains(tp, upstreamTraceID) {
		t.Errorf("traceparent = %q", tp)
	}

	rec = f.serve(http.MethodPost, "/api/voice/text", nil)
	if cid := rec.Header().Get("X-Correlation-ID"); len(cid) != 32 || cid == upstreamTraceID {
		t.Errorf("fresh trace correlation ID = %q", cid)
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	f := newMWFixture(t)
	f.serve(http.MethodGet, "/api/archive/sessions/review-42", nil)

	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	sp := spans[0]
	if sp.Name != "GET /api/archive/sessions/{id}" {
		t.Errorf("span name = %q", sp.Name)
	}
	want := map[attribute.Key]bool{"http.route": false, "http.response.status_code": false}
	for _, kv := range sp.Attributes {
		switch kv.Key {
		case "http.route":
			want[kv.Key] = kv.Value.AsString() == "GET /api/archive/sessions/{id}"
		case "http.response.status_code":
			want[kv.Key] = kv.Value.AsInt64() == http.StatusOK
		}
	}
	for k, ok := range want {
		if !ok {
			t.Errorf("span attribute %s missing or wrong: %v", k, sp.Attributes)
		}
	}
}

func TestMiddleware_DurationLabelledByRouteAndStatus(t *testing.T) {
	f := newMWFixture(t)
	for _, id := range []string{"review-1", "review-2", "review-3"} {
		f.serve(http.MethodGet, "/api/archive/sessions/"+id, nil)
	}
	f.serve(http.MethodPost, "/api/voice/text", nil)

	dps := f.durations(t)
	if len(dps) != 2 {
		t.Fatalf("data points = %d, want one per route", len(dps))
	}
	for _, dp := range dps {
		path, _ := dp.Attributes.Value("path")
		status, _ := dp.Attributes.Value("status")
		switch path.AsString() {
		case "GET /api/archive/sessions/{id}":
			if dp.Count != 3 || status.AsInt64() != http.StatusOK {
				t.Errorf("sessions route count=%d status=%d", dp.Count, status.AsInt64())
			}
		case "POST /api/voice/text":
			if dp.Count != 1 || status.AsInt64() != http.StatusAccepted {
				t.Errorf("voice route count=%d status=%d", dp.Count, status.AsInt64())
			}
		default:
			t.Errorf("unexpected path label %q", path.AsString())
		}
	}
}

func TestMiddleware_UnmatchedPathsShareALabel(t *testing.T) {
	f := newMWFixture(t)
	f.serve(http.MethodGet, "/wp-admin", nil)
	f.serve(http.MethodGet, "/.env", nil)

	dps := f.durations(t)
	if len(dps) != 1 {
		t.Fatalf("data points = %d, want 1", len(dps))
	}
	if path, _ := dps[0].Attributes.Value("path"); path.AsString() != "unmatched" {
		t.Errorf("path label = %q", path.AsString())
	}
}

func TestMiddleware_ServerErrorMarksSpanAndWarns(t *testing.T) {
	f := newMWFixture(t)
	rec := f.serve(http.MethodPost, "/api/analyze", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}

	sp := f.spans.GetSpans()[0]
	if sp.Status.Code != codes.Error || sp.Status.Description != "Bad Gateway" {
		t.Errorf("span status = %+v", sp.Status)
	}
	if out := f.logs.String(); !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status=502") {
		t.Errorf("log = %s", out)
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	f := newMWFixture(t)

	f.serve(http.MethodGet, "/healthz", nil)
	if out := f.logs.String(); !strings.Contains(out, "level=DEBUG") || !strings.Contains(out, "path=/healthz") {
		t.Errorf("probe log = %s", out)
	}

	f.logs.Reset()
	f.serve(http.MethodPost, "/api/voice/text", nil)
	out := f.logs.String()
	if !strings.Contains(out, "level=INFO") || !strings.Contains(out, "bytes=22") {
		t.Errorf("api log = %s", out)
	}
}

func TestMiddleware_QuietPathsOverride(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := Middleware(m, WithRequestLogger(logger), WithQuietPaths("/api/voice/text"))(consoleMux())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/voice/text", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "level=DEBUG") || !strings.Contains(lines[1], "level=INFO") {
		t.Errorf("logs = %q", lines)
	}
}

func TestMiddleware_WebSocketNotTimed(t *testing.T) {
	f := newMWFixture(t)
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	if err == nil {
		resp.Body.Close()
	}
	// The handler has returned once the span is exported.
	waitFor(t, func() bool { return len(f.spans.GetSpans()) == 1 })

	if dps := f.durations(t); len(dps) != 0 {
		t.Errorf("websocket session recorded as request latency: %+v", dps)
	}
	if out := f.logs.String(); !strings.Contains(out, "websocket closed") || !strings.Contains(out, "status=101") {
		t.Errorf("log = %s", out)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for !cond() {
		select {
		case <-ctx.Done():
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
