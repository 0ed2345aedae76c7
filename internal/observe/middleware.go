package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// defaultQuietPaths are logged at debug level: probes and scrapes would
// otherwise drown out the review traffic.
var defaultQuietPaths = []string{"/healthz", "/readyz", "/metrics"}

// responseRecorder tracks what the downstream handler did with the response.
type responseRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	hijacked bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Hijack lets the WebSocket upgrades of /api/events and /api/audio pass
// through.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
		r.hijacked = true
	}
	return conn, rw, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

type middleware struct {
	metrics *Metrics
	logger  *slog.Logger
	quiet   []string
}

// WithRequestLogger sets the logger for request completion lines. Default:
// slog.Default().
func WithRequestLogger(l *slog.Logger) MiddlewareOption {
	return func(mw *middleware) {
		if l != nil {
			mw.logger = l
		}
	}
}

// WithQuietPaths replaces the paths logged at debug level instead of info.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(mw *middleware) { mw.quiet = paths }
}

// Middleware traces, measures and logs every request:
//
//   - W3C trace context is extracted from the request, so the browser and
//     the inference server share one trace with the console;
//   - the server span is renamed to the matched route pattern once the mux
//     has routed the request, and the trace ID is returned as
//     X-Correlation-ID;
//   - [Metrics.HTTPRequestDuration] is labelled by method, route pattern and
//     status code. WebSocket sessions are left out because their duration
//     is the length of a review, not a latency;
//   - 5xx responses mark the span as failed and log at warn.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, logger: slog.Default(), quiet: defaultQuietPaths}
	for _, o := range opts {
		o(mw)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			route := r.Pattern
			if route != "" {
				span.SetName(route)
				span.SetAttributes(semconv.HTTPRoute(route))
			} else {
				route = "unmatched"
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}

			if !rec.hijacked {
				mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
					metric.WithAttributes(
						attribute.String("method", r.Method),
						attribute.String("path", route),
						attribute.Int("status", rec.status),
					),
				)
			}

			level := slog.LevelInfo
			switch {
			case rec.status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case slices.Contains(mw.quiet, r.URL.Path):
				level = slog.LevelDebug
			}
			msg := "request completed"
			if rec.hijacked {
				msg = "websocket closed"
			}
			mw.logger.LogAttrs(ctx, level, msg,
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int64("bytes", rec.bytes),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
