package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/voxray-ai/console"

// Tracer returns the console's [trace.Tracer] from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none. The console reports it to the browser as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default() enriched with trace_id and span_id when ctx
// carries a span.
func Logger(ctx context.Context) *slog.Logger {
	return LoggerFrom(ctx, slog.Default())
}

// LoggerFrom is [Logger] for a component logger.
func LoggerFrom(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// Stage describes one backend call made through [Metrics.RunStage].
type Stage struct {
	// Span names the span, e.g. "voice.chat".
	Span string

	// Kind labels the request counters, e.g. "chat".
	Kind string

	// Backend labels the span and every metric.
	Backend string

	// Timeout bounds the call. Zero means no extra deadline.
	Timeout time.Duration

	// Latency, when set, receives the call duration in seconds.
	Latency metric.Float64Histogram
}

// RunStage runs fn inside a span under st.Timeout, then records its latency
// and counts the request, plus an error when fn fails. fn's error is
// returned unchanged.
func (m *Metrics) RunStage(ctx context.Context, st Stage, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, st.Span, trace.WithAttributes(
		attribute.String("backend", st.Backend),
		attribute.String("stage", st.Kind),
	))
	defer span.End()

	if st.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	if st.Latency != nil {
		st.Latency.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("backend", st.Backend)))
	}

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, st.Kind+" failed")
		m.RecordBackendError(ctx, st.Backend, st.Kind)
	}
	m.RecordBackendRequest(ctx, st.Backend, st.Kind, status)
	return err
}
