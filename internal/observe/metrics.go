// Package observe provides the console's observability primitives:
// OpenTelemetry metrics and tracing, trace-aware structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through a Prometheus exporter bridge (see [InitProvider] and
// [Telemetry.Handler]). [DefaultMetrics] returns a package-level instance bound
// to the global meter provider; tests should build their own with
// [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all console metrics.
const meterName = "github.com/voxray-ai/console"

// Metrics holds the console's metric instruments. The OTel instruments handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per backend stage ---

	// TranscribeDuration tracks speech-to-text latency.
	TranscribeDuration metric.Float64Histogram

	// ChatDuration tracks chat reply latency.
	ChatDuration metric.Float64Histogram

	// SpeechDuration tracks text-to-speech latency.
	SpeechDuration metric.Float64Histogram

	// PredictDuration tracks image classification latency.
	PredictDuration metric.Float64Histogram

	// ExplainDuration tracks heatmap generation latency.
	ExplainDuration metric.Float64Histogram

	// TurnDuration tracks a whole assistant turn, from leaving LISTENING (or
	// submitting text) until the reply starts playing.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// BackendRequests counts backend calls. Attributes: backend, kind, status.
	BackendRequests metric.Int64Counter

	// BackendErrors counts failed backend calls. Attributes: backend, kind.
	BackendErrors metric.Int64Counter

	// StateTransitions counts voice state machine transitions. Attributes:
	// from, to.
	StateTransitions metric.Int64Counter

	// FailureMessages counts error messages shown to the user. Attribute: kind.
	FailureMessages metric.Int64Counter

	// AutoStops counts recordings ended without a manual stop. Attribute:
	// reason (silence, limit, stream_end).
	AutoStops metric.Int64Counter

	// BreakerTransitions counts circuit breaker changes. Attributes:
	// backend, to.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveRecordings is 1 while the microphone is captured.
	ActiveRecordings metric.Int64UpDownCounter

	// ActiveTerminals tracks connected browser terminals (audio relay and
	// event streams).
	ActiveTerminals metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks console API latency. Attributes: method,
	// path (the route pattern), status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for remote
// inference calls that range from tens of milliseconds to tens of seconds.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates all instruments on the given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.TranscribeDuration, "voxray.transcribe.duration", "Latency of speech-to-text transcription."},
		{&met.ChatDuration, "voxray.chat.duration", "Latency of chat replies."},
		{&met.SpeechDuration, "voxray.speech.duration", "Latency of text-to-speech synthesis."},
		{&met.PredictDuration, "voxray.predict.duration", "Latency of image classification."},
		{&met.ExplainDuration, "voxray.explain.duration", "Latency of explainability heatmap generation."},
		{&met.TurnDuration, "voxray.turn.duration", "Latency of a full assistant turn until playback starts."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.BackendRequests, "voxray.backend.requests", "Total backend requests by backend, kind, and status."},
		{&met.BackendErrors, "voxray.backend.errors", "Total backend errors by backend and kind."},
		{&met.StateTransitions, "voxray.voice.transitions", "Voice state machine transitions by from and to state."},
		{&met.FailureMessages, "voxray.voice.failures", "Error messages appended to the conversation by failure kind."},
		{&met.AutoStops, "voxray.voice.auto_stops", "Recordings stopped automatically by reason."},
		{&met.BreakerTransitions, "voxray.breaker.transitions", "Circuit breaker state changes by backend and target state."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveRecordings, err = m.Int64UpDownCounter("voxray.active_recordings",
		metric.WithDescription("Number of recordings currently capturing audio."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTerminals, err = m.Int64UpDownCounter("voxray.active_terminals",
		metric.WithDescription("Number of connected browser terminals."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxray.http.request.duration",
		metric.WithDescription("Console API latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use
// from [otel.GetMeterProvider]. It panics if instrument creation fails, which
// does not happen with a well-formed provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBackendRequest counts one backend call.
func (m *Metrics) RecordBackendRequest(ctx context.Context, backend, kind, status string) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordBackendError counts one failed backend call.
func (m *Metrics) RecordBackendError(ctx context.Context, backend, kind string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
		),
	)
}

// RecordTransition counts one voice state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordFailure counts one user-visible error message.
func (m *Metrics) RecordFailure(ctx context.Context, kind string) {
	m.FailureMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordAutoStop counts one automatic end of a recording.
func (m *Metrics) RecordAutoStop(ctx context.Context, reason string) {
	m.AutoStops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("to", to),
		),
	)
}
