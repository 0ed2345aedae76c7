package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is reported in telemetry. Default: "voxray".
	ServiceName    string
	ServiceVersion string

	// Environment is reported as deployment.environment when set.
	Environment string

	// SampleRatio is the fraction of root traces kept. Child spans follow
	// their parent's decision. Values outside (0, 1] mean 1.
	SampleRatio float64

	// TraceExporter receives finished spans. When nil, spans are recorded
	// for log correlation but not exported.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry owns the providers installed by [InitProvider] and the
// Prometheus registry the console's /metrics endpoint serves.
type Telemetry struct {
	// InstanceID is reported as service.instance.id and tells replicas of
	// the console apart.
	InstanceID string

	registry *prometheus.Registry
	mp       *sdkmetric.MeterProvider
	tp       *sdktrace.TracerProvider
}

// InitProvider installs global OTel providers:
//
//   - a [sdkmetric.MeterProvider] read by a Prometheus exporter registered
//     on a private registry, next to the Go runtime and process collectors;
//   - a [sdktrace.TracerProvider] with a parent-based ratio sampler,
//     batching to cfg.TraceExporter if one is set;
//   - the W3C trace-context propagator, so browser trace headers join the
//     console's traces.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxray"
	}
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1
	}
	t := &Telemetry{
		InstanceID: uuid.NewString(),
		registry:   prometheus.NewRegistry(),
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.ServiceInstanceID(t.InstanceID),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	// Schemaless, so it merges with the SDK default whatever semconv
	// version that was built against.
	own, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}
	res, err := resource.Merge(resource.Default(), own)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	if err := t.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("observe: register go collector: %w", err)
	}
	if err := t.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("observe: register process collector: %w", err)
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(t.registry))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	t.mp = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	t.tp = sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(t.mp)
	otel.SetTracerProvider(t.tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return t, nil
}

// Handler serves the registry in the Prometheus text format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}

// MetricsHandler serves the Prometheus default gatherer. It stands in for
// [Telemetry.Handler] when [InitProvider] was not called, as in tests.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
