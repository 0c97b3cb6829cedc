package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Metrics wraps an OpenTelemetry meter with the small, fixed set of
// instruments every component emits through, and is no-op-safe when
// telemetry is disabled: every component calls through this type instead
// of importing the OTel SDK directly, the same weak-coupling the teacher
// framework uses to keep core packages free of a hard telemetry import.
type Metrics struct {
	enabled bool
	meter   metric.Meter

	pollLatency      metric.Float64Histogram
	scoreThroughput   metric.Int64Counter
	alertsEmitted     metric.Int64Counter
	cycleDuration     metric.Float64Histogram
	deploymentResults metric.Int64Counter
	tracesDropped     metric.Int64Counter

	emitted atomic.Int64
	errors  atomic.Int64
}

// NoOpMetrics returns a Metrics value that drops every recorded
// measurement; components are constructed with this by default.
func NoOpMetrics() *Metrics {
	return &Metrics{enabled: false}
}

// NewMetrics builds an OTLP-over-HTTP exporting Metrics instance. endpoint
// empty means use the exporter's default resolution (OTEL_EXPORTER_OTLP_ENDPOINT).
// If exporterKind is "stdout", metrics are collected by a manual reader and
// are neither printed nor exported (the zero-dependency local run path); any
// other value uses OTLP HTTP.
func NewMetrics(ctx context.Context, serviceName, exporterKind, endpoint string) (*Metrics, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}

	var reader sdkmetric.Reader
	if exporterKind == "stdout" {
		// No stdout metrics exporter ships in this SDK version; local runs
		// use a manual reader and skip periodic export entirely.
		reader = sdkmetric.NewManualReader()
	} else {
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)
	meter := provider.Meter("virtuouscycle")

	m := &Metrics{enabled: true, meter: meter}
	m.pollLatency, _ = meter.Float64Histogram("vc.traceclient.poll_latency_ms")
	m.scoreThroughput, _ = meter.Int64Counter("vc.scorer.traces_scored")
	m.alertsEmitted, _ = meter.Int64Counter("vc.alertbus.alerts_emitted")
	m.cycleDuration, _ = meter.Float64Histogram("vc.optimizer.cycle_duration_seconds")
	m.deploymentResults, _ = meter.Int64Counter("vc.deployment.results")
	m.tracesDropped, _ = meter.Int64Counter("vc.traceclient.traces_dropped")
	return m, nil
}

func (m *Metrics) RecordPollLatency(ctx context.Context, ms float64, project string) {
	if !m.enabled {
		return
	}
	m.pollLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("project", project)))
	m.emitted.Add(1)
}

func (m *Metrics) RecordScored(ctx context.Context, model string, spectrum string) {
	if !m.enabled {
		return
	}
	m.scoreThroughput.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model), attribute.String("spectrum", spectrum)))
	m.emitted.Add(1)
}

func (m *Metrics) RecordAlert(ctx context.Context, kind, severity string) {
	if !m.enabled {
		return
	}
	m.alertsEmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind), attribute.String("severity", severity)))
	m.emitted.Add(1)
}

func (m *Metrics) RecordCycleDuration(ctx context.Context, seconds float64, outcome string) {
	if !m.enabled {
		return
	}
	m.cycleDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.emitted.Add(1)
}

func (m *Metrics) RecordDeployment(ctx context.Context, status string) {
	if !m.enabled {
		return
	}
	m.deploymentResults.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.emitted.Add(1)
}

func (m *Metrics) RecordTraceDropped(ctx context.Context, reason string) {
	if !m.enabled {
		return
	}
	m.tracesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.emitted.Add(1)
}

// Emitted returns the total number of measurements recorded, for the
// health surface.
func (m *Metrics) Emitted() int64 { return m.emitted.Load() }
