package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Emit outcomes recorded by RecordEmit.
const (
	OutcomeDispatched = "dispatched"
	OutcomeDuplicate  = "duplicate"
	OutcomeRejected   = "rejected"
	OutcomeError      = "error"
)

// MetricsRecorder records bus metrics.
// Use NewMetricsRecorder for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEmit records one Emit call and its end-to-end latency.
	RecordEmit(ctx context.Context, pattern, outcome string, duration time.Duration)

	// RecordHandler records one handler invocation.
	RecordHandler(ctx context.Context, pattern, moduleID string, duration time.Duration, err error)

	// RecordRejection records a security rejection by reason
	// (rate limit reason, "payload_blocked", "invalid_pattern").
	RecordRejection(ctx context.Context, reason string)

	// RecordBreakerTransition records a circuit breaker state change.
	RecordBreakerTransition(ctx context.Context, to string)
}

type otelMetrics struct {
	emits       metric.Int64Counter
	emitLatency metric.Float64Histogram
	handlers    metric.Int64Counter
	handlerErrs metric.Int64Counter
	handlerLat  metric.Float64Histogram
	rejections  metric.Int64Counter
	breakers    metric.Int64Counter
}

func newOtelMetrics(provider metric.MeterProvider) (*otelMetrics, error) {
	meter := provider.Meter("securebus")

	emits, err := meter.Int64Counter("securebus.emit.count",
		metric.WithDescription("Number of Emit calls by outcome"),
	)
	if err != nil {
		return nil, err
	}

	emitLatency, err := meter.Float64Histogram("securebus.emit.latency_ms",
		metric.WithDescription("Emit latency in milliseconds, including dispatch"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlers, err := meter.Int64Counter("securebus.handler.executions",
		metric.WithDescription("Number of handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrs, err := meter.Int64Counter("securebus.handler.errors",
		metric.WithDescription("Number of failed handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	handlerLat, err := meter.Float64Histogram("securebus.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter("securebus.security.rejections",
		metric.WithDescription("Number of emits rejected by security checks"),
	)
	if err != nil {
		return nil, err
	}

	breakers, err := meter.Int64Counter("securebus.breaker.transitions",
		metric.WithDescription("Number of circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		emits:       emits,
		emitLatency: emitLatency,
		handlers:    handlers,
		handlerErrs: handlerErrs,
		handlerLat:  handlerLat,
		rejections:  rejections,
		breakers:    breakers,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by provider, or by the
// global OTel meter provider when provider is nil. If instrument creation
// fails it logs a warning and returns a no-op recorder.
func NewMetricsRecorder(provider metric.MeterProvider) MetricsRecorder {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m, err := newOtelMetrics(provider)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// RecordEmit implements MetricsRecorder.
func (m *otelMetrics) RecordEmit(ctx context.Context, pattern, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("pattern", pattern),
		attribute.String("outcome", outcome),
	)
	m.emits.Add(ctx, 1, attrs)
	m.emitLatency.Record(ctx, ms(duration), attrs)
}

// RecordHandler implements MetricsRecorder.
func (m *otelMetrics) RecordHandler(ctx context.Context, pattern, moduleID string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("pattern", pattern),
		attribute.String("module_id", moduleID),
	)
	m.handlers.Add(ctx, 1, attrs)
	m.handlerLat.Record(ctx, ms(duration), attrs)
	if err != nil {
		m.handlerErrs.Add(ctx, 1, attrs)
	}
}

// RecordRejection implements MetricsRecorder.
func (m *otelMetrics) RecordRejection(ctx context.Context, reason string) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition implements MetricsRecorder.
func (m *otelMetrics) RecordBreakerTransition(ctx context.Context, to string) {
	m.breakers.Add(ctx, 1, metric.WithAttributes(attribute.String("state", to)))
}
