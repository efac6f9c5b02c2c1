package securebus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/randalmurphal/securebus/pkg/securebus"
	"github.com/randalmurphal/securebus/pkg/securebus/event"
	"github.com/randalmurphal/securebus/pkg/securebus/observability"
)

func TestMetricsCounters(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, nil)
	b.On("sales.order.created", noop)
	b.On("sales.order.refunded", event.HandlerFunc(func(context.Context, *event.Event) error {
		return errors.New("ledger locked")
	}))

	require.NoError(t, b.Emit(ctx, "sales.order.created", map[string]any{"id": 1}))
	require.NoError(t, b.Emit(ctx, "sales.order.created", map[string]any{"id": 1}))
	require.NoError(t, b.Emit(ctx, "sales.order.refunded", map[string]any{"id": 1}))
	require.Error(t, b.Emit(ctx, "sales.*", map[string]any{"id": 1}))

	m := b.Metrics()
	assert.Equal(t, int64(1), m.ByPattern["sales.order.created"])
	assert.Equal(t, int64(1), m.ByPattern["sales.order.refunded"])
	assert.Equal(t, int64(1), m.Duplicates)
	// Rejected emit plus failed handler.
	assert.Equal(t, int64(2), m.Errors)
	assert.Greater(t, m.ErrorRate, 0.0)
	assert.Less(t, m.ErrorRate, 1.0)
	assert.Equal(t, 2, m.ActiveSubscriptions)
	assert.Equal(t, 0, m.QueueSize)
	assert.Greater(t, m.MemoryUsageMB, 0.0)
	assert.Greater(t, m.TotalEvents, int64(2), "internal events are counted")

	sm := b.SecurityMetrics()
	assert.Equal(t, int64(1), sm.Processor.Failures)
	assert.Greater(t, sm.PatternCache.Misses, int64(0))
	assert.Equal(t, 2, sm.Subscriptions.Total)
}

func TestPrometheusCollector(t *testing.T) {
	ctx := context.Background()
	b := newBus(t, nil)
	b.On("sales.order.created", noop)
	require.NoError(t, b.Emit(ctx, "sales.order.created", map[string]any{"id": 1}))
	require.NoError(t, b.Emit(ctx, "sales.order.shipped", map[string]any{"id": 1}))

	c := b.PrometheusCollector("shop")
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	assert.Equal(t, 1, testutil.CollectAndCount(c, "shop_active_subscriptions"))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(c, "shop_pattern_events_total"), 2)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "shop_pattern_events_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "pattern" && l.GetValue() == "sales.order.shipped" {
					found = true
					assert.Equal(t, 1.0, metric.GetCounter().GetValue())
				}
			}
		}
	}
	assert.True(t, found, "per-pattern counter exported")
}

func TestOtelInstrumentation(t *testing.T) {
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(ctx) })

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	b := newBus(t, nil,
		securebus.WithMetrics(observability.NewMetricsRecorder(mp)),
		securebus.WithTracing(observability.NewSpanManager(tp)),
	)
	rec := &recorder{}
	b.On("sales.order.created", rec)
	require.NoError(t, b.Emit(ctx, "sales.order.created", map[string]any{"id": 1}))

	require.Equal(t, 1, rec.Len())
	got := rec.All()[0]
	assert.Len(t, got.Metadata.Tracing.TraceID, 32)
	assert.NotEmpty(t, got.Metadata.Tracing.SpanID)

	var handled bool
	for _, s := range exporter.GetSpans() {
		if s.Name == "securebus.handle" {
			handled = true
			assert.Equal(t, got.Metadata.Tracing.TraceID, s.SpanContext.TraceID().String())
		}
	}
	assert.True(t, handled)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var emits int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "securebus.emit.count" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				emits += dp.Value
			}
		}
	}
	assert.GreaterOrEqual(t, emits, int64(1))
}
