package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartEmitSpan starts the span covering one Emit call.
	StartEmitSpan(ctx context.Context, pattern string) (context.Context, trace.Span)

	// StartHandlerSpan starts a child span for one handler invocation.
	StartHandlerSpan(ctx context.Context, pattern, subscriptionID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager using provider, or the global OTel
// tracer provider when provider is nil.
func NewSpanManager(provider trace.TracerProvider) SpanManager {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &otelSpanManager{tracer: provider.Tracer("securebus")}
}

// StartEmitSpan implements SpanManager.
func (m *otelSpanManager) StartEmitSpan(ctx context.Context, pattern string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "securebus.emit",
		trace.WithAttributes(attribute.String("event.pattern", pattern)),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// StartHandlerSpan implements SpanManager.
func (m *otelSpanManager) StartHandlerSpan(ctx context.Context, pattern, subscriptionID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "securebus.handle",
		trace.WithAttributes(
			attribute.String("event.pattern", pattern),
			attribute.String("subscription.id", subscriptionID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// EndSpanWithError implements SpanManager.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent implements SpanManager.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SpanIDs returns the trace and span IDs of the span active in ctx, or
// empty strings when there is none.
func SpanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
