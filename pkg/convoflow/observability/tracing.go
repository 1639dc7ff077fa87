package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "convoflow"

// Span names and event names recorded by the engine.
const (
	SpanTurn       = "convoflow.turn"
	SpanNodePrefix = "convoflow.node."

	EventInterrupt = "convoflow.interrupt"
	EventRoute     = "convoflow.route"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartTurnSpan starts a span covering one turn of a thread.
	StartTurnSpan(ctx context.Context, threadID, mode string) (context.Context, trace.Span)

	// StartNodeSpan starts a span for a node execution. Pass the context
	// returned by StartTurnSpan to make it a child of the turn.
	StartNodeSpan(ctx context.Context, nodeID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager on the global tracer provider.
func NewSpanManager() SpanManager {
	return NewSpanManagerFor(otel.GetTracerProvider())
}

// NewSpanManagerFor returns a SpanManager on tp.
func NewSpanManagerFor(tp trace.TracerProvider) SpanManager {
	return &otelSpanManager{tracer: tp.Tracer(tracerName)}
}

func (m *otelSpanManager) StartTurnSpan(ctx context.Context, threadID, mode string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, SpanTurn,
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.String("turn.mode", mode),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartNodeSpan(ctx context.Context, nodeID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, SpanNodePrefix+nodeID,
		trace.WithAttributes(attribute.String("node.id", nodeID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
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

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
