package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for bridge spans and metrics.
var (
	AttrMethod    = attribute.Key("bridge.rpc.method")
	AttrRPCID     = attribute.Key("bridge.rpc.id")
	AttrPath      = attribute.Key("bridge.http.path")
	AttrPort      = attribute.Key("bridge.port")
	AttrStatus    = attribute.Key("bridge.status")
	AttrOutcome   = attribute.Key("bridge.outcome")
	AttrOperation = attribute.Key("bridge.approval.operation")
	AttrDecision  = attribute.Key("bridge.approval.decision")
	AttrStrategy  = attribute.Key("bridge.confirm.strategy")
	AttrReason    = attribute.Key("bridge.shutdown.reason")
	AttrToolName  = attribute.Key("bridge.tool.name")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound HTTP request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (handover request, relay forward).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
