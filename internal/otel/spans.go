package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for TaskBridge spans.
var (
	AttrPlanID        = attribute.Key("taskbridge.plan.id")
	AttrSessionID     = attribute.Key("taskbridge.session.id")
	AttrGapID         = attribute.Key("taskbridge.gap.id")
	AttrCandidateID   = attribute.Key("taskbridge.candidate.id")
	AttrModel         = attribute.Key("taskbridge.llm.model")
	AttrGapConfidence = attribute.Key("taskbridge.gap.confidence")
	AttrTaskCount     = attribute.Key("taskbridge.plan.tasks")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM or embedding API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
