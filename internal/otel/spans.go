package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for dotclaw spans.
var (
	AttrChatID   = attribute.Key("dotclaw.chat.id")
	AttrGroup    = attribute.Key("dotclaw.group")
	AttrLane     = attribute.Key("dotclaw.lane")
	AttrRunID    = attribute.Key("dotclaw.run.id")
	AttrTaskID   = attribute.Key("dotclaw.task.id")
	AttrModel    = attribute.Key("dotclaw.model")
	AttrBatch    = attribute.Key("dotclaw.batch.size")
	AttrProvider = attribute.Key("dotclaw.provider")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartConsumerSpan starts a span for processing an inbound message batch.
func StartConsumerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartClientSpan starts a span for an outbound call (sandbox run, platform send).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
