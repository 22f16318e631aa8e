package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "recirculate-store"

// startSpan opens a span for a store operation tagged with the given
// attributes.
func startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "store."+operation)
	span.SetAttributes(attribute.String("store.operation", operation))
	span.SetAttributes(attrs...)
	return ctx, span
}

// startClientSpan opens a span around a call to an external provider.
func startClientSpan(ctx context.Context, provider, operation string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, provider+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("peer.service", provider),
		attribute.String("component", "http-client"),
	)
	return ctx, span
}

// endSpan records err (when set) and ends the span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
