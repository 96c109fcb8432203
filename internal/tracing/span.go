package tracing

import (
	"context"
	"net/http"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartSessionSpan starts the span covering one virtual user's socket session.
func StartSessionSpan(ctx context.Context, tracer trace.Tracer, vu string, target, topic string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "ws session",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("chatswarm.vu", vu),
		attribute.String("chatswarm.topic", topic),
	)
	if target != "" {
		span.SetAttributes(attribute.String("server.address", target))
	}
	return ctx, span
}

// TagAttributes converts run tags to span attributes under chatswarm.tag.
// Keys are sorted.
func TagAttributes(tags map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String("chatswarm.tag."+k, tags[k]))
	}
	return attrs
}

// RecordTransition adds a lifecycle event to the session span.
func RecordTransition(span trace.Span, from, to string) {
	span.AddEvent("transition", trace.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders injects W3C trace context into the handshake headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
