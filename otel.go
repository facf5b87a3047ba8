package signalr

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "gitlab.com/techviking/signalr"

func newOTelTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return tp.Tracer(tracerName)
}

func (c *client) startInvokeSpan(ctx context.Context, hub, method, id string) (context.Context, trace.Span) {
	return c.otelTracer.Start(ctx, "signalr.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "signalr"),
			attribute.String("rpc.service", hub),
			attribute.String("rpc.method", method),
			attribute.String("signalr.invocation_id", id),
		),
	)
}

func (c *client) startReconnectSpan(transport string, cause error) trace.Span {
	attrs := []attribute.KeyValue{attribute.String("signalr.transport", transport)}
	if cause != nil {
		attrs = append(attrs, attribute.String("signalr.cause", cause.Error()))
	}
	_, span := c.otelTracer.Start(context.Background(), "signalr.reconnect", trace.WithAttributes(attrs...))

	return span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
