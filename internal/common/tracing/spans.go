package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const relayTracerName = "relay-core"

func relayTracer() trace.Tracer {
	return Tracer(relayTracerName)
}

// TraceSandboxCreate creates a span for sandbox provisioning.
func TraceSandboxCreate(ctx context.Context, sessionID, providerType string) (context.Context, trace.Span) {
	ctx, span := relayTracer().Start(ctx, "sandbox.create",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("provider_type", providerType),
	)
	return ctx, span
}

// TraceAgentCall creates a span for an agent RPC call.
func TraceAgentCall(ctx context.Context, sessionID, method string) (context.Context, trace.Span) {
	ctx, span := relayTracer().Start(ctx, "agent.call",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("method", method),
	)
	return ctx, span
}

// EndSpan records the error (if any) on the span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
