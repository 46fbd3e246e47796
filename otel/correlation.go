package otel

import (
	"context"

	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
)

// TraceID extracts the current trace id, or "" outside a recording span.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// SpanID extracts the current span id, or "" outside a recording span.
func SpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}

// WithFlowBaggage attaches flow and user ids to the baggage so spans in
// downstream services can be correlated back to the editing session.
func WithFlowBaggage(ctx context.Context, flowID, userID string) context.Context {
	bag := baggage.FromContext(ctx)
	if member, err := baggage.NewMember("flow_id", flowID); err == nil {
		bag, _ = bag.SetMember(member)
	}
	if member, err := baggage.NewMember("user_id", userID); err == nil {
		bag, _ = bag.SetMember(member)
	}
	return baggage.ContextWithBaggage(ctx, bag)
}

// FlowBaggage reads the flow and user ids back from the baggage.
func FlowBaggage(ctx context.Context) (flowID, userID string) {
	bag := baggage.FromContext(ctx)
	return bag.Member("flow_id").Value(), bag.Member("user_id").Value()
}
