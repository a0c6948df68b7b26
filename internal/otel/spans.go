package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for GoWarden spans.
var (
	AttrSessionID      = attribute.Key("gowarden.session.id")
	AttrRequestID      = attribute.Key("gowarden.request.id")
	AttrStageName      = attribute.Key("gowarden.stage.name")
	AttrBranchName     = attribute.Key("gowarden.branch.name")
	AttrClassification = attribute.Key("gowarden.query.classification")
	AttrDecision       = attribute.Key("gowarden.governor.decision")
	AttrCandidateRows  = attribute.Key("gowarden.query.candidate_rows")
	AttrAppliedCap     = attribute.Key("gowarden.query.applied_cap")
	AttrCapability     = attribute.Key("gowarden.capability")
	AttrToken          = attribute.Key("gowarden.confirmation.token")
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

// StartClientSpan starts a span for an outbound call (data store).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
