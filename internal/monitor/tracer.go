package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sandbox-sessions"

// Tracer wraps OpenTelemetry tracing for the session service.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("sessions.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for session tracing.
var (
	AttrSessionID  = attribute.Key("sessions.session.id")
	AttrExecIndex  = attribute.Key("sessions.execution.index")
	AttrRuntime    = attribute.Key("sessions.runtime")
	AttrCodeHash   = attribute.Key("sessions.code_hash")
	AttrStatus     = attribute.Key("sessions.status")
	AttrDurationMS = attribute.Key("sessions.duration_ms")
)
