package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/nebula/internal/resilience"
)

// TracerName identifies spans produced by this package.
const TracerName = "github.com/roach88/nebula/internal/telemetry"

// Span attribute keys.
const (
	AttrPolicy    = "nebula.resilience.policy"
	AttrPattern   = "nebula.resilience.pattern"
	AttrService   = "nebula.resilience.service"
	AttrOperation = "nebula.resilience.operation"
	AttrOutcome   = "nebula.resilience.outcome"
	AttrEvent     = "nebula.resilience.event"
)

// TracingHook records each completed layer call as a span, backdated to
// when the call started. Retries, state changes and rejections become span
// events on a zero-length span. It implements resilience.Hook.
type TracingHook struct {
	tracer trace.Tracer
}

// NewTracingHook creates a hook on tp, or on the global provider when tp is
// nil.
func NewTracingHook(tp trace.TracerProvider) *TracingHook {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingHook{tracer: tp.Tracer(TracerName)}
}

// OnEvent implements resilience.Hook.
func (h *TracingHook) OnEvent(e resilience.Event) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrPolicy, e.Policy),
		attribute.String(AttrPattern, e.Pattern),
	}
	if e.Service != "" {
		attrs = append(attrs, attribute.String(AttrService, e.Service))
	}
	if e.Operation != "" {
		attrs = append(attrs, attribute.String(AttrOperation, e.Operation))
	}

	switch e.Type {
	case resilience.EventStart:
		return
	case resilience.EventSuccess, resilience.EventFailure:
		_, span := h.tracer.Start(context.Background(), "resilience."+e.Pattern,
			trace.WithTimestamp(e.At.Add(-e.Duration)),
			trace.WithAttributes(attrs...),
		)
		span.SetAttributes(attribute.String(AttrOutcome, e.Outcome))
		if e.Type == resilience.EventFailure {
			span.SetStatus(codes.Error, e.Outcome)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End(trace.WithTimestamp(e.At))
	default:
		_, span := h.tracer.Start(context.Background(), "resilience."+string(e.Type),
			trace.WithTimestamp(e.At),
			trace.WithAttributes(attrs...),
		)
		eventAttrs := []attribute.KeyValue{attribute.String(AttrEvent, string(e.Type))}
		for k, v := range e.Metadata {
			eventAttrs = append(eventAttrs, attribute.String("nebula.resilience."+k, v))
		}
		span.AddEvent(string(e.Type), trace.WithTimestamp(e.At), trace.WithAttributes(eventAttrs...))
		span.End(trace.WithTimestamp(e.At))
	}
}

var _ resilience.Hook = (*TracingHook)(nil)
