package otelhelper

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InterruptedEvent names the span event recorded when a gate wait or a run stops before settling.
const InterruptedEvent = "hitl.interrupted"

// SetError marks span as failed. The status description is the stable error code, never the
// error text; the error itself is attached as a span event. A cancelled context is an
// interruption, not a failure.
func SetError(span trace.Span, err error, code string) {
	if err == nil {
		return
	}

	if errors.Is(err, context.Canceled) {
		SetInterrupted(span, err)

		return
	}

	var attrs []attribute.KeyValue
	if code != "" {
		attrs = append(attrs, attribute.String(ErrorCodeKey, code))
		span.SetAttributes(attrs...)
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, code)
}

// SetInterrupted records that the run will be resumed later. The span status stays unset.
func SetInterrupted(span trace.Span, err error) {
	span.AddEvent(InterruptedEvent, trace.WithAttributes(attribute.String("reason", err.Error())))
}
