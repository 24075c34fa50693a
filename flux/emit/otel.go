package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes an instant span:
//   - Span name: the event type (e.g. "TASK_STARTED")
//   - Attributes: execution_id, seq, source_id, name, and all Meta fields
//   - Status: error when Meta["error"] is present
//
// Setup:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("flux"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event. Instant spans are
// appropriate because journal records represent points in time, not
// durations; attempt durations travel in Meta["duration_ms"].
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Type)
	defer span.End()

	span.SetAttributes(
		attribute.String("flux.execution_id", event.ExecutionID),
		attribute.Int64("flux.seq", event.Seq),
		attribute.String("flux.source_id", event.SourceID),
		attribute.String("flux.name", event.Name),
	)

	for k, v := range event.Meta {
		switch val := v.(type) {
		case string:
			span.SetAttributes(attribute.String("flux."+k, val))
		case int:
			span.SetAttributes(attribute.Int("flux."+k, val))
		case int64:
			span.SetAttributes(attribute.Int64("flux."+k, val))
		case float64:
			span.SetAttributes(attribute.Float64("flux."+k, val))
		case bool:
			span.SetAttributes(attribute.Bool("flux."+k, val))
		default:
			span.SetAttributes(attribute.String("flux."+k, fmt.Sprintf("%v", val)))
		}
	}

	if errMsg, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errMsg))
	}
}

// EmitBatch creates spans for all events in order.
func (o *OTelEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		o.Emit(event)
	}
	return nil
}

// Flush is a no-op; span export is owned by the SDK's tracer provider, which
// batches and flushes on its own schedule.
func (o *OTelEmitter) Flush(context.Context) error { return nil }
