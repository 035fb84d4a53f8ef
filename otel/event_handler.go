package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/escore"
)

// TelemetryHandler traces one subscriber. It forwards HandleLag when the
// wrapped handler is an escore.LagHandler, so wrapping a Projection keeps its
// resynchronization.
type TelemetryHandler struct {
	name string
	next escore.EventHandler
	cfg  *config
}

var (
	_ escore.EventHandler = (*TelemetryHandler)(nil)
	_ escore.LagHandler   = (*TelemetryHandler)(nil)
)

// WithEventTelemetry wraps the handler subscribed under name.
func WithEventTelemetry(name string, next escore.EventHandler, options ...Option) *TelemetryHandler {
	return &TelemetryHandler{name: name, next: next, cfg: newConfig(options)}
}

// Handle starts a consumer span linked to the span that appended the envelope,
// found through the trace fields in its metadata.
func (h *TelemetryHandler) Handle(ctx context.Context, env *escore.Envelope) error {
	carrier := make(propagation.MapCarrier)
	for k, v := range env.Metadata {
		if s, ok := v.(string); ok && s != "" {
			carrier[k] = s
		}
	}
	producer := trace.SpanContextFromContext(otel.GetTextMapPropagator().Extract(context.Background(), carrier))

	eventType := env.EventType()
	attr := h.cfg.attributes(ctx,
		AttrEventType.String(eventType),
		AttrEventID.String(env.EventID.String()),
		AttrStreamID.String(env.StreamID().String()),
		AttrStreamSequence.Int64(int64(env.Sequence)),
		AttrSubscriberName.String(h.name),
	)

	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attr...),
	}
	if producer.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{
			SpanContext: producer,
			Attributes: []attribute.KeyValue{
				attribute.String("link.reason", "event.consumed.from.stream"),
			},
		}))
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("events.handle %s %s", h.name, eventType), opts...)
	defer span.End()

	typeAttr := metric.WithAttributes(AttrEventType.String(eventType), AttrSubscriberName.String(h.name))
	EventBusHandled.Add(ctx, 1, typeAttr)

	startTime := time.Now()
	err := h.next.Handle(ctx, env)
	EventBusDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

	if err != nil {
		var skipped *escore.ErrSkippedEvent
		if errors.As(err, &skipped) {
			span.SetStatus(codes.Ok, "event skipped")
			return err
		}
		EventBusErrors.Add(ctx, 1, typeAttr)
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// HandleLag traces the resynchronization of the wrapped handler. Handlers
// that cannot resynchronize ignore the call.
func (h *TelemetryHandler) HandleLag(ctx context.Context, streams []escore.StreamID) error {
	lh, ok := h.next.(escore.LagHandler)
	if !ok {
		return nil
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("events.resync %s", h.name),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrSubscriberName.String(h.name),
			attribute.Int("escore.streams.count", len(streams)),
		),
	)
	defer span.End()

	if err := lh.HandleLag(ctx, streams); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
