package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/escore"
)

var _ escore.EventBus = (*TelemetryEventBus)(nil)

// TelemetryEventBus wraps an EventBus with OpenTelemetry tracing and metrics.
//
// Every subscriber is wrapped with WithEventTelemetry, so each delivery gets a
// consumer span linked to the producing command. Publish counts dropped
// deliveries per subscriber and records them on the caller's span.
type TelemetryEventBus struct {
	next    escore.EventBus
	options []Option
}

// WithEventBusTelemetry wraps next. The options are passed to every
// subscriber decorator.
//
//	bus := otel.WithEventBusTelemetry(memory.NewEventBus(),
//	    otel.WithAttributes(attribute.String("service", "ledger")),
//	)
//	err := bus.Subscribe(ctx, "balances", projection)
func WithEventBusTelemetry(next escore.EventBus, options ...Option) *TelemetryEventBus {
	return &TelemetryEventBus{next: next, options: options}
}

// Publish forwards to the wrapped bus and records every dropped delivery.
func (t *TelemetryEventBus) Publish(ctx context.Context, envelopes ...*escore.Envelope) error {
	err := t.next.Publish(ctx, envelopes...)
	if err == nil {
		return nil
	}

	span := trace.SpanFromContext(ctx)
	for _, derr := range deliveryErrors(err) {
		EventBusDropped.Add(ctx, 1, metric.WithAttributes(AttrSubscriberName.String(derr.Subscriber)))
		span.AddEvent("delivery_dropped", trace.WithAttributes(
			AttrSubscriberName.String(derr.Subscriber),
			AttrStreamID.String(derr.Stream.String()),
			AttrStreamSequence.Int64(int64(derr.Sequence)),
		))
	}
	return err
}

// Subscribe registers next wrapped with telemetry.
func (t *TelemetryEventBus) Subscribe(ctx context.Context, name string, next escore.EventHandler, options ...escore.SubscriberOption) error {
	return t.next.Subscribe(ctx, name, WithEventTelemetry(name, next, t.options...), options...)
}

// Errors returns the error channel from the underlying event bus.
func (t *TelemetryEventBus) Errors() <-chan error {
	return t.next.Errors()
}

// Close closes the underlying event bus and waits for all handlers to finish.
func (t *TelemetryEventBus) Close() error {
	return t.next.Close()
}

// deliveryErrors flattens the errors joined by Publish.
func deliveryErrors(err error) []*escore.DeliveryError {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*escore.DeliveryError
		for _, e := range joined.Unwrap() {
			out = append(out, deliveryErrors(e)...)
		}
		return out
	}
	var derr *escore.DeliveryError
	if errors.As(err, &derr) {
		return []*escore.DeliveryError{derr}
	}
	return nil
}
