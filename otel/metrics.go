package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/terraskye/escore"
)

// Metrics records escore measurements on the package instruments. Pass it to
// escore.WithMetrics, escore.WithProjectionMetrics and the memory bus.
type Metrics struct{}

var _ escore.Metrics = Metrics{}

func (Metrics) CommandHandled(commandType string, duration time.Duration, err error) {
	ctx := context.Background()
	attr := metric.WithAttributes(AttrCommandType.String(commandType))
	CommandsDuration.Record(ctx, float64(duration.Milliseconds()), attr)
	if err != nil {
		CommandsFailed.Add(ctx, 1, attr)
		return
	}
	CommandsHandled.Add(ctx, 1, attr)
}

func (Metrics) EventsAppended(aggregateType string, count int) {
	EventsAppended.Add(context.Background(), int64(count), metric.WithAttributes(AttrAggregateType.String(aggregateType)))
}

func (Metrics) ConflictDetected(aggregateType string) {
	ConcurrencyConflicts.Add(context.Background(), 1, metric.WithAttributes(AttrAggregateType.String(aggregateType)))
}

func (Metrics) DeliveryDropped(subscriber string) {
	EventBusDropped.Add(context.Background(), 1, metric.WithAttributes(AttrSubscriberName.String(subscriber)))
}

func (Metrics) ProjectionApplied(projection string, count int) {
	ProjectionApplied.Add(context.Background(), int64(count), metric.WithAttributes(AttrProjection.String(projection)))
}

func (Metrics) ProjectionGapFilled(projection string, count int) {
	ProjectionGapFilled.Add(context.Background(), int64(count), metric.WithAttributes(AttrProjection.String(projection)))
}
