// Package otel instruments escore components with OpenTelemetry tracing and
// metrics. Every decorator uses the global tracer and meter providers.
package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName    = "github.com/terraskye/escore"
	instrumentationVersion = "0.1.0"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Command attributes
	AttrCommandType   = attribute.Key("escore.command.type")
	AttrAggregateType = attribute.Key("escore.aggregate.type")
	AttrAggregateID   = attribute.Key("escore.aggregate.id")

	// Stream attributes
	AttrStreamID       = attribute.Key("escore.stream.id")
	AttrExpectedRev    = attribute.Key("escore.stream.expected_revision")
	AttrRangeFirst     = attribute.Key("escore.stream.range.first")
	AttrRangeLast      = attribute.Key("escore.stream.range.last")
	AttrStreamSequence = attribute.Key("escore.event.sequence")

	// Event attributes
	AttrEventType  = attribute.Key("escore.event.type")
	AttrEventID    = attribute.Key("escore.event.id")
	AttrEventCount = attribute.Key("escore.events.count")

	// Query attributes
	AttrQueryType = attribute.Key("escore.query.type")
	AttrQueryID   = attribute.Key("escore.query.id")

	// EventBus attributes
	AttrSubscriberName = attribute.Key("escore.subscriber.name")
	AttrProjection     = attribute.Key("escore.projection.name")

	AttrOperation = attribute.Key("escore.operation")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion))

	// Command metrics
	CommandsHandled, _ = meter.Int64Counter(
		"escore.commands.handled",
		metric.WithDescription("Total number of commands handled"),
		metric.WithUnit("{command}"),
	)

	CommandsDuration, _ = meter.Float64Histogram(
		"escore.commands.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)

	CommandsInFlight, _ = meter.Int64UpDownCounter(
		"escore.commands.in_flight",
		metric.WithDescription("Number of commands currently being processed"),
		metric.WithUnit("{command}"),
	)

	CommandsFailed, _ = meter.Int64Counter(
		"escore.commands.failed",
		metric.WithDescription("Number of failed commands"),
		metric.WithUnit("{command}"),
	)

	// Event metrics
	EventsAppended, _ = meter.Int64Counter(
		"escore.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"escore.events.loaded",
		metric.WithDescription("Number of events read from streams"),
		metric.WithUnit("{event}"),
	)

	// EventBus metrics
	EventBusHandled, _ = meter.Int64Counter(
		"escore.eventbus.handled",
		metric.WithDescription("Number of envelopes handled by subscribers"),
		metric.WithUnit("{event}"),
	)

	EventBusErrors, _ = meter.Int64Counter(
		"escore.eventbus.errors",
		metric.WithDescription("Number of subscriber handler errors"),
		metric.WithUnit("{error}"),
	)

	EventBusDropped, _ = meter.Int64Counter(
		"escore.eventbus.dropped",
		metric.WithDescription("Number of envelopes dropped for a full subscriber queue"),
		metric.WithUnit("{event}"),
	)

	EventBusDuration, _ = meter.Float64Histogram(
		"escore.eventbus.duration",
		metric.WithDescription("Subscriber handler duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	// Projection metrics
	ProjectionApplied, _ = meter.Int64Counter(
		"escore.projection.applied",
		metric.WithDescription("Number of envelopes applied by projections"),
		metric.WithUnit("{event}"),
	)

	ProjectionGapFilled, _ = meter.Int64Counter(
		"escore.projection.gap_filled",
		metric.WithDescription("Number of envelopes a projection read back from the store to close a gap"),
		metric.WithUnit("{event}"),
	)

	// Query metrics
	QueriesHandled, _ = meter.Int64Counter(
		"escore.queries.handled",
		metric.WithDescription("Total number of queries handled"),
		metric.WithUnit("{query}"),
	)

	QueriesDuration, _ = meter.Float64Histogram(
		"escore.queries.duration",
		metric.WithDescription("Query handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	QueriesFailed, _ = meter.Int64Counter(
		"escore.queries.failed",
		metric.WithDescription("Number of failed queries"),
		metric.WithUnit("{query}"),
	)

	// EventStore metrics
	EventStoreDuration, _ = meter.Float64Histogram(
		"escore.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventStoreErrors, _ = meter.Int64Counter(
		"escore.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)

	ConcurrencyConflicts, _ = meter.Int64Counter(
		"escore.concurrency.conflicts",
		metric.WithDescription("Number of stale expected revisions"),
		metric.WithUnit("{conflict}"),
	)
)

// config holds the options shared by the decorators.
type config struct {
	// Attributes holds the default attributes for each span.
	Attributes []attribute.KeyValue

	// GetAttributes is an optional function that can extract trace attributes
	// from the context and add them to the span.
	GetAttributes func(ctx context.Context) []attribute.KeyValue
}

func newConfig(options []Option) *config {
	cfg := &config{}
	for _, o := range options {
		o.apply(cfg)
	}
	return cfg
}

func (c *config) attributes(ctx context.Context, attr ...attribute.KeyValue) []attribute.KeyValue {
	attr = append(attr, c.Attributes...)
	if c.GetAttributes != nil {
		attr = append(attr, c.GetAttributes(ctx)...)
	}
	return attr
}

// Option configures a decorator.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (o optionFunc) apply(c *config) {
	o(c)
}

// WithAttributes sets the default attributes for the spans created by the
// decorator.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return optionFunc(func(o *config) {
		o.Attributes = attrs
	})
}

// WithAttributeGetter extracts additional attributes from the context.
func WithAttributeGetter(fn func(ctx context.Context) []attribute.KeyValue) Option {
	return optionFunc(func(o *config) {
		o.GetAttributes = fn
	})
}
