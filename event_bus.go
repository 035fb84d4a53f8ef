package escore

import (
	"context"
	"slices"
)

// EventBus fans committed envelopes out to live subscribers. It is built once
// at startup and passed explicitly to the components that publish to it or
// subscribe on it.
//
// Delivery is at-most-once per subscriber and lossy under backpressure: an
// envelope that does not fit a subscriber's queue is dropped for that
// subscriber, which is then told to resynchronize from the store. Publish
// never blocks on a slow subscriber.
type EventBus interface {
	// Publish hands envelopes to every matching subscriber. The returned error
	// joins one *DeliveryError per dropped envelope; it never means the
	// envelopes were not committed.
	Publish(ctx context.Context, envelopes ...*Envelope) error

	// Subscribe registers handler under a unique name. The subscription ends
	// when ctx is done or the bus is closed.
	Subscribe(ctx context.Context, name string, handler EventHandler, options ...SubscriberOption) error

	// Errors returns a channel where asynchronous delivery and handler errors
	// are sent.
	Errors() <-chan error

	// Close closes the EventBus and waits for all handlers to finish.
	Close() error
}

// LagHandler is implemented by subscribers that can resynchronize from the
// store. The bus calls HandleLag with the streams whose envelopes were
// dropped before it delivers the next envelope to the subscriber.
type LagHandler interface {
	HandleLag(ctx context.Context, streams []StreamID) error
}

// SubscriberConfig is the resolved form of SubscriberOption values.
type SubscriberConfig struct {
	QueueSize      int
	EventTypes     []string
	AggregateTypes []string
}

// SubscriberOption configures one subscription.
type SubscriberOption func(cfg *SubscriberConfig)

// WithQueueSize sets the capacity of the subscriber's queue.
func WithQueueSize(n int) SubscriberOption {
	return func(cfg *SubscriberConfig) { cfg.QueueSize = n }
}

// WithEventTypes restricts the subscription to the given event types.
func WithEventTypes(types ...string) SubscriberOption {
	return func(cfg *SubscriberConfig) { cfg.EventTypes = append(cfg.EventTypes, types...) }
}

// WithAggregateTypes restricts the subscription to streams of the given
// aggregate types.
func WithAggregateTypes(types ...string) SubscriberOption {
	return func(cfg *SubscriberConfig) { cfg.AggregateTypes = append(cfg.AggregateTypes, types...) }
}

// NewSubscriberConfig resolves options over a default queue size.
func NewSubscriberConfig(defaultQueueSize int, options ...SubscriberOption) SubscriberConfig {
	cfg := SubscriberConfig{QueueSize: defaultQueueSize}
	for _, o := range options {
		o(&cfg)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return cfg
}

// Accepts reports whether env passes the configured filters.
func (c SubscriberConfig) Accepts(env *Envelope) bool {
	if len(c.EventTypes) > 0 && !slices.Contains(c.EventTypes, env.EventType()) {
		return false
	}
	if len(c.AggregateTypes) > 0 && !slices.Contains(c.AggregateTypes, env.AggregateType) {
		return false
	}
	return true
}
