package kurrentdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"

	"github.com/terraskye/escore"
)

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithFromStart replays every matching event in the database before
// following new ones. By default the relay starts at the end of $all.
func WithFromStart() RelayOption {
	return func(r *Relay) { r.from = kurrentdb.Start{} }
}

// WithFromPosition resumes after pos, typically a value saved from
// Position by an earlier relay.
func WithFromPosition(pos kurrentdb.Position) RelayOption {
	return func(r *Relay) { r.from = pos }
}

// WithRelayLogger sets the logger of the relay.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) { r.log = logger }
}

// Relay forwards events committed by any process to an in-process
// escore.EventBus, using a catch-up subscription to $all filtered by
// aggregate type. Subscribers that are Projections skip what they already
// applied, so a relay may run next to the publish step of local command
// handlers.
type Relay struct {
	store          *EventStore
	bus            escore.EventBus
	aggregateTypes []string
	from           kurrentdb.AllPosition
	log            *slog.Logger

	mu       sync.Mutex
	position *kurrentdb.Position
}

// NewRelay relays the streams of aggregateTypes from store to bus.
func NewRelay(store *EventStore, bus escore.EventBus, aggregateTypes []string, opts ...RelayOption) (*Relay, error) {
	if len(aggregateTypes) == 0 {
		return nil, errors.New("relay needs at least one aggregate type")
	}
	r := &Relay{
		store:          store,
		bus:            bus,
		aggregateTypes: aggregateTypes,
		from:           kurrentdb.End{},
		log:            store.log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Position returns the $all position of the last relayed event.
func (r *Relay) Position() (kurrentdb.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.position == nil {
		return kurrentdb.Position{}, false
	}
	return *r.position, true
}

// Run relays events until ctx is done or the subscription drops. Decoding
// failures are logged and skipped; publish failures are logged and the
// affected projections recover through their gap handling.
func (r *Relay) Run(ctx context.Context) error {
	prefixes := make([]string, len(r.aggregateTypes))
	for i, t := range r.aggregateTypes {
		prefixes[i] = t + "-"
	}

	sub, err := r.store.client.SubscribeToAll(ctx, kurrentdb.SubscribeToAllOptions{
		From: r.from,
		Filter: &kurrentdb.SubscriptionFilter{
			Type:     kurrentdb.StreamFilterType,
			Prefixes: prefixes,
		},
	})
	if err != nil {
		return escore.Unavailable("subscribe", err)
	}
	defer sub.Close()

	r.log.InfoContext(ctx, "relay started", slog.Any("aggregate_types", r.aggregateTypes))

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		event := sub.Recv()
		switch {
		case event.SubscriptionDropped != nil:
			if ctx.Err() != nil {
				return nil
			}
			return escore.Unavailable("subscribe", fmt.Errorf("subscription dropped: %w", event.SubscriptionDropped.Error))

		case event.EventAppeared != nil:
			rec := event.EventAppeared.OriginalEvent()
			env, err := r.store.decode(rec)
			if err != nil {
				r.log.ErrorContext(ctx, "relay: cannot decode event",
					slog.String("stream", rec.StreamID),
					slog.Uint64("sequence", rec.EventNumber),
					slog.Any("error", err),
				)
				continue
			}

			if err := r.bus.Publish(ctx, env); err != nil {
				r.log.WarnContext(ctx, "relay: publish failed",
					slog.String("stream", rec.StreamID),
					slog.Uint64("sequence", rec.EventNumber),
					slog.Any("error", err),
				)
			}

			r.mu.Lock()
			position := rec.Position
			r.position = &position
			r.mu.Unlock()
		}
	}
}
