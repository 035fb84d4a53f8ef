package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/terraskye/escore"
	"github.com/terraskye/escore/eventstore/kurrentdb"
	"github.com/terraskye/escore/eventstore/memory"
	"github.com/terraskye/escore/eventstore/nats"
	"github.com/terraskye/escore/eventstore/sqlite"
	"github.com/terraskye/escore/examples/bankaccount"
)

// streamLister is implemented by stores that can enumerate their streams.
type streamLister interface {
	Streams(ctx context.Context, aggregateType string) ([]escore.StreamID, error)
}

type backend struct {
	store escore.EventStore
	views escore.ViewStore[bankaccount.Balance]

	// kurrent is set for the kurrentdb backend. Its events reach the bus
	// through a Relay instead of the command handlers.
	kurrent *kurrentdb.EventStore
}

func openBackend(ctx context.Context, cfg Config, reg *escore.Registry, log *slog.Logger) (*backend, error) {
	b := &backend{views: escore.NewMemoryViewStore[bankaccount.Balance]()}

	switch cfg.Backend {
	case backendMemory:
		b.store = memory.NewEventStore(memory.WithRegistry(reg))

	case backendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath, reg, sqlite.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		b.store = store
		b.views = sqlite.NewViewStore[bankaccount.Balance](store, bankaccount.BalanceProjectionName)

	case backendKurrentDB:
		store, err := kurrentdb.Dial(cfg.KurrentDBURL, reg, kurrentdb.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("dial kurrentdb: %w", err)
		}
		b.store = store
		b.kurrent = store

	case backendNATS:
		store, err := nats.New(ctx, nats.Config{
			Connect:  nats.ConnectURL(cfg.NATSURL),
			Registry: reg,
			Log:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		b.store = store

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return b, nil
}

// knownStreams lists the account streams already in the store, if the
// backend can enumerate them.
func (b *backend) knownStreams(ctx context.Context) ([]escore.StreamID, error) {
	lister, ok := b.store.(streamLister)
	if !ok {
		return nil, nil
	}
	return lister.Streams(ctx, bankaccount.AggregateType)
}
