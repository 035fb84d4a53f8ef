package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraskye/escore"
	"github.com/terraskye/escore/eventstore/memory"
	"github.com/terraskye/escore/eventstore/storetest"
)

func TestEventStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, reg *escore.Registry) escore.EventStore {
		return memory.NewEventStore()
	})
}

func TestEventStore_ConformanceWithRegistry(t *testing.T) {
	storetest.Run(t, func(t *testing.T, reg *escore.Registry) escore.EventStore {
		return memory.NewEventStore(memory.WithRegistry(reg))
	})
}

type unencodable struct {
	Ch chan int
}

func (unencodable) EventType() string { return "Unencodable" }

func TestEventStore_RegistryRejectsUnencodableEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore(memory.WithRegistry(storetest.NewRegistry()))
	id := escore.NewStreamID("account", "A")

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{
		&storetest.Deposited{Amount: 1},
		unencodable{Ch: make(chan int)},
	})
	require.ErrorIs(t, err, escore.ErrSerialization)

	_, ok, err := store.LatestSequence(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "a batch with one bad event must not be partially appended")
}

func TestEventStore_RegistryIsolatesCallerValues(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore(memory.WithRegistry(storetest.NewRegistry()))
	id := escore.NewStreamID("account", "A")

	ev := &storetest.Deposited{Amount: 5}
	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{ev})
	require.NoError(t, err)
	ev.Amount = 500

	envs, err := store.ReadByIDs(ctx, id, []uint64{0})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, &storetest.Deposited{Amount: 5}, envs[0].Event)
}

func TestEventStore_Clock(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewEventStore(memory.WithClock(func() time.Time { return at }))
	id := escore.NewStreamID("account", "A")

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{storetest.Opened{Owner: "ann"}})
	require.NoError(t, err)

	envs, err := store.ReadByIDs(ctx, id, []uint64{0})
	require.NoError(t, err)
	assert.Equal(t, at, envs[0].CreatedAt)
}

func TestEventStore_Streams(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore()

	for _, id := range []escore.StreamID{
		escore.NewStreamID("account", "B"),
		escore.NewStreamID("account", "A"),
		escore.NewStreamID("ledger", "A"),
	} {
		_, err := store.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{storetest.Opened{}})
		require.NoError(t, err)
	}

	accounts, err := store.Streams(ctx, "account")
	require.NoError(t, err)
	assert.Equal(t, []escore.StreamID{
		escore.NewStreamID("account", "A"),
		escore.NewStreamID("account", "B"),
	}, accounts)

	all, err := store.Streams(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestEventStore_ReadIsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore()
	id := escore.NewStreamID("account", "A")

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{storetest.Opened{}})
	require.NoError(t, err)

	iter, err := store.ReadStream(ctx, id)
	require.NoError(t, err)

	_, err = store.AppendConditional(ctx, id, escore.Revision(0), []escore.Event{&storetest.Deposited{Amount: 1}})
	require.NoError(t, err)

	envs, err := iter.All(ctx)
	require.NoError(t, err)
	assert.Len(t, envs, 1, "appends after ReadStream are not visible to the iterator")
}

func TestEventStore_CancelledContext(t *testing.T) {
	store := memory.NewEventStore()
	id := escore.NewStreamID("account", "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{storetest.Opened{}})
	assert.ErrorIs(t, err, escore.ErrBackendUnavailable)

	_, _, err = store.LatestSequence(ctx, id)
	assert.ErrorIs(t, err, escore.ErrBackendUnavailable)
}

func TestEventStore_Closed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEventStore()
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.ReadStream(ctx, escore.NewStreamID("account", "A"))
	assert.ErrorIs(t, err, escore.ErrBackendUnavailable)
}
