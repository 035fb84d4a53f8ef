// Package storetest holds the behaviour every escore.EventStore backend must
// show. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraskye/escore"
)

// Opened and Deposited are the events the suite appends.
type Opened struct {
	Owner string `json:"owner"`
}

func (Opened) EventType() string { return "storetest.Opened" }

type Deposited struct {
	Amount int `json:"amount"`
}

func (*Deposited) EventType() string { return "storetest.Deposited" }

// NewRegistry returns a registry that knows the suite's events.
func NewRegistry() *escore.Registry {
	reg := escore.NewRegistry()
	reg.Register(func() escore.Event { return Opened{} })
	reg.Register(func() escore.Event { return &Deposited{} })
	return reg
}

// Factory opens an empty store that decodes with reg.
type Factory func(t *testing.T, reg *escore.Registry) escore.EventStore

// Run exercises the EventStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, store escore.EventStore)
	}{
		{"append to absent stream", testAppendNoStream},
		{"append at revision", testAppendAtRevision},
		{"stale revision conflicts", testStaleRevision},
		{"no stream on existing stream conflicts", testNoStreamOnExisting},
		{"concurrent appends", testConcurrentAppends},
		{"absent stream", testAbsentStream},
		{"read from sequence", testReadFromSequence},
		{"read backward", testReadBackward},
		{"read by ids", testReadByIDs},
		{"streams are isolated", testStreamIsolation},
		{"envelope contents", testEnvelopeContents},
		{"invalid appends", testInvalidAppends},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, NewRegistry())
			t.Cleanup(func() { _ = store.Close() })
			tt.fn(t, store)
		})
	}
}

func newStream() escore.StreamID {
	return escore.NewStreamID("account", uuid.NewString())
}

func deposits(amounts ...int) []escore.Event {
	events := make([]escore.Event, len(amounts))
	for i, a := range amounts {
		events[i] = &Deposited{Amount: a}
	}
	return events
}

func readAll(t *testing.T, store escore.EventStore, id escore.StreamID, opts ...escore.ReadOption) []*escore.Envelope {
	t.Helper()
	iter, err := store.ReadStream(context.Background(), id, opts...)
	require.NoError(t, err)
	envs, err := iter.All(context.Background())
	require.NoError(t, err)
	return envs
}

func sequences(envs []*escore.Envelope) []uint64 {
	out := make([]uint64, len(envs))
	for i, env := range envs {
		out[i] = env.Sequence
	}
	return out
}

func testAppendNoStream(t *testing.T, store escore.EventStore) {
	ctx := context.Background()
	id := newStream()

	rng, err := store.AppendConditional(ctx, id, escore.NoStream{}, deposits(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, escore.SequenceRange{First: 0, Last: 2}, rng)

	latest, ok, err := store.LatestSequence(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), latest)
}

func testAppendAtRevision(t *testing.T, store escore.EventStore) {
	ctx := context.Background()
	id := newStream()

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{Opened{Owner: "ann"}})
	require.NoError(t, err)

	rng, err := store.AppendConditional(ctx, id, escore.Revision(0), deposits(5, 6))
	require.NoError(t, err)
	assert.Equal(t, escore.SequenceRange{First: 1, Last: 2}, rng)

	rng, err = store.AppendConditional(ctx, id, escore.Revision(2), deposits(7))
	require.NoError(t, err)
	assert.Equal(t, escore.SequenceRange{First: 3, Last: 3}, rng)

	assert.Equal(t, []uint64{0, 1, 2, 3}, sequences(readAll(t, store, id)))
}

func testStaleRevision(t *testing.T, store escore.EventStore) {
	ctx := context.Background()
	id := newStream()

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, deposits(1, 2))
	require.NoError(t, err)

	_, err = store.AppendConditional(ctx, id, escore.Revision(0), deposits(3))
	require.ErrorIs(t, err, escore.ErrConflict)

	var conflict *escore.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, id, conflict.Stream)

	assert.Len(t, readAll(t, store, id), 2, "a rejected append must leave the stream unchanged")
}

func testNoStreamOnExisting(t *testing.T, store escore.EventStore) {
	ctx := context.Background()
	id := newStream()

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, deposits(1))
	require.NoError(t, err)

	_, err = store.AppendConditional(ctx, id, escore.NoStream{}, deposits(2))
	require.ErrorIs(t, err, escore.ErrConflict)

	_, err = store.AppendConditional(ctx, newStream(), escore.Revision(0), deposits(2))
	require.ErrorIs(t, err, escore.ErrConflict, "a revision on an absent stream must conflict")
}

func testConcurrentAppends(t *testing.T, store escore.EventStore) {
	ctx := context.Background()
	id := newStream()

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, deposits(100))
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(amount int) {
			defer wg.Done()
			_, err := store.AppendConditional(ctx, id, escore.Revision(0), deposits(amount))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, escore.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicts)
	assert.Equal(t, []uint64{0, 1}, sequences(readAll(t, store, id)))
}

func testAbsentStream(t *testing.T, store escore.EventStore) {
	ctx := context.Background()
	id := newStream()

	_, ok, err := store.LatestSequence(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Empty(t, readAll(t, store, id))

	envs, err := store.ReadByIDs(ctx, id, []uint64{0, 1})
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func testReadFromSequence(t *testing.T, store escore.EventStore) {
	ctx := context.Background()
	id := newStream()

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, deposits(1, 2, 3, 4, 5))
	require.NoError(t, err)

	assert.Equal(t, []uint64{3, 4}, sequences(readAll(t, store, id, escore.FromSequence(3))))
	assert.Equal(t, []uint64{1, 2}, sequences(readAll(t, store, id, escore.FromSequence(1), escore.WithLimit(2))))
	assert.Empty(t, readAll(t, store, id, escore.FromSequence(5)))
}

func testReadBackward(t *testing.T, store escore.EventStore) {
	ctx := context.Background()
	id := newStream()

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, deposits(1, 2, 3, 4))
	require.NoError(t, err)

	assert.Equal(t, []uint64{3, 2, 1, 0}, sequences(readAll(t, store, id, escore.Backward())))
	assert.Equal(t, []uint64{3}, sequences(readAll(t, store, id, escore.Backward(), escore.WithLimit(1))))
	assert.Equal(t, []uint64{1, 0}, sequences(readAll(t, store, id, escore.Backward(), escore.FromSequence(1))))
}

func testReadByIDs(t *testing.T, store escore.EventStore) {
	ctx := context.Background()
	id := newStream()

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, deposits(10, 20, 30))
	require.NoError(t, err)

	envs, err := store.ReadByIDs(ctx, id, []uint64{2, 0, 7})
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 2}, sequences(envs))
	assert.Equal(t, &Deposited{Amount: 10}, envs[0].Event)
	assert.Equal(t, &Deposited{Amount: 30}, envs[1].Event)
}

func testStreamIsolation(t *testing.T, store escore.EventStore) {
	ctx := context.Background()
	a := escore.NewStreamID("account", "iso-"+uuid.NewString())
	b := escore.NewStreamID("ledger", a.AggregateID)

	_, err := store.AppendConditional(ctx, a, escore.NoStream{}, deposits(1, 2))
	require.NoError(t, err)
	rng, err := store.AppendConditional(ctx, b, escore.NoStream{}, deposits(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rng.First, "sequences are per stream")

	assert.Len(t, readAll(t, store, a), 2)
	assert.Len(t, readAll(t, store, b), 1)
}

func testEnvelopeContents(t *testing.T, store escore.EventStore) {
	ctx := context.Background()
	id := newStream()

	md := map[string]any{"user": "ann", "trace": "t-1"}
	_, err := store.AppendConditional(ctx, id, escore.NoStream{},
		[]escore.Event{Opened{Owner: "ann"}, &Deposited{Amount: 42}},
		escore.WithAppendMetadata(md),
	)
	require.NoError(t, err)

	envs := readAll(t, store, id)
	require.Len(t, envs, 2)

	assert.Equal(t, Opened{Owner: "ann"}, envs[0].Event)
	assert.Equal(t, &Deposited{Amount: 42}, envs[1].Event)
	for i, env := range envs {
		assert.Equal(t, id, env.StreamID(), fmt.Sprintf("envelope %d", i))
		assert.NotEqual(t, uuid.Nil, env.EventID)
		assert.False(t, env.CreatedAt.IsZero())
		assert.Equal(t, "ann", env.Metadata["user"])
		assert.Equal(t, "t-1", env.Metadata["trace"])
	}
	assert.NotEqual(t, envs[0].EventID, envs[1].EventID)
}

func testInvalidAppends(t *testing.T, store escore.EventStore) {
	ctx := context.Background()
	id := newStream()

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, nil)
	assert.ErrorIs(t, err, escore.ErrEmptyAppend)

	_, err = store.AppendConditional(ctx, escore.NewStreamID("", "x"), escore.NoStream{}, deposits(1))
	assert.ErrorIs(t, err, escore.ErrInvalidStreamID)

	_, err = store.AppendConditional(ctx, id, nil, deposits(1))
	assert.ErrorIs(t, err, escore.ErrInvalidRevision)

	_, err = store.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{&Deposited{Amount: 1}, nil})
	assert.ErrorIs(t, err, escore.ErrNilEvent)
	assert.ErrorIs(t, err, escore.ErrSerialization)
	assert.NotErrorIs(t, err, escore.ErrEmptyAppend)

	_, ok, err := store.LatestSequence(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "rejected appends must not create the stream")
}
