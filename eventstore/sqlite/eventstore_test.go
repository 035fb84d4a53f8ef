package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraskye/escore"
	"github.com/terraskye/escore/eventstore/storetest"
)

func openTestStore(t *testing.T, reg *escore.Registry, opts ...Option) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "events.db"), reg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, reg *escore.Registry) escore.EventStore {
		return openTestStore(t, reg)
	})
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open("  ", storetest.NewRegistry())
	require.Error(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "x.db"), nil)
	require.Error(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()
	id := escore.NewStreamID("account", "A")

	first, err := Open(path, storetest.NewRegistry())
	require.NoError(t, err)
	_, err = first.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{storetest.Opened{Owner: "ann"}})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path, storetest.NewRegistry())
	require.NoError(t, err)
	defer second.Close()

	latest, ok, err := second.LatestSequence(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), latest)
}

func TestStore_UnknownEventType(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")
	id := escore.NewStreamID("account", "A")

	writer, err := Open(path, storetest.NewRegistry())
	require.NoError(t, err)
	_, err = writer.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{storetest.Opened{Owner: "ann"}})
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	reader, err := Open(path, escore.NewRegistry())
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.ReadStream(ctx, id)
	require.ErrorIs(t, err, escore.ErrSerialization)
}

func TestStore_TimestampsUseClock(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 3, 9, 8, 30, 0, 123_000_000, time.UTC)
	store := openTestStore(t, storetest.NewRegistry(), WithClock(func() time.Time { return at }))
	id := escore.NewStreamID("account", "A")

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{storetest.Opened{}})
	require.NoError(t, err)

	envs, err := store.ReadByIDs(ctx, id, []uint64{0})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, at, envs[0].CreatedAt)
}

func TestStore_Streams(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, storetest.NewRegistry())

	for _, id := range []escore.StreamID{
		escore.NewStreamID("account", "B"),
		escore.NewStreamID("account", "A"),
		escore.NewStreamID("ledger", "A"),
	} {
		_, err := store.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{storetest.Opened{}, storetest.Opened{}})
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

type balance struct {
	Total int `json:"total"`
}

func TestViewStore(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, storetest.NewRegistry())
	views := NewViewStore[balance](store, "balance")
	other := NewViewStore[balance](store, "other")
	id := escore.NewStreamID("account", "A")

	_, _, ok, err := views.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, views.Put(ctx, id, balance{Total: 10}, 0))
	require.NoError(t, views.Put(ctx, id, balance{Total: 30}, 2))

	view, checkpoint, ok, err := views.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, balance{Total: 30}, view)
	assert.Equal(t, uint64(2), checkpoint)

	_, _, ok, err = other.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "views are kept per projection")

	require.NoError(t, views.Delete(ctx, id))
	_, _, ok, err = views.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestViewStore_Projection(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, storetest.NewRegistry())
	id := escore.NewStreamID("account", "A")

	_, err := store.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{
		storetest.Opened{Owner: "ann"},
		&storetest.Deposited{Amount: 40},
		&storetest.Deposited{Amount: 2},
	})
	require.NoError(t, err)

	apply := func(b balance, env *escore.Envelope) (balance, error) {
		if d, ok := env.Event.(*storetest.Deposited); ok {
			b.Total += d.Amount
		}
		return b, nil
	}
	projection := escore.NewProjection("balance", store, NewViewStore[balance](store, "balance"), apply)

	n, err := projection.CatchUp(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, projection.Rebuild(ctx, id))

	view, ok, err := projection.View(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, balance{Total: 42}, view)
}
