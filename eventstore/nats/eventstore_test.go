package nats

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/terraskye/escore"
	"github.com/terraskye/escore/eventstore/storetest"
)

func newTestContainer(t *testing.T) Connector {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS container test in short mode")
	}

	ctx := context.Background()
	natsC, err := testcontainers.Run(
		ctx, "nats:latest",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := natsC.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("nats endpoint: %s", endpoint)
	return ConnectURL(endpoint)
}

func TestStore_Conformance(t *testing.T) {
	connect := newTestContainer(t)

	storetest.Run(t, func(t *testing.T, reg *escore.Registry) escore.EventStore {
		store, err := New(context.Background(), Config{
			Connect:    connect,
			Registry:   reg,
			StreamName: "conformance",
			Storage:    jetstream.MemoryStorage,
		})
		require.NoError(t, err)
		return store
	})
}

func TestStore_OneMessagePerAppend(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, Config{
		Connect:    newTestContainer(t),
		Registry:   storetest.NewRegistry(),
		StreamName: "batches",
		Storage:    jetstream.MemoryStorage,
	})
	require.NoError(t, err)
	defer store.Close()

	id := escore.NewStreamID("account", "a.b.*")
	_, err = store.AppendConditional(ctx, id, escore.NoStream{}, []escore.Event{
		storetest.Opened{Owner: "ann"},
		&storetest.Deposited{Amount: 1},
		&storetest.Deposited{Amount: 2},
	})
	require.NoError(t, err)

	info, err := store.stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	latest, ok, err := store.LatestSequence(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), latest)
}

func TestSubject(t *testing.T) {
	s := &Store{subjectPrefix: "escore"}

	a := s.subject(escore.NewStreamID("account", "x.y"))
	b := s.subject(escore.NewStreamID("account", "x"))
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a[len("escore."):], "*")
	assert.Equal(t, 2, strings.Count(a, "."))

	id := uuid.NewString()
	assert.Equal(t, s.subject(escore.NewStreamID("account", id)), s.subject(escore.NewStreamID("account", id)))
}

func TestLastBatch_Latest(t *testing.T) {
	_, ok := lastBatch{}.latest()
	assert.False(t, ok)

	seq, ok := lastBatch{streamSeq: 7, first: 3, count: 2}.latest()
	assert.True(t, ok)
	assert.Equal(t, uint64(4), seq)
}
