package escore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type deposited struct{ Amount int }

func (deposited) EventType() string { return "Deposited" }

// ledgerStore serves a fixed set of committed envelopes per stream.
func ledgerStore(streams map[StreamID][]*Envelope) *testStore {
	store := newTestStore()
	store.readFn = func(ctx context.Context, id StreamID, opts ReadOptions) (*Iterator[*Envelope], error) {
		var out []*Envelope
		for _, env := range streams[id] {
			if env.Sequence >= opts.From {
				out = append(out, env)
			}
		}
		return NewSliceIterator(out), nil
	}
	store.readByIDFn = func(ctx context.Context, id StreamID, seqs []uint64) ([]*Envelope, error) {
		var out []*Envelope
		for _, seq := range seqs {
			if envs := streams[id]; seq < uint64(len(envs)) {
				out = append(out, envs[seq])
			}
		}
		return out, nil
	}
	return store
}

func deposits(stream StreamID, amounts ...int) []*Envelope {
	envs := make([]*Envelope, len(amounts))
	for i, amount := range amounts {
		envs[i] = &Envelope{
			AggregateType: stream.AggregateType,
			AggregateID:   stream.AggregateID,
			Sequence:      uint64(i),
			Event:         deposited{Amount: amount},
		}
	}
	return envs
}

func sumDeposits(total int, env *Envelope) (int, error) {
	d, ok := env.Event.(deposited)
	if !ok {
		return total, errors.New("unexpected event")
	}
	return total + d.Amount, nil
}

func TestProjection_AppliesInOrder(t *testing.T) {
	ctx := context.Background()
	stream := NewStreamID("account", "A")
	envs := deposits(stream, 10, 20, 30)

	p := NewProjection("balance", ledgerStore(map[StreamID][]*Envelope{stream: envs}), NewMemoryViewStore[int](), sumDeposits)

	for _, env := range envs {
		if err := p.Handle(ctx, env); err != nil {
			t.Fatalf("handle %d: %v", env.Sequence, err)
		}
	}

	view, ok, err := p.View(ctx, stream)
	if err != nil || !ok || view != 60 {
		t.Fatalf("expected view 60, got %d (ok=%v, err=%v)", view, ok, err)
	}
	last, _, _ := p.Checkpoint(ctx, stream)
	if last != 2 {
		t.Fatalf("expected checkpoint 2, got %d", last)
	}
}

func TestProjection_SkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	stream := NewStreamID("account", "A")
	envs := deposits(stream, 10, 20)

	p := NewProjection("balance", ledgerStore(map[StreamID][]*Envelope{stream: envs}), NewMemoryViewStore[int](), sumDeposits)

	for _, seq := range []int{0, 1, 0, 1, 1} {
		if err := p.Handle(ctx, envs[seq]); err != nil {
			t.Fatal(err)
		}
	}

	view, _, _ := p.View(ctx, stream)
	if view != 30 {
		t.Fatalf("expected duplicates to be skipped, got view %d", view)
	}
}

func TestProjection_FillsGapFromStore(t *testing.T) {
	ctx := context.Background()
	stream := NewStreamID("account", "A")
	envs := deposits(stream, 1, 2, 4, 8)

	p := NewProjection("balance", ledgerStore(map[StreamID][]*Envelope{stream: envs}), NewMemoryViewStore[int](), sumDeposits)

	if err := p.Handle(ctx, envs[0]); err != nil {
		t.Fatal(err)
	}
	// 1 and 2 were never delivered
	if err := p.Handle(ctx, envs[3]); err != nil {
		t.Fatal(err)
	}

	view, _, _ := p.View(ctx, stream)
	if view != 15 {
		t.Fatalf("expected gap filled to 15, got %d", view)
	}
}

func TestProjection_GapFillFailsOnShortRead(t *testing.T) {
	ctx := context.Background()
	stream := NewStreamID("account", "A")
	envs := deposits(stream, 1, 2, 4)

	store := ledgerStore(map[StreamID][]*Envelope{stream: envs[:1]})
	views := NewMemoryViewStore[int]()
	p := NewProjection("balance", store, views, sumDeposits)

	if err := p.Handle(ctx, envs[2]); err == nil {
		t.Fatal("expected an error when the store cannot fill the gap")
	}
	if _, _, ok, _ := views.Get(ctx, stream); ok {
		t.Fatal("expected no view stored after a failed gap fill")
	}
}

func TestProjection_ApplyErrorKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	stream := NewStreamID("account", "A")
	envs := deposits(stream, 1)
	envs = append(envs, &Envelope{AggregateType: "account", AggregateID: "A", Sequence: 1, Event: &UnhandledEvent{}})

	p := NewProjection("balance", ledgerStore(map[StreamID][]*Envelope{stream: envs}), NewMemoryViewStore[int](), sumDeposits)

	if err := p.Handle(ctx, envs[0]); err != nil {
		t.Fatal(err)
	}
	if err := p.Handle(ctx, envs[1]); err == nil {
		t.Fatal("expected apply error")
	}
	last, _, _ := p.Checkpoint(ctx, stream)
	if last != 0 {
		t.Fatalf("expected checkpoint to stay at 0, got %d", last)
	}
}

func TestProjection_RebuildMatchesIncremental(t *testing.T) {
	ctx := context.Background()
	a := NewStreamID("account", "A")
	b := NewStreamID("account", "B")
	streams := map[StreamID][]*Envelope{
		a: deposits(a, 5, 5, 5),
		b: deposits(b, 7, 11),
	}
	store := ledgerStore(streams)

	incremental := NewProjection("balance", store, NewMemoryViewStore[int](), sumDeposits)
	for _, envs := range streams {
		for _, env := range envs {
			if err := incremental.Handle(ctx, env); err != nil {
				t.Fatal(err)
			}
		}
	}

	views := NewMemoryViewStore[int]()
	// a stale view that a rebuild must discard
	_ = views.Put(ctx, a, 1000, 0)
	rebuilt := NewProjection("balance", store, views, sumDeposits, WithRebuildParallelism(2))
	if err := rebuilt.Rebuild(ctx, a, b); err != nil {
		t.Fatal(err)
	}

	for stream := range streams {
		want, _, _ := incremental.View(ctx, stream)
		got, _, _ := rebuilt.View(ctx, stream)
		if got != want {
			t.Fatalf("stream %s: rebuilt view %d != incremental view %d", stream, got, want)
		}
	}
}

func TestProjection_CatchUp(t *testing.T) {
	ctx := context.Background()
	stream := NewStreamID("account", "A")
	envs := deposits(stream, 1, 2, 3)

	p := NewProjection("balance", ledgerStore(map[StreamID][]*Envelope{stream: envs}), NewMemoryViewStore[int](), sumDeposits)

	if err := p.Handle(ctx, envs[0]); err != nil {
		t.Fatal(err)
	}

	n, err := p.CatchUp(ctx, stream)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 envelopes applied, got %d", n)
	}

	n, err = p.CatchUp(ctx, stream)
	if err != nil || n != 0 {
		t.Fatalf("expected an up to date stream to apply nothing, got %d, %v", n, err)
	}

	view, _, _ := p.View(ctx, stream)
	if view != 6 {
		t.Fatalf("expected view 6, got %d", view)
	}
}

func TestProjection_HandleLagConcurrent(t *testing.T) {
	ctx := context.Background()
	stream := NewStreamID("account", "A")
	envs := deposits(stream, 1, 1, 1, 1)

	var reads atomic.Int32
	store := ledgerStore(map[StreamID][]*Envelope{stream: envs})
	read := store.readFn
	store.readFn = func(ctx context.Context, id StreamID, opts ReadOptions) (*Iterator[*Envelope], error) {
		reads.Add(1)
		return read(ctx, id, opts)
	}

	p := NewProjection("balance", store, NewMemoryViewStore[int](), sumDeposits)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.HandleLag(ctx, []StreamID{stream}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	view, _, _ := p.View(ctx, stream)
	if view != 4 {
		t.Fatalf("expected every envelope applied exactly once, got view %d", view)
	}
	if reads.Load() == 0 {
		t.Fatal("expected catch up to read the store")
	}
}
