package escore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ApplyFunc folds one envelope into a view. It must be pure so that a
// rebuild from scratch yields the same view as incremental application.
type ApplyFunc[V any] func(view V, env *Envelope) (V, error)

// ViewStore persists one view per stream together with the sequence of the
// last envelope applied to it. Put must store both atomically.
type ViewStore[V any] interface {
	Get(ctx context.Context, stream StreamID) (view V, checkpoint uint64, ok bool, err error)
	Put(ctx context.Context, stream StreamID, view V, checkpoint uint64) error
	Delete(ctx context.Context, stream StreamID) error
}

// ProjectionOption configures NewProjection.
type ProjectionOption func(*projectionOptions)

type projectionOptions struct {
	logger      *slog.Logger
	metrics     Metrics
	parallelism int
}

// WithProjectionLogger sets the logger of the projection.
func WithProjectionLogger(logger *slog.Logger) ProjectionOption {
	return func(o *projectionOptions) { o.logger = logger }
}

// WithProjectionMetrics records applied envelopes and filled gaps.
func WithProjectionMetrics(m Metrics) ProjectionOption {
	return func(o *projectionOptions) { o.metrics = m }
}

// WithRebuildParallelism bounds the number of streams Rebuild replays at
// once. Defaults to GOMAXPROCS.
func WithRebuildParallelism(n int) ProjectionOption {
	return func(o *projectionOptions) { o.parallelism = n }
}

// Projection maintains a read model per stream from envelopes delivered by
// an EventBus, and from the store when deliveries were missed.
//
// For every stream it applies exactly the envelope following its checkpoint.
// Envelopes at or below the checkpoint are duplicates and are skipped.
// Envelopes beyond it reveal a gap, which is filled from the store before the
// envelope itself is applied. Projection implements EventHandler and
// LagHandler.
type Projection[V any] struct {
	name   string
	store  EventStore
	views  ViewStore[V]
	apply  ApplyFunc[V]
	opts   projectionOptions
	flight singleflight.Group

	mu    sync.Mutex
	locks map[StreamID]*sync.Mutex
}

var (
	_ EventHandler = (*Projection[struct{}])(nil)
	_ LagHandler   = (*Projection[struct{}])(nil)
)

// NewProjection creates a projection named name. The name is also the
// subscriber name to use on the bus.
func NewProjection[V any](name string, store EventStore, views ViewStore[V], apply ApplyFunc[V], opts ...ProjectionOption) *Projection[V] {
	o := projectionOptions{
		logger:      slog.Default(),
		metrics:     NopMetrics{},
		parallelism: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.parallelism <= 0 {
		o.parallelism = 1
	}

	return &Projection[V]{
		name:  name,
		store: store,
		views: views,
		apply: apply,
		opts:  o,
		locks: map[StreamID]*sync.Mutex{},
	}
}

// Name returns the projection name.
func (p *Projection[V]) Name() string { return p.name }

// Handle applies a live envelope.
func (p *Projection[V]) Handle(ctx context.Context, env *Envelope) error {
	stream := env.StreamID()
	unlock := p.lock(stream)
	defer unlock()

	view, last, ok, err := p.views.Get(ctx, stream)
	if err != nil {
		return fmt.Errorf("projection %s: load view of %q: %w", p.name, stream, err)
	}
	next := nextSequence(last, ok)

	applied := 1
	switch {
	case env.Sequence < next:
		p.opts.logger.DebugContext(ctx, "skipping applied envelope",
			"projection", p.name,
			"stream", stream.String(),
			"sequence", env.Sequence,
		)
		return nil

	case env.Sequence > next:
		missing := SequenceRange{First: next, Last: env.Sequence - 1}
		gap, err := p.store.ReadByIDs(ctx, stream, missing.Sequences())
		if err != nil {
			return fmt.Errorf("projection %s: fill gap %s on %q: %w", p.name, missing, stream, err)
		}
		if len(gap) != missing.Len() {
			return fmt.Errorf("projection %s: fill gap %s on %q: store returned %d envelopes", p.name, missing, stream, len(gap))
		}
		p.opts.logger.InfoContext(ctx, "filled gap from store",
			"projection", p.name,
			"stream", stream.String(),
			"range", missing.String(),
		)
		p.opts.metrics.ProjectionGapFilled(p.name, len(gap))

		for _, missed := range gap {
			if view, err = p.apply(view, missed); err != nil {
				return p.applyErr(missed, err)
			}
		}
		applied += len(gap)
	}

	if view, err = p.apply(view, env); err != nil {
		return p.applyErr(env, err)
	}
	if err := p.views.Put(ctx, stream, view, env.Sequence); err != nil {
		return fmt.Errorf("projection %s: store view of %q: %w", p.name, stream, err)
	}
	p.opts.metrics.ProjectionApplied(p.name, applied)
	return nil
}

// HandleLag catches up every stream the bus dropped envelopes for.
func (p *Projection[V]) HandleLag(ctx context.Context, streams []StreamID) error {
	for _, stream := range streams {
		if _, err := p.CatchUp(ctx, stream); err != nil {
			return err
		}
	}
	return nil
}

// CatchUp applies every envelope of stream past the checkpoint and returns
// how many were applied. Concurrent calls for the same stream share one read.
func (p *Projection[V]) CatchUp(ctx context.Context, stream StreamID) (int, error) {
	n, err, _ := p.flight.Do(stream.String(), func() (any, error) {
		unlock := p.lock(stream)
		defer unlock()
		return p.catchUp(ctx, stream)
	})
	if err != nil {
		return 0, err
	}
	return n.(int), nil
}

// Rebuild discards the views of the given streams and replays them from
// sequence 0.
func (p *Projection[V]) Rebuild(ctx context.Context, streams ...StreamID) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.parallelism)

	for _, stream := range streams {
		g.Go(func() error {
			unlock := p.lock(stream)
			defer unlock()

			if err := p.views.Delete(ctx, stream); err != nil {
				return fmt.Errorf("projection %s: reset view of %q: %w", p.name, stream, err)
			}
			_, err := p.catchUp(ctx, stream)
			return err
		})
	}
	return g.Wait()
}

// View returns the current view of stream; ok is false if nothing was
// applied to it yet.
func (p *Projection[V]) View(ctx context.Context, stream StreamID) (V, bool, error) {
	view, _, ok, err := p.views.Get(ctx, stream)
	return view, ok, err
}

// Checkpoint returns the sequence of the last envelope applied to stream.
func (p *Projection[V]) Checkpoint(ctx context.Context, stream StreamID) (uint64, bool, error) {
	_, last, ok, err := p.views.Get(ctx, stream)
	return last, ok, err
}

func (p *Projection[V]) catchUp(ctx context.Context, stream StreamID) (int, error) {
	view, last, ok, err := p.views.Get(ctx, stream)
	if err != nil {
		return 0, fmt.Errorf("projection %s: load view of %q: %w", p.name, stream, err)
	}

	iter, err := p.store.ReadStream(ctx, stream, FromSequence(nextSequence(last, ok)))
	if err != nil {
		return 0, fmt.Errorf("projection %s: read %q: %w", p.name, stream, err)
	}
	defer iter.Close()

	applied := 0
	for iter.Next(ctx) {
		env := iter.Value()
		if view, err = p.apply(view, env); err != nil {
			return applied, p.applyErr(env, err)
		}
		last = env.Sequence
		applied++
	}
	if err := iter.Err(); err != nil {
		return applied, fmt.Errorf("projection %s: read %q: %w", p.name, stream, err)
	}
	if applied == 0 {
		return 0, nil
	}

	if err := p.views.Put(ctx, stream, view, last); err != nil {
		return 0, fmt.Errorf("projection %s: store view of %q: %w", p.name, stream, err)
	}
	p.opts.metrics.ProjectionApplied(p.name, applied)
	p.opts.logger.DebugContext(ctx, "caught up",
		"projection", p.name,
		"stream", stream.String(),
		"applied", applied,
		"sequence", last,
	)
	return applied, nil
}

func (p *Projection[V]) applyErr(env *Envelope, err error) error {
	return fmt.Errorf("projection %s: apply %s at %q@%d: %w", p.name, env.EventType(), env.StreamID(), env.Sequence, err)
}

func (p *Projection[V]) lock(stream StreamID) func() {
	p.mu.Lock()
	l, ok := p.locks[stream]
	if !ok {
		l = &sync.Mutex{}
		p.locks[stream] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func nextSequence(last uint64, ok bool) uint64 {
	if !ok {
		return 0
	}
	return last + 1
}

// MemoryViewStore is a ViewStore kept in memory.
type MemoryViewStore[V any] struct {
	mu    sync.RWMutex
	views map[StreamID]memoryView[V]
}

type memoryView[V any] struct {
	view       V
	checkpoint uint64
}

// NewMemoryViewStore returns an empty MemoryViewStore.
func NewMemoryViewStore[V any]() *MemoryViewStore[V] {
	return &MemoryViewStore[V]{views: map[StreamID]memoryView[V]{}}
}

func (s *MemoryViewStore[V]) Get(_ context.Context, stream StreamID) (V, uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[stream]
	return v.view, v.checkpoint, ok, nil
}

func (s *MemoryViewStore[V]) Put(_ context.Context, stream StreamID, view V, checkpoint uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[stream] = memoryView[V]{view: view, checkpoint: checkpoint}
	return nil
}

func (s *MemoryViewStore[V]) Delete(_ context.Context, stream StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, stream)
	return nil
}
