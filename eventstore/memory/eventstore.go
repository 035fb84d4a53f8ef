// Package memory provides an in-process escore.EventStore. It is meant for
// tests and single-process deployments; nothing survives a restart.
package memory

import (
	"context"
	"errors"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/terraskye/escore"
)

// Option configures an EventStore.
type Option func(*EventStore)

// WithClock sets the source of envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *EventStore) { s.now = now }
}

// WithRegistry round-trips every appended event through its stored JSON form
// and decodes it back with reg. Events that do not serialize are rejected at
// append time, as a durable backend would reject them, and readers never
// share the caller's event values.
func WithRegistry(reg *escore.Registry) Option {
	return func(s *EventStore) { s.registry = reg }
}

// EventStore keeps every stream as a slice of envelopes behind one lock.
// Holding the write lock across the revision check and the append makes the
// conditional append atomic.
type EventStore struct {
	mu       sync.RWMutex
	streams  map[escore.StreamID][]*escore.Envelope
	closed   bool
	now      func() time.Time
	registry *escore.Registry
}

var _ escore.EventStore = (*EventStore)(nil)

// NewEventStore returns an empty store.
func NewEventStore(opts ...Option) *EventStore {
	s := &EventStore{
		streams: make(map[escore.StreamID][]*escore.Envelope),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *EventStore) AppendConditional(ctx context.Context, id escore.StreamID, expected escore.ExpectedRevision, events []escore.Event, opts ...escore.AppendOption) (escore.SequenceRange, error) {
	if err := escore.ValidateAppend(id, expected, events); err != nil {
		return escore.SequenceRange{}, err
	}
	if err := ctx.Err(); err != nil {
		return escore.SequenceRange{}, escore.Unavailable("append", err)
	}
	options := escore.NewAppendOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return escore.SequenceRange{}, escore.Unavailable("append", errClosed)
	}

	current := s.streams[id]
	latest, exists := uint64(len(current))-1, len(current) > 0
	if err := escore.CheckRevision(id, expected, latest, exists); err != nil {
		return escore.SequenceRange{}, err
	}

	rng := escore.RangeAfter(latest, exists, len(events))
	envelopes := escore.NewEnvelopes(id, rng, events, options.Metadata, s.now().UTC())
	if s.registry != nil {
		for i, env := range envelopes {
			decoded, err := s.roundTrip(id, env)
			if err != nil {
				return escore.SequenceRange{}, err
			}
			envelopes[i] = decoded
		}
	}

	s.streams[id] = append(current, envelopes...)
	return rng, nil
}

func (s *EventStore) roundTrip(id escore.StreamID, env *escore.Envelope) (*escore.Envelope, error) {
	doc, err := escore.EncodeEvent(id, env.Event, env.EventID, env.CreatedAt, env.Metadata)
	if err != nil {
		return nil, err
	}
	return s.registry.DecodeEnvelope(env.Sequence, doc)
}

func (s *EventStore) ReadStream(ctx context.Context, id escore.StreamID, opts ...escore.ReadOption) (*escore.Iterator[*escore.Envelope], error) {
	stream, err := s.snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	selected := escore.NewReadOptions(opts...).Select(stream)

	index := 0
	return escore.NewIteratorFunc(func(ctx context.Context) (*escore.Envelope, error) {
		if err := ctx.Err(); err != nil {
			return nil, escore.Unavailable("read", err)
		}
		if index >= len(selected) {
			return nil, io.EOF
		}
		env := selected[index]
		index++
		return env, nil
	}), nil
}

func (s *EventStore) LatestSequence(ctx context.Context, id escore.StreamID) (uint64, bool, error) {
	stream, err := s.snapshot(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if len(stream) == 0 {
		return 0, false, nil
	}
	return stream[len(stream)-1].Sequence, true, nil
}

func (s *EventStore) ReadByIDs(ctx context.Context, id escore.StreamID, seqs []uint64) ([]*escore.Envelope, error) {
	stream, err := s.snapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	wanted := slices.Clone(seqs)
	slices.Sort(wanted)
	wanted = slices.Compact(wanted)

	out := make([]*escore.Envelope, 0, len(wanted))
	for _, seq := range wanted {
		if seq < uint64(len(stream)) {
			out = append(out, stream[seq])
		}
	}
	return out, nil
}

// Streams lists the streams of aggregateType, or of every type when it is
// empty, sorted by name.
func (s *EventStore) Streams(ctx context.Context, aggregateType string) ([]escore.StreamID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, escore.Unavailable("list", errClosed)
	}

	var out []escore.StreamID
	for id := range s.streams {
		if aggregateType == "" || id.AggregateType == aggregateType {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// snapshot returns the stream as of now. Envelopes are never modified after
// they are appended, so the returned slice stays valid without the lock.
func (s *EventStore) snapshot(ctx context.Context, id escore.StreamID) ([]*escore.Envelope, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, escore.Unavailable("read", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, escore.Unavailable("read", errClosed)
	}
	stream := s.streams[id]
	return stream[:len(stream):len(stream)], nil
}

var errClosed = errors.New("memory event store is closed")
