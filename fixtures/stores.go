package fixtures

import (
	"context"
	"sync"

	"github.com/terraskye/escore"
	"github.com/terraskye/escore/eventstore/memory"
)

// StoreSpy is a configurable EventStore for testing. It forwards to an
// in-memory store unless a function override or an injected error applies,
// and it tracks calls.
type StoreSpy struct {
	mu sync.Mutex

	inner escore.EventStore

	// Function overrides for custom behavior
	ReadStreamFn func(ctx context.Context, id escore.StreamID, opts ...escore.ReadOption) (*escore.Iterator[*escore.Envelope], error)
	AppendFn     func(ctx context.Context, id escore.StreamID, expected escore.ExpectedRevision, events []escore.Event, opts ...escore.AppendOption) (escore.SequenceRange, error)
	ReadByIDsFn  func(ctx context.Context, id escore.StreamID, seqs []uint64) ([]*escore.Envelope, error)

	// Call tracking
	ReadStreamCalls int
	AppendCalls     int
	ReadByIDsCalls  int
	CloseCalls      int

	// Captured arguments from the last append
	LastExpected escore.ExpectedRevision
	LastEvents   []escore.Event

	// Error injection
	readErr   error
	appendErr error
}

var _ escore.EventStore = (*StoreSpy)(nil)

// NewStoreSpy creates a StoreSpy over a new in-memory store.
func NewStoreSpy() *StoreSpy {
	return &StoreSpy{inner: memory.NewEventStore()}
}

// WrapStore creates a StoreSpy that forwards to store.
func WrapStore(store escore.EventStore) *StoreSpy {
	return &StoreSpy{inner: store}
}

// WithEvents appends events to stream, failing the test setup by panicking
// if the append is rejected.
func (s *StoreSpy) WithEvents(stream escore.StreamID, events ...escore.Event) *StoreSpy {
	latest, ok, err := s.inner.LatestSequence(context.Background(), stream)
	if err == nil {
		_, err = s.inner.AppendConditional(context.Background(), stream, escore.ExpectedRevisionFrom(latest, ok), events)
	}
	if err != nil {
		panic(err)
	}
	return s
}

// FailOnRead configures the store to return err from ReadStream.
func (s *StoreSpy) FailOnRead(err error) *StoreSpy {
	s.readErr = err
	return s
}

// FailOnAppend configures the store to return err from AppendConditional.
func (s *StoreSpy) FailOnAppend(err error) *StoreSpy {
	s.appendErr = err
	return s
}

// ConflictOnce makes the next append lose a race: before forwarding it,
// interloper is appended to the same stream, so the append fails with a
// *escore.ConflictError against the real store.
func (s *StoreSpy) ConflictOnce(interloper ...escore.Event) *StoreSpy {
	var once sync.Once
	s.AppendFn = func(ctx context.Context, id escore.StreamID, expected escore.ExpectedRevision, events []escore.Event, opts ...escore.AppendOption) (escore.SequenceRange, error) {
		once.Do(func() {
			s.WithEvents(id, interloper...)
		})
		return s.inner.AppendConditional(ctx, id, expected, events, opts...)
	}
	return s
}

func (s *StoreSpy) ReadStream(ctx context.Context, id escore.StreamID, opts ...escore.ReadOption) (*escore.Iterator[*escore.Envelope], error) {
	s.mu.Lock()
	s.ReadStreamCalls++
	s.mu.Unlock()

	if s.ReadStreamFn != nil {
		return s.ReadStreamFn(ctx, id, opts...)
	}
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.inner.ReadStream(ctx, id, opts...)
}

func (s *StoreSpy) LatestSequence(ctx context.Context, id escore.StreamID) (uint64, bool, error) {
	if s.readErr != nil {
		return 0, false, s.readErr
	}
	return s.inner.LatestSequence(ctx, id)
}

func (s *StoreSpy) AppendConditional(ctx context.Context, id escore.StreamID, expected escore.ExpectedRevision, events []escore.Event, opts ...escore.AppendOption) (escore.SequenceRange, error) {
	s.mu.Lock()
	s.AppendCalls++
	s.LastExpected = expected
	s.LastEvents = events
	s.mu.Unlock()

	if s.AppendFn != nil {
		return s.AppendFn(ctx, id, expected, events, opts...)
	}
	if s.appendErr != nil {
		return escore.SequenceRange{}, s.appendErr
	}
	return s.inner.AppendConditional(ctx, id, expected, events, opts...)
}

func (s *StoreSpy) ReadByIDs(ctx context.Context, id escore.StreamID, seqs []uint64) ([]*escore.Envelope, error) {
	s.mu.Lock()
	s.ReadByIDsCalls++
	s.mu.Unlock()

	if s.ReadByIDsFn != nil {
		return s.ReadByIDsFn(ctx, id, seqs)
	}
	return s.inner.ReadByIDs(ctx, id, seqs)
}

func (s *StoreSpy) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	return s.inner.Close()
}

// Appends returns the number of AppendConditional calls.
func (s *StoreSpy) Appends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AppendCalls
}
