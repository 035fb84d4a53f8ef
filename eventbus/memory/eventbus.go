// Package memory provides the in-process escore.EventBus.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/terraskye/escore"
)

// Option configures an EventBus.
type Option func(*EventBus)

// WithQueueSize sets the default queue capacity of every subscriber.
func WithQueueSize(n int) Option {
	return func(b *EventBus) { b.queueSize = n }
}

// WithLogger sets the logger of the bus.
func WithLogger(logger *slog.Logger) Option {
	return func(b *EventBus) { b.log = logger }
}

// WithMetrics counts dropped deliveries.
func WithMetrics(m escore.Metrics) Option {
	return func(b *EventBus) { b.metrics = m }
}

// WithErrorBuffer sets the capacity of the Errors channel. Errors that do
// not fit are dropped.
func WithErrorBuffer(n int) Option {
	return func(b *EventBus) { b.errBuffer = n }
}

type subscriber struct {
	name    string
	cfg     escore.SubscriberConfig
	handler escore.EventHandler
	events  chan *escore.Envelope
	lagged  chan struct{}
	cancel  context.CancelFunc

	lagMu   sync.Mutex
	dropped map[escore.StreamID]struct{}
}

// EventBus delivers envelopes to every matching subscriber through a bounded
// queue per subscriber, each drained by its own goroutine.
//
// Publish never waits for a subscriber. An envelope that does not fit a
// queue is dropped for that subscriber only, reported as a
// *escore.DeliveryError, and its stream is remembered. Before the
// subscriber's next delivery, a subscriber implementing escore.LagHandler is
// asked to resynchronize the remembered streams from the store.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	errs   chan error
	wg     sync.WaitGroup

	queueSize int
	errBuffer int
	log       *slog.Logger
	metrics   escore.Metrics
}

var _ escore.EventBus = (*EventBus)(nil)

// NewEventBus constructs a new bus. The default queue size is 256.
func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{
		subs:      make(map[string]*subscriber),
		queueSize: 256,
		errBuffer: 64,
		log:       slog.Default(),
		metrics:   escore.NopMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.errs = make(chan error, b.errBuffer)
	return b
}

// Subscribe registers handler under name.
func (b *EventBus) Subscribe(ctx context.Context, name string, handler escore.EventHandler, opts ...escore.SubscriberOption) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return escore.ErrBusClosed
	}
	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("subscriber %q: %w", name, escore.ErrDuplicateHandler)
	}

	cfg := escore.NewSubscriberConfig(b.queueSize, opts...)
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscriber{
		name:    name,
		cfg:     cfg,
		handler: handler,
		events:  make(chan *escore.Envelope, cfg.QueueSize),
		lagged:  make(chan struct{}, 1),
		cancel:  cancel,
		dropped: make(map[escore.StreamID]struct{}),
	}
	b.subs[name] = s

	b.wg.Add(1)
	go b.runSubscriber(workerCtx, s)

	go func() {
		select {
		case <-ctx.Done():
			b.removeSubscriber(name, s)
		case <-workerCtx.Done():
		}
	}()

	return nil
}

// Publish offers every envelope to every matching subscriber. The error
// joins one *escore.DeliveryError per dropped delivery.
func (b *EventBus) Publish(ctx context.Context, envelopes ...*escore.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return escore.ErrBusClosed
	}

	var errs []error
	for _, env := range envelopes {
		for _, s := range b.subs {
			if !s.cfg.Accepts(env) {
				continue
			}
			select {
			case s.events <- env:
			default:
				errs = append(errs, b.drop(ctx, s, env))
			}
		}
	}
	return errors.Join(errs...)
}

func (b *EventBus) drop(ctx context.Context, s *subscriber, env *escore.Envelope) error {
	stream := env.StreamID()

	s.lagMu.Lock()
	s.dropped[stream] = struct{}{}
	s.lagMu.Unlock()

	select {
	case s.lagged <- struct{}{}:
	default:
	}

	b.metrics.DeliveryDropped(s.name)
	b.log.WarnContext(ctx, "subscriber queue full, envelope dropped",
		slog.String("subscriber", s.name),
		slog.String("stream", stream.String()),
		slog.Uint64("sequence", env.Sequence),
	)

	err := &escore.DeliveryError{
		Subscriber: s.name,
		Stream:     stream,
		Sequence:   env.Sequence,
		Err:        errors.New("subscriber queue full"),
	}
	b.report(err)
	return err
}

// Errors returns asynchronous delivery and handler errors. The channel is
// closed by Close.
func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Close stops accepting envelopes, lets every subscriber drain its queue and
// waits for them.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	subs := make([]*subscriber, 0, len(b.subs))
	for name, s := range b.subs {
		close(s.events)
		delete(b.subs, name)
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.wg.Wait()
	for _, s := range subs {
		s.cancel()
	}
	close(b.errs)
	return nil
}

func (b *EventBus) runSubscriber(ctx context.Context, s *subscriber) {
	defer b.wg.Done()

	for {
		select {
		case env, ok := <-s.events:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			b.resync(ctx, s)
			b.deliver(ctx, s, env)

		case <-s.lagged:
			b.resync(ctx, s)

		case <-ctx.Done():
			return
		}
	}
}

// resync hands the streams dropped for s to its LagHandler. Streams whose
// resync fails stay pending for the next attempt.
func (b *EventBus) resync(ctx context.Context, s *subscriber) {
	s.lagMu.Lock()
	if len(s.dropped) == 0 {
		s.lagMu.Unlock()
		return
	}
	streams := make([]escore.StreamID, 0, len(s.dropped))
	for stream := range s.dropped {
		streams = append(streams, stream)
	}
	clear(s.dropped)
	s.lagMu.Unlock()

	lh, ok := s.handler.(escore.LagHandler)
	if !ok {
		return
	}

	sort.Slice(streams, func(i, j int) bool { return streams[i].String() < streams[j].String() })
	if err := lh.HandleLag(ctx, streams); err != nil {
		s.lagMu.Lock()
		for _, stream := range streams {
			s.dropped[stream] = struct{}{}
		}
		s.lagMu.Unlock()
		b.report(fmt.Errorf("subscriber %q: resync: %w", s.name, err))
	}
}

func (b *EventBus) deliver(ctx context.Context, s *subscriber, env *escore.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.report(fmt.Errorf("subscriber %q: panic handling %s at %q@%d: %v", s.name, env.EventType(), env.StreamID(), env.Sequence, r))
		}
	}()

	err := s.handler.Handle(escore.WithEnvelope(ctx, env), env)
	var skipped *escore.ErrSkippedEvent
	if err == nil || errors.As(err, &skipped) {
		return
	}
	b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
}

// report sends err to the Errors channel unless it is full.
func (b *EventBus) report(err error) {
	select {
	case b.errs <- err:
	default:
	}
}

func (b *EventBus) removeSubscriber(name string, s *subscriber) {
	b.mu.Lock()
	current, ok := b.subs[name]
	if !ok || current != s {
		b.mu.Unlock()
		return
	}
	delete(b.subs, name)
	s.cancel()
	close(s.events)
	b.mu.Unlock()
}
