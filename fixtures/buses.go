package fixtures

import (
	"context"
	"sync"

	"github.com/terraskye/escore"
)

// EventBusSpy is a configurable EventBus for testing. It records published
// envelopes and subscriptions without delivering anything.
type EventBusSpy struct {
	mu sync.Mutex

	// Function override
	PublishFn func(ctx context.Context, envelopes ...*escore.Envelope) error

	// Captured calls
	Published     []*escore.Envelope
	Subscriptions []Subscription
	CloseCalls    int

	// Error injection
	publishErr error
	errChan    chan error
	closed     bool
}

// Subscription captures details of a Subscribe call.
type Subscription struct {
	Name    string
	Handler escore.EventHandler
	Config  escore.SubscriberConfig
}

var _ escore.EventBus = (*EventBusSpy)(nil)

// NewEventBusSpy creates a new EventBusSpy.
func NewEventBusSpy() *EventBusSpy {
	return &EventBusSpy{
		errChan: make(chan error, 10),
	}
}

// FailOnPublish configures the bus to return err from Publish after
// recording the envelopes.
func (b *EventBusSpy) FailOnPublish(err error) *EventBusSpy {
	b.publishErr = err
	return b
}

func (b *EventBusSpy) Publish(ctx context.Context, envelopes ...*escore.Envelope) error {
	b.mu.Lock()
	b.Published = append(b.Published, envelopes...)
	b.mu.Unlock()

	if b.PublishFn != nil {
		return b.PublishFn(ctx, envelopes...)
	}
	return b.publishErr
}

func (b *EventBusSpy) Subscribe(_ context.Context, name string, handler escore.EventHandler, options ...escore.SubscriberOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return escore.ErrBusClosed
	}
	b.Subscriptions = append(b.Subscriptions, Subscription{
		Name:    name,
		Handler: handler,
		Config:  escore.NewSubscriberConfig(1, options...),
	})
	return nil
}

func (b *EventBusSpy) Errors() <-chan error {
	return b.errChan
}

func (b *EventBusSpy) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.CloseCalls++
	if !b.closed {
		b.closed = true
		close(b.errChan)
	}
	return nil
}

// PublishedEnvelopes returns a copy of the envelopes published so far.
func (b *EventBusSpy) PublishedEnvelopes() []*escore.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*escore.Envelope(nil), b.Published...)
}

// EventHandlerSpy is a configurable EventHandler for testing. It also
// implements escore.LagHandler and records the streams it was asked to
// resynchronize.
type EventHandlerSpy struct {
	mu sync.Mutex

	// Function override
	HandleFn func(ctx context.Context, env *escore.Envelope) error

	// Captured calls
	Received []*escore.Envelope
	Lagged   [][]escore.StreamID

	// Error injection
	handleErr error
}

var (
	_ escore.EventHandler = (*EventHandlerSpy)(nil)
	_ escore.LagHandler   = (*EventHandlerSpy)(nil)
)

// NewEventHandlerSpy creates a new EventHandlerSpy.
func NewEventHandlerSpy() *EventHandlerSpy {
	return &EventHandlerSpy{}
}

// FailOnHandle configures the handler to return an error.
func (h *EventHandlerSpy) FailOnHandle(err error) *EventHandlerSpy {
	h.handleErr = err
	return h
}

func (h *EventHandlerSpy) Handle(ctx context.Context, env *escore.Envelope) error {
	h.mu.Lock()
	h.Received = append(h.Received, env)
	h.mu.Unlock()

	if h.HandleFn != nil {
		return h.HandleFn(ctx, env)
	}
	return h.handleErr
}

func (h *EventHandlerSpy) HandleLag(_ context.Context, streams []escore.StreamID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Lagged = append(h.Lagged, streams)
	return nil
}

// EventCount returns the number of envelopes received.
func (h *EventHandlerSpy) EventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Received)
}
