package escore

import (
	"context"
	"fmt"
	"sort"
)

// EventHandler handles committed envelopes delivered by an EventBus.
type EventHandler interface {
	Handle(ctx context.Context, env *Envelope) error
}

// NewEventHandlerFunc creates an EventHandler from a plain function. The
// function receives every envelope it is invoked with; use OnEvent for a
// typed handler.
//
//	handler := NewEventHandlerFunc(func(ctx context.Context, env *Envelope) error {
//	    log.Println("received", env.EventType(), "at", env.Sequence)
//	    return nil
//	})
func NewEventHandlerFunc(fn func(ctx context.Context, env *Envelope) error) EventHandler {
	return eventHandlerFunc(fn)
}

type eventHandlerFunc func(ctx context.Context, env *Envelope) error

func (h eventHandlerFunc) Handle(ctx context.Context, env *Envelope) error {
	return h(ctx, env)
}

// typedEventHandler is a strongly typed event handler for a specific Event type T.
type typedEventHandler[T Event] func(ctx context.Context, ev T) error

// EventName returns the event type routed to this handler.
func (h typedEventHandler[T]) EventName() string {
	return newEvent[T]().EventType()
}

// Handle calls the handler with the typed event and a context carrying the
// envelope header (see WithEnvelope). Envelopes of another type yield
// *ErrSkippedEvent.
func (h typedEventHandler[T]) Handle(ctx context.Context, env *Envelope) error {
	ev, ok := env.Event.(T)
	if !ok {
		return &ErrSkippedEvent{Event: env.Event}
	}
	return h(WithEnvelope(ctx, env), ev)
}

// OnEvent creates a strongly-typed EventHandler for events of type T.
//
//	group := NewEventGroupProcessor(
//	    OnEvent(p.OnAccountOpened),
//	    OnEvent(p.OnFundsDeposited),
//	)
func OnEvent[T Event](fn func(ctx context.Context, ev T) error) EventHandler {
	return typedEventHandler[T](fn)
}

// EventGroupProcessor routes envelopes to typed handlers by event type.
type EventGroupProcessor struct {
	handlers map[string]EventHandler
}

// NewEventGroupProcessor creates a group of handlers built with OnEvent.
// It panics if a handler was not built with OnEvent or if two handlers claim
// the same event type.
func NewEventGroupProcessor(handlers ...EventHandler) *EventGroupProcessor {
	m := make(map[string]EventHandler, len(handlers))
	for _, h := range handlers {
		u, ok := h.(interface{ EventName() string })
		if !ok {
			panic(fmt.Errorf("handler %T does not have a function `EventName()`", h))
		}

		name := u.EventName()
		if _, exists := m[name]; exists {
			panic(fmt.Errorf("duplicate handler for event %s: %w", name, ErrDuplicateHandler))
		}
		m[name] = h
	}

	return &EventGroupProcessor{handlers: m}
}

// Handle routes env to the handler of its event type. Envelopes without a
// handler yield *ErrSkippedEvent.
func (p *EventGroupProcessor) Handle(ctx context.Context, env *Envelope) error {
	h, ok := p.handlers[env.EventType()]
	if !ok {
		return &ErrSkippedEvent{Event: env.Event}
	}
	return h.Handle(ctx, env)
}

// StreamFilter returns the sorted event types handled by the group, suitable
// for WithEventTypes.
func (p *EventGroupProcessor) StreamFilter() []string {
	out := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
