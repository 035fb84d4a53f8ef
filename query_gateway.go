package escore

import (
	"context"
	"fmt"
)

// QueryGateway executes queries of type T registered on a QueryBus. It
// implements QueryHandler[T, R] itself, so it can be decorated like any
// other handler.
type QueryGateway[T Query, R any] struct {
	bus *QueryBus
}

// NewQueryGateway creates a typed gateway for queries of type T.
func NewQueryGateway[T Query, R any](bus *QueryBus) QueryGateway[T, R] {
	return QueryGateway[T, R]{bus: bus}
}

// HandleQuery executes the registered handler for qry.
func (g QueryGateway[T, R]) HandleQuery(ctx context.Context, qry T) (R, error) {
	var zero R
	key := queryKey[T, R]()

	h, ok := g.bus.lookup(key)
	if !ok {
		return zero, fmt.Errorf("no handler registered for query %T -> %T: %w", qry, zero, ErrHandlerNotFound)
	}

	handler, ok := h.(QueryHandler[T, R])
	if !ok {
		return zero, fmt.Errorf("handler type mismatch for query %T -> %T", qry, zero)
	}

	return handler.HandleQuery(ctx, qry)
}

// ViewQuery answers queries from the views of a projection. Stream maps the
// query to the stream whose view it asks for. A stream without a view yields
// *NotFoundError.
type ViewQuery[T Query, V any] struct {
	views  viewReader[V]
	stream func(T) StreamID
}

type viewReader[V any] interface {
	View(ctx context.Context, stream StreamID) (V, bool, error)
}

// NewViewQuery creates a query handler over projection.
func NewViewQuery[T Query, V any](projection *Projection[V], stream func(T) StreamID) ViewQuery[T, V] {
	return ViewQuery[T, V]{views: projection, stream: stream}
}

// HandleQuery returns the view the query asks for.
func (q ViewQuery[T, V]) HandleQuery(ctx context.Context, qry T) (V, error) {
	stream := q.stream(qry)
	view, ok, err := q.views.View(ctx, stream)
	if err != nil {
		return view, fmt.Errorf("query %T on %q: %w", qry, stream, err)
	}
	if !ok {
		return view, &NotFoundError{Stream: stream}
	}
	return view, nil
}
