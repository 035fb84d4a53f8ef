package escore

import (
	"fmt"
	"sync"
)

// QueryBus is a registry of query handlers keyed by query and result type.
// Handlers are executed through a typed QueryGateway.
//
//	bus := NewQueryBus()
//	RegisterQueryHandler(bus, NewViewQuery(balances, toBalanceQuery))
//	balance, err := NewQueryGateway[GetBalance, BalanceView](bus).HandleQuery(ctx, GetBalance{ID: "A"})
type QueryBus struct {
	mu       sync.RWMutex
	handlers map[string]any
}

// NewQueryBus creates an empty QueryBus.
func NewQueryBus() *QueryBus {
	return &QueryBus{
		handlers: make(map[string]any),
	}
}

func queryKey[T Query, R any]() string {
	return fmt.Sprintf("%T|%T", *new(T), *new(R))
}

// RegisterQueryHandler registers the handler for queries of type T that
// produce R. It panics if such a handler is already registered.
func RegisterQueryHandler[T Query, R any](bus *QueryBus, handler QueryHandler[T, R]) {
	key := queryKey[T, R]()

	bus.mu.Lock()
	defer bus.mu.Unlock()

	if _, exists := bus.handlers[key]; exists {
		panic(fmt.Errorf("query handler for %s: %w", key, ErrDuplicateHandler))
	}
	bus.handlers[key] = handler
}

func (b *QueryBus) lookup(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[key]
	return h, ok
}
