package escore

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRegisterQueryHandler(t *testing.T) {
	bus := NewQueryBus()
	byID := NewQueryHandlerFunc(func(context.Context, accountByID) (accountSummary, error) {
		return accountSummary{}, nil
	})
	RegisterQueryHandler(bus, byID)
	RegisterQueryHandler(bus, NewQueryHandlerFunc(func(context.Context, accountsByOwner) ([]string, error) {
		return nil, nil
	}))
	// Same query type, different result type: a separate route.
	RegisterQueryHandler(bus, NewQueryHandlerFunc(func(context.Context, accountByID) (int, error) {
		return 0, nil
	}))

	if len(bus.handlers) != 3 {
		t.Fatalf("registered %d handlers, want 3", len(bus.handlers))
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("registering a second accountByID handler did not panic")
		}
		err, _ := r.(error)
		if !errors.Is(err, ErrDuplicateHandler) || !strings.Contains(err.Error(), "accountByID") {
			t.Errorf("panic = %v, want a duplicate handler error naming the query", r)
		}
	}()
	RegisterQueryHandler(bus, byID)
}
