package escore

import (
	"context"
	"reflect"
)

// EvolveCase applies events of one type to a state of type T. Build cases
// with On and combine them with Evolve.
type EvolveCase[T any] struct {
	eventType string
	apply     func(T, *Envelope) T
}

// On returns the case that applies events of type E with fn.
func On[T any, E Event](fn func(state T, event E) T) EvolveCase[T] {
	return EvolveCase[T]{
		eventType: newEvent[E]().EventType(),
		apply: func(state T, env *Envelope) T {
			ev, ok := env.Event.(E)
			if !ok {
				return state
			}
			return fn(state, ev)
		},
	}
}

// Evolve builds an Evolver that routes every envelope to the case registered
// for its event type. Envelopes of other types leave the state unchanged.
//
//	evolve := escore.Evolve(
//	    escore.On(func(s Account, e *AccountOpened) Account { ... }),
//	    escore.On(func(s Account, e *FundsDeposited) Account { ... }),
//	)
func Evolve[T any](cases ...EvolveCase[T]) Evolver[T] {
	byType := make(map[string]func(T, *Envelope) T, len(cases))
	for _, c := range cases {
		if _, exists := byType[c.eventType]; exists {
			panic("duplicate evolve case for event " + c.eventType + ": " + ErrDuplicateHandler.Error())
		}
		byType[c.eventType] = c.apply
	}

	return func(state T, env *Envelope) T {
		if apply, ok := byType[env.EventType()]; ok {
			return apply(state, env)
		}
		return state
	}
}

// Fold consumes iter and applies every envelope to initial. It returns the
// resulting state and the sequence of the last envelope; ok is false when
// the iterator yielded nothing.
func Fold[T any](ctx context.Context, iter *Iterator[*Envelope], initial T, evolve Evolver[T]) (state T, latest uint64, ok bool, err error) {
	state = initial
	for iter.Next(ctx) {
		env := iter.Value()
		state = evolve(state, env)
		latest, ok = env.Sequence, true
	}
	return state, latest, ok, iter.Err()
}

// newEvent returns a usable zero instance of E. Pointer types get a freshly
// allocated value so EventType can be called on them.
func newEvent[E Event]() E {
	var zero E
	t := reflect.TypeOf((*E)(nil)).Elem()
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface().(E)
	}
	return zero
}
