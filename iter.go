package escore

import (
	"context"
	"errors"
	"io"
	"slices"
)

// Iterator is a lazy, pull-based sequence. The producer returns io.EOF when
// it is exhausted; any other error stops iteration and is reported by Err.
//
// Callers that stop before Next returns false must call Close so the
// producer can release its resources.
type Iterator[T any] struct {
	nextFunc func(ctx context.Context) (T, error)
	closers  []func()
	current  T
	err      error
	done     bool
}

// NewIteratorFunc creates an Iterator from a function that produces the next
// value, (zero, io.EOF) when finished, or (zero, err) on failure.
func NewIteratorFunc[T any](nextFunc func(ctx context.Context) (T, error)) *Iterator[T] {
	return &Iterator[T]{nextFunc: nextFunc}
}

// NewSliceIterator iterates over a snapshot of items.
func NewSliceIterator[T any](items []T) *Iterator[T] {
	items = slices.Clone(items)
	idx := 0
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if idx >= len(items) {
			return zero, io.EOF
		}
		v := items[idx]
		idx++
		return v, nil
	})
}

// OnClose registers fn to run once, when iteration ends or Close is called,
// whichever comes first. Functions run in reverse order of registration.
func (it *Iterator[T]) OnClose(fn func()) *Iterator[T] {
	it.closers = append(it.closers, fn)
	return it
}

// Close stops the iteration and runs the OnClose functions. Next returns
// false afterwards and Err keeps any error seen before. Close is idempotent.
func (it *Iterator[T]) Close() {
	if !it.done {
		var zero T
		it.current = zero
		it.done = true
	}
	it.release()
}

func (it *Iterator[T]) release() {
	closers := it.closers
	it.closers = nil
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// Next advances the iterator. It returns false once the producer is
// exhausted or failed and never calls the producer again after that.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	v, err := it.nextFunc(ctx)
	if err != nil {
		var zero T
		it.current = zero
		it.done = true
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		it.release()
		return false
	}
	it.current = v
	return true
}

// Value returns the current item.
func (it *Iterator[T]) Value() T {
	return it.current
}

// Err returns the error that stopped iteration; nil on clean exhaustion.
func (it *Iterator[T]) Err() error {
	return it.err
}

// All consumes the iterator and returns all items.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	var results []T
	for it.Next(ctx) {
		results = append(results, it.Value())
	}
	return results, it.Err()
}
