package escore_test

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"

	"github.com/terraskye/escore"
)

func counter(items []int, calls *int) func(ctx context.Context) (int, error) {
	i := 0
	return func(ctx context.Context) (int, error) {
		*calls++
		if i >= len(items) {
			return 0, io.EOF
		}
		v := items[i]
		i++
		return v, nil
	}
}

func TestIteratorNext(t *testing.T) {
	var calls int
	iter := escore.NewIteratorFunc(counter([]int{1, 2, 3}, &calls))

	if v := iter.Value(); v != 0 {
		t.Fatalf("expected zero Value before Next, got %v", v)
	}

	var got []int
	for iter.Next(t.Context()) {
		got = append(got, iter.Value())
	}
	if err := iter.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(got, []int{1, 2, 3}) {
		t.Fatalf("expected [1 2 3], got %v", got)
	}

	// exhausted iterators never call the producer again
	for i := 0; i < 5; i++ {
		if iter.Next(t.Context()) {
			t.Fatal("expected exhausted iterator to stay exhausted")
		}
	}
	if calls != 4 {
		t.Fatalf("expected producer called 4 times, got %d", calls)
	}
}

func TestIteratorError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	iter := escore.NewIteratorFunc(func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 1, nil
		}
		return 0, boom
	})

	items, err := iter.All(t.Context())
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if !slices.Equal(items, []int{1}) {
		t.Fatalf("expected items before the error, got %v", items)
	}
	if iter.Next(t.Context()) || calls != 2 {
		t.Fatalf("expected iterator to stop after error, calls=%d", calls)
	}
}

func TestIteratorEmpty(t *testing.T) {
	iter := escore.NewIteratorFunc(func(ctx context.Context) (string, error) {
		return "", io.EOF
	})

	items, err := iter.All(t.Context())
	if err != nil {
		t.Fatalf("expected nil error on EOF, got %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items, got %v", items)
	}
}

func TestSliceIterator(t *testing.T) {
	t.Run("yields snapshot", func(t *testing.T) {
		src := []string{"a", "b"}
		iter := escore.NewSliceIterator(src)
		src[0] = "changed"

		got, err := iter.All(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(got, []string{"a", "b"}) {
			t.Fatalf("unexpected items: %v", got)
		}
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		iter := escore.NewSliceIterator([]int{1, 2})
		if iter.Next(ctx) {
			t.Fatal("expected Next to fail on cancelled context")
		}
		if !errors.Is(iter.Err(), context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", iter.Err())
		}
	})
}

func TestIteratorClose(t *testing.T) {
	t.Run("stopping early releases the producer", func(t *testing.T) {
		var calls, released int
		iter := escore.NewIteratorFunc(counter([]int{1, 2, 3}, &calls)).OnClose(func() { released++ })

		if !iter.Next(t.Context()) {
			t.Fatal("expected a first item")
		}
		iter.Close()
		iter.Close()

		if released != 1 {
			t.Fatalf("released %d times, want 1", released)
		}
		if iter.Next(t.Context()) || calls != 1 {
			t.Fatalf("Next after Close called the producer: %d calls", calls)
		}
		if iter.Err() != nil {
			t.Fatalf("Close must not set an error, got %v", iter.Err())
		}
	})

	t.Run("exhaustion releases once", func(t *testing.T) {
		var order []string
		iter := escore.NewSliceIterator([]int{1}).
			OnClose(func() { order = append(order, "first") }).
			OnClose(func() { order = append(order, "second") })

		if _, err := iter.All(t.Context()); err != nil {
			t.Fatal(err)
		}
		iter.Close()
		if !slices.Equal(order, []string{"second", "first"}) {
			t.Fatalf("closers ran as %v", order)
		}
	})

	t.Run("failure releases and keeps the error", func(t *testing.T) {
		boom := errors.New("boom")
		released := false
		iter := escore.NewIteratorFunc(func(context.Context) (int, error) { return 0, boom }).
			OnClose(func() { released = true })

		if iter.Next(t.Context()) {
			t.Fatal("expected failure")
		}
		iter.Close()
		if !released || !errors.Is(iter.Err(), boom) {
			t.Fatalf("released = %v, err = %v", released, iter.Err())
		}
	})
}

func BenchmarkIteratorNext(b *testing.B) {
	ctx := b.Context()
	items := []int{1, 2, 3, 4, 5}

	for n := 0; n < b.N; n++ {
		iter := escore.NewSliceIterator(items)
		for iter.Next(ctx) {
			_ = iter.Value()
		}
	}
}
