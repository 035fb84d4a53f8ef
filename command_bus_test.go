package escore

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testCmd struct {
	ID string
}

func (c testCmd) AggregateID() string { return c.ID }

type testCmd2 struct {
	ID string
}

func (c *testCmd2) AggregateID() string { return c.ID }

func okHandler(ctx context.Context, cmd testCmd) (CommandResult, error) {
	return CommandResult{Stream: NewStreamID("test", cmd.ID), Appended: true}, nil
}

func TestCommandBus_Success(t *testing.T) {
	bus := NewCommandBus(10, 2)
	defer bus.Stop()

	Register(bus, okHandler)
	Register(bus, func(ctx context.Context, cmd *testCmd2) (CommandResult, error) {
		return CommandResult{Stream: NewStreamID("ptr", cmd.ID)}, nil
	})

	res, err := bus.Dispatch(context.Background(), testCmd{ID: "abc"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !res.Appended || res.Stream.AggregateID != "abc" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = bus.Dispatch(context.Background(), &testCmd2{ID: "p"})
	if err != nil || res.Stream.AggregateType != "ptr" {
		t.Fatalf("pointer command not routed: %+v, %v", res, err)
	}
}

func TestCommandBus_NoHandler(t *testing.T) {
	bus := NewCommandBus(10, 1)
	defer bus.Stop()

	_, err := bus.Dispatch(context.Background(), testCmd{ID: "missing"})
	if err == nil || err.Error() == "" {
		t.Fatalf("expected error for missing handler")
	}
}

func TestCommandBus_HandlerPanic(t *testing.T) {
	bus := NewCommandBus(10, 1)
	defer bus.Stop()

	Register(bus, func(ctx context.Context, cmd testCmd) (CommandResult, error) {
		panic("boom")
	})

	_, err := bus.Dispatch(context.Background(), testCmd{ID: "x"})
	if err == nil || err.Error() == "" {
		t.Fatalf("expected panic recovery error")
	}
}

func TestCommandBus_ContextCancelBeforeEnqueue(t *testing.T) {
	bus := NewCommandBus(0, 1)
	defer bus.Stop()

	Register(bus, okHandler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := bus.Dispatch(ctx, testCmd{ID: "slow"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCommandBus_ContextCancelWhileWaiting(t *testing.T) {
	bus := NewCommandBus(10, 1)
	defer bus.Stop()

	Register(bus, func(ctx context.Context, cmd testCmd) (CommandResult, error) {
		time.Sleep(200 * time.Millisecond)
		return CommandResult{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := bus.Dispatch(ctx, testCmd{ID: "slow-op"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestRegister_DuplicateHandlerPanics(t *testing.T) {
	bus := NewCommandBus(10, 1)
	defer bus.Stop()

	Register(bus, okHandler)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on duplicate handler")
		}
	}()

	Register(bus, okHandler)
}

func TestCommandBus_Stop(t *testing.T) {
	bus := NewCommandBus(10, 1)
	Register(bus, okHandler)

	if _, err := bus.Dispatch(context.Background(), testCmd{ID: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bus.Stop()
	bus.Stop()

	if _, err := bus.Dispatch(context.Background(), testCmd{ID: "x"}); !errors.Is(err, ErrCommandBusStopped) {
		t.Fatalf("expected ErrCommandBusStopped after Stop, got %v", err)
	}
}

func TestCommandBus_ShardDeterministic(t *testing.T) {
	bus := NewCommandBus(10, 3)
	defer bus.Stop()

	for _, id := range []string{"abc", "xyz", "5f1c-aa", ""} {
		s := bus.selectShard(id)
		if s != bus.selectShard(id) {
			t.Fatalf("shard hashing not deterministic for %q", id)
		}
		if s < 0 || s >= 3 {
			t.Fatalf("shard %d out of range for %q", s, id)
		}
	}
}

func TestCommandBus_SerializesPerAggregate(t *testing.T) {
	bus := NewCommandBus(10, 4)
	defer bus.Stop()

	running := make(chan struct{}, 1)
	Register(bus, func(ctx context.Context, cmd testCmd) (CommandResult, error) {
		select {
		case running <- struct{}{}:
		default:
			return CommandResult{}, errors.New("two commands for the same aggregate ran concurrently")
		}
		time.Sleep(5 * time.Millisecond)
		<-running
		return CommandResult{}, nil
	})

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := bus.Dispatch(context.Background(), testCmd{ID: "same"})
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}
