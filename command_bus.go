package escore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// ErrCommandBusStopped is returned by Dispatch after Stop.
var ErrCommandBusStopped = errors.New("command bus is stopped")

type queuedCommand struct {
	ctx        context.Context
	command    Command
	responseCh chan<- dispatchResult
}

type dispatchResult struct {
	result CommandResult
	err    error
}

// CommandBus is an in-process dispatcher that routes commands by Go type to
// registered handlers. Commands are sharded by aggregate id, so commands for
// one aggregate run one at a time within this process. This only reduces
// conflicts; the store's conditional append still decides between writers.
//
// stopMu guards stopped and keeps Dispatch from sending on a closed queue.
type CommandBus struct {
	handlers   map[string]func(ctx context.Context, command Command) (CommandResult, error)
	queues     []chan queuedCommand
	workers    sync.WaitGroup
	handlersMu sync.RWMutex
	stopMu     sync.RWMutex
	stopped    bool
	shardCount int
}

// NewCommandBus starts shardCount workers, each with a queue of bufferSize
// commands.
//
//	bus := NewCommandBus(100, 4)
//	Register(bus, openAccount)
//	res, err := bus.Dispatch(ctx, OpenAccount{ID: "A", Balance: 100})
func NewCommandBus(bufferSize int, shardCount int) *CommandBus {
	if shardCount <= 0 {
		shardCount = 1
	}
	if bufferSize < 0 {
		bufferSize = 0
	}

	bus := &CommandBus{
		queues:     make([]chan queuedCommand, shardCount),
		handlers:   make(map[string]func(ctx context.Context, command Command) (CommandResult, error)),
		shardCount: shardCount,
	}

	for i := 0; i < shardCount; i++ {
		bus.queues[i] = make(chan queuedCommand, bufferSize)
		bus.workers.Add(1)
		go bus.worker(bus.queues[i])
	}

	return bus
}

// Dispatch enqueues cmd on its shard and waits for the handler's result.
// It is safe to call concurrently.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return CommandResult{Range: EmptyRange()}, err
	}

	responseCh := make(chan dispatchResult, 1)
	queued := queuedCommand{ctx: ctx, command: cmd, responseCh: responseCh}

	if err := b.enqueue(ctx, queued); err != nil {
		return CommandResult{Range: EmptyRange()}, err
	}

	select {
	case res := <-responseCh:
		return res.result, res.err
	case <-ctx.Done():
		return CommandResult{Range: EmptyRange()}, ctx.Err()
	}
}

func (b *CommandBus) enqueue(ctx context.Context, queued queuedCommand) error {
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()

	if b.stopped {
		return ErrCommandBusStopped
	}

	select {
	case b.queues[b.selectShard(queued.command.AggregateID())] <- queued:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *CommandBus) worker(queue chan queuedCommand) {
	defer b.workers.Done()

	for cmd := range queue {
		if err := cmd.ctx.Err(); err != nil {
			cmd.responseCh <- dispatchResult{err: err}
			continue
		}

		cmdName := fmt.Sprintf("%T", cmd.command)

		b.handlersMu.RLock()
		h, exists := b.handlers[cmdName]
		b.handlersMu.RUnlock()

		if !exists {
			cmd.responseCh <- dispatchResult{err: fmt.Errorf("no handler for command %s", cmdName)}
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					cmd.responseCh <- dispatchResult{err: fmt.Errorf("panic in handler for command %s: %v", cmdName, r)}
				}
			}()

			res, err := h(cmd.ctx, cmd.command)
			cmd.responseCh <- dispatchResult{result: res, err: err}
		}()
	}
}

func (b *CommandBus) selectShard(aggregateID string) int {
	hash := fnv.New32a()
	hash.Write([]byte(aggregateID))
	return int(hash.Sum32() % uint32(b.shardCount))
}

// Register adds the handler for commands of type C. It panics if a handler
// for C is already registered.
func Register[C Command](b *CommandBus, handler CommandHandler[C]) {
	var zero C
	cmdName := fmt.Sprintf("%T", zero)

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	if _, exists := b.handlers[cmdName]; exists {
		panic(fmt.Sprintf("handler already registered for command type %s", cmdName))
	}

	b.handlers[cmdName] = func(ctx context.Context, cmd Command) (CommandResult, error) {
		c, ok := cmd.(C)
		if !ok {
			return CommandResult{Range: EmptyRange()}, fmt.Errorf("expected command type %s but got %T", cmdName, cmd)
		}
		return handler(ctx, c)
	}
}

// Stop stops accepting commands, lets the workers finish what is queued and
// waits for them. Calling Stop twice is a no-op.
func (b *CommandBus) Stop() {
	b.stopMu.Lock()
	if b.stopped {
		b.stopMu.Unlock()
		return
	}
	b.stopped = true
	for _, q := range b.queues {
		close(q)
	}
	b.stopMu.Unlock()

	b.workers.Wait()
}
