package escore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CommandHandler handles commands of type C for one aggregate type.
//
// A returned error means nothing was committed. A nil error means the
// decided events are durable, even if CommandResult.DeliveryErr reports that
// publishing them failed.
type CommandHandler[C Command] func(ctx context.Context, command C) (CommandResult, error)

// CommandResult describes the outcome of a handled command.
type CommandResult struct {
	Stream StreamID
	// Appended is false when the decider produced no events.
	Appended bool
	// Range holds the sequences assigned to the appended events. It is
	// empty unless Appended is true.
	Range SequenceRange
	// Envelopes are the committed envelopes as read back from the store.
	Envelopes []*Envelope
	// DeliveryErr is set when the committed envelopes could not be fetched or
	// published. It never undoes the commit.
	DeliveryErr error
}

// Evolver evolves the given state into a new state with the event applied.
// It must be pure: replaying the same envelopes always yields the same state.
type Evolver[T any] func(currentState T, envelope *Envelope) T

// Decider determines which events should occur based on the current state
// and a command. An error rejects the command; returning no events makes the
// command a successful no-op. The Decider must not mutate state.
type Decider[T any, C Command] func(state T, cmd C) ([]Event, error)

// CommandHandlerOption configures NewCommandHandler.
type CommandHandlerOption func(configuration *handlerOptions)

type handlerOptions struct {
	bus           EventBus
	retry         func() backoff.BackOff
	ioTimeout     time.Duration
	metadataFuncs []func(ctx context.Context) map[string]any
	logger        *slog.Logger
	metrics       Metrics
}

// WithEventBus publishes committed envelopes to bus.
func WithEventBus(bus EventBus) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.bus = bus }
}

// WithRetryStrategy retries the whole pipeline on conflicts and backend
// outages, reloading state on every attempt. Validation and not-found errors
// are never retried.
//
// The strategy is shared by all calls of the handler. Use WithRetryPolicy
// when the handler runs concurrently.
//
//	handler := NewCommandHandler("account", store, Account{}, evolve, decide,
//	    WithRetryStrategy(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)))
func WithRetryStrategy(strategy backoff.BackOff) CommandHandlerOption {
	return func(cfg *handlerOptions) {
		cfg.retry = func() backoff.BackOff { return strategy }
	}
}

// WithRetryPolicy is WithRetryStrategy with a fresh BackOff per call.
func WithRetryPolicy(policy func() backoff.BackOff) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.retry = policy }
}

// WithIOTimeout bounds every store call of the pipeline. A call that runs
// out of time fails with ErrBackendUnavailable.
func WithIOTimeout(d time.Duration) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.ioTimeout = d }
}

// WithMetadataExtractor adds a function whose result is stored as metadata
// with every appended event. Extractors are applied in registration order;
// later keys overwrite earlier ones.
func WithMetadataExtractor(fn func(ctx context.Context) map[string]any) CommandHandlerOption {
	return func(cfg *handlerOptions) {
		cfg.metadataFuncs = append(cfg.metadataFuncs, fn)
	}
}

// WithLogger sets the logger used for delivery failures and retries.
func WithLogger(logger *slog.Logger) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.logger = logger }
}

// WithMetrics records command and append measurements.
func WithMetrics(m Metrics) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.metrics = m }
}

// NewCommandHandler returns the command pipeline for one aggregate type.
//
// Every call runs these steps against the stream
// "<aggregateType>-<command.AggregateID()>":
//  1. Load: read the stream and fold it into state, tracking the latest sequence.
//  2. Decide: run decide; an error is returned as *ValidationError.
//  3. Append: AppendConditional with the revision observed in step 1, or
//     NoStream for commands that open their stream.
//  4. Publish: read the committed envelopes back and publish them on the bus.
//  5. Respond: return the assigned range and envelopes.
//
// Without a retry strategy a conflict is returned to the caller, who may
// reload and retry. Publishing happens after the commit and is not affected
// by cancellation of ctx.
func NewCommandHandler[T any, C Command](
	aggregateType string,
	store EventStore,
	initialState T,
	evolve Evolver[T],
	decide Decider[T, C],
	opts ...CommandHandlerOption,
) CommandHandler[C] {
	cfg := &handlerOptions{
		logger:  slog.Default(),
		metrics: NopMetrics{},
	}
	for _, o := range opts {
		o(cfg)
	}

	p := &pipeline[T, C]{
		aggregateType: aggregateType,
		store:         store,
		initialState:  initialState,
		evolve:        evolve,
		decide:        decide,
		cfg:           cfg,
	}
	return p.handle
}

type pipeline[T any, C Command] struct {
	aggregateType string
	store         EventStore
	initialState  T
	evolve        Evolver[T]
	decide        Decider[T, C]
	cfg           *handlerOptions
}

func (p *pipeline[T, C]) handle(ctx context.Context, command C) (CommandResult, error) {
	start := time.Now()
	stream := NewStreamID(p.aggregateType, command.AggregateID())

	result, err := p.run(ctx, stream, command)
	if err != nil {
		err = fmt.Errorf("handle command %T for aggregate %q (stream %q): %w", command, command.AggregateID(), stream, err)
	}
	p.cfg.metrics.CommandHandled(TypeName(command), time.Since(start), err)
	return result, err
}

func (p *pipeline[T, C]) run(ctx context.Context, stream StreamID, command C) (CommandResult, error) {
	if err := stream.Validate(); err != nil {
		return CommandResult{Stream: stream, Range: EmptyRange()}, err
	}
	if p.cfg.retry == nil {
		return p.attempt(ctx, stream, command)
	}

	attempts := 0
	return backoff.RetryWithData(func() (CommandResult, error) {
		attempts++
		res, err := p.attempt(ctx, stream, command)
		if err == nil {
			return res, nil
		}
		if !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		p.cfg.logger.DebugContext(ctx, "retrying command",
			"stream", stream.String(),
			"attempt", attempts,
			"error", err,
		)
		return res, err
	}, backoff.WithContext(p.cfg.retry(), ctx))
}

func (p *pipeline[T, C]) attempt(ctx context.Context, stream StreamID, command C) (CommandResult, error) {
	res := CommandResult{Stream: stream, Range: EmptyRange()}

	// --- Load ---
	state, latest, exists, err := p.load(ctx, stream)
	if err != nil {
		return res, fmt.Errorf("load failed: %w", err)
	}

	expected := ExpectedRevisionFrom(latest, exists)
	if opener, ok := any(command).(StreamOpener); ok {
		switch {
		case opener.OpensStream() && exists:
			return res, &ConflictError{Stream: stream, Expected: NoStream{}, Actual: latest, ActualExists: true}
		case !opener.OpensStream() && !exists:
			return res, &NotFoundError{Stream: stream}
		}
	}

	// --- Decide ---
	events, err := p.decide(state, command)
	if err != nil {
		return res, &ValidationError{Stream: stream, Err: err}
	}
	if len(events) == 0 {
		return res, nil
	}

	// --- Append ---
	metadata := make(map[string]any)
	for _, fn := range p.cfg.metadataFuncs {
		maps.Copy(metadata, fn(ctx))
	}

	appendCtx, cancel := p.ioContext(ctx)
	rng, err := p.store.AppendConditional(appendCtx, stream, expected, events, WithAppendMetadata(metadata))
	cancel()
	if err != nil {
		if errors.Is(err, ErrConflict) {
			p.cfg.metrics.ConflictDetected(stream.AggregateType)
		}
		return res, fmt.Errorf("append failed: %w", Unavailable("append", err))
	}
	res.Appended = true
	res.Range = rng
	p.cfg.metrics.EventsAppended(stream.AggregateType, rng.Len())

	// --- Publish ---
	res.Envelopes, res.DeliveryErr = p.publish(context.WithoutCancel(ctx), stream, rng)
	return res, nil
}

func (p *pipeline[T, C]) load(ctx context.Context, stream StreamID) (T, uint64, bool, error) {
	ctx, cancel := p.ioContext(ctx)
	defer cancel()

	iter, err := p.store.ReadStream(ctx, stream)
	if err != nil {
		return p.initialState, 0, false, Unavailable("read", err)
	}
	state, latest, ok, err := Fold(ctx, iter, p.initialState, p.evolve)
	if err != nil {
		return p.initialState, 0, false, Unavailable("read", err)
	}
	return state, latest, ok, nil
}

func (p *pipeline[T, C]) publish(ctx context.Context, stream StreamID, rng SequenceRange) ([]*Envelope, error) {
	fetchCtx, cancel := p.ioContext(ctx)
	envelopes, err := p.store.ReadByIDs(fetchCtx, stream, rng.Sequences())
	cancel()

	if err == nil && len(envelopes) != rng.Len() {
		err = fmt.Errorf("read back %d of %d committed envelopes", len(envelopes), rng.Len())
	}
	if err != nil {
		derr := &DeliveryError{Stream: stream, Sequence: rng.First, Err: err}
		p.cfg.logger.WarnContext(ctx, "committed envelopes not published",
			"stream", stream.String(),
			"range", rng.String(),
			"error", err,
		)
		return envelopes, derr
	}

	if p.cfg.bus == nil {
		return envelopes, nil
	}
	if err := p.cfg.bus.Publish(ctx, envelopes...); err != nil {
		if !errors.Is(err, ErrDelivery) {
			err = &DeliveryError{Stream: stream, Sequence: rng.First, Err: err}
		}
		p.cfg.logger.WarnContext(ctx, "publish failed",
			"stream", stream.String(),
			"range", rng.String(),
			"error", err,
		)
		return envelopes, err
	}
	return envelopes, nil
}

func (p *pipeline[T, C]) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.ioTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.ioTimeout)
}
