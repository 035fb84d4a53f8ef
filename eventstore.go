package escore

import (
	"context"
	"maps"
)

// EventStore is the contract this package needs from a durable, ordered,
// per-stream append-only log.
//
// Implementations must guarantee:
//   - Sequences within a stream start at 0, are strictly increasing and have no gaps.
//   - AppendConditional evaluates the expected revision at the moment of the
//     write, as one indivisible operation with the write itself. Either all
//     events of a call are appended with consecutive sequences or none are.
//   - Of any set of concurrent appends presenting the same expected revision
//     for the same stream, exactly one succeeds; the others fail with a
//     *ConflictError and leave the stream unchanged.
//   - Transport and I/O failures surface as *BackendUnavailableError; payloads
//     that do not decode surface as *SerializationError.
//
// Stores never retry internally. Retry policy belongs to the caller.
type EventStore interface {
	// ReadStream returns a lazy iterator over a snapshot of the stream. Every
	// call starts a new read, so a read can be restarted from any sequence
	// with FromSequence. Reading an absent stream yields no envelopes.
	ReadStream(ctx context.Context, id StreamID, opts ...ReadOption) (*Iterator[*Envelope], error)

	// LatestSequence returns the last committed sequence of the stream, or
	// ok=false if the stream has never been appended to. Existence must be
	// derived from ok only.
	LatestSequence(ctx context.Context, id StreamID) (seq uint64, ok bool, err error)

	// AppendConditional appends events if the stream matches expected and
	// returns the range of sequences assigned to them.
	AppendConditional(ctx context.Context, id StreamID, expected ExpectedRevision, events []Event, opts ...AppendOption) (SequenceRange, error)

	// ReadByIDs returns the envelopes stored at the given sequences in
	// ascending order. Sequences that do not exist are omitted.
	ReadByIDs(ctx context.Context, id StreamID, seqs []uint64) ([]*Envelope, error)

	// Close releases backend resources. It should be idempotent.
	Close() error
}

// Direction of a stream read.
type Direction int

const (
	Forwards Direction = iota
	Backwards
)

// ReadOptions is the resolved form of the ReadOption values passed to
// ReadStream. Backends obtain it through NewReadOptions.
type ReadOptions struct {
	// From is the first sequence to yield. For backward reads FromEnd, when
	// set, overrides it and starts at the last sequence.
	From      uint64
	FromEnd   bool
	Direction Direction
	// Limit caps the number of envelopes; 0 means unlimited.
	Limit uint64
}

// ReadOption configures a ReadStream call.
type ReadOption func(*ReadOptions)

// FromSequence starts the read at seq (inclusive).
func FromSequence(seq uint64) ReadOption {
	return func(o *ReadOptions) {
		o.From = seq
		o.FromEnd = false
	}
}

// Backward reads towards the start of the stream, beginning at its last
// sequence unless FromSequence is also given (after Backward).
func Backward() ReadOption {
	return func(o *ReadOptions) {
		o.Direction = Backwards
		o.FromEnd = true
	}
}

// WithLimit caps the number of envelopes returned.
func WithLimit(n uint64) ReadOption {
	return func(o *ReadOptions) { o.Limit = n }
}

// NewReadOptions resolves opts over the defaults: forward from 0, unlimited.
func NewReadOptions(opts ...ReadOption) ReadOptions {
	o := ReadOptions{Direction: Forwards}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Includes reports whether seq is selected by the position and direction of
// the options, ignoring Limit.
func (o ReadOptions) Includes(seq uint64) bool {
	if o.Direction == Backwards {
		return o.FromEnd || seq <= o.From
	}
	return seq >= o.From
}

// Select applies the position, direction and limit of the options to a
// complete stream ordered by sequence.
func (o ReadOptions) Select(stream []*Envelope) []*Envelope {
	var out []*Envelope
	if o.Direction == Backwards {
		for i := len(stream) - 1; i >= 0; i-- {
			if o.Includes(stream[i].Sequence) {
				out = append(out, stream[i])
			}
		}
	} else {
		for _, env := range stream {
			if o.Includes(env.Sequence) {
				out = append(out, env)
			}
		}
	}
	if o.Limit > 0 && uint64(len(out)) > o.Limit {
		out = out[:o.Limit]
	}
	return out
}

// AppendOptions is the resolved form of AppendOption values.
type AppendOptions struct {
	Metadata map[string]any
}

// AppendOption configures an AppendConditional call.
type AppendOption func(*AppendOptions)

// WithAppendMetadata merges md into the metadata stored with every appended
// event.
func WithAppendMetadata(md map[string]any) AppendOption {
	return func(o *AppendOptions) {
		if o.Metadata == nil {
			o.Metadata = make(map[string]any, len(md))
		}
		maps.Copy(o.Metadata, md)
	}
}

// NewAppendOptions resolves opts.
func NewAppendOptions(opts ...AppendOption) AppendOptions {
	var o AppendOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Metadata == nil {
		o.Metadata = map[string]any{}
	}
	return o
}

// ValidateAppend performs the argument checks every backend shares.
func ValidateAppend(id StreamID, expected ExpectedRevision, events []Event) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if expected == nil {
		return ErrInvalidRevision
	}
	if len(events) == 0 {
		return ErrEmptyAppend
	}
	for _, ev := range events {
		if ev == nil {
			return &SerializationError{EventType: "<nil>", Err: ErrNilEvent}
		}
	}
	return nil
}

// LatestFromStream is a LatestSequence helper for backends that can read a
// stream backwards: it reads one envelope from the end.
func LatestFromStream(ctx context.Context, store EventStore, id StreamID) (uint64, bool, error) {
	iter, err := store.ReadStream(ctx, id, Backward(), WithLimit(1))
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()
	if iter.Next(ctx) {
		return iter.Value().Sequence, true, nil
	}
	return 0, false, iter.Err()
}
