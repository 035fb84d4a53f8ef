// Package kurrentdb provides an escore.EventStore on KurrentDB (formerly
// EventStoreDB). Every escore stream is a KurrentDB stream named
// "<aggregate type>-<aggregate id>", and the escore sequence is the KurrentDB
// event number, so the server's expected-revision check is the conditional
// append.
package kurrentdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"

	"github.com/terraskye/escore"
)

// readAll is the read count meaning "the rest of the stream".
const readAll = math.MaxInt64

// Option configures an EventStore.
type Option func(*EventStore)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *EventStore) { e.log = logger }
}

// WithClock sets the source of the created_at timestamps in payloads.
func WithClock(now func() time.Time) Option {
	return func(e *EventStore) { e.now = now }
}

// EventStore is an escore.EventStore backed by a KurrentDB client.
type EventStore struct {
	client   *kurrentdb.Client
	registry *escore.Registry
	log      *slog.Logger
	now      func() time.Time
}

var _ escore.EventStore = (*EventStore)(nil)

// payload is the event data stored in KurrentDB. Metadata travels as the
// event's user metadata.
type payload struct {
	CreatedAt     time.Time       `json:"created_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventData     json.RawMessage `json:"event_data"`
}

// Dial connects to the server described by connectionString, for example
// "kurrentdb://localhost:2113?tls=false".
func Dial(connectionString string, reg *escore.Registry, opts ...Option) (*EventStore, error) {
	cfg, err := kurrentdb.ParseConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	client, err := kurrentdb.NewClient(cfg)
	if err != nil {
		return nil, escore.Unavailable("connect", err)
	}
	return NewEventStore(client, reg, opts...), nil
}

// NewEventStore creates a KurrentDB-backed event store. Close closes db.
func NewEventStore(db *kurrentdb.Client, reg *escore.Registry, opts ...Option) *EventStore {
	e := &EventStore{
		client:   db,
		registry: reg,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(slog.String("store", "kurrentdb"))
	return e
}

func (e *EventStore) AppendConditional(ctx context.Context, id escore.StreamID, expected escore.ExpectedRevision, events []escore.Event, opts ...escore.AppendOption) (escore.SequenceRange, error) {
	if err := escore.ValidateAppend(id, expected, events); err != nil {
		return escore.SequenceRange{}, err
	}
	options := escore.NewAppendOptions(opts...)

	metadata, err := json.Marshal(options.Metadata)
	if err != nil {
		return escore.SequenceRange{}, &escore.SerializationError{EventType: "metadata", Err: err}
	}

	createdAt := e.now().UTC()
	kevents := make([]kurrentdb.EventData, len(events))
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return escore.SequenceRange{}, &escore.SerializationError{EventType: ev.EventType(), Err: err}
		}
		body, err := json.Marshal(payload{
			CreatedAt:     createdAt,
			AggregateType: id.AggregateType,
			AggregateID:   id.AggregateID,
			EventData:     data,
		})
		if err != nil {
			return escore.SequenceRange{}, &escore.SerializationError{EventType: ev.EventType(), Err: err}
		}
		kevents[i] = kurrentdb.EventData{
			EventID:     uuid.New(),
			EventType:   ev.EventType(),
			ContentType: kurrentdb.ContentTypeJson,
			Data:        body,
			Metadata:    metadata,
		}
	}

	latest, exists := escore.ExpectedLatest(expected)
	var state kurrentdb.StreamState = kurrentdb.NoStream{}
	if exists {
		state = kurrentdb.StreamRevision{Value: latest}
	}

	result, err := e.client.AppendToStream(ctx, id.String(), kurrentdb.AppendToStreamOptions{
		StreamState: state,
	}, kevents...)
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeWrongExpectedVersion) {
			return escore.SequenceRange{}, e.conflict(ctx, id, expected)
		}
		return escore.SequenceRange{}, escore.Unavailable("append", fmt.Errorf("append to %q: %w", id, err))
	}

	rng := escore.RangeAfter(latest, exists, len(events))
	if result.NextExpectedVersion != rng.Last {
		e.log.WarnContext(ctx, "unexpected stream revision after append",
			slog.String("stream", id.String()),
			slog.Uint64("revision", result.NextExpectedVersion),
			slog.String("range", rng.String()),
		)
	}
	return rng, nil
}

func (e *EventStore) conflict(ctx context.Context, id escore.StreamID, expected escore.ExpectedRevision) error {
	conflict := &escore.ConflictError{Stream: id, Expected: expected}
	if seq, ok, err := e.LatestSequence(ctx, id); err == nil {
		conflict.Actual, conflict.ActualExists = seq, ok
	}
	return conflict
}

func (e *EventStore) LatestSequence(ctx context.Context, id escore.StreamID) (uint64, bool, error) {
	return escore.LatestFromStream(ctx, e, id)
}

func (e *EventStore) ReadStream(ctx context.Context, id escore.StreamID, opts ...escore.ReadOption) (*escore.Iterator[*escore.Envelope], error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	options := escore.NewReadOptions(opts...)

	readOpts := kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Forwards,
		From:      kurrentdb.StreamRevision{Value: options.From},
	}
	if options.Direction == escore.Backwards {
		readOpts.Direction = kurrentdb.Backwards
		if options.FromEnd {
			readOpts.From = kurrentdb.End{}
		}
	}
	var count uint64 = readAll
	if options.Limit > 0 {
		count = options.Limit
	}

	streamer, err := e.client.ReadStream(ctx, id.String(), readOpts, count)
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return escore.NewSliceIterator[*escore.Envelope](nil), nil
		}
		return nil, escore.Unavailable("read", fmt.Errorf("read %q: %w", id, err))
	}

	// A limited read releases the gRPC stream with its last envelope, so
	// callers that stop there, like LatestSequence, do not hold it open.
	var yielded uint64
	iter := escore.NewIteratorFunc(func(ctx context.Context) (*escore.Envelope, error) {
		if count != readAll && yielded == count {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, escore.Unavailable("read", err)
		}

		resolved, err := streamer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
				return nil, io.EOF
			}
			return nil, escore.Unavailable("read", fmt.Errorf("read %q: %w", id, err))
		}

		env, err := e.decode(resolved.OriginalEvent())
		if err != nil {
			return nil, err
		}
		yielded++
		if yielded == count {
			streamer.Close()
		}
		return env, nil
	})
	return iter.OnClose(streamer.Close), nil
}

func (e *EventStore) ReadByIDs(ctx context.Context, id escore.StreamID, seqs []uint64) ([]*escore.Envelope, error) {
	if len(seqs) == 0 {
		return nil, id.Validate()
	}
	wanted := slices.Clone(seqs)
	slices.Sort(wanted)
	wanted = slices.Compact(wanted)

	first, last := wanted[0], wanted[len(wanted)-1]
	iter, err := e.ReadStream(ctx, id, escore.FromSequence(first), escore.WithLimit(last-first+1))
	if err != nil {
		return nil, err
	}

	out := make([]*escore.Envelope, 0, len(wanted))
	for iter.Next(ctx) {
		env := iter.Value()
		if _, found := slices.BinarySearch(wanted, env.Sequence); found {
			out = append(out, env)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the client.
func (e *EventStore) Close() error {
	return e.client.Close()
}

// decode turns a recorded event back into an envelope.
func (e *EventStore) decode(rec *kurrentdb.RecordedEvent) (*escore.Envelope, error) {
	var p payload
	if err := json.Unmarshal(rec.Data, &p); err != nil {
		return nil, &escore.SerializationError{EventType: rec.EventType, Err: fmt.Errorf("payload: %w", err)}
	}

	var metadata map[string]any
	if len(rec.UserMetadata) > 0 {
		if err := json.Unmarshal(rec.UserMetadata, &metadata); err != nil {
			return nil, &escore.SerializationError{EventType: rec.EventType, Err: fmt.Errorf("metadata: %w", err)}
		}
	}

	return e.registry.DecodeEnvelope(rec.EventNumber, escore.StoredEvent{
		EventID:       rec.EventID,
		CreatedAt:     p.CreatedAt,
		AggregateType: p.AggregateType,
		AggregateID:   p.AggregateID,
		EventType:     rec.EventType,
		EventData:     p.EventData,
		Metadata:      metadata,
	})
}

func hasCode(err error, code kurrentdb.ErrorCode) bool {
	var kerr *kurrentdb.Error
	return errors.As(err, &kerr) && kerr.Code() == code
}
