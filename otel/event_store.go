package otel

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/escore"
)

// Metadata keys written by TelemetryStore next to the propagator's fields.
const (
	MetadataCorrelationID = "correlationId"
	MetadataCausationID   = "causationId"
)

var _ escore.EventStore = (*TelemetryStore)(nil)

// TelemetryStore traces and measures the calls to an EventStore. Appends
// carry the current trace context in the event metadata, so subscribers can
// link their spans to the command that produced the event.
type TelemetryStore struct {
	next escore.EventStore
	cfg  *config
}

// WithEventStoreTelemetry wraps next.
func WithEventStoreTelemetry(next escore.EventStore, options ...Option) *TelemetryStore {
	return &TelemetryStore{next: next, cfg: newConfig(options)}
}

func (t *TelemetryStore) start(ctx context.Context, op string, id escore.StreamID) (context.Context, trace.Span) {
	return tracer.Start(ctx, "EventStore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String(op),
			AttrStreamID.String(id.String()),
			AttrAggregateType.String(id.AggregateType),
		)...),
	)
}

func (t *TelemetryStore) finish(ctx context.Context, span trace.Span, op string, started time.Time, err error) {
	EventStoreDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
		metric.WithAttributes(AttrOperation.String(op)),
	)
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(op)))
	if errors.Is(err, escore.ErrConflict) {
		span.AddEvent("concurrency_conflict")
		span.SetStatus(codes.Ok, err.Error())
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AppendConditional injects the trace context into the metadata and appends.
func (t *TelemetryStore) AppendConditional(ctx context.Context, id escore.StreamID, expected escore.ExpectedRevision, events []escore.Event, opts ...escore.AppendOption) (escore.SequenceRange, error) {
	ctx, span := t.start(ctx, "append", id)
	defer span.End()
	if expected != nil {
		span.SetAttributes(AttrExpectedRev.String(expected.String()))
	}
	span.SetAttributes(AttrEventCount.Int(len(events)))

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	md := make(map[string]any, len(carrier)+2)
	for k, v := range carrier {
		md[k] = v
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		md[MetadataCorrelationID] = sc.TraceID().String()
	}
	if eventID := escore.EventIDFromContext(ctx); eventID != uuid.Nil {
		md[MetadataCausationID] = eventID.String()
	}
	// Caller metadata wins over trace fields.
	opts = append([]escore.AppendOption{escore.WithAppendMetadata(md)}, opts...)

	started := time.Now()
	rng, err := t.next.AppendConditional(ctx, id, expected, events, opts...)
	t.finish(ctx, span, "append", started, err)
	if err == nil {
		EventsAppended.Add(ctx, int64(rng.Len()), metric.WithAttributes(AttrAggregateType.String(id.AggregateType)))
		span.SetAttributes(AttrRangeFirst.Int64(int64(rng.First)), AttrRangeLast.Int64(int64(rng.Last)))
	}
	return rng, err
}

// ReadStream traces the read until the iterator is exhausted, fails or is
// closed. Callers that stop early must Close the iterator to end the span.
func (t *TelemetryStore) ReadStream(ctx context.Context, id escore.StreamID, opts ...escore.ReadOption) (*escore.Iterator[*escore.Envelope], error) {
	spanCtx, span := t.start(ctx, "read", id)
	started := time.Now()

	iter, err := t.next.ReadStream(spanCtx, id, opts...)
	if err != nil {
		t.finish(spanCtx, span, "read", started, err)
		span.End()
		return nil, err
	}

	var (
		count   int64
		readErr error
	)
	end := sync.OnceFunc(func() {
		span.SetAttributes(AttrEventCount.Int64(count))
		t.finish(spanCtx, span, "read", started, readErr)
		span.End()
	})

	traced := escore.NewIteratorFunc(func(ctx context.Context) (*escore.Envelope, error) {
		if !iter.Next(ctx) {
			if readErr = iter.Err(); readErr != nil {
				return nil, readErr
			}
			return nil, io.EOF
		}
		count++
		EventsLoaded.Add(ctx, 1, metric.WithAttributes(AttrAggregateType.String(id.AggregateType)))
		return iter.Value(), nil
	})
	return traced.OnClose(func() {
		end()
		iter.Close()
	}), nil
}

// LatestSequence forwards with a span.
func (t *TelemetryStore) LatestSequence(ctx context.Context, id escore.StreamID) (uint64, bool, error) {
	ctx, span := t.start(ctx, "latest", id)
	defer span.End()

	started := time.Now()
	seq, ok, err := t.next.LatestSequence(ctx, id)
	t.finish(ctx, span, "latest", started, err)
	return seq, ok, err
}

// ReadByIDs forwards with a span.
func (t *TelemetryStore) ReadByIDs(ctx context.Context, id escore.StreamID, seqs []uint64) ([]*escore.Envelope, error) {
	ctx, span := t.start(ctx, "read_by_ids", id)
	defer span.End()

	started := time.Now()
	envs, err := t.next.ReadByIDs(ctx, id, seqs)
	t.finish(ctx, span, "read_by_ids", started, err)
	span.SetAttributes(AttrEventCount.Int(len(envs)))
	return envs, err
}

// Close just forwards
func (t *TelemetryStore) Close() error {
	return t.next.Close()
}
