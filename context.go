package escore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

const (
	streamIDKey  ctxKey = "streamID"
	eventIDKey   ctxKey = "eventID"
	sequenceKey  ctxKey = "sequence"
	createdAtKey ctxKey = "createdAt"
	metadataKey  ctxKey = "metadata"
)

// WithEnvelope adds the header of the envelope to the context. Event handlers
// receive such a context from OnEvent.
func WithEnvelope(ctx context.Context, env *Envelope) context.Context {
	ctx = context.WithValue(ctx, streamIDKey, env.StreamID())
	ctx = context.WithValue(ctx, eventIDKey, env.EventID)
	ctx = context.WithValue(ctx, sequenceKey, env.Sequence)
	ctx = context.WithValue(ctx, createdAtKey, env.CreatedAt)
	ctx = context.WithValue(ctx, metadataKey, env.Metadata)
	return ctx
}

// StreamIDFromContext returns the stream or the zero StreamID if not present.
func StreamIDFromContext(ctx context.Context) StreamID {
	if v, ok := ctx.Value(streamIDKey).(StreamID); ok {
		return v
	}
	return StreamID{}
}

// AggregateIDFromContext returns the aggregate id or "" if not present.
func AggregateIDFromContext(ctx context.Context) string {
	return StreamIDFromContext(ctx).AggregateID
}

// EventIDFromContext returns the EventID or uuid.Nil if not present.
func EventIDFromContext(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(eventIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// SequenceFromContext returns the sequence of the envelope; ok is false if
// the context carries no envelope.
func SequenceFromContext(ctx context.Context) (uint64, bool) {
	seq, ok := ctx.Value(sequenceKey).(uint64)
	return seq, ok
}

// CreatedAtFromContext returns CreatedAt or the zero time.
func CreatedAtFromContext(ctx context.Context) time.Time {
	if t, ok := ctx.Value(createdAtKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}

// MetadataFromContext returns Metadata or nil if not present.
func MetadataFromContext(ctx context.Context) map[string]any {
	if md, ok := ctx.Value(metadataKey).(map[string]any); ok {
		return md
	}
	return nil
}
