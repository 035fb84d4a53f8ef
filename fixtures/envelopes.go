package fixtures

import (
	"time"

	"github.com/google/uuid"

	"github.com/terraskye/escore"
)

// EnvelopeOption is a functional option for configuring an Envelope.
type EnvelopeOption func(*escore.Envelope)

// NewEnvelope creates the envelope of event stored at seq in stream.
func NewEnvelope(stream escore.StreamID, seq uint64, event escore.Event, opts ...EnvelopeOption) *escore.Envelope {
	env := &escore.Envelope{
		EventID:       uuid.New(),
		Sequence:      seq,
		CreatedAt:     time.Now(),
		AggregateType: stream.AggregateType,
		AggregateID:   stream.AggregateID,
		Event:         event,
		Metadata:      make(map[string]any),
	}

	for _, opt := range opts {
		opt(env)
	}

	return env
}

// WithEventID sets a specific event ID.
func WithEventID(id uuid.UUID) EnvelopeOption {
	return func(e *escore.Envelope) {
		e.EventID = id
	}
}

// WithTimestamp sets the creation timestamp.
func WithTimestamp(t time.Time) EnvelopeOption {
	return func(e *escore.Envelope) {
		e.CreatedAt = t
	}
}

// WithMetadataField adds a single metadata field.
func WithMetadataField(key string, value any) EnvelopeOption {
	return func(e *escore.Envelope) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[key] = value
	}
}

// Envelopes wraps events as consecutive envelopes of stream starting at first.
func Envelopes(stream escore.StreamID, first uint64, events ...escore.Event) []*escore.Envelope {
	envelopes := make([]*escore.Envelope, len(events))
	baseTime := time.Now()

	for i, event := range events {
		envelopes[i] = NewEnvelope(stream, first+uint64(i), event,
			WithTimestamp(baseTime.Add(time.Duration(i)*time.Millisecond)),
		)
	}

	return envelopes
}
