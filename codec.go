package escore

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

// StoredEvent is the document backends persist for one envelope. The
// sequence is never part of it: backends derive it from the position of the
// record in the stream.
type StoredEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	CreatedAt     time.Time       `json:"created_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// EncodeEvent serializes ev into its stored form.
func EncodeEvent(id StreamID, ev Event, eventID uuid.UUID, createdAt time.Time, metadata map[string]any) (StoredEvent, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return StoredEvent{}, &SerializationError{EventType: ev.EventType(), Err: err}
	}
	return StoredEvent{
		EventID:       eventID,
		CreatedAt:     createdAt.UTC(),
		AggregateType: id.AggregateType,
		AggregateID:   id.AggregateID,
		EventType:     ev.EventType(),
		EventData:     data,
		Metadata:      metadata,
	}, nil
}

// DecodeEnvelope turns a stored document at position seq back into an
// Envelope.
func (r *Registry) DecodeEnvelope(seq uint64, doc StoredEvent) (*Envelope, error) {
	ev, err := r.Decode(doc.EventType, doc.EventData)
	if err != nil {
		return nil, err
	}
	md := doc.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return &Envelope{
		EventID:       doc.EventID,
		Sequence:      seq,
		CreatedAt:     doc.CreatedAt,
		AggregateType: doc.AggregateType,
		AggregateID:   doc.AggregateID,
		Event:         ev,
		Metadata:      md,
	}, nil
}

// NewEnvelopes wraps events appended at rng. Every envelope gets its own copy
// of metadata.
func NewEnvelopes(id StreamID, rng SequenceRange, events []Event, metadata map[string]any, now time.Time) []*Envelope {
	out := make([]*Envelope, len(events))
	for i, ev := range events {
		out[i] = &Envelope{
			EventID:       uuid.New(),
			Sequence:      rng.First + uint64(i),
			CreatedAt:     now,
			AggregateType: id.AggregateType,
			AggregateID:   id.AggregateID,
			Event:         ev,
			Metadata:      maps.Clone(metadata),
		}
	}
	return out
}
