package escore

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a domain event describing a change that has happened to an aggregate.
//
// EventType returns the stable discriminant used for routing and for decoding
// stored payloads back into concrete types. It must not change once events of
// that type have been persisted.
type Event interface {
	EventType() string
}

// StreamID identifies exactly one append-only sequence of events: the stream of
// one aggregate instance.
type StreamID struct {
	AggregateType string
	AggregateID   string
}

// NewStreamID returns the stream of the given aggregate instance.
func NewStreamID(aggregateType, aggregateID string) StreamID {
	return StreamID{AggregateType: aggregateType, AggregateID: aggregateID}
}

// String renders the backend stream name, "<aggregate_type>-<aggregate_id>".
func (s StreamID) String() string {
	return s.AggregateType + "-" + s.AggregateID
}

// Validate reports whether both parts of the identifier are set.
func (s StreamID) Validate() error {
	if s.AggregateType == "" || s.AggregateID == "" {
		return fmt.Errorf("stream %q: %w", s.String(), ErrInvalidStreamID)
	}
	if strings.Contains(s.AggregateType, "-") {
		return fmt.Errorf("stream %q: aggregate type must not contain '-': %w", s.String(), ErrInvalidStreamID)
	}
	return nil
}

// ParseStreamID is the inverse of StreamID.String. The aggregate type ends at
// the first '-', so ids may contain dashes (uuids do).
func ParseStreamID(name string) (StreamID, error) {
	aggType, aggID, ok := strings.Cut(name, "-")
	if !ok || aggType == "" || aggID == "" {
		return StreamID{}, fmt.Errorf("parse stream %q: %w", name, ErrInvalidStreamID)
	}
	return StreamID{AggregateType: aggType, AggregateID: aggID}, nil
}

// Envelope wraps one event with its stream metadata. Sequence is assigned by
// the store when the event is appended: it starts at 0 and is contiguous
// within the stream.
type Envelope struct {
	EventID       uuid.UUID
	Sequence      uint64
	CreatedAt     time.Time
	AggregateType string
	AggregateID   string
	Event         Event
	Metadata      map[string]any
}

// StreamID returns the stream the envelope belongs to.
func (e *Envelope) StreamID() StreamID {
	return StreamID{AggregateType: e.AggregateType, AggregateID: e.AggregateID}
}

// EventType is a shorthand for e.Event.EventType().
func (e *Envelope) EventType() string {
	if e.Event == nil {
		return ""
	}
	return e.Event.EventType()
}

// SequenceRange is the contiguous, inclusive range of sequences assigned by one
// successful append.
type SequenceRange struct {
	First uint64
	Last  uint64
}

// EmptyRange returns the range of an append that assigned no sequences.
func EmptyRange() SequenceRange {
	return SequenceRange{First: 1, Last: 0}
}

// Empty reports whether the range holds no sequences.
func (r SequenceRange) Empty() bool {
	return r.Last < r.First
}

// Len returns the number of sequences in the range.
func (r SequenceRange) Len() int {
	if r.Empty() {
		return 0
	}
	return int(r.Last-r.First) + 1
}

// Sequences lists First, First+1, ..., Last.
func (r SequenceRange) Sequences() []uint64 {
	out := make([]uint64, 0, r.Len())
	for s := r.First; s <= r.Last; s++ {
		out = append(out, s)
	}
	return out
}

// Contains reports whether seq lies within the range.
func (r SequenceRange) Contains(seq uint64) bool {
	return seq >= r.First && seq <= r.Last
}

func (r SequenceRange) String() string {
	if r.Empty() {
		return "empty"
	}
	return fmt.Sprintf("%d..%d", r.First, r.Last)
}

// RangeAfter returns the range n events receive when appended to a stream
// whose last sequence is (latest, ok); ok=false means the stream is absent.
// n <= 0 yields EmptyRange.
func RangeAfter(latest uint64, ok bool, n int) SequenceRange {
	if n <= 0 {
		return EmptyRange()
	}
	first := uint64(0)
	if ok {
		first = latest + 1
	}
	return SequenceRange{First: first, Last: first + uint64(n) - 1}
}
