package escore

import "fmt"

// ExpectedRevision is the stream state an append presents to the store. The
// store checks it atomically with the write; it is never persisted.
type ExpectedRevision interface {
	fmt.Stringer
	// latest returns the last sequence the caller expects; ok=false means the
	// caller expects the stream to be absent.
	latest() (seq uint64, ok bool)
}

// NoStream means the stream must not exist yet. It is the revision of every
// first write.
type NoStream struct{}

func (NoStream) latest() (uint64, bool) { return 0, false }
func (NoStream) String() string         { return "no-stream" }

// Revision means the stream's last committed sequence must equal exactly this
// value.
type Revision uint64

func (r Revision) latest() (uint64, bool) { return uint64(r), true }
func (r Revision) String() string         { return fmt.Sprintf("revision %d", uint64(r)) }

// ExpectedRevisionFrom builds the revision matching an observation returned by
// EventStore.LatestSequence.
func ExpectedRevisionFrom(seq uint64, ok bool) ExpectedRevision {
	if !ok {
		return NoStream{}
	}
	return Revision(seq)
}

// ExpectedLatest unpacks an ExpectedRevision for backends: ok=false means the
// stream must be absent, otherwise its last sequence must equal seq.
func ExpectedLatest(rev ExpectedRevision) (seq uint64, ok bool) {
	return rev.latest()
}

// CheckRevision compares the expected revision against the actual state of the
// stream. Backends call it inside their atomic append section.
func CheckRevision(stream StreamID, expected ExpectedRevision, actual uint64, exists bool) error {
	if expected == nil {
		return fmt.Errorf("append to stream %q: %w", stream, ErrInvalidRevision)
	}
	want, wantExists := expected.latest()
	if wantExists == exists && (!exists || want == actual) {
		return nil
	}
	return &ConflictError{
		Stream:       stream,
		Expected:     expected,
		Actual:       actual,
		ActualExists: exists,
	}
}
