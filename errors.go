package escore

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a command rejected by a business rule.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an operation that required an existing stream.
	ErrNotFound = errors.New("stream not found")
	// ErrConflict marks a stale expected revision.
	ErrConflict = errors.New("stream revision conflict")
	// ErrSerialization marks a stored payload that does not decode.
	ErrSerialization = errors.New("serialization failed")
	// ErrBackendUnavailable marks a transport or I/O failure talking to the log.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrDelivery marks a committed envelope that did not reach a subscriber.
	ErrDelivery = errors.New("delivery failed")

	ErrInvalidStreamID  = errors.New("invalid stream id")
	ErrInvalidRevision  = errors.New("invalid expected revision")
	ErrEmptyAppend      = errors.New("no events to append")
	ErrNilEvent         = errors.New("nil event")
	ErrDuplicateHandler = errors.New("duplicate handler")
	ErrBusClosed        = errors.New("event bus is closed")
	ErrHandlerNotFound  = errors.New("handler not found")
)

// ValidationError wraps the error returned by a Decider.
type ValidationError struct {
	Stream StreamID
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on stream %q: %v", e.Stream, e.Err)
}

func (e *ValidationError) Unwrap() error        { return e.Err }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an absent stream.
type NotFoundError struct {
	Stream StreamID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("stream %q not found", e.Stream)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports that an append presented a revision that did not match
// the stream. Nothing was written.
type ConflictError struct {
	Stream       StreamID
	Expected     ExpectedRevision
	Actual       uint64
	ActualExists bool
}

func (e *ConflictError) Error() string {
	actual := "no stream"
	if e.ActualExists {
		actual = fmt.Sprintf("revision %d", e.Actual)
	}
	return fmt.Sprintf("concurrency conflict on stream %q: (expected %v, actual %s)", e.Stream, e.Expected, actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// SerializationError reports a payload that cannot be encoded or decoded.
type SerializationError struct {
	EventType string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization of event %q failed: %v", e.EventType, e.Err)
}

func (e *SerializationError) Unwrap() error        { return e.Err }
func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// BackendUnavailableError wraps a transport or I/O failure. It is retryable.
type BackendUnavailableError struct {
	Op  string
	Err error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable during %s: %v", e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error        { return e.Err }
func (e *BackendUnavailableError) Is(target error) bool { return target == ErrBackendUnavailable }

// DeliveryError reports envelopes that a subscriber did not receive or failed
// to handle. It never affects the durability of the commit.
type DeliveryError struct {
	Subscriber string
	Stream     StreamID
	Sequence   uint64
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Subscriber == "" {
		return fmt.Sprintf("delivery of %q@%d failed: %v", e.Stream, e.Sequence, e.Err)
	}
	return fmt.Sprintf("delivery of %q@%d to %q failed: %v", e.Stream, e.Sequence, e.Subscriber, e.Err)
}

func (e *DeliveryError) Unwrap() error        { return e.Err }
func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// ErrSkippedEvent is returned when a handler cannot handle the event type.
type ErrSkippedEvent struct {
	Event Event
}

func (e ErrSkippedEvent) Error() string {
	return fmt.Sprintf("skipped event of type %T", e.Event)
}

var classified = []error{
	ErrConflict, ErrSerialization, ErrNotFound, ErrBackendUnavailable,
	ErrInvalidStreamID, ErrInvalidRevision, ErrEmptyAppend, ErrNilEvent,
}

// Unavailable wraps err as a BackendUnavailableError unless it already carries
// a classification of the taxonomy. Backends call it on every driver error.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range classified {
		if errors.Is(err, known) {
			return err
		}
	}
	return &BackendUnavailableError{Op: op, Err: err}
}

// IsRetryable reports whether reloading and retrying the whole pipeline can
// succeed: conflicts and backend outages are, everything else is not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrBackendUnavailable)
}
