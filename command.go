package escore

// Command expresses the intent to change one aggregate. AggregateID selects
// the stream together with the aggregate type of the handler.
type Command interface {
	AggregateID() string
}

// StreamOpener is implemented by commands that make a claim about the
// existence of their stream.
//
// OpensStream() == true marks an open/create command: it is appended with
// NoStream and fails with a conflict if the stream already exists.
// OpensStream() == false requires an existing stream and fails with
// ErrNotFound otherwise. Commands that do not implement StreamOpener append
// against whatever revision was loaded.
type StreamOpener interface {
	OpensStream() bool
}
