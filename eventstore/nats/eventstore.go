// Package nats provides an escore.EventStore on a NATS JetStream stream.
//
// Every escore stream maps to one subject, and every append is one JetStream
// message carrying the whole batch. The message is published with the
// expected last sequence of its subject, so JetStream rejects it atomically
// when another writer got there first.
package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/terraskye/escore"
)

const (
	defaultStreamName    = "ESCORE"
	defaultSubjectPrefix = "escore"

	headerFirstSequence = "Escore-First-Sequence"
	headerCount         = "Escore-Count"
	headerAggregateType = "Escore-Aggregate-Type"
	headerAggregateID   = "Escore-Aggregate-Id"
)

// Config configures a Store.
type Config struct {
	Connect       Connector        // Connect opens the connection. Defaults to ConnectDefault().
	Registry      *escore.Registry // Registry decodes stored events. Required.
	Log           *slog.Logger     // Log for diagnostics (optional)
	StreamName    string           // StreamName of the JetStream stream. Defaults to ESCORE.
	SubjectPrefix string           // SubjectPrefix of every stream subject. Defaults to escore.
	Storage       jetstream.StorageType
	Now           func() time.Time
}

// Store is an escore.EventStore on JetStream.
type Store struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	registry      *escore.Registry
	log           *slog.Logger
	subjectPrefix string
	now           func() time.Time
}

var _ escore.EventStore = (*Store)(nil)

// batch is the payload of one JetStream message.
type batch struct {
	First  uint64               `json:"first"`
	Events []escore.StoredEvent `json:"events"`
}

// New connects, ensures the JetStream stream exists and returns the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	connect := cfg.Connect
	if connect == nil {
		connect = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	nc, closeNc, err := connect()
	if err != nil {
		return nil, escore.Unavailable("connect", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, escore.Unavailable("connect", err)
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", prefix),
	)

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{prefix + ".>"},
		Storage:    cfg.Storage,
		Retention:  jetstream.LimitsPolicy,
		DenyDelete: true,
		DenyPurge:  true,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		closeNc()
		return nil, escore.Unavailable("ensure stream", err)
	}
	log.Debug("ensured stream")

	return &Store{
		nc:            nc,
		closeNc:       closeNc,
		js:            js,
		stream:        stream,
		registry:      cfg.Registry,
		log:           log,
		subjectPrefix: prefix,
		now:           now,
	}, nil
}

// Close closes the connection opened by the Connector.
func (s *Store) Close() error {
	s.js.CleanupPublisher()
	s.closeNc()
	s.log.Debug("closed event store")
	return nil
}

func (s *Store) AppendConditional(ctx context.Context, id escore.StreamID, expected escore.ExpectedRevision, events []escore.Event, opts ...escore.AppendOption) (escore.SequenceRange, error) {
	if err := escore.ValidateAppend(id, expected, events); err != nil {
		return escore.SequenceRange{}, err
	}
	options := escore.NewAppendOptions(opts...)

	// The revision check itself happens on the server. This read only
	// finds the subject sequence that the publish must expect.
	last, err := s.lastBatch(ctx, id)
	if err != nil {
		return escore.SequenceRange{}, err
	}
	latest, exists := last.latest()
	if err := escore.CheckRevision(id, expected, latest, exists); err != nil {
		return escore.SequenceRange{}, err
	}

	rng := escore.RangeAfter(latest, exists, len(events))
	createdAt := s.now().UTC()
	payload := batch{First: rng.First, Events: make([]escore.StoredEvent, len(events))}
	for i, ev := range events {
		doc, err := escore.EncodeEvent(id, ev, uuid.New(), createdAt, options.Metadata)
		if err != nil {
			return escore.SequenceRange{}, err
		}
		payload.Events[i] = doc
	}

	msg := natsgo.NewMsg(s.subject(id))
	msg.Header.Set(headerFirstSequence, strconv.FormatUint(rng.First, 10))
	msg.Header.Set(headerCount, strconv.Itoa(len(events)))
	msg.Header.Set(headerAggregateType, id.AggregateType)
	msg.Header.Set(headerAggregateID, id.AggregateID)
	if msg.Data, err = json.Marshal(payload); err != nil {
		return escore.SequenceRange{}, &escore.SerializationError{EventType: events[0].EventType(), Err: err}
	}

	if _, err := s.js.PublishMsg(ctx, msg,
		jetstream.WithExpectLastSequencePerSubject(last.streamSeq),
		jetstream.WithMsgID(payload.Events[0].EventID.String()),
	); err != nil {
		if isWrongLastSequence(err) {
			return escore.SequenceRange{}, s.conflict(ctx, id, expected)
		}
		return escore.SequenceRange{}, escore.Unavailable("append", fmt.Errorf("publish to %s: %w", msg.Subject, err))
	}

	s.log.DebugContext(ctx, "appended events",
		slog.String("subject", msg.Subject),
		slog.String("range", rng.String()),
	)
	return rng, nil
}

// conflict describes a rejected publish with the stream state read after
// the rejection.
func (s *Store) conflict(ctx context.Context, id escore.StreamID, expected escore.ExpectedRevision) error {
	conflict := &escore.ConflictError{Stream: id, Expected: expected}
	if last, err := s.lastBatch(ctx, id); err == nil {
		conflict.Actual, conflict.ActualExists = last.latest()
	}
	return conflict
}

func (s *Store) LatestSequence(ctx context.Context, id escore.StreamID) (uint64, bool, error) {
	if err := id.Validate(); err != nil {
		return 0, false, err
	}
	last, err := s.lastBatch(ctx, id)
	if err != nil {
		return 0, false, err
	}
	seq, ok := last.latest()
	return seq, ok, nil
}

func (s *Store) ReadStream(ctx context.Context, id escore.StreamID, opts ...escore.ReadOption) (*escore.Iterator[*escore.Envelope], error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	options := escore.NewReadOptions(opts...)

	if options.Direction == escore.Backwards {
		envs, err := s.readAll(ctx, id)
		if err != nil {
			return nil, err
		}
		return escore.NewSliceIterator(options.Select(envs)), nil
	}

	// forward reads fetch one batch at a time
	var (
		cursor  uint64 = 1
		pending []*escore.Envelope
		yielded uint64
	)
	return escore.NewIteratorFunc(func(ctx context.Context) (*escore.Envelope, error) {
		for len(pending) == 0 {
			if options.Limit > 0 && yielded >= options.Limit {
				return nil, io.EOF
			}
			msg, err := s.nextMsg(ctx, id, cursor)
			if err != nil {
				return nil, err
			}
			if msg == nil {
				return nil, io.EOF
			}
			cursor = msg.Sequence + 1

			envs, err := s.decode(id, msg)
			if err != nil {
				return nil, err
			}
			for _, env := range envs {
				if options.Includes(env.Sequence) {
					pending = append(pending, env)
				}
			}
		}
		if options.Limit > 0 && yielded >= options.Limit {
			return nil, io.EOF
		}
		env := pending[0]
		pending = pending[1:]
		yielded++
		return env, nil
	}), nil
}

func (s *Store) ReadByIDs(ctx context.Context, id escore.StreamID, seqs []uint64) ([]*escore.Envelope, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, nil
	}
	envs, err := s.readAll(ctx, id)
	if err != nil {
		return nil, err
	}

	wanted := slices.Clone(seqs)
	slices.Sort(wanted)
	wanted = slices.Compact(wanted)

	out := make([]*escore.Envelope, 0, len(wanted))
	for _, seq := range wanted {
		if seq < uint64(len(envs)) {
			out = append(out, envs[seq])
		}
	}
	return out, nil
}

func (s *Store) readAll(ctx context.Context, id escore.StreamID) ([]*escore.Envelope, error) {
	iter, err := s.ReadStream(ctx, id)
	if err != nil {
		return nil, err
	}
	return iter.All(ctx)
}

// nextMsg returns the first message of the subject at or after the stream
// sequence cursor, or nil when there is none.
func (s *Store) nextMsg(ctx context.Context, id escore.StreamID, cursor uint64) (*jetstream.RawStreamMsg, error) {
	msg, err := s.stream.GetMsg(ctx, cursor, jetstream.WithGetMsgSubject(s.subject(id)))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, escore.Unavailable("read", fmt.Errorf("get message of %q at %d: %w", id, cursor, err))
	}
	return msg, nil
}

type lastBatch struct {
	streamSeq uint64 // 0 when the subject is empty
	first     uint64
	count     uint64
}

func (b lastBatch) latest() (uint64, bool) {
	if b.streamSeq == 0 {
		return 0, false
	}
	return b.first + b.count - 1, true
}

func (s *Store) lastBatch(ctx context.Context, id escore.StreamID) (lastBatch, error) {
	msg, err := s.stream.GetLastMsgForSubject(ctx, s.subject(id))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return lastBatch{}, nil
	}
	if err != nil {
		return lastBatch{}, escore.Unavailable("read", fmt.Errorf("last message of %q: %w", id, err))
	}

	first, err := strconv.ParseUint(msg.Header.Get(headerFirstSequence), 10, 64)
	if err != nil {
		return lastBatch{}, &escore.SerializationError{EventType: "batch", Err: fmt.Errorf("header %s: %w", headerFirstSequence, err)}
	}
	count, err := strconv.ParseUint(msg.Header.Get(headerCount), 10, 64)
	if err != nil || count == 0 {
		return lastBatch{}, &escore.SerializationError{EventType: "batch", Err: fmt.Errorf("header %s: %q", headerCount, msg.Header.Get(headerCount))}
	}
	return lastBatch{streamSeq: msg.Sequence, first: first, count: count}, nil
}

func (s *Store) decode(id escore.StreamID, msg *jetstream.RawStreamMsg) ([]*escore.Envelope, error) {
	var b batch
	if err := json.Unmarshal(msg.Data, &b); err != nil {
		return nil, &escore.SerializationError{EventType: "batch", Err: fmt.Errorf("message %d of %q: %w", msg.Sequence, id, err)}
	}
	envs := make([]*escore.Envelope, len(b.Events))
	for i, doc := range b.Events {
		env, err := s.registry.DecodeEnvelope(b.First+uint64(i), doc)
		if err != nil {
			return nil, err
		}
		envs[i] = env
	}
	return envs, nil
}

// subject encodes both parts of the id so that dots and wildcards in ids
// cannot change the subject structure.
func (s *Store) subject(id escore.StreamID) string {
	enc := base64.RawURLEncoding
	return s.subjectPrefix + "." + enc.EncodeToString([]byte(id.AggregateType)) + "." + enc.EncodeToString([]byte(id.AggregateID))
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
