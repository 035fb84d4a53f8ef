// Package sqlite provides an escore.EventStore persisted in an embedded
// SQLite database, together with a ViewStore for projections in the same
// file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/terraskye/escore"
	"github.com/terraskye/escore/eventstore/sqlite/migrations"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.log = logger }
}

// WithClock sets the source of envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is an event log in one SQLite table keyed by (aggregate type,
// aggregate id, sequence). Appends run in an immediate transaction, so the
// revision check and the insert see the same stream state.
type Store struct {
	sqlDB    *sql.DB
	registry *escore.Registry
	now      func() time.Time
	log      *slog.Logger
}

var _ escore.EventStore = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path, applies the embedded migrations and
// decodes events with reg.
func Open(path string, reg *escore.Registry, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("event registry is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		sqlDB:    sqlDB,
		registry: reg,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("store", "sqlite"), slog.String("path", path))
	return s, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) AppendConditional(ctx context.Context, id escore.StreamID, expected escore.ExpectedRevision, events []escore.Event, opts ...escore.AppendOption) (escore.SequenceRange, error) {
	if err := escore.ValidateAppend(id, expected, events); err != nil {
		return escore.SequenceRange{}, err
	}
	options := escore.NewAppendOptions(opts...)

	// encode before taking the write lock
	createdAt := s.now().UTC().Truncate(time.Millisecond)
	docs := make([]escore.StoredEvent, len(events))
	for i, ev := range events {
		doc, err := escore.EncodeEvent(id, ev, uuid.New(), createdAt, options.Metadata)
		if err != nil {
			return escore.SequenceRange{}, err
		}
		docs[i] = doc
	}
	metadata, err := json.Marshal(options.Metadata)
	if err != nil {
		return escore.SequenceRange{}, &escore.SerializationError{EventType: "metadata", Err: err}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return escore.SequenceRange{}, escore.Unavailable("append", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	latest, exists, err := latestSequence(ctx, tx, id)
	if err != nil {
		return escore.SequenceRange{}, escore.Unavailable("append", err)
	}
	if err := escore.CheckRevision(id, expected, latest, exists); err != nil {
		return escore.SequenceRange{}, err
	}

	rng := escore.RangeAfter(latest, exists, len(events))
	for i, doc := range docs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (aggregate_type, aggregate_id, seq, event_id, event_type, created_at, data, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id.AggregateType,
			id.AggregateID,
			int64(rng.First)+int64(i),
			doc.EventID.String(),
			doc.EventType,
			toMillis(doc.CreatedAt),
			[]byte(doc.EventData),
			metadata,
		); err != nil {
			if isConstraintError(err) {
				// a writer outside this process won the sequence
				return escore.SequenceRange{}, &escore.ConflictError{Stream: id, Expected: expected, Actual: rng.First, ActualExists: true}
			}
			return escore.SequenceRange{}, escore.Unavailable("append", fmt.Errorf("insert event: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return escore.SequenceRange{}, escore.Unavailable("append", fmt.Errorf("commit: %w", err))
	}

	s.log.DebugContext(ctx, "appended events",
		slog.String("stream", id.String()),
		slog.String("range", rng.String()),
	)
	return rng, nil
}

func (s *Store) LatestSequence(ctx context.Context, id escore.StreamID) (uint64, bool, error) {
	if err := id.Validate(); err != nil {
		return 0, false, err
	}
	seq, ok, err := latestSequence(ctx, s.sqlDB, id)
	if err != nil {
		return 0, false, escore.Unavailable("read", err)
	}
	return seq, ok, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestSequence(ctx context.Context, q queryer, id escore.StreamID) (uint64, bool, error) {
	var seq sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE aggregate_type = ? AND aggregate_id = ?`,
		id.AggregateType, id.AggregateID,
	).Scan(&seq)
	if err != nil {
		return 0, false, fmt.Errorf("latest sequence of %q: %w", id, err)
	}
	if !seq.Valid {
		return 0, false, nil
	}
	return uint64(seq.Int64), true, nil
}

// ReadStream reads the selected rows into memory before returning, so the
// iterator reflects one consistent snapshot and holds no connection.
func (s *Store) ReadStream(ctx context.Context, id escore.StreamID, opts ...escore.ReadOption) (*escore.Iterator[*escore.Envelope], error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	options := escore.NewReadOptions(opts...)

	query := `SELECT seq, event_id, event_type, created_at, data, metadata
	          FROM events WHERE aggregate_type = ? AND aggregate_id = ?`
	args := []any{id.AggregateType, id.AggregateID}
	switch {
	case options.Direction == escore.Backwards && !options.FromEnd:
		query += ` AND seq <= ? ORDER BY seq DESC`
		args = append(args, int64(options.From))
	case options.Direction == escore.Backwards:
		query += ` ORDER BY seq DESC`
	default:
		query += ` AND seq >= ? ORDER BY seq ASC`
		args = append(args, int64(options.From))
	}
	if options.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, int64(options.Limit))
	}

	envs, err := s.query(ctx, id, query, args...)
	if err != nil {
		return nil, err
	}

	index := 0
	return escore.NewIteratorFunc(func(ctx context.Context) (*escore.Envelope, error) {
		if err := ctx.Err(); err != nil {
			return nil, escore.Unavailable("read", err)
		}
		if index >= len(envs) {
			return nil, io.EOF
		}
		env := envs[index]
		index++
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

	wanted := slices.Clone(seqs)
	slices.Sort(wanted)
	wanted = slices.Compact(wanted)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(wanted)), ",")
	args := []any{id.AggregateType, id.AggregateID}
	for _, seq := range wanted {
		args = append(args, int64(seq))
	}

	return s.query(ctx, id,
		`SELECT seq, event_id, event_type, created_at, data, metadata
		 FROM events WHERE aggregate_type = ? AND aggregate_id = ? AND seq IN (`+placeholders+`)
		 ORDER BY seq ASC`,
		args...,
	)
}

// Streams lists the streams of aggregateType, or of every type when it is
// empty, sorted by name.
func (s *Store) Streams(ctx context.Context, aggregateType string) ([]escore.StreamID, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT DISTINCT aggregate_type, aggregate_id FROM events
		 WHERE ? = '' OR aggregate_type = ?
		 ORDER BY aggregate_type, aggregate_id`,
		aggregateType, aggregateType,
	)
	if err != nil {
		return nil, escore.Unavailable("list", err)
	}
	defer rows.Close()

	var out []escore.StreamID
	for rows.Next() {
		var id escore.StreamID
		if err := rows.Scan(&id.AggregateType, &id.AggregateID); err != nil {
			return nil, escore.Unavailable("list", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, escore.Unavailable("list", err)
	}
	return out, nil
}

func (s *Store) query(ctx context.Context, id escore.StreamID, query string, args ...any) ([]*escore.Envelope, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, escore.Unavailable("read", fmt.Errorf("query %q: %w", id, err))
	}
	defer rows.Close()

	var out []*escore.Envelope
	for rows.Next() {
		var (
			seq       int64
			eventID   string
			createdAt int64
			doc       = escore.StoredEvent{AggregateType: id.AggregateType, AggregateID: id.AggregateID}
			data      []byte
			metadata  []byte
		)
		if err := rows.Scan(&seq, &eventID, &doc.EventType, &createdAt, &data, &metadata); err != nil {
			return nil, escore.Unavailable("read", fmt.Errorf("scan %q: %w", id, err))
		}

		if doc.EventID, err = uuid.Parse(eventID); err != nil {
			return nil, &escore.SerializationError{EventType: doc.EventType, Err: fmt.Errorf("event id: %w", err)}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
				return nil, &escore.SerializationError{EventType: doc.EventType, Err: fmt.Errorf("metadata: %w", err)}
			}
		}
		doc.CreatedAt = fromMillis(createdAt)
		doc.EventData = data

		env, err := s.registry.DecodeEnvelope(uint64(seq), doc)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, escore.Unavailable("read", fmt.Errorf("rows %q: %w", id, err))
	}
	return out, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
