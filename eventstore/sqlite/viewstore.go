package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/terraskye/escore"
)

// ViewStore keeps the views of one projection in the projection_views table
// of a Store, JSON encoded. Each row holds the view and its checkpoint, so an
// upsert stores both at once.
type ViewStore[V any] struct {
	store      *Store
	projection string
}

var _ escore.ViewStore[struct{}] = (*ViewStore[struct{}])(nil)

// NewViewStore returns the views of projection kept in store.
func NewViewStore[V any](store *Store, projection string) *ViewStore[V] {
	return &ViewStore[V]{store: store, projection: projection}
}

func (v *ViewStore[V]) Get(ctx context.Context, stream escore.StreamID) (V, uint64, bool, error) {
	var (
		view       V
		data       []byte
		checkpoint int64
	)
	err := v.store.sqlDB.QueryRowContext(ctx,
		`SELECT view, checkpoint FROM projection_views
		 WHERE projection = ? AND aggregate_type = ? AND aggregate_id = ?`,
		v.projection, stream.AggregateType, stream.AggregateID,
	).Scan(&data, &checkpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return view, 0, false, nil
	}
	if err != nil {
		return view, 0, false, escore.Unavailable("read view", err)
	}
	if err := json.Unmarshal(data, &view); err != nil {
		return view, 0, false, &escore.SerializationError{EventType: v.projection, Err: fmt.Errorf("view of %q: %w", stream, err)}
	}
	return view, uint64(checkpoint), true, nil
}

func (v *ViewStore[V]) Put(ctx context.Context, stream escore.StreamID, view V, checkpoint uint64) error {
	data, err := json.Marshal(view)
	if err != nil {
		return &escore.SerializationError{EventType: v.projection, Err: fmt.Errorf("view of %q: %w", stream, err)}
	}
	if _, err := v.store.sqlDB.ExecContext(ctx,
		`INSERT INTO projection_views (projection, aggregate_type, aggregate_id, view, checkpoint, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (projection, aggregate_type, aggregate_id)
		 DO UPDATE SET view = excluded.view, checkpoint = excluded.checkpoint, updated_at = excluded.updated_at`,
		v.projection, stream.AggregateType, stream.AggregateID, data, int64(checkpoint), toMillis(v.store.now()),
	); err != nil {
		return escore.Unavailable("write view", err)
	}
	return nil
}

func (v *ViewStore[V]) Delete(ctx context.Context, stream escore.StreamID) error {
	if _, err := v.store.sqlDB.ExecContext(ctx,
		`DELETE FROM projection_views WHERE projection = ? AND aggregate_type = ? AND aggregate_id = ?`,
		v.projection, stream.AggregateType, stream.AggregateID,
	); err != nil {
		return escore.Unavailable("delete view", err)
	}
	return nil
}
