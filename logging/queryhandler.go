package logging

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/terraskye/escore"
)

// WithQueryLogging logs every query at debug level and its failures. A query
// for a view that does not exist yet is logged at info level, as it is an
// answer rather than a fault.
func WithQueryLogging[T escore.Query, R any](logger *logrus.Entry, next escore.QueryHandler[T, R]) escore.QueryHandler[T, R] {
	return escore.NewQueryHandlerFunc(func(ctx context.Context, qry T) (R, error) {
		l := logger.WithFields(logrus.Fields{
			"query":   escore.TypeName(qry),
			"queryId": string(qry.ID()),
		})
		l.Debug("Query")

		result, err := next.HandleQuery(ctx, qry)
		switch {
		case errors.Is(err, escore.ErrNotFound):
			l.WithError(err).Info("Query found nothing")
		case err != nil:
			l.WithError(err).Error("Query failed")
		}
		return result, err
	})
}
