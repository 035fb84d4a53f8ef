package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/escore"
)

// WithQueryTelemetry wraps a QueryHandler with OpenTelemetry tracing and metrics.
// A query for a stream that has no view yet is not a failure of the handler:
// its span keeps status Ok.
//
//	handler := otel.WithQueryTelemetry(escore.NewViewQuery(balances, byAccount))
//	result, err := handler.HandleQuery(ctx, query)
func WithQueryTelemetry[T escore.Query, R any](next escore.QueryHandler[T, R]) escore.QueryHandler[T, R] {
	var zero T
	return &telemetryQueryHandler[T, R]{
		next:      next,
		queryType: escore.TypeName(zero),
	}
}

type telemetryQueryHandler[T escore.Query, R any] struct {
	next      escore.QueryHandler[T, R]
	queryType string
}

func (h *telemetryQueryHandler[T, R]) HandleQuery(ctx context.Context, qry T) (R, error) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("query.handle %s", h.queryType),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrQueryType.String(h.queryType),
			AttrQueryID.String(string(qry.ID())),
		),
	)
	defer span.End()

	typeAttr := metric.WithAttributes(AttrQueryType.String(h.queryType))
	startTime := time.Now()
	result, err := h.next.HandleQuery(ctx, qry)
	QueriesDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

	if err != nil {
		QueriesFailed.Add(ctx, 1, typeAttr)
		if errors.Is(err, escore.ErrNotFound) {
			span.SetStatus(codes.Ok, err.Error())
			return result, err
		}
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return result, err
	}

	span.SetStatus(codes.Ok, "")
	QueriesHandled.Add(ctx, 1, typeAttr)
	return result, nil
}
