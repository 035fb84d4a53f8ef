package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/escore"
)

// WithCommandTelemetry wraps a CommandHandler with OpenTelemetry tracing and metrics.
//
// Each command gets an internal span named after the command type. After the
// handler returns, the span carries the stream and the committed sequence
// range. Rejections by the decider keep the span status Ok and add a
// "validation_failed" event; stale revisions add a "concurrency_conflict"
// event and count towards ConcurrencyConflicts. A delivery failure after a
// successful commit is recorded as a "delivery_failed" event and does not
// fail the span.
//
//	handler := otel.WithCommandTelemetry(escore.NewCommandHandler(...))
//	result, err := handler(ctx, cmd)
func WithCommandTelemetry[C escore.Command](next escore.CommandHandler[C]) escore.CommandHandler[C] {
	var zero C
	commandType := escore.TypeName(zero)
	typeAttr := metric.WithAttributes(AttrCommandType.String(commandType))

	return func(ctx context.Context, cmd C) (escore.CommandResult, error) {
		ctx, span := tracer.Start(ctx, fmt.Sprintf("command.handle %s", commandType),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				AttrCommandType.String(commandType),
				AttrAggregateID.String(cmd.AggregateID()),
			),
		)
		defer span.End()

		CommandsInFlight.Add(ctx, 1, typeAttr)
		defer CommandsInFlight.Add(ctx, -1, typeAttr)

		startTime := time.Now()
		result, err := next(ctx, cmd)
		CommandsDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

		span.SetAttributes(
			AttrStreamID.String(result.Stream.String()),
			AttrAggregateType.String(result.Stream.AggregateType),
		)
		if result.Appended {
			span.SetAttributes(
				AttrRangeFirst.Int64(int64(result.Range.First)),
				AttrRangeLast.Int64(int64(result.Range.Last)),
				AttrEventCount.Int(result.Range.Len()),
			)
		}

		if err != nil {
			CommandsFailed.Add(ctx, 1, typeAttr)

			if errors.Is(err, escore.ErrConflict) {
				ConcurrencyConflicts.Add(ctx, 1, typeAttr)
				span.AddEvent("concurrency_conflict", trace.WithAttributes(
					AttrStreamID.String(result.Stream.String()),
				))
			}

			if errors.Is(err, escore.ErrValidation) {
				span.SetStatus(codes.Ok, fmt.Sprintf("validation failed: %v", err))
				span.AddEvent("validation_failed", trace.WithAttributes(
					attribute.String("reason", err.Error()),
				))
				return result, err
			}

			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			return result, err
		}

		if result.DeliveryErr != nil {
			span.AddEvent("delivery_failed", trace.WithAttributes(
				attribute.String("reason", result.DeliveryErr.Error()),
			))
		}

		span.SetStatus(codes.Ok, "")
		CommandsHandled.Add(ctx, 1, typeAttr)
		return result, nil
	}
}
