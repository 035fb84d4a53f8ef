// Package logging decorates escore handlers with logs: logrus for commands
// and queries, slog for event subscribers.
package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/terraskye/escore"
)

// WithCommandLogging wraps a CommandHandler with logging functionality.
// It logs the command type and aggregate ID before execution, the committed
// range after it, and errors if the command fails. A delivery failure after
// the commit is logged as a warning.
func WithCommandLogging[C escore.Command](logger *logrus.Entry, next escore.CommandHandler[C]) escore.CommandHandler[C] {
	return func(ctx context.Context, command C) (escore.CommandResult, error) {
		l := logger.WithFields(logrus.Fields{
			"command":     escore.TypeName(command),
			"aggregateId": command.AggregateID(),
		})
		l.Debug("Dispatch")

		result, err := next(ctx, command)
		if err != nil {
			l.WithError(err).Error("Dispatch failed")
			return result, err
		}

		l = l.WithField("stream", result.Stream.String())
		if result.Appended {
			l = l.WithField("range", result.Range.String())
		}
		if result.DeliveryErr != nil {
			l.WithError(result.DeliveryErr).Warn("Committed events not delivered")
		}
		l.Info("Dispatched")
		return result, nil
	}
}
