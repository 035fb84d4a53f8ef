package logging

import (
	"context"
	"errors"
	"log/slog"

	"github.com/terraskye/escore"
)

type eventHandlerLogger struct {
	logger *slog.Logger
	next   escore.EventHandler
}

// WithLoggingMiddleware logs every envelope handled by next. HandleLag is
// forwarded when next is an escore.LagHandler.
func WithLoggingMiddleware(logger *slog.Logger, next escore.EventHandler) escore.EventHandler {
	return &eventHandlerLogger{logger: logger, next: next}
}

func (h *eventHandlerLogger) Handle(ctx context.Context, env *escore.Envelope) error {
	l := h.logger.With(
		"stream-id", env.StreamID().String(),
		"event-type", env.EventType(),
		"sequence", env.Sequence,
		"event-id", env.EventID.String(),
	)

	l.DebugContext(ctx, "event processing started")

	err := h.next.Handle(ctx, env)

	var skipped *escore.ErrSkippedEvent
	switch {
	case err == nil:
		l.DebugContext(ctx, "event processed successfully")
	case errors.As(err, &skipped):
		l.DebugContext(ctx, "event skipped")
	default:
		l.ErrorContext(ctx, "error processing event", "error", err)
	}

	return err
}

func (h *eventHandlerLogger) HandleLag(ctx context.Context, streams []escore.StreamID) error {
	lh, ok := h.next.(escore.LagHandler)
	if !ok {
		return nil
	}

	h.logger.WarnContext(ctx, "resynchronizing lagged streams", "streams", len(streams))
	if err := lh.HandleLag(ctx, streams); err != nil {
		h.logger.ErrorContext(ctx, "resynchronization failed", "error", err)
		return err
	}
	return nil
}
