package events

import (
	"context"
	"log/slog"

	"github.com/sumire/homeservices/internal/domain"
)

// LogPublisher writes events to the structured log. Used when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher writes to logger, or to the default logger when nil.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event at info level. It never fails.
func (p *LogPublisher) Publish(ctx context.Context, ev domain.Event) error {
	p.logger.InfoContext(ctx, "event",
		"id", ev.ID,
		"type", ev.Type,
		"booking_id", ev.BookingID,
		"occurred_at", ev.OccurredAt,
		"data", ev.Data,
	)
	return nil
}
