package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sumire/homeservices/internal/clock"
	"github.com/sumire/homeservices/internal/domain"
)

// Publisher defines the event sink consumed by the services.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

var tracer = otel.Tracer("github.com/sumire/homeservices/internal/service")

// startSpan opens a span for a booking operation.
func startSpan(ctx context.Context, name, bookingID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("booking.id", bookingID)))
}

// endSpan records err on the span and closes it. Invariant violations are
// logged here because they mean a caller bypassed the state machine.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrInvariantViolation) {
			slog.Error("invariant violation", "error", err)
		}
	}
	span.End()
}

// emit publishes a lifecycle event. The transition it describes is already
// committed, so a failed publish is only logged.
func emit(ctx context.Context, pub Publisher, clk clock.Clock, typ domain.EventType, b *domain.Booking, data map[string]any) {
	if pub == nil {
		return
	}
	ev := domain.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		BookingID:  b.ID,
		CustomerID: b.CustomerID,
		ProviderID: b.ProviderID,
		OccurredAt: clk.Now(),
		Data:       data,
	}
	if err := pub.Publish(ctx, ev); err != nil {
		slog.Error("failed to publish event", "type", typ, "booking_id", b.ID, "error", err)
	}
}

// authorize checks that the actor is a party to the booking and, when roles
// are given, acts in one of them.
func authorize(b *domain.Booking, actor domain.Actor, roles ...domain.Role) error {
	if !b.IsParty(actor) {
		return domain.ErrForbidden
	}
	if len(roles) == 0 {
		return nil
	}
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return domain.ErrForbidden
}
