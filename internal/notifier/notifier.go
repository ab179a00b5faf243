package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sumire/homeservices/internal/domain"
)

// Notifier delivers a human-readable message for one event.
type Notifier interface {
	Notify(subject, message string) error
}

// Console logs notifications. Used when no delivery channel is configured.
type Console struct{}

// NewConsole returns a Notifier that writes to the default logger.
func NewConsole() *Console {
	return &Console{}
}

// Notify logs the message.
func (Console) Notify(subject, message string) error {
	slog.Info("notify", "subject", subject, "message", message)
	return nil
}

// Handler adapts a Notifier to the events consumer.
func Handler(n Notifier) func(context.Context, domain.Event) error {
	return func(_ context.Context, ev domain.Event) error {
		subject, message, ok := Render(ev)
		if !ok {
			slog.Debug("skip event", "type", ev.Type, "event_id", ev.ID)
			return nil
		}
		return n.Notify(subject, message)
	}
}

// Render formats an event. ok is false for event types nobody is told about.
func Render(ev domain.Event) (subject, message string, ok bool) {
	switch ev.Type {
	case domain.EventBookingCreated:
		return "Booking requested", fmt.Sprintf("Booking %s requested by %s (%v).", ev.BookingID, ev.CustomerID, ev.Data["payment_plan"]), true
	case domain.EventBookingAccepted:
		msg := fmt.Sprintf("Booking %s accepted by %s for %v minutes at %v/h.",
			ev.BookingID, ev.ProviderID, ev.Data["expected_duration_minutes"], ev.Data["base_hourly_rate"])
		if amt, ok := ev.Data["initial_amount"]; ok {
			msg += fmt.Sprintf(" Initial escrow %v released.", amt)
		}
		return "Booking accepted", msg, true
	case domain.EventBookingRejected:
		return "Booking rejected", fmt.Sprintf("Booking %s was rejected.", ev.BookingID), true
	case domain.EventBookingCancelled:
		return "Booking cancelled", fmt.Sprintf("Booking %s was cancelled by the %v.", ev.BookingID, ev.Data["cancelled_by"]), true
	case domain.EventOTPIssued:
		return "Verification code", fmt.Sprintf("A %v code was issued for booking %s. Valid until %v.",
			ev.Data["purpose"], ev.BookingID, ev.Data["expires_at"]), true
	case domain.EventJobStarted:
		return "Job started", fmt.Sprintf("Booking %s is in progress.", ev.BookingID), true
	case domain.EventJobCompleted:
		msg := fmt.Sprintf("Booking %s completed.", ev.BookingID)
		if billing, ok := ev.Data["billing"].(map[string]any); ok {
			msg += fmt.Sprintf(" Total %v %s.", billing["total_charge_minor"], upper(ev.Data["currency"]))
		}
		return "Job completed", msg, true
	case domain.EventCompletionPaymentPending:
		return "Payment due", fmt.Sprintf("Booking %s: %v %s due for completion.",
			ev.BookingID, ev.Data["completion_amount"], upper(ev.Data["currency"])), true
	case domain.EventCompletionPaid:
		return "Payment received", fmt.Sprintf("Booking %s paid %v %s (charge=%v).",
			ev.BookingID, ev.Data["completion_amount"], upper(ev.Data["currency"]), ev.Data["charge_id"]), true
	case domain.EventBookingRated:
		return "New rating", fmt.Sprintf("Booking %s rated %v stars.", ev.BookingID, ev.Data["stars"]), true
	default:
		return "", "", false
	}
}

func upper(v any) string {
	s, _ := v.(string)
	return strings.ToUpper(s)
}
