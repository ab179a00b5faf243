package domain

import "time"

// EventType doubles as the message routing key.
type EventType string

const (
	EventBookingCreated   EventType = "booking.created"
	EventBookingAccepted  EventType = "booking.accepted"
	EventBookingRejected  EventType = "booking.rejected"
	EventBookingCancelled EventType = "booking.cancelled"
	EventJobStarted       EventType = "booking.in_progress"
	EventJobCompleted     EventType = "booking.completed"
	EventBookingRated     EventType = "booking.rated"

	EventOTPIssued EventType = "otp.issued"

	EventCompletionPaymentPending EventType = "payment.completion_pending"
	EventCompletionPaid           EventType = "payment.completed"
)

// Event is an observable lifecycle fact, published after it is committed.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	BookingID  string         `json:"booking_id"`
	CustomerID string         `json:"customer_id"`
	ProviderID string         `json:"provider_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}
