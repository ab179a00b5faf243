package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// BookingStatus represents the lifecycle state of a booking.
type BookingStatus string

const (
	StatusPending    BookingStatus = "pending"
	StatusAccepted   BookingStatus = "accepted"
	StatusInProgress BookingStatus = "in_progress"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
	StatusRejected   BookingStatus = "rejected"
)

// Terminal reports whether no further transition can leave s.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

var transitions = map[BookingStatus][]BookingStatus{
	StatusPending:    {StatusAccepted, StatusRejected, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

// progress orders the happy path; cancelled and rejected sit outside it.
var progress = map[BookingStatus]int{
	StatusPending:    0,
	StatusAccepted:   1,
	StatusInProgress: 2,
	StatusCompleted:  3,
}

// JobSession bounds the working time of a booking. EndTime is never set
// unless StartTime already is.
type JobSession struct {
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// Started reports whether the start OTP has been validated.
func (s *JobSession) Started() bool {
	return s != nil && s.StartTime != nil
}

// Begin records the session start.
func (s *JobSession) Begin(at time.Time) error {
	if s.StartTime != nil {
		return fmt.Errorf("%w: session already started", ErrTransitionApplied)
	}
	s.StartTime = &at
	return nil
}

// End records the session end.
func (s *JobSession) End(at time.Time) error {
	if s.StartTime == nil {
		return fmt.Errorf("%w: session end recorded before start", ErrInvariantViolation)
	}
	if s.EndTime != nil {
		return fmt.Errorf("%w: session already ended", ErrTransitionApplied)
	}
	s.EndTime = &at
	return nil
}

// Booking is the aggregate root of a home-service job.
type Booking struct {
	ID                      string
	CustomerID              string
	ProviderID              string
	Status                  BookingStatus
	ExpectedDurationMinutes int
	BaseHourlyRate          decimal.Decimal
	Currency                string
	Session                 *JobSession
	Payment                 PaymentPlan
	Billing                 *BillingBreakdown
	HasBeenRated            bool
	Rating                  *Rating
	AcceptedAt              *time.Time
	CompletedAt             *time.Time
	CancelledAt             *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// IsParty reports whether the actor is the booking's customer or provider
// acting in that role.
func (b *Booking) IsParty(a Actor) bool {
	switch a.Role {
	case RoleCustomer:
		return a.ID == b.CustomerID
	case RoleProvider:
		return a.ID == b.ProviderID
	}
	return false
}

// CheckTransition reports whether the booking may move to next. A transition
// whose target is already reached (or passed) is a conflict; anything else
// off the table is an invalid transition.
func (b *Booking) CheckTransition(next BookingStatus) error {
	if slices.Contains(transitions[b.Status], next) {
		return nil
	}
	if b.Status == next {
		return fmt.Errorf("%w: booking already %s", ErrTransitionApplied, next)
	}
	cur, onPath := progress[b.Status]
	target, targetOnPath := progress[next]
	if onPath && targetOnPath && cur > target {
		return fmt.Errorf("%w: booking already %s", ErrTransitionApplied, b.Status)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, next)
}

// Accept freezes the agreed duration and rate and opens an empty job session.
func (b *Booking) Accept(at time.Time, expectedMinutes int, rate decimal.Decimal) error {
	if err := b.CheckTransition(StatusAccepted); err != nil {
		return err
	}
	if expectedMinutes <= 0 {
		return &ValidationError{Field: "expected_duration_minutes", Message: "must be greater than zero"}
	}
	if !rate.IsPositive() {
		return &ValidationError{Field: "base_hourly_rate", Message: "must be greater than zero"}
	}
	b.ExpectedDurationMinutes = expectedMinutes
	b.BaseHourlyRate = rate
	b.Session = &JobSession{}
	b.Status = StatusAccepted
	b.AcceptedAt = &at
	b.UpdatedAt = at
	return nil
}

// MarkStarted moves an accepted booking into progress. The caller must have
// validated the start OTP.
func (b *Booking) MarkStarted(at time.Time) error {
	if err := b.CheckTransition(StatusInProgress); err != nil {
		return err
	}
	if b.Session == nil {
		return fmt.Errorf("%w: accepted booking %s has no job session", ErrInvariantViolation, b.ID)
	}
	if err := b.Session.Begin(at); err != nil {
		return err
	}
	b.Status = StatusInProgress
	b.UpdatedAt = at
	return nil
}

// MarkCompleted closes the job session and freezes the billing breakdown.
// The caller must have validated the end OTP.
func (b *Booking) MarkCompleted(at time.Time) error {
	if err := b.CheckTransition(StatusCompleted); err != nil {
		return err
	}
	if !b.Session.Started() {
		return fmt.Errorf("%w: booking %s in progress without start time", ErrInvariantViolation, b.ID)
	}
	if err := b.Session.End(at); err != nil {
		return err
	}
	bill, err := BillSession(b.Session, b.ExpectedDurationMinutes, b.BaseHourlyRate)
	if err != nil {
		return err
	}
	b.Billing = &bill
	b.Status = StatusCompleted
	b.CompletedAt = &at
	b.UpdatedAt = at
	return nil
}

// Cancel ends a booking that has not started.
func (b *Booking) Cancel(at time.Time) error {
	if err := b.CheckTransition(StatusCancelled); err != nil {
		return err
	}
	b.Status = StatusCancelled
	b.CancelledAt = &at
	b.UpdatedAt = at
	return nil
}

// Reject declines a pending booking.
func (b *Booking) Reject(at time.Time) error {
	if err := b.CheckTransition(StatusRejected); err != nil {
		return err
	}
	b.Status = StatusRejected
	b.UpdatedAt = at
	return nil
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (b *Booking) Clone() *Booking {
	c := *b
	if b.Session != nil {
		s := JobSession{
			StartTime: cloneTime(b.Session.StartTime),
			EndTime:   cloneTime(b.Session.EndTime),
		}
		c.Session = &s
	}
	if b.Payment != nil {
		c.Payment = b.Payment.clone()
	}
	if b.Billing != nil {
		bill := *b.Billing
		c.Billing = &bill
	}
	if b.Rating != nil {
		r := *b.Rating
		c.Rating = &r
	}
	c.AcceptedAt = cloneTime(b.AcceptedAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	c.CancelledAt = cloneTime(b.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
