package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sumire/homeservices/internal/clock"
	"github.com/sumire/homeservices/internal/domain"
)

// BookingStore defines the booking persistence consumed by the services.
type BookingStore interface {
	Create(ctx context.Context, b *domain.Booking) error
	FindByID(ctx context.Context, id string) (*domain.Booking, error)
	// Update runs fn against the row-locked current booking and persists the
	// result only if fn succeeds. Concurrent updates of one booking are
	// serialized. Store calls made inside fn must use the ctx it receives.
	Update(ctx context.Context, id string, fn func(ctx context.Context, b *domain.Booking) error) (*domain.Booking, error)
}

// BookingConfig holds booking service settings.
type BookingConfig struct {
	DefaultCurrency string
}

// BookingService owns booking status and job session transitions.
type BookingService struct {
	store     BookingStore
	otp       *OTPGate
	escrow    *EscrowCoordinator
	publisher Publisher
	clock     clock.Clock
	currency  string
}

// NewBookingService creates a new BookingService.
func NewBookingService(store BookingStore, otp *OTPGate, escrow *EscrowCoordinator, pub Publisher, clk clock.Clock, cfg BookingConfig) *BookingService {
	currency := strings.ToLower(cfg.DefaultCurrency)
	if currency == "" {
		currency = "thb"
	}
	return &BookingService{
		store:     store,
		otp:       otp,
		escrow:    escrow,
		publisher: pub,
		clock:     clk,
		currency:  currency,
	}
}

// CreateBookingInput is a customer's request for a provider's service.
type CreateBookingInput struct {
	ProviderID       string
	PaymentPlan      domain.PaymentPlanKind
	PaymentMethodRef string
	Currency         string
}

// AcceptInput carries the provider's quote.
type AcceptInput struct {
	ExpectedDurationMinutes int
	BaseHourlyRate          decimal.Decimal
}

// Create opens a pending booking on behalf of a customer.
func (s *BookingService) Create(ctx context.Context, actor domain.Actor, in CreateBookingInput) (b *domain.Booking, err error) {
	ctx, span := startSpan(ctx, "BookingService.Create", "")
	defer func() { endSpan(span, err) }()

	if actor.Role != domain.RoleCustomer {
		return nil, domain.ErrForbidden
	}
	if in.ProviderID == "" {
		return nil, &domain.ValidationError{Field: "provider_id", Message: "is required"}
	}
	plan, err := domain.NewPaymentPlan(in.PaymentPlan, in.PaymentMethodRef)
	if err != nil {
		return nil, err
	}
	currency := strings.ToLower(in.Currency)
	if currency == "" {
		currency = s.currency
	}

	now := s.clock.Now()
	b = &domain.Booking{
		ID:         uuid.NewString(),
		CustomerID: actor.ID,
		ProviderID: in.ProviderID,
		Status:     domain.StatusPending,
		Currency:   currency,
		Payment:    plan,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}

	slog.Info("booking created", "booking_id", b.ID, "customer_id", b.CustomerID, "provider_id", b.ProviderID, "plan", plan.Kind())
	emit(ctx, s.publisher, s.clock, domain.EventBookingCreated, b, map[string]any{"payment_plan": plan.Kind()})
	return b, nil
}

// Get returns a booking visible to one of its parties.
func (s *BookingService) Get(ctx context.Context, actor domain.Actor, id string) (*domain.Booking, error) {
	b, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(b, actor); err != nil {
		return nil, err
	}
	return b, nil
}

// Timer reads the job timer at the service clock's now.
func (s *BookingService) Timer(ctx context.Context, actor domain.Actor, id string) (domain.TimerReading, error) {
	b, err := s.Get(ctx, actor, id)
	if err != nil {
		return domain.TimerReading{}, err
	}
	return domain.ReadTimer(b, s.clock.Now()), nil
}

// Accept moves a pending booking to accepted with the provider's quote.
func (s *BookingService) Accept(ctx context.Context, actor domain.Actor, id string, in AcceptInput) (b *domain.Booking, err error) {
	ctx, span := startSpan(ctx, "BookingService.Accept", id)
	defer func() { endSpan(span, err) }()

	b, err = s.store.Update(ctx, id, func(_ context.Context, b *domain.Booking) error {
		if err := authorize(b, actor, domain.RoleProvider); err != nil {
			return err
		}
		if err := b.Accept(s.clock.Now(), in.ExpectedDurationMinutes, in.BaseHourlyRate); err != nil {
			return err
		}
		return s.escrow.OnAccepted(b)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("booking accepted", "booking_id", b.ID, "expected_minutes", b.ExpectedDurationMinutes)
	data := map[string]any{
		"expected_duration_minutes": b.ExpectedDurationMinutes,
		"base_hourly_rate":          b.BaseHourlyRate.String(),
	}
	if w, ok := b.Wallet(); ok && w.Escrow != nil {
		data["initial_amount"] = w.Escrow.InitialAmount
	}
	emit(ctx, s.publisher, s.clock, domain.EventBookingAccepted, b, data)
	return b, nil
}

// Reject declines a pending booking.
func (s *BookingService) Reject(ctx context.Context, actor domain.Actor, id string) (b *domain.Booking, err error) {
	ctx, span := startSpan(ctx, "BookingService.Reject", id)
	defer func() { endSpan(span, err) }()

	b, err = s.store.Update(ctx, id, func(_ context.Context, b *domain.Booking) error {
		if err := authorize(b, actor, domain.RoleProvider); err != nil {
			return err
		}
		return b.Reject(s.clock.Now())
	})
	if err != nil {
		return nil, err
	}

	slog.Info("booking rejected", "booking_id", b.ID)
	emit(ctx, s.publisher, s.clock, domain.EventBookingRejected, b, nil)
	return b, nil
}

// Cancel ends a booking before the job starts. Either party may cancel.
func (s *BookingService) Cancel(ctx context.Context, actor domain.Actor, id string) (b *domain.Booking, err error) {
	ctx, span := startSpan(ctx, "BookingService.Cancel", id)
	defer func() { endSpan(span, err) }()

	b, err = s.store.Update(ctx, id, func(_ context.Context, b *domain.Booking) error {
		if err := authorize(b, actor); err != nil {
			return err
		}
		return b.Cancel(s.clock.Now())
	})
	if err != nil {
		return nil, err
	}

	slog.Info("booking cancelled", "booking_id", b.ID, "by", actor.Role)
	emit(ctx, s.publisher, s.clock, domain.EventBookingCancelled, b, map[string]any{"cancelled_by": actor.Role})
	return b, nil
}

// IssueOTP creates the code the customer hands to the provider to start or
// end the job. A start code is only issued for an accepted booking and an end
// code only for one in progress.
func (s *BookingService) IssueOTP(ctx context.Context, actor domain.Actor, id string, purpose domain.OTPPurpose) (c *domain.OTPChallenge, code string, err error) {
	ctx, span := startSpan(ctx, "BookingService.IssueOTP", id)
	defer func() { endSpan(span, err) }()

	if !purpose.Valid() {
		return nil, "", &domain.ValidationError{Field: "purpose", Message: "must be start or end"}
	}
	b, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if err := authorize(b, actor, domain.RoleCustomer); err != nil {
		return nil, "", err
	}
	if err := b.CheckTransition(purpose.Target()); err != nil {
		return nil, "", err
	}

	c, code, err = s.otp.Issue(ctx, b.ID, purpose)
	if err != nil {
		return nil, "", err
	}

	slog.Info("otp issued", "booking_id", b.ID, "purpose", purpose, "expires_at", c.ExpiresAt)
	emit(ctx, s.publisher, s.clock, domain.EventOTPIssued, b, map[string]any{
		"purpose":    purpose,
		"expires_at": c.ExpiresAt,
	})
	return c, code, nil
}

// Start validates the start code and puts the booking in progress. The code
// is only consumed once the accepted-state guard has passed.
func (s *BookingService) Start(ctx context.Context, actor domain.Actor, id, code string) (b *domain.Booking, err error) {
	ctx, span := startSpan(ctx, "BookingService.Start", id)
	defer func() { endSpan(span, err) }()

	b, err = s.store.Update(ctx, id, func(ctx context.Context, b *domain.Booking) error {
		if err := authorize(b, actor, domain.RoleProvider); err != nil {
			return err
		}
		if err := b.CheckTransition(domain.StatusInProgress); err != nil {
			return err
		}
		if err := s.otp.Validate(ctx, b.ID, domain.OTPPurposeStart, code); err != nil {
			return err
		}
		return b.MarkStarted(s.clock.Now())
	})
	if err != nil {
		return nil, err
	}

	slog.Info("job started", "booking_id", b.ID, "start_time", *b.Session.StartTime)
	emit(ctx, s.publisher, s.clock, domain.EventJobStarted, b, map[string]any{
		"start_time":                *b.Session.StartTime,
		"expected_duration_minutes": b.ExpectedDurationMinutes,
	})
	return b, nil
}

// Complete validates the end code, closes the job session, freezes billing
// and hands the total to the escrow coordinator.
func (s *BookingService) Complete(ctx context.Context, actor domain.Actor, id, code string) (b *domain.Booking, err error) {
	ctx, span := startSpan(ctx, "BookingService.Complete", id)
	defer func() { endSpan(span, err) }()

	b, err = s.store.Update(ctx, id, func(ctx context.Context, b *domain.Booking) error {
		if err := authorize(b, actor, domain.RoleProvider); err != nil {
			return err
		}
		if err := b.CheckTransition(domain.StatusCompleted); err != nil {
			return err
		}
		if !b.Session.Started() {
			return fmt.Errorf("%w: booking %s in progress without start time", domain.ErrInvariantViolation, b.ID)
		}
		if err := s.otp.Validate(ctx, b.ID, domain.OTPPurposeEnd, code); err != nil {
			return err
		}
		if err := b.MarkCompleted(s.clock.Now()); err != nil {
			return err
		}
		return s.escrow.OnCompleted(b)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("job completed", "booking_id", b.ID,
		"actual_minutes", b.Billing.ActualDurationMinutes,
		"total_minor", b.Billing.TotalChargeMinor)
	emit(ctx, s.publisher, s.clock, domain.EventJobCompleted, b, map[string]any{
		"billing":  b.Billing,
		"currency": b.Currency,
	})
	if w, ok := b.Wallet(); ok && w.Escrow != nil {
		emit(ctx, s.publisher, s.clock, domain.EventCompletionPaymentPending, b, map[string]any{
			"completion_amount": w.Escrow.CompletionAmount,
			"currency":          b.Currency,
		})
	}
	return b, nil
}
