package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sumire/homeservices/internal/clock"
	"github.com/sumire/homeservices/internal/domain"
)

// Gateway moves funds for one escrow stage.
type Gateway interface {
	Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error)
}

// EscrowCoordinator settles staged-wallet bookings in two stages. It only
// ever writes the escrow record, never the booking status.
type EscrowCoordinator struct {
	store     BookingStore
	gateway   Gateway
	publisher Publisher
	clock     clock.Clock
}

// NewEscrowCoordinator creates a new EscrowCoordinator.
func NewEscrowCoordinator(store BookingStore, gw Gateway, pub Publisher, clk clock.Clock) *EscrowCoordinator {
	return &EscrowCoordinator{store: store, gateway: gw, publisher: pub, clock: clk}
}

// OnAccepted releases the initial 25% of the estimated charge.
func (e *EscrowCoordinator) OnAccepted(b *domain.Booking) error {
	w, ok := b.Wallet()
	if !ok {
		return nil
	}
	if w.Escrow != nil {
		return fmt.Errorf("%w: booking %s already has an escrow", domain.ErrInvariantViolation, b.ID)
	}
	w.Escrow = &domain.Escrow{
		InitialAmount: domain.InitialEscrowAmount(b.ExpectedDurationMinutes, b.BaseHourlyRate),
		Stage:         domain.EscrowStageInitialReleased,
	}
	return nil
}

// OnCompleted sets the completion amount from the frozen billing total. It
// floors at zero when the total is below what was already released.
func (e *EscrowCoordinator) OnCompleted(b *domain.Booking) error {
	w, ok := b.Wallet()
	if !ok {
		return nil
	}
	if w.Escrow == nil {
		return fmt.Errorf("%w: staged booking %s completed without escrow", domain.ErrInvariantViolation, b.ID)
	}
	if b.Billing == nil {
		return fmt.Errorf("%w: booking %s completed without billing", domain.ErrInvariantViolation, b.ID)
	}
	w.Escrow.CompletionAmount = max(0, b.Billing.TotalChargeMinor-w.Escrow.InitialAmount)
	return nil
}

// PayCompletion charges the completion amount exactly once. The stage check
// and the charge run under the booking lock, so a retry after success sees
// ErrAlreadyPaid instead of charging again. A gateway failure leaves the
// stage untouched.
func (e *EscrowCoordinator) PayCompletion(ctx context.Context, actor domain.Actor, id string) (b *domain.Booking, err error) {
	ctx, span := startSpan(ctx, "EscrowCoordinator.PayCompletion", id)
	defer func() { endSpan(span, err) }()

	var charged *domain.ChargeResult
	b, err = e.store.Update(ctx, id, func(ctx context.Context, b *domain.Booking) error {
		if err := authorize(b, actor, domain.RoleCustomer); err != nil {
			return err
		}
		w, ok := b.Wallet()
		if !ok {
			return fmt.Errorf("%w: booking %s is not on a staged-wallet plan", domain.ErrInvalidInput, b.ID)
		}
		if b.Status != domain.StatusCompleted {
			return domain.ErrNotYetCompleted
		}
		if w.Escrow == nil {
			return fmt.Errorf("%w: completed staged booking %s has no escrow", domain.ErrInvariantViolation, b.ID)
		}
		if w.Escrow.Stage == domain.EscrowStageCompleted {
			return domain.ErrAlreadyPaid
		}

		now := e.clock.Now()
		if w.Escrow.CompletionAmount > 0 {
			res, err := e.gateway.Charge(ctx, domain.ChargeRequest{
				BookingID:        b.ID,
				PaymentMethodRef: w.PaymentMethodRef,
				Amount:           w.Escrow.CompletionAmount,
				Currency:         b.Currency,
				Description:      fmt.Sprintf("booking %s completion", b.ID),
				IdempotencyKey:   b.ID + ":completion",
			})
			if err != nil {
				slog.Error("completion charge failed", "booking_id", b.ID, "amount", w.Escrow.CompletionAmount, "error", err)
				return fmt.Errorf("%w: %w", domain.ErrPaymentGateway, err)
			}
			charged = res
			w.Escrow.ChargeID = res.ChargeID
		}
		w.Escrow.Stage = domain.EscrowStageCompleted
		w.Escrow.PaidAt = &now
		b.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	w, _ := b.Wallet()
	slog.Info("completion paid", "booking_id", b.ID, "amount", w.Escrow.CompletionAmount, "charge_id", w.Escrow.ChargeID)
	data := map[string]any{
		"completion_amount": w.Escrow.CompletionAmount,
		"currency":          b.Currency,
	}
	if charged != nil {
		data["charge_id"] = charged.ChargeID
	}
	emit(ctx, e.publisher, e.clock, domain.EventCompletionPaid, b, data)
	return b, nil
}
