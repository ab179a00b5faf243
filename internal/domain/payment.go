package domain

import (
	"fmt"
	"time"
)

// PaymentPlanKind names how a booking is paid for.
type PaymentPlanKind string

const (
	PlanFullUpfront  PaymentPlanKind = "full-upfront"
	PlanStagedWallet PaymentPlanKind = "staged-wallet"
)

// PaymentPlan is a closed union of FullUpfront and *StagedWallet. Escrow
// data only exists on the staged variant.
type PaymentPlan interface {
	Kind() PaymentPlanKind
	clone() PaymentPlan
}

// FullUpfront bookings are settled outside the escrow flow.
type FullUpfront struct{}

func (FullUpfront) Kind() PaymentPlanKind { return PlanFullUpfront }
func (FullUpfront) clone() PaymentPlan    { return FullUpfront{} }

// StagedWallet bookings release 25% at acceptance and the rest at completion.
type StagedWallet struct {
	// PaymentMethodRef is the gateway reference (saved customer or card)
	// charged for the completion stage.
	PaymentMethodRef string
	// Escrow stays nil until the booking is accepted.
	Escrow *Escrow
}

func (*StagedWallet) Kind() PaymentPlanKind { return PlanStagedWallet }

func (w *StagedWallet) clone() PaymentPlan {
	c := &StagedWallet{PaymentMethodRef: w.PaymentMethodRef}
	if w.Escrow != nil {
		e := *w.Escrow
		e.PaidAt = cloneTime(w.Escrow.PaidAt)
		c.Escrow = &e
	}
	return c
}

// NewPaymentPlan builds the plan variant for kind.
func NewPaymentPlan(kind PaymentPlanKind, paymentMethodRef string) (PaymentPlan, error) {
	switch kind {
	case PlanFullUpfront:
		return FullUpfront{}, nil
	case PlanStagedWallet:
		if paymentMethodRef == "" {
			return nil, &ValidationError{Field: "payment_method_ref", Message: "required for staged-wallet bookings"}
		}
		return &StagedWallet{PaymentMethodRef: paymentMethodRef}, nil
	default:
		return nil, &ValidationError{Field: "payment_plan", Message: fmt.Sprintf("unknown plan %q", kind)}
	}
}

// EscrowStage is the settlement stage of a staged-wallet booking.
type EscrowStage string

const (
	EscrowStageInitialReleased EscrowStage = "initial_25_released"
	EscrowStageCompleted       EscrowStage = "completed"
)

// Escrow holds the two settlement amounts, in currency minor units.
type Escrow struct {
	InitialAmount    int64       `json:"initial_amount"`
	CompletionAmount int64       `json:"completion_amount"`
	Stage            EscrowStage `json:"stage"`
	ChargeID         string      `json:"charge_id,omitempty"`
	PaidAt           *time.Time  `json:"paid_at,omitempty"`
}

// ChargeRequest asks the payment gateway to move funds for one stage.
type ChargeRequest struct {
	BookingID        string
	PaymentMethodRef string
	Amount           int64
	Currency         string
	Description      string
	// IdempotencyKey is stable across retries of the same stage.
	IdempotencyKey string
}

// ChargeResult is the gateway's record of a successful charge.
type ChargeResult struct {
	ChargeID string
	Amount   int64
	Currency string
}

// Wallet returns the staged-wallet plan when the booking uses one.
func (b *Booking) Wallet() (*StagedWallet, bool) {
	w, ok := b.Payment.(*StagedWallet)
	return w, ok
}
