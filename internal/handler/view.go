package handler

import (
	"time"

	"github.com/sumire/homeservices/internal/domain"
)

type bookingView struct {
	ID                      string                   `json:"id"`
	CustomerID              string                   `json:"customer_id"`
	ProviderID              string                   `json:"provider_id"`
	Status                  domain.BookingStatus     `json:"status"`
	ExpectedDurationMinutes int                      `json:"expected_duration_minutes,omitempty"`
	BaseHourlyRate          string                   `json:"base_hourly_rate,omitempty"`
	Currency                string                   `json:"currency"`
	Session                 *domain.JobSession       `json:"session,omitempty"`
	Payment                 paymentView              `json:"payment"`
	Billing                 *domain.BillingBreakdown `json:"billing,omitempty"`
	HasBeenRated            bool                     `json:"has_been_rated"`
	Rating                  *domain.Rating           `json:"rating,omitempty"`
	AcceptedAt              *time.Time               `json:"accepted_at,omitempty"`
	CompletedAt             *time.Time               `json:"completed_at,omitempty"`
	CancelledAt             *time.Time               `json:"cancelled_at,omitempty"`
	CreatedAt               time.Time                `json:"created_at"`
	UpdatedAt               time.Time                `json:"updated_at"`
}

type paymentView struct {
	Plan   domain.PaymentPlanKind `json:"plan"`
	Escrow *domain.Escrow         `json:"escrow,omitempty"`
}

func newBookingView(b *domain.Booking) bookingView {
	v := bookingView{
		ID:                      b.ID,
		CustomerID:              b.CustomerID,
		ProviderID:              b.ProviderID,
		Status:                  b.Status,
		ExpectedDurationMinutes: b.ExpectedDurationMinutes,
		Currency:                b.Currency,
		Session:                 b.Session,
		Payment:                 paymentView{Plan: b.Payment.Kind()},
		Billing:                 b.Billing,
		HasBeenRated:            b.HasBeenRated,
		Rating:                  b.Rating,
		AcceptedAt:              b.AcceptedAt,
		CompletedAt:             b.CompletedAt,
		CancelledAt:             b.CancelledAt,
		CreatedAt:               b.CreatedAt,
		UpdatedAt:               b.UpdatedAt,
	}
	if b.AcceptedAt != nil {
		v.BaseHourlyRate = b.BaseHourlyRate.String()
	}
	if w, ok := b.Wallet(); ok {
		v.Payment.Escrow = w.Escrow
	}
	return v
}

type otpView struct {
	BookingID string            `json:"booking_id"`
	Purpose   domain.OTPPurpose `json:"purpose"`
	Code      string            `json:"code"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}
