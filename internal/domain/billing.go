package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	overtimeMultiplier = decimal.RequireFromString("1.5")
	initialShare       = decimal.RequireFromString("0.25")
	minutesPerHour     = decimal.NewFromInt(60)
)

// BillingBreakdown is the charge for a finished job, in currency minor units.
// It is computed once when the session ends and frozen onto the booking.
type BillingBreakdown struct {
	ExpectedDurationMinutes int             `json:"expected_duration_minutes"`
	ActualDurationMinutes   int             `json:"actual_duration_minutes"`
	BaseChargeMinor         int64           `json:"base_charge_minor"`
	OvertimeMinutes         int             `json:"overtime_minutes"`
	OvertimeRate            decimal.Decimal `json:"overtime_rate"`
	OvertimeChargeMinor     int64           `json:"overtime_charge_minor"`
	TotalChargeMinor        int64           `json:"total_charge_minor"`
}

// HasOvertime reports whether an overtime line item applies.
func (b BillingBreakdown) HasOvertime() bool {
	return b.OvertimeChargeMinor > 0
}

// ComputeBilling prices a job. Base and overtime are each rounded half-up to
// a whole minor unit before being summed; overtime runs at 1.5x the base rate.
func ComputeBilling(expectedMinutes, actualMinutes int, rate decimal.Decimal) BillingBreakdown {
	overtime := max(0, actualMinutes-expectedMinutes)
	overtimeRate := rate.Mul(overtimeMultiplier)

	out := BillingBreakdown{
		ExpectedDurationMinutes: expectedMinutes,
		ActualDurationMinutes:   actualMinutes,
		BaseChargeMinor:         chargeFor(rate, expectedMinutes),
		OvertimeMinutes:         overtime,
		OvertimeRate:            overtimeRate,
	}
	if overtime > 0 {
		out.OvertimeChargeMinor = chargeFor(overtimeRate, overtime)
	}
	out.TotalChargeMinor = out.BaseChargeMinor + out.OvertimeChargeMinor
	return out
}

// BillSession prices a finished session. Actual minutes come from the job
// timer so clock skew is clamped the same way the live timer clamps it.
func BillSession(s *JobSession, expectedMinutes int, rate decimal.Decimal) (BillingBreakdown, error) {
	if s == nil || s.StartTime == nil || s.EndTime == nil {
		return BillingBreakdown{}, fmt.Errorf("%w: billing requires a finished session", ErrInvariantViolation)
	}
	actual := int(ElapsedSeconds(*s.StartTime, *s.EndTime) / 60)
	return ComputeBilling(expectedMinutes, actual, rate), nil
}

// EstimatedCharge is the base charge for the agreed window.
func EstimatedCharge(expectedMinutes int, rate decimal.Decimal) int64 {
	return chargeFor(rate, expectedMinutes)
}

// InitialEscrowAmount is the 25% share released when a staged booking is accepted.
func InitialEscrowAmount(expectedMinutes int, rate decimal.Decimal) int64 {
	estimate := decimal.NewFromInt(EstimatedCharge(expectedMinutes, rate))
	return roundMinor(estimate.Mul(initialShare))
}

func chargeFor(hourlyRate decimal.Decimal, minutes int) int64 {
	return roundMinor(hourlyRate.Mul(decimal.NewFromInt(int64(minutes))).Div(minutesPerHour))
}

// roundMinor rounds half away from zero, which is half-up for the
// non-negative amounts billed here.
func roundMinor(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}
