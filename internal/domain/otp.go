package domain

import "time"

// OTPPurpose names the lifecycle transition a code authorizes.
type OTPPurpose string

const (
	OTPPurposeStart OTPPurpose = "start"
	OTPPurposeEnd   OTPPurpose = "end"
)

// Valid reports whether p is a known purpose.
func (p OTPPurpose) Valid() bool {
	return p == OTPPurposeStart || p == OTPPurposeEnd
}

// Target is the booking status the purpose's transition leads to.
func (p OTPPurpose) Target() BookingStatus {
	if p == OTPPurposeEnd {
		return StatusCompleted
	}
	return StatusInProgress
}

// OTPChallenge is the single live code for a (booking, purpose) pair.
// Issuing a new one replaces it, which invalidates an unconsumed code.
type OTPChallenge struct {
	BookingID string     `json:"booking_id"`
	Purpose   OTPPurpose `json:"purpose"`
	CodeHash  string     `json:"-"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Consumed  bool       `json:"consumed"`
	Attempts  int        `json:"-"`
}

// Expired reports whether the challenge can no longer be validated at now.
func (c *OTPChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
