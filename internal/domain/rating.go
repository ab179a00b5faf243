package domain

import "time"

// RatingWindow is how long after completion a customer may rate a job.
const RatingWindow = 30 * 24 * time.Hour

// Rating is the customer's one-time review of a completed job.
type Rating struct {
	Stars   int       `json:"stars"`
	Comment string    `json:"comment,omitempty"`
	RatedAt time.Time `json:"rated_at"`
}

// CanRate reports whether the booking is completed, unrated and still inside
// the rating window.
func CanRate(b *Booking, now time.Time) bool {
	if b.Status != StatusCompleted || b.HasBeenRated || b.CompletedAt == nil {
		return false
	}
	return now.Sub(*b.CompletedAt) <= RatingWindow
}

// ApplyRating records the rating. A second rating is refused regardless of
// the window.
func (b *Booking) ApplyRating(r Rating) error {
	if b.HasBeenRated {
		return ErrAlreadyRated
	}
	if !CanRate(b, r.RatedAt) {
		return ErrNotRatable
	}
	if r.Stars < 1 || r.Stars > 5 {
		return &ValidationError{Field: "stars", Message: "must be between 1 and 5"}
	}
	b.HasBeenRated = true
	b.Rating = &r
	b.UpdatedAt = r.RatedAt
	return nil
}
