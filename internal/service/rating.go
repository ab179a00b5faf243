package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sumire/homeservices/internal/clock"
	"github.com/sumire/homeservices/internal/domain"
)

// RatingService gates and records the customer's review of a finished job.
type RatingService struct {
	store     BookingStore
	publisher Publisher
	clock     clock.Clock
}

// NewRatingService creates a new RatingService.
func NewRatingService(store BookingStore, pub Publisher, clk clock.Clock) *RatingService {
	return &RatingService{store: store, publisher: pub, clock: clk}
}

// RatingEligibility is what a client needs to decide whether to prompt.
type RatingEligibility struct {
	CanRate      bool       `json:"can_rate"`
	HasBeenRated bool       `json:"has_been_rated"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

// RateInput is the customer's review.
type RateInput struct {
	Stars   int
	Comment string
}

// Eligibility reports whether the booking can be rated now.
func (s *RatingService) Eligibility(ctx context.Context, actor domain.Actor, id string) (RatingEligibility, error) {
	b, err := s.store.FindByID(ctx, id)
	if err != nil {
		return RatingEligibility{}, err
	}
	if err := authorize(b, actor); err != nil {
		return RatingEligibility{}, err
	}

	out := RatingEligibility{
		CanRate:      domain.CanRate(b, s.clock.Now()),
		HasBeenRated: b.HasBeenRated,
	}
	if b.CompletedAt != nil {
		d := b.CompletedAt.Add(domain.RatingWindow)
		out.Deadline = &d
	}
	return out, nil
}

// Rate records the one rating a completed booking may receive.
func (s *RatingService) Rate(ctx context.Context, actor domain.Actor, id string, in RateInput) (b *domain.Booking, err error) {
	ctx, span := startSpan(ctx, "RatingService.Rate", id)
	defer func() { endSpan(span, err) }()

	b, err = s.store.Update(ctx, id, func(_ context.Context, b *domain.Booking) error {
		if err := authorize(b, actor, domain.RoleCustomer); err != nil {
			return err
		}
		return b.ApplyRating(domain.Rating{
			Stars:   in.Stars,
			Comment: in.Comment,
			RatedAt: s.clock.Now(),
		})
	})
	if err != nil {
		return nil, err
	}

	slog.Info("booking rated", "booking_id", b.ID, "stars", b.Rating.Stars)
	emit(ctx, s.publisher, s.clock, domain.EventBookingRated, b, map[string]any{"stars": b.Rating.Stars})
	return b, nil
}
