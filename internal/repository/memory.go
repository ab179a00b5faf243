package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/sumire/homeservices/internal/domain"
)

// MemoryBookingStore keeps bookings in process. A single mutex serializes
// updates, which gives the same per-booking atomicity as a row lock.
type MemoryBookingStore struct {
	mu       sync.Mutex
	bookings map[string]*domain.Booking
}

// NewMemoryBookingStore creates an empty MemoryBookingStore.
func NewMemoryBookingStore() *MemoryBookingStore {
	return &MemoryBookingStore{bookings: make(map[string]*domain.Booking)}
}

// Create stores a new booking.
func (s *MemoryBookingStore) Create(_ context.Context, b *domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bookings[b.ID]; ok {
		return fmt.Errorf("%w: booking %s exists", domain.ErrConflict, b.ID)
	}
	s.bookings[b.ID] = b.Clone()
	return nil
}

// FindByID returns a copy of the booking.
func (s *MemoryBookingStore) FindByID(_ context.Context, id string) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b.Clone(), nil
}

// Update applies fn to a copy and swaps it in only when fn succeeds.
func (s *MemoryBookingStore) Update(ctx context.Context, id string, fn func(ctx context.Context, b *domain.Booking) error) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.bookings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(ctx, next); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.bookings[id] = next
	return next.Clone(), nil
}

type challengeKey struct {
	bookingID string
	purpose   domain.OTPPurpose
}

// MemoryChallengeStore keeps OTP challenges in process.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[challengeKey]domain.OTPChallenge
}

// NewMemoryChallengeStore creates an empty MemoryChallengeStore.
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{challenges: make(map[challengeKey]domain.OTPChallenge)}
}

// Put replaces the challenge for the booking and purpose.
func (s *MemoryChallengeStore) Put(_ context.Context, c domain.OTPChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[challengeKey{c.BookingID, c.Purpose}] = c
	return nil
}

// Redeem runs fn under the store lock and keeps its changes even on error,
// so failed attempts are counted.
func (s *MemoryChallengeStore) Redeem(_ context.Context, bookingID string, purpose domain.OTPPurpose, fn func(c *domain.OTPChallenge) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := challengeKey{bookingID, purpose}
	c, ok := s.challenges[key]
	if !ok {
		return domain.ErrNotFound
	}
	err := fn(&c)
	s.challenges[key] = c
	return err
}
