package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sumire/homeservices/internal/clock"
	"github.com/sumire/homeservices/internal/domain"
)

// ChallengeStore defines the OTP challenge persistence consumed by OTPGate.
type ChallengeStore interface {
	// Put stores c as the only challenge for its (booking, purpose) pair.
	Put(ctx context.Context, c domain.OTPChallenge) error
	// Redeem runs fn against the locked challenge and persists whatever fn
	// left in it, even when fn returns an error. Returns domain.ErrNotFound
	// when no challenge was issued.
	Redeem(ctx context.Context, bookingID string, purpose domain.OTPPurpose, fn func(c *domain.OTPChallenge) error) error
}

// OTPConfig holds OTP gate settings.
type OTPConfig struct {
	TTL         time.Duration
	MaxAttempts int
	HashCost    int
}

// OTPGate issues and validates the 4-digit codes that authorize job start
// and job end.
type OTPGate struct {
	store       ChallengeStore
	clock       clock.Clock
	ttl         time.Duration
	maxAttempts int
	hashCost    int
	generate    func() (string, error)
}

// NewOTPGate creates a new OTPGate.
func NewOTPGate(store ChallengeStore, clk clock.Clock, cfg OTPConfig) *OTPGate {
	g := &OTPGate{
		store:       store,
		clock:       clk,
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxAttempts,
		hashCost:    cfg.HashCost,
		generate:    randomCode,
	}
	if g.ttl <= 0 {
		g.ttl = 5 * time.Minute
	}
	if g.maxAttempts <= 0 {
		g.maxAttempts = 5
	}
	if g.hashCost == 0 {
		g.hashCost = bcrypt.DefaultCost
	}
	return g
}

// Issue creates a fresh challenge for (bookingID, purpose), replacing any
// previous one. The plaintext code is returned for out-of-band delivery and
// is not stored.
func (g *OTPGate) Issue(ctx context.Context, bookingID string, purpose domain.OTPPurpose) (*domain.OTPChallenge, string, error) {
	if !purpose.Valid() {
		return nil, "", &domain.ValidationError{Field: "purpose", Message: "must be start or end"}
	}

	code, err := g.generate()
	if err != nil {
		return nil, "", fmt.Errorf("generate otp: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), g.hashCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash otp: %w", err)
	}

	now := g.clock.Now()
	c := domain.OTPChallenge{
		BookingID: bookingID,
		Purpose:   purpose,
		CodeHash:  string(hash),
		IssuedAt:  now,
		ExpiresAt: now.Add(g.ttl),
	}
	if err := g.store.Put(ctx, c); err != nil {
		return nil, "", fmt.Errorf("store otp challenge: %w", err)
	}
	return &c, code, nil
}

// Validate checks candidate against the live challenge and consumes it on a
// match. Check and consume happen under one store lock, so two concurrent
// calls with the right code yield one success and one ErrOTPAlreadyConsumed.
func (g *OTPGate) Validate(ctx context.Context, bookingID string, purpose domain.OTPPurpose, candidate string) error {
	now := g.clock.Now()

	err := g.store.Redeem(ctx, bookingID, purpose, func(c *domain.OTPChallenge) error {
		switch {
		case c.Consumed:
			return domain.ErrOTPAlreadyConsumed
		case c.Expired(now):
			return domain.ErrOTPExpired
		case c.Attempts >= g.maxAttempts:
			return fmt.Errorf("%w: too many failed attempts", domain.ErrOTPExpired)
		}
		if !wellFormed(candidate) || bcrypt.CompareHashAndPassword([]byte(c.CodeHash), []byte(candidate)) != nil {
			c.Attempts++
			return domain.ErrInvalidOTP
		}
		c.Consumed = true
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrInvalidOTP
	}
	return err
}

func wellFormed(code string) bool {
	if len(code) != 4 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
