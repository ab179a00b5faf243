package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sumire/homeservices/internal/domain"
)

type challengeRow struct {
	BookingID string       `db:"booking_id"`
	Purpose   string       `db:"purpose"`
	CodeHash  string       `db:"code_hash"`
	IssuedAt  sql.NullTime `db:"issued_at"`
	ExpiresAt sql.NullTime `db:"expires_at"`
	Consumed  bool         `db:"consumed"`
	Attempts  int          `db:"attempts"`
}

func (r challengeRow) toDomain() domain.OTPChallenge {
	return domain.OTPChallenge{
		BookingID: r.BookingID,
		Purpose:   domain.OTPPurpose(r.Purpose),
		CodeHash:  r.CodeHash,
		IssuedAt:  r.IssuedAt.Time,
		ExpiresAt: r.ExpiresAt.Time,
		Consumed:  r.Consumed,
		Attempts:  r.Attempts,
	}
}

// ChallengeRepository handles OTP challenge data access operations.
type ChallengeRepository struct {
	db *sqlx.DB
}

// NewChallengeRepository creates a new ChallengeRepository.
func NewChallengeRepository(db *sqlx.DB) *ChallengeRepository {
	return &ChallengeRepository{db: db}
}

// Put upserts the challenge for (booking, purpose), resetting its state.
func (r *ChallengeRepository) Put(ctx context.Context, c domain.OTPChallenge) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO otp_challenges (booking_id, purpose, code_hash, issued_at, expires_at, consumed, attempts)
		 VALUES ($1, $2, $3, $4, $5, FALSE, 0)
		 ON CONFLICT (booking_id, purpose)
		 DO UPDATE SET code_hash = EXCLUDED.code_hash,
		               issued_at = EXCLUDED.issued_at,
		               expires_at = EXCLUDED.expires_at,
		               consumed = FALSE,
		               attempts = 0`,
		c.BookingID, c.Purpose, c.CodeHash, c.IssuedAt, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put otp challenge %s/%s: %w", c.BookingID, c.Purpose, err)
	}
	return nil
}

// Redeem locks the challenge row, runs fn and writes back its consumed flag
// and attempt count whether or not fn succeeded. Inside a BookingRepository
// Update it joins the booking transaction; otherwise it runs its own.
func (r *ChallengeRepository) Redeem(ctx context.Context, bookingID string, purpose domain.OTPPurpose, fn func(c *domain.OTPChallenge) error) error {
	if tx, ok := txFromContext(ctx); ok {
		fnErr, err := redeem(ctx, tx, bookingID, purpose, fn)
		if err != nil {
			return err
		}
		return fnErr
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	fnErr, err := redeem(ctx, tx, bookingID, purpose, fn)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit otp challenge %s/%s: %w", bookingID, purpose, err)
	}
	return fnErr
}

// redeem returns fn's error separately from storage errors so the caller
// still commits the attempt count when fn rejects the code.
func redeem(ctx context.Context, tx *sqlx.Tx, bookingID string, purpose domain.OTPPurpose, fn func(c *domain.OTPChallenge) error) (fnErr, err error) {
	var row challengeRow
	err = tx.GetContext(ctx, &row,
		`SELECT booking_id, purpose, code_hash, issued_at, expires_at, consumed, attempts
		 FROM otp_challenges WHERE booking_id = $1 AND purpose = $2 FOR UPDATE`, bookingID, purpose)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("lock otp challenge %s/%s: %w", bookingID, purpose, err)
	}

	c := row.toDomain()
	fnErr = fn(&c)

	if c.Consumed != row.Consumed || c.Attempts != row.Attempts {
		_, err = tx.ExecContext(ctx,
			`UPDATE otp_challenges SET consumed = $1, attempts = $2 WHERE booking_id = $3 AND purpose = $4`,
			c.Consumed, c.Attempts, bookingID, purpose)
		if err != nil {
			return nil, fmt.Errorf("update otp challenge %s/%s: %w", bookingID, purpose, err)
		}
	}
	return fnErr, nil
}
