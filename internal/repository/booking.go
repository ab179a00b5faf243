package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"

	"github.com/sumire/homeservices/internal/domain"
)

const bookingColumns = `id, customer_id, provider_id, status, expected_duration_minutes, base_hourly_rate,
	currency, payment_plan, payment_method_ref, escrow, session_start, session_end, billing,
	has_been_rated, rating, accepted_at, completed_at, cancelled_at, created_at, updated_at`

// bookingRow is the bookings table layout.
type bookingRow struct {
	ID                      string             `db:"id"`
	CustomerID              string             `db:"customer_id"`
	ProviderID              string             `db:"provider_id"`
	Status                  string             `db:"status"`
	ExpectedDurationMinutes int                `db:"expected_duration_minutes"`
	BaseHourlyRate          decimal.Decimal    `db:"base_hourly_rate"`
	Currency                string             `db:"currency"`
	PaymentPlan             string             `db:"payment_plan"`
	PaymentMethodRef        string             `db:"payment_method_ref"`
	Escrow                  types.NullJSONText `db:"escrow"`
	SessionStart            *time.Time         `db:"session_start"`
	SessionEnd              *time.Time         `db:"session_end"`
	Billing                 types.NullJSONText `db:"billing"`
	HasBeenRated            bool               `db:"has_been_rated"`
	Rating                  types.NullJSONText `db:"rating"`
	AcceptedAt              *time.Time         `db:"accepted_at"`
	CompletedAt             *time.Time         `db:"completed_at"`
	CancelledAt             *time.Time         `db:"cancelled_at"`
	CreatedAt               time.Time          `db:"created_at"`
	UpdatedAt               time.Time          `db:"updated_at"`
}

func newBookingRow(b *domain.Booking) (bookingRow, error) {
	row := bookingRow{
		ID:                      b.ID,
		CustomerID:              b.CustomerID,
		ProviderID:              b.ProviderID,
		Status:                  string(b.Status),
		ExpectedDurationMinutes: b.ExpectedDurationMinutes,
		BaseHourlyRate:          b.BaseHourlyRate,
		Currency:                b.Currency,
		PaymentPlan:             string(b.Payment.Kind()),
		HasBeenRated:            b.HasBeenRated,
		AcceptedAt:              b.AcceptedAt,
		CompletedAt:             b.CompletedAt,
		CancelledAt:             b.CancelledAt,
		CreatedAt:               b.CreatedAt,
		UpdatedAt:               b.UpdatedAt,
	}
	if b.Session != nil {
		row.SessionStart = b.Session.StartTime
		row.SessionEnd = b.Session.EndTime
	}

	var err error
	if w, ok := b.Wallet(); ok {
		row.PaymentMethodRef = w.PaymentMethodRef
		if row.Escrow, err = nullJSON(w.Escrow, w.Escrow == nil); err != nil {
			return bookingRow{}, fmt.Errorf("encode escrow: %w", err)
		}
	}
	if row.Billing, err = nullJSON(b.Billing, b.Billing == nil); err != nil {
		return bookingRow{}, fmt.Errorf("encode billing: %w", err)
	}
	if row.Rating, err = nullJSON(b.Rating, b.Rating == nil); err != nil {
		return bookingRow{}, fmt.Errorf("encode rating: %w", err)
	}
	return row, nil
}

func (r bookingRow) toDomain() (*domain.Booking, error) {
	plan, err := domain.NewPaymentPlan(domain.PaymentPlanKind(r.PaymentPlan), r.PaymentMethodRef)
	if err != nil {
		return nil, fmt.Errorf("decode payment plan of booking %s: %w", r.ID, err)
	}

	b := &domain.Booking{
		ID:                      r.ID,
		CustomerID:              r.CustomerID,
		ProviderID:              r.ProviderID,
		Status:                  domain.BookingStatus(r.Status),
		ExpectedDurationMinutes: r.ExpectedDurationMinutes,
		BaseHourlyRate:          r.BaseHourlyRate,
		Currency:                r.Currency,
		Payment:                 plan,
		HasBeenRated:            r.HasBeenRated,
		AcceptedAt:              r.AcceptedAt,
		CompletedAt:             r.CompletedAt,
		CancelledAt:             r.CancelledAt,
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
	}
	// The job session exists from acceptance onward.
	if r.AcceptedAt != nil {
		b.Session = &domain.JobSession{StartTime: r.SessionStart, EndTime: r.SessionEnd}
	}
	if w, ok := plan.(*domain.StagedWallet); ok && r.Escrow.Valid {
		w.Escrow = &domain.Escrow{}
		if err := r.Escrow.Unmarshal(w.Escrow); err != nil {
			return nil, fmt.Errorf("decode escrow of booking %s: %w", r.ID, err)
		}
	}
	if r.Billing.Valid {
		b.Billing = &domain.BillingBreakdown{}
		if err := r.Billing.Unmarshal(b.Billing); err != nil {
			return nil, fmt.Errorf("decode billing of booking %s: %w", r.ID, err)
		}
	}
	if r.Rating.Valid {
		b.Rating = &domain.Rating{}
		if err := r.Rating.Unmarshal(b.Rating); err != nil {
			return nil, fmt.Errorf("decode rating of booking %s: %w", r.ID, err)
		}
	}
	return b, nil
}

func nullJSON(v any, null bool) (types.NullJSONText, error) {
	if null {
		return types.NullJSONText{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return types.NullJSONText{}, err
	}
	return types.NullJSONText{JSONText: types.JSONText(raw), Valid: true}, nil
}

// BookingRepository handles booking data access operations.
type BookingRepository struct {
	db *sqlx.DB
}

// NewBookingRepository creates a new BookingRepository.
func NewBookingRepository(db *sqlx.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

// Create inserts a new booking.
func (r *BookingRepository) Create(ctx context.Context, b *domain.Booking) error {
	row, err := newBookingRow(b)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`)
		 VALUES (:id, :customer_id, :provider_id, :status, :expected_duration_minutes, :base_hourly_rate,
		         :currency, :payment_plan, :payment_method_ref, :escrow, :session_start, :session_end, :billing,
		         :has_been_rated, :rating, :accepted_at, :completed_at, :cancelled_at, :created_at, :updated_at)`,
		row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: booking %s exists", domain.ErrConflict, b.ID)
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// FindByID retrieves a booking by its ID.
func (r *BookingRepository) FindByID(ctx context.Context, id string) (*domain.Booking, error) {
	var row bookingRow
	err := r.db.GetContext(ctx, &row, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find booking by id %s: %w", id, err)
	}
	return row.toDomain()
}

// Update locks the booking row for the length of a transaction, applies fn
// and writes the result back. fn receives a context carrying the transaction,
// so challenge redemption inside it runs on the same connection. When fn
// fails the booking row is left as it was, but writes fn made through the
// transaction, such as a failed OTP attempt, are still committed.
func (r *BookingRepository) Update(ctx context.Context, id string, fn func(ctx context.Context, b *domain.Booking) error) (*domain.Booking, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row bookingRow
	err = tx.GetContext(ctx, &row, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("lock booking %s: %w", id, err)
	}
	b, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	if err := fn(withTx(ctx, tx), b); err != nil {
		if cerr := tx.Commit(); cerr != nil {
			return nil, fmt.Errorf("commit after failed update of booking %s: %w", id, cerr)
		}
		return nil, err
	}

	next, err := newBookingRow(b)
	if err != nil {
		return nil, err
	}
	_, err = tx.NamedExecContext(ctx,
		`UPDATE bookings SET
		   status = :status,
		   expected_duration_minutes = :expected_duration_minutes,
		   base_hourly_rate = :base_hourly_rate,
		   escrow = :escrow,
		   session_start = :session_start,
		   session_end = :session_end,
		   billing = :billing,
		   has_been_rated = :has_been_rated,
		   rating = :rating,
		   accepted_at = :accepted_at,
		   completed_at = :completed_at,
		   cancelled_at = :cancelled_at,
		   updated_at = :updated_at
		 WHERE id = :id`, next)
	if err != nil {
		return nil, fmt.Errorf("update booking %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit booking %s: %w", id, err)
	}
	return b, nil
}
