package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sumire/homeservices/internal/domain"
)

// ConnectMongo connects and pings the server.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

type billingDoc struct {
	ExpectedDurationMinutes int                  `bson:"expected_duration_minutes"`
	ActualDurationMinutes   int                  `bson:"actual_duration_minutes"`
	BaseChargeMinor         int64                `bson:"base_charge_minor"`
	OvertimeMinutes         int                  `bson:"overtime_minutes"`
	OvertimeRate            primitive.Decimal128 `bson:"overtime_rate"`
	OvertimeChargeMinor     int64                `bson:"overtime_charge_minor"`
	TotalChargeMinor        int64                `bson:"total_charge_minor"`
}

type escrowDoc struct {
	InitialAmount    int64      `bson:"initial_amount"`
	CompletionAmount int64      `bson:"completion_amount"`
	Stage            string     `bson:"stage"`
	ChargeID         string     `bson:"charge_id,omitempty"`
	PaidAt           *time.Time `bson:"paid_at,omitempty"`
}

type ratingDoc struct {
	Stars   int       `bson:"stars"`
	Comment string    `bson:"comment,omitempty"`
	RatedAt time.Time `bson:"rated_at"`
}

type bookingDoc struct {
	ID                      string               `bson:"_id"`
	CustomerID              string               `bson:"customer_id"`
	ProviderID              string               `bson:"provider_id"`
	Status                  string               `bson:"status"`
	ExpectedDurationMinutes int                  `bson:"expected_duration_minutes"`
	BaseHourlyRate          primitive.Decimal128 `bson:"base_hourly_rate"`
	Currency                string               `bson:"currency"`
	PaymentPlan             string               `bson:"payment_plan"`
	PaymentMethodRef        string               `bson:"payment_method_ref,omitempty"`
	Escrow                  *escrowDoc           `bson:"escrow,omitempty"`
	HasSession              bool                 `bson:"has_session"`
	SessionStart            *time.Time           `bson:"session_start,omitempty"`
	SessionEnd              *time.Time           `bson:"session_end,omitempty"`
	Billing                 *billingDoc          `bson:"billing,omitempty"`
	HasBeenRated            bool                 `bson:"has_been_rated"`
	Rating                  *ratingDoc           `bson:"rating,omitempty"`
	AcceptedAt              *time.Time           `bson:"accepted_at,omitempty"`
	CompletedAt             *time.Time           `bson:"completed_at,omitempty"`
	CancelledAt             *time.Time           `bson:"cancelled_at,omitempty"`
	CreatedAt               time.Time            `bson:"created_at"`
	UpdatedAt               time.Time            `bson:"updated_at"`
	LockToken               string               `bson:"lock_token,omitempty"`
	LockUntil               *time.Time           `bson:"lock_until,omitempty"`
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	return primitive.ParseDecimal128(d.String())
}

func fromDecimal128(d primitive.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(d.String())
}

func newBookingDoc(b *domain.Booking) (bookingDoc, error) {
	rate, err := toDecimal128(b.BaseHourlyRate)
	if err != nil {
		return bookingDoc{}, fmt.Errorf("encode base hourly rate: %w", err)
	}
	doc := bookingDoc{
		ID:                      b.ID,
		CustomerID:              b.CustomerID,
		ProviderID:              b.ProviderID,
		Status:                  string(b.Status),
		ExpectedDurationMinutes: b.ExpectedDurationMinutes,
		BaseHourlyRate:          rate,
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
		doc.HasSession = true
		doc.SessionStart = b.Session.StartTime
		doc.SessionEnd = b.Session.EndTime
	}
	if w, ok := b.Wallet(); ok {
		doc.PaymentMethodRef = w.PaymentMethodRef
		if e := w.Escrow; e != nil {
			doc.Escrow = &escrowDoc{
				InitialAmount:    e.InitialAmount,
				CompletionAmount: e.CompletionAmount,
				Stage:            string(e.Stage),
				ChargeID:         e.ChargeID,
				PaidAt:           e.PaidAt,
			}
		}
	}
	if bill := b.Billing; bill != nil {
		otRate, err := toDecimal128(bill.OvertimeRate)
		if err != nil {
			return bookingDoc{}, fmt.Errorf("encode overtime rate: %w", err)
		}
		doc.Billing = &billingDoc{
			ExpectedDurationMinutes: bill.ExpectedDurationMinutes,
			ActualDurationMinutes:   bill.ActualDurationMinutes,
			BaseChargeMinor:         bill.BaseChargeMinor,
			OvertimeMinutes:         bill.OvertimeMinutes,
			OvertimeRate:            otRate,
			OvertimeChargeMinor:     bill.OvertimeChargeMinor,
			TotalChargeMinor:        bill.TotalChargeMinor,
		}
	}
	if r := b.Rating; r != nil {
		doc.Rating = &ratingDoc{Stars: r.Stars, Comment: r.Comment, RatedAt: r.RatedAt}
	}
	return doc, nil
}

func (d bookingDoc) toDomain() (*domain.Booking, error) {
	plan, err := domain.NewPaymentPlan(domain.PaymentPlanKind(d.PaymentPlan), d.PaymentMethodRef)
	if err != nil {
		return nil, fmt.Errorf("decode payment plan of booking %s: %w", d.ID, err)
	}
	rate, err := fromDecimal128(d.BaseHourlyRate)
	if err != nil {
		return nil, fmt.Errorf("decode base hourly rate of booking %s: %w", d.ID, err)
	}

	b := &domain.Booking{
		ID:                      d.ID,
		CustomerID:              d.CustomerID,
		ProviderID:              d.ProviderID,
		Status:                  domain.BookingStatus(d.Status),
		ExpectedDurationMinutes: d.ExpectedDurationMinutes,
		BaseHourlyRate:          rate,
		Currency:                d.Currency,
		Payment:                 plan,
		HasBeenRated:            d.HasBeenRated,
		AcceptedAt:              d.AcceptedAt,
		CompletedAt:             d.CompletedAt,
		CancelledAt:             d.CancelledAt,
		CreatedAt:               d.CreatedAt,
		UpdatedAt:               d.UpdatedAt,
	}
	if d.HasSession {
		b.Session = &domain.JobSession{StartTime: d.SessionStart, EndTime: d.SessionEnd}
	}
	if w, ok := plan.(*domain.StagedWallet); ok && d.Escrow != nil {
		w.Escrow = &domain.Escrow{
			InitialAmount:    d.Escrow.InitialAmount,
			CompletionAmount: d.Escrow.CompletionAmount,
			Stage:            domain.EscrowStage(d.Escrow.Stage),
			ChargeID:         d.Escrow.ChargeID,
			PaidAt:           d.Escrow.PaidAt,
		}
	}
	if bill := d.Billing; bill != nil {
		otRate, err := fromDecimal128(bill.OvertimeRate)
		if err != nil {
			return nil, fmt.Errorf("decode overtime rate of booking %s: %w", d.ID, err)
		}
		b.Billing = &domain.BillingBreakdown{
			ExpectedDurationMinutes: bill.ExpectedDurationMinutes,
			ActualDurationMinutes:   bill.ActualDurationMinutes,
			BaseChargeMinor:         bill.BaseChargeMinor,
			OvertimeMinutes:         bill.OvertimeMinutes,
			OvertimeRate:            otRate,
			OvertimeChargeMinor:     bill.OvertimeChargeMinor,
			TotalChargeMinor:        bill.TotalChargeMinor,
		}
	}
	if r := d.Rating; r != nil {
		b.Rating = &domain.Rating{Stars: r.Stars, Comment: r.Comment, RatedAt: r.RatedAt}
	}
	return b, nil
}

// MongoBookingStore keeps bookings in a Mongo collection. Update takes a
// lease on the document so fn runs while no other writer holds it.
type MongoBookingStore struct {
	coll       *mongo.Collection
	lease      time.Duration
	retryEvery time.Duration
}

// NewMongoBookingStore creates a MongoBookingStore on the bookings collection.
func NewMongoBookingStore(db *mongo.Database) *MongoBookingStore {
	return &MongoBookingStore{
		coll:       db.Collection("bookings"),
		lease:      30 * time.Second,
		retryEvery: 20 * time.Millisecond,
	}
}

// Create inserts a new booking.
func (s *MongoBookingStore) Create(ctx context.Context, b *domain.Booking) error {
	doc, err := newBookingDoc(b)
	if err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: booking %s exists", domain.ErrConflict, b.ID)
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// FindByID retrieves a booking by its ID.
func (s *MongoBookingStore) FindByID(ctx context.Context, id string) (*domain.Booking, error) {
	var doc bookingDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find booking by id %s: %w", id, err)
	}
	return doc.toDomain()
}

// Update leases the booking, applies fn and replaces the document, which
// also drops the lease. The lease is released untouched when fn fails.
func (s *MongoBookingStore) Update(ctx context.Context, id string, fn func(ctx context.Context, b *domain.Booking) error) (*domain.Booking, error) {
	token := uuid.NewString()
	doc, err := s.acquire(ctx, id, token)
	if err != nil {
		return nil, err
	}
	owned := bson.M{"_id": id, "lock_token": token}

	b, err := doc.toDomain()
	if err == nil {
		err = fn(ctx, b)
	}
	if err != nil {
		s.release(ctx, owned)
		return nil, err
	}

	next, err := newBookingDoc(b)
	if err != nil {
		s.release(ctx, owned)
		return nil, err
	}
	res, err := s.coll.ReplaceOne(ctx, owned, next)
	if err != nil {
		s.release(ctx, owned)
		return nil, fmt.Errorf("replace booking %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return nil, fmt.Errorf("%w: lease on booking %s expired before write", domain.ErrConflict, id)
	}
	return b, nil
}

func (s *MongoBookingStore) acquire(ctx context.Context, id, token string) (bookingDoc, error) {
	for {
		now := time.Now()
		until := now.Add(s.lease)
		filter := bson.M{
			"_id": id,
			"$or": bson.A{
				bson.M{"lock_until": bson.M{"$exists": false}},
				bson.M{"lock_until": bson.M{"$lt": now}},
			},
		}
		update := bson.M{"$set": bson.M{"lock_token": token, "lock_until": until}}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

		var doc bookingDoc
		err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return bookingDoc{}, fmt.Errorf("lease booking %s: %w", id, err)
		}

		n, err := s.coll.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return bookingDoc{}, fmt.Errorf("count booking %s: %w", id, err)
		}
		if n == 0 {
			return bookingDoc{}, domain.ErrNotFound
		}

		select {
		case <-ctx.Done():
			return bookingDoc{}, ctx.Err()
		case <-time.After(s.retryEvery):
		}
	}
}

func (s *MongoBookingStore) release(ctx context.Context, owned bson.M) {
	_, _ = s.coll.UpdateOne(context.WithoutCancel(ctx), owned,
		bson.M{"$unset": bson.M{"lock_token": "", "lock_until": ""}})
}

type challengeDoc struct {
	ID        string    `bson:"_id"`
	BookingID string    `bson:"booking_id"`
	Purpose   string    `bson:"purpose"`
	CodeHash  string    `bson:"code_hash"`
	IssuedAt  time.Time `bson:"issued_at"`
	ExpiresAt time.Time `bson:"expires_at"`
	Consumed  bool      `bson:"consumed"`
	Attempts  int       `bson:"attempts"`
	Version   int64     `bson:"version"`
}

func challengeID(bookingID string, purpose domain.OTPPurpose) string {
	return bookingID + ":" + string(purpose)
}

// MongoChallengeStore keeps OTP challenges in a Mongo collection. Redeem is
// a compare-and-swap on the document version, retried on contention.
type MongoChallengeStore struct {
	coll *mongo.Collection
}

// NewMongoChallengeStore creates a MongoChallengeStore on the otp_challenges
// collection.
func NewMongoChallengeStore(db *mongo.Database) *MongoChallengeStore {
	return &MongoChallengeStore{coll: db.Collection("otp_challenges")}
}

// Put replaces the challenge for (booking, purpose) and bumps its version so
// an in-flight Redeem of the old code cannot write over it.
func (s *MongoChallengeStore) Put(ctx context.Context, c domain.OTPChallenge) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": challengeID(c.BookingID, c.Purpose)},
		bson.M{
			"$set": bson.M{
				"booking_id": c.BookingID,
				"purpose":    string(c.Purpose),
				"code_hash":  c.CodeHash,
				"issued_at":  c.IssuedAt,
				"expires_at": c.ExpiresAt,
				"consumed":   false,
				"attempts":   0,
			},
			"$inc": bson.M{"version": 1},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("put otp challenge %s/%s: %w", c.BookingID, c.Purpose, err)
	}
	return nil
}

// Redeem reads the challenge, runs fn and writes back its consumed flag and
// attempt count only if the version is unchanged. fn may run more than once.
func (s *MongoChallengeStore) Redeem(ctx context.Context, bookingID string, purpose domain.OTPPurpose, fn func(c *domain.OTPChallenge) error) error {
	id := challengeID(bookingID, purpose)
	for {
		var doc challengeDoc
		if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("find otp challenge %s: %w", id, err)
		}

		c := domain.OTPChallenge{
			BookingID: doc.BookingID,
			Purpose:   domain.OTPPurpose(doc.Purpose),
			CodeHash:  doc.CodeHash,
			IssuedAt:  doc.IssuedAt,
			ExpiresAt: doc.ExpiresAt,
			Consumed:  doc.Consumed,
			Attempts:  doc.Attempts,
		}
		fnErr := fn(&c)
		if c.Consumed == doc.Consumed && c.Attempts == doc.Attempts {
			return fnErr
		}

		res, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": id, "version": doc.Version},
			bson.M{
				"$set": bson.M{"consumed": c.Consumed, "attempts": c.Attempts},
				"$inc": bson.M{"version": 1},
			},
		)
		if err != nil {
			return fmt.Errorf("update otp challenge %s: %w", id, err)
		}
		if res.MatchedCount == 1 {
			return fnErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
