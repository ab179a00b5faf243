package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/sumire/homeservices/internal/domain"
)

func toBSON(t *testing.T, v any) bson.D {
	t.Helper()
	raw, err := bson.Marshal(v)
	require.NoError(t, err)
	var d bson.D
	require.NoError(t, bson.Unmarshal(raw, &d))
	return d
}

func completedStaged(t *testing.T) *domain.Booking {
	t.Helper()
	b := newPending("b1")
	require.NoError(t, b.Accept(t0, 60, decimal.NewFromInt(200)))
	paid := t0.Add(95 * time.Minute)
	w, _ := b.Wallet()
	w.Escrow = &domain.Escrow{
		InitialAmount:    50,
		CompletionAmount: 300,
		Stage:            domain.EscrowStageCompleted,
		ChargeID:         "chrg_test_1",
		PaidAt:           &paid,
	}
	require.NoError(t, b.MarkStarted(t0.Add(time.Minute)))
	require.NoError(t, b.MarkCompleted(t0.Add(91*time.Minute)))
	require.NoError(t, b.ApplyRating(domain.Rating{Stars: 4, Comment: "tidy work", RatedAt: t0.Add(2 * time.Hour)}))
	return b
}

// roundTrip encodes b the way the store writes it and decodes it back.
func roundTrip(t *testing.T, b *domain.Booking) *domain.Booking {
	t.Helper()
	doc, err := newBookingDoc(b)
	require.NoError(t, err)
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	var decoded bookingDoc
	require.NoError(t, bson.Unmarshal(raw, &decoded))
	got, err := decoded.toDomain()
	require.NoError(t, err)
	return got
}

func TestBookingDocRoundTrip(t *testing.T) {
	t.Run("staged wallet with billing and rating", func(t *testing.T) {
		b := completedStaged(t)
		got := roundTrip(t, b)

		assert.True(t, b.BaseHourlyRate.Equal(got.BaseHourlyRate))
		require.NotNil(t, got.Billing)
		assert.True(t, b.Billing.OvertimeRate.Equal(got.Billing.OvertimeRate))

		// Decimals compare by value above; align representations for the rest.
		got.BaseHourlyRate = b.BaseHourlyRate
		got.Billing.OvertimeRate = b.Billing.OvertimeRate
		assert.Equal(t, b, got)
	})

	t.Run("full upfront cancelled", func(t *testing.T) {
		b := newPending("b2")
		b.Payment = domain.FullUpfront{}
		require.NoError(t, b.Cancel(t0.Add(time.Minute)))

		got := roundTrip(t, b)
		_, staged := got.Wallet()
		assert.False(t, staged)
		assert.Equal(t, domain.PlanFullUpfront, got.Payment.Kind())
		assert.Nil(t, got.Session)
		assert.Nil(t, got.Billing)
		assert.Nil(t, got.Rating)

		got.BaseHourlyRate = b.BaseHourlyRate
		assert.Equal(t, b, got)
	})

	t.Run("unknown plan", func(t *testing.T) {
		doc, err := newBookingDoc(newPending("b3"))
		require.NoError(t, err)
		doc.PaymentPlan = "barter"
		_, err = doc.toDomain()
		require.Error(t, err)
	})
}

func commandNames(mt *mtest.T) []string {
	var names []string
	for _, ev := range mt.GetAllStartedEvents() {
		names = append(names, ev.CommandName)
	}
	return names
}

func TestMongoBookingStoreUpdate(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	leased := func(t *testing.T, b *domain.Booking) bson.D {
		doc, err := newBookingDoc(b)
		require.NoError(t, err)
		until := time.Now().Add(time.Minute)
		doc.LockToken = "held"
		doc.LockUntil = &until
		return bson.D{{Key: "ok", Value: 1}, {Key: "value", Value: toBSON(t, doc)}}
	}
	noLease := bson.D{{Key: "ok", Value: 1}, {Key: "value", Value: nil}}

	mt.Run("waits for a held lease", func(mt *mtest.T) {
		s := NewMongoBookingStore(mt.DB)
		s.retryEvery = time.Millisecond
		ns := mt.DB.Name() + ".bookings"

		b := newPending("b1")
		require.NoError(mt, b.Accept(t0, 60, decimal.NewFromInt(200)))
		mt.AddMockResponses(
			noLease,
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{{Key: "n", Value: int32(1)}}),
			leased(mt.T, b),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
		)

		started := t0.Add(time.Hour)
		got, err := s.Update(context.Background(), "b1", func(_ context.Context, b *domain.Booking) error {
			return b.MarkStarted(started)
		})
		require.NoError(mt, err)
		assert.Equal(mt, domain.StatusInProgress, got.Status)
		assert.Equal(mt, started, *got.Session.StartTime)
		assert.Equal(mt, []string{"findAndModify", "aggregate", "findAndModify", "update"}, commandNames(mt))
	})

	mt.Run("missing booking", func(mt *mtest.T) {
		s := NewMongoBookingStore(mt.DB)
		ns := mt.DB.Name() + ".bookings"
		mt.AddMockResponses(
			noLease,
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch),
		)

		called := false
		_, err := s.Update(context.Background(), "nope", func(context.Context, *domain.Booking) error {
			called = true
			return nil
		})
		require.ErrorIs(mt, err, domain.ErrNotFound)
		assert.False(mt, called)
	})

	mt.Run("failed fn releases the lease", func(mt *mtest.T) {
		s := NewMongoBookingStore(mt.DB)
		mt.AddMockResponses(
			leased(mt.T, newPending("b1")),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
		)

		_, err := s.Update(context.Background(), "b1", func(_ context.Context, b *domain.Booking) error {
			return b.MarkStarted(t0)
		})
		require.ErrorIs(mt, err, domain.ErrInvalidTransition)

		events := mt.GetAllStartedEvents()
		require.Len(mt, events, 2)
		assert.Equal(mt, "findAndModify", events[0].CommandName)
		assert.Equal(mt, "update", events[1].CommandName)
	})

	mt.Run("lease lost before the write", func(mt *mtest.T) {
		s := NewMongoBookingStore(mt.DB)
		b := newPending("b1")
		require.NoError(mt, b.Accept(t0, 60, decimal.NewFromInt(200)))
		mt.AddMockResponses(
			leased(mt.T, b),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
		)

		_, err := s.Update(context.Background(), "b1", func(_ context.Context, b *domain.Booking) error {
			return b.MarkStarted(t0.Add(time.Hour))
		})
		require.ErrorIs(mt, err, domain.ErrConflict)
		assert.Equal(mt, []string{"findAndModify", "update"}, commandNames(mt))
	})
}

func TestMongoChallengeStoreRedeem(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	challenge := func(t *testing.T, attempts int, consumed bool, version int64) bson.D {
		return toBSON(t, challengeDoc{
			ID:        challengeID("b1", domain.OTPPurposeStart),
			BookingID: "b1",
			Purpose:   string(domain.OTPPurposeStart),
			CodeHash:  "hash",
			IssuedAt:  t0,
			ExpiresAt: t0.Add(5 * time.Minute),
			Consumed:  consumed,
			Attempts:  attempts,
			Version:   version,
		})
	}

	mt.Run("retries on version conflict", func(mt *mtest.T) {
		s := NewMongoChallengeStore(mt.DB)
		ns := mt.DB.Name() + ".otp_challenges"
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, challenge(mt.T, 0, false, 1)),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, challenge(mt.T, 1, false, 2)),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
		)

		wrong := errors.New("wrong code")
		var seen []int
		err := s.Redeem(context.Background(), "b1", domain.OTPPurposeStart, func(c *domain.OTPChallenge) error {
			seen = append(seen, c.Attempts)
			c.Attempts++
			return wrong
		})
		require.ErrorIs(mt, err, wrong)
		assert.Equal(mt, []int{0, 1}, seen, "the retry sees the competing attempt")
		assert.Equal(mt, []string{"find", "update", "find", "update"}, commandNames(mt))
	})

	mt.Run("unchanged challenge is not written", func(mt *mtest.T) {
		s := NewMongoChallengeStore(mt.DB)
		ns := mt.DB.Name() + ".otp_challenges"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, challenge(mt.T, 0, true, 3)))

		err := s.Redeem(context.Background(), "b1", domain.OTPPurposeStart, func(c *domain.OTPChallenge) error {
			if c.Consumed {
				return domain.ErrOTPAlreadyConsumed
			}
			return nil
		})
		require.ErrorIs(mt, err, domain.ErrOTPAlreadyConsumed)
		assert.Equal(mt, []string{"find"}, commandNames(mt))
	})

	mt.Run("missing challenge", func(mt *mtest.T) {
		s := NewMongoChallengeStore(mt.DB)
		ns := mt.DB.Name() + ".otp_challenges"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		err := s.Redeem(context.Background(), "b1", domain.OTPPurposeStart, func(*domain.OTPChallenge) error { return nil })
		require.ErrorIs(mt, err, domain.ErrNotFound)
	})
}
