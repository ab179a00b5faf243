package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sumire/homeservices/internal/clock"
	"github.com/sumire/homeservices/internal/domain"
	"github.com/sumire/homeservices/internal/repository"
)

var (
	t0       = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	customer = domain.Actor{ID: "cust-1", Role: domain.RoleCustomer}
	provider = domain.Actor{ID: "prov-1", Role: domain.RoleProvider}
	stranger = domain.Actor{ID: "prov-2", Role: domain.RoleProvider}
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []domain.ChargeRequest
	err   error
}

func (g *fakeGateway) Charge(_ context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, req)
	if g.err != nil {
		return nil, g.err
	}
	return &domain.ChargeResult{
		ChargeID: fmt.Sprintf("chrg_test_%d", len(g.calls)),
		Amount:   req.Amount,
		Currency: req.Currency,
	}, nil
}

func (g *fakeGateway) Calls() []domain.ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.ChargeRequest(nil), g.calls...)
}

func (g *fakeGateway) SetErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func (p *recordingPublisher) Last(typ domain.EventType) (domain.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == typ {
			return p.events[i], true
		}
	}
	return domain.Event{}, false
}

type harness struct {
	clock      *clock.Manual
	store      *repository.MemoryBookingStore
	challenges *repository.MemoryChallengeStore
	gateway    *fakeGateway
	publisher  *recordingPublisher
	otp        *OTPGate
	escrow     *EscrowCoordinator
	bookings   *BookingService
	ratings    *RatingService

	mu    sync.Mutex
	codes []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:      clock.NewManual(t0),
		store:      repository.NewMemoryBookingStore(),
		challenges: repository.NewMemoryChallengeStore(),
		gateway:    &fakeGateway{},
		publisher:  &recordingPublisher{},
	}
	h.otp = NewOTPGate(h.challenges, h.clock, OTPConfig{TTL: 5 * time.Minute, MaxAttempts: 3, HashCost: bcrypt.MinCost})
	h.otp.generate = h.nextCode
	h.escrow = NewEscrowCoordinator(h.store, h.gateway, h.publisher, h.clock)
	h.bookings = NewBookingService(h.store, h.otp, h.escrow, h.publisher, h.clock, BookingConfig{DefaultCurrency: "THB"})
	h.ratings = NewRatingService(h.store, h.publisher, h.clock)
	return h
}

// queueCodes makes the next issued OTPs deterministic.
func (h *harness) queueCodes(codes ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.codes = append(h.codes, codes...)
}

func (h *harness) nextCode() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.codes) == 0 {
		return randomCode()
	}
	c := h.codes[0]
	h.codes = h.codes[1:]
	return c, nil
}

func (h *harness) create(t *testing.T, plan domain.PaymentPlanKind) *domain.Booking {
	t.Helper()
	ref := ""
	if plan == domain.PlanStagedWallet {
		ref = "cust_test_123"
	}
	b, err := h.bookings.Create(context.Background(), customer, CreateBookingInput{
		ProviderID:       provider.ID,
		PaymentPlan:      plan,
		PaymentMethodRef: ref,
	})
	require.NoError(t, err)
	return b
}

func (h *harness) accepted(t *testing.T, plan domain.PaymentPlanKind) *domain.Booking {
	t.Helper()
	b := h.create(t, plan)
	b, err := h.bookings.Accept(context.Background(), provider, b.ID, AcceptInput{
		ExpectedDurationMinutes: 60,
		BaseHourlyRate:          decimal.NewFromInt(200),
	})
	require.NoError(t, err)
	return b
}

func (h *harness) started(t *testing.T, plan domain.PaymentPlanKind) *domain.Booking {
	t.Helper()
	ctx := context.Background()
	b := h.accepted(t, plan)
	_, code, err := h.bookings.IssueOTP(ctx, customer, b.ID, domain.OTPPurposeStart)
	require.NoError(t, err)
	b, err = h.bookings.Start(ctx, provider, b.ID, code)
	require.NoError(t, err)
	return b
}

func (h *harness) completedAfter(t *testing.T, plan domain.PaymentPlanKind, worked time.Duration) *domain.Booking {
	t.Helper()
	ctx := context.Background()
	b := h.started(t, plan)
	h.clock.Advance(worked)
	_, code, err := h.bookings.IssueOTP(ctx, customer, b.ID, domain.OTPPurposeEnd)
	require.NoError(t, err)
	b, err = h.bookings.Complete(ctx, provider, b.ID, code)
	require.NoError(t, err)
	return b
}
