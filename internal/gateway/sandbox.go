package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/sumire/homeservices/internal/domain"
)

// Sandbox accepts every charge without moving money. Used for local runs.
type Sandbox struct {
	seq atomic.Int64
}

// NewSandbox returns a gateway that approves every charge.
func NewSandbox() *Sandbox {
	return &Sandbox{}
}

// Charge logs the request and returns a sequential fake charge ID.
func (s *Sandbox) Charge(_ context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	id := fmt.Sprintf("chrg_sandbox_%d", s.seq.Add(1))
	slog.Info("sandbox charge",
		"charge_id", id,
		"booking_id", req.BookingID,
		"amount", req.Amount,
		"currency", req.Currency,
		"idempotency_key", req.IdempotencyKey,
	)
	return &domain.ChargeResult{
		ChargeID: id,
		Amount:   req.Amount,
		Currency: strings.ToLower(req.Currency),
	}, nil
}
