package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"

	"github.com/sumire/homeservices/internal/domain"
)

// Omise charges saved customers and cards through the Omise REST API.
type Omise struct {
	publicKey string
	secretKey string
	// apiURL overrides the API endpoint; empty means production.
	apiURL string
}

// NewOmise validates the key pair up front so misconfiguration fails at boot.
func NewOmise(publicKey, secretKey string) (*Omise, error) {
	if _, err := omise.NewClient(publicKey, secretKey); err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	return &Omise{publicKey: publicKey, secretKey: secretKey}, nil
}

// client builds a fresh client per charge. omise.Client stores the request
// context and headers on itself, so sharing one across goroutines would race.
func (o *Omise) client(ctx context.Context, headers map[string]string) (*omise.Client, error) {
	c, err := omise.NewClient(o.publicKey, o.secretKey)
	if err != nil {
		return nil, err
	}
	if o.apiURL != "" {
		c.Endpoints["https://api.omise.co"] = o.apiURL
	}
	c.WithContext(ctx)
	c.WithCustomHeaders(headers)
	return c, nil
}

// Charge creates an Omise charge against the customer or card token, keyed
// by the request's idempotency key.
func (o *Omise) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	if req.Amount <= 0 {
		return nil, errors.New("charge amount must be positive")
	}

	c, err := o.client(ctx, map[string]string{"Idempotency-Key": req.IdempotencyKey})
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}

	op := &operations.CreateCharge{
		Amount:      req.Amount,
		Currency:    strings.ToLower(req.Currency),
		Description: req.Description,
		Metadata: map[string]interface{}{
			"booking_id":      req.BookingID,
			"idempotency_key": req.IdempotencyKey,
		},
	}
	if strings.HasPrefix(req.PaymentMethodRef, "cust_") {
		op.Customer = req.PaymentMethodRef
	} else {
		op.Card = req.PaymentMethodRef
	}

	charge := &omise.Charge{}
	if err := c.Do(charge, op); err != nil {
		return nil, fmt.Errorf("create charge: %w", err)
	}
	if charge.Status != omise.ChargeSuccessful {
		return nil, fmt.Errorf("charge %s %s: %s", charge.ID, charge.Status, failureReason(charge))
	}

	return &domain.ChargeResult{
		ChargeID: charge.ID,
		Amount:   charge.Amount,
		Currency: charge.Currency,
	}, nil
}

func failureReason(c *omise.Charge) string {
	var parts []string
	if c.FailureCode != nil {
		parts = append(parts, *c.FailureCode)
	}
	if c.FailureMessage != nil {
		parts = append(parts, *c.FailureMessage)
	}
	if len(parts) == 0 {
		return "no failure reason"
	}
	return strings.Join(parts, ": ")
}
