package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/sumire/homeservices/internal/domain"
	"github.com/sumire/homeservices/internal/service"
)

// BookingHandler exposes the booking lifecycle over HTTP.
type BookingHandler struct {
	bookings *service.BookingService
	escrow   *service.EscrowCoordinator
	ratings  *service.RatingService
}

// NewBookingHandler creates a new BookingHandler.
func NewBookingHandler(bookings *service.BookingService, escrow *service.EscrowCoordinator, ratings *service.RatingService) *BookingHandler {
	return &BookingHandler{bookings: bookings, escrow: escrow, ratings: ratings}
}

type createBookingRequest struct {
	ProviderID       string `json:"provider_id" validate:"required,max=64"`
	PaymentPlan      string `json:"payment_plan" validate:"required,oneof=full-upfront staged-wallet"`
	PaymentMethodRef string `json:"payment_method_ref" validate:"required_if=PaymentPlan staged-wallet,max=128"`
	Currency         string `json:"currency" validate:"omitempty,len=3,alpha"`
}

type acceptRequest struct {
	ExpectedDurationMinutes int    `json:"expected_duration_minutes" validate:"required,gt=0,lte=1440"`
	BaseHourlyRate          string `json:"base_hourly_rate" validate:"required,money"`
}

type issueOTPRequest struct {
	Purpose string `json:"purpose" validate:"required,oneof=start end"`
}

type codeRequest struct {
	Code string `json:"code" validate:"required,otp"`
}

type rateRequest struct {
	Stars   int    `json:"stars" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=1000"`
}

// bind decodes and validates the request body.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return err
	}
	return c.Validate(req)
}

func actorOf(c echo.Context) (domain.Actor, error) {
	actor, ok := GetActor(c)
	if !ok {
		return domain.Actor{}, domain.ErrUnauthorized
	}
	return actor, nil
}

// Create handles POST /bookings.
func (h *BookingHandler) Create(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req createBookingRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	b, err := h.bookings.Create(c.Request().Context(), actor, service.CreateBookingInput{
		ProviderID:       req.ProviderID,
		PaymentPlan:      domain.PaymentPlanKind(req.PaymentPlan),
		PaymentMethodRef: req.PaymentMethodRef,
		Currency:         req.Currency,
	})
	if err != nil {
		return err
	}
	return JSON(c, http.StatusCreated, newBookingView(b))
}

// Get handles GET /bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	b, err := h.bookings.Get(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, newBookingView(b))
}

// Accept handles POST /bookings/:id/accept.
func (h *BookingHandler) Accept(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req acceptRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	rate, err := decimal.NewFromString(req.BaseHourlyRate)
	if err != nil {
		return &domain.ValidationError{Field: "base_hourly_rate", Message: "must be a decimal number"}
	}

	b, err := h.bookings.Accept(c.Request().Context(), actor, c.Param("id"), service.AcceptInput{
		ExpectedDurationMinutes: req.ExpectedDurationMinutes,
		BaseHourlyRate:          rate,
	})
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, newBookingView(b))
}

// Reject handles POST /bookings/:id/reject.
func (h *BookingHandler) Reject(c echo.Context) error {
	return h.transition(c, h.bookings.Reject)
}

// Cancel handles POST /bookings/:id/cancel.
func (h *BookingHandler) Cancel(c echo.Context) error {
	return h.transition(c, h.bookings.Cancel)
}

// PayCompletion handles POST /bookings/:id/payments/completion.
func (h *BookingHandler) PayCompletion(c echo.Context) error {
	return h.transition(c, h.escrow.PayCompletion)
}

func (h *BookingHandler) transition(c echo.Context, op func(ctx context.Context, actor domain.Actor, id string) (*domain.Booking, error)) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	b, err := op(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, newBookingView(b))
}

// IssueOTP handles POST /bookings/:id/otp. The code goes back to the
// customer, who reads it out to the provider on site.
func (h *BookingHandler) IssueOTP(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req issueOTPRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	ch, code, err := h.bookings.IssueOTP(c.Request().Context(), actor, c.Param("id"), domain.OTPPurpose(req.Purpose))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusCreated, otpView{
		BookingID: ch.BookingID,
		Purpose:   ch.Purpose,
		Code:      code,
		IssuedAt:  ch.IssuedAt,
		ExpiresAt: ch.ExpiresAt,
	})
}

// Start handles POST /bookings/:id/start.
func (h *BookingHandler) Start(c echo.Context) error {
	return h.withCode(c, h.bookings.Start)
}

// Complete handles POST /bookings/:id/complete.
func (h *BookingHandler) Complete(c echo.Context) error {
	return h.withCode(c, h.bookings.Complete)
}

func (h *BookingHandler) withCode(c echo.Context, op func(ctx context.Context, actor domain.Actor, id, code string) (*domain.Booking, error)) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req codeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	b, err := op(c.Request().Context(), actor, c.Param("id"), req.Code)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, newBookingView(b))
}

// Timer handles GET /bookings/:id/timer.
func (h *BookingHandler) Timer(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	r, err := h.bookings.Timer(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, r)
}

// RatingEligibility handles GET /bookings/:id/rating/eligibility.
func (h *BookingHandler) RatingEligibility(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	el, err := h.ratings.Eligibility(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, el)
}

// Rate handles POST /bookings/:id/rating.
func (h *BookingHandler) Rate(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req rateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	b, err := h.ratings.Rate(c.Request().Context(), actor, c.Param("id"), service.RateInput{
		Stars:   req.Stars,
		Comment: req.Comment,
	})
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, newBookingView(b))
}
