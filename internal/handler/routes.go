package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/homeservices/internal/service"
)

// Register mounts the health check and the booking API on e.
func Register(e *echo.Echo, auth *service.AuthService, bookings *BookingHandler, stream *TimerStream) {
	e.GET("/health", func(c echo.Context) error {
		return JSON(c, http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api/v1", JWTAuth(auth))

	b := api.Group("/bookings")
	b.POST("", bookings.Create)
	b.GET("/:id", bookings.Get)
	b.POST("/:id/accept", bookings.Accept)
	b.POST("/:id/reject", bookings.Reject)
	b.POST("/:id/cancel", bookings.Cancel)
	b.POST("/:id/otp", bookings.IssueOTP)
	b.POST("/:id/start", bookings.Start)
	b.POST("/:id/complete", bookings.Complete)
	b.GET("/:id/timer", bookings.Timer)
	b.GET("/:id/timer/stream", stream.Serve)
	b.POST("/:id/payments/completion", bookings.PayCompletion)
	b.GET("/:id/rating/eligibility", bookings.RatingEligibility)
	b.POST("/:id/rating", bookings.Rate)
}

// NewEcho returns an echo instance with the API's validator and error handler.
func NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewAppValidator()
	e.HTTPErrorHandler = HTTPErrorHandler
	return e
}
