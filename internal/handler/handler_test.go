package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sumire/homeservices/internal/clock"
	"github.com/sumire/homeservices/internal/domain"
	"github.com/sumire/homeservices/internal/gateway"
	"github.com/sumire/homeservices/internal/repository"
	"github.com/sumire/homeservices/internal/service"
)

var (
	t0       = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	customer = domain.Actor{ID: "cust-1", Role: domain.RoleCustomer}
	provider = domain.Actor{ID: "prov-1", Role: domain.RoleProvider}
)

type testAPI struct {
	e      *echo.Echo
	clock  *clock.Manual
	auth   *service.AuthService
	stream *TimerStream
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	clk := clock.NewManual(t0)
	store := repository.NewMemoryBookingStore()

	gate := service.NewOTPGate(repository.NewMemoryChallengeStore(), clk, service.OTPConfig{HashCost: bcrypt.MinCost})
	escrow := service.NewEscrowCoordinator(store, gateway.NewSandbox(), nil, clk)
	bookings := service.NewBookingService(store, gate, escrow, nil, clk, service.BookingConfig{})
	ratings := service.NewRatingService(store, nil, clk)
	auth := service.NewAuthService(service.AuthConfig{JWTSecret: "test-secret"})

	stream := NewTimerStream(bookings, "")
	stream.interval = 10 * time.Millisecond

	e := NewEcho()
	e.Use(middleware.RequestID(), RequestLogger())
	Register(e, auth, NewBookingHandler(bookings, escrow, ratings), stream)
	return &testAPI{e: e, clock: clk, auth: auth, stream: stream}
}

func (a *testAPI) token(t *testing.T, actor domain.Actor) string {
	t.Helper()
	tok, err := a.auth.IssueToken(actor)
	require.NoError(t, err)
	return tok
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Meta  *Meta           `json:"meta"`
	Error *APIError       `json:"error"`
}

func (a *testAPI) do(t *testing.T, actor *domain.Actor, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if actor != nil {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+a.token(t, *actor))
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (a *testAPI) createBooking(t *testing.T, plan string) bookingView {
	t.Helper()
	status, env := a.do(t, &customer, http.MethodPost, "/api/v1/bookings", map[string]any{
		"provider_id":        provider.ID,
		"payment_plan":       plan,
		"payment_method_ref": "cust_test_123",
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	return decode[bookingView](t, env.Data)
}

func (a *testAPI) issueCode(t *testing.T, id, purpose string) string {
	t.Helper()
	status, env := a.do(t, &customer, http.MethodPost, "/api/v1/bookings/"+id+"/otp", map[string]string{"purpose": purpose})
	require.Equal(t, http.StatusCreated, status, env.Error)
	return decode[otpView](t, env.Data).Code
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	status, env := a.do(t, nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(env.Data))
	require.NotNil(t, env.Meta)
	assert.NotEmpty(t, env.Meta.RequestID)
}

func TestRequiresBearerToken(t *testing.T) {
	a := newTestAPI(t)
	status, env := a.do(t, nil, http.MethodGet, "/api/v1/bookings/b1", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", env.Error.Code)
}

func TestStagedBookingOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	b := a.createBooking(t, "staged-wallet")
	assert.Equal(t, domain.StatusPending, b.Status)
	assert.Equal(t, domain.PlanStagedWallet, b.Payment.Plan)
	path := "/api/v1/bookings/" + b.ID

	status, env := a.do(t, &provider, http.MethodPost, path+"/accept", map[string]any{
		"expected_duration_minutes": 60,
		"base_hourly_rate":          "200",
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	b = decode[bookingView](t, env.Data)
	require.NotNil(t, b.Payment.Escrow)
	assert.Equal(t, int64(50), b.Payment.Escrow.InitialAmount)

	code := a.issueCode(t, b.ID, "start")
	status, env = a.do(t, &provider, http.MethodPost, path+"/start", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, domain.StatusInProgress, decode[bookingView](t, env.Data).Status)

	a.clock.Advance(90 * time.Minute)

	status, env = a.do(t, &customer, http.MethodGet, path+"/timer", nil)
	require.Equal(t, http.StatusOK, status)
	reading := decode[domain.TimerReading](t, env.Data)
	assert.True(t, reading.Running)
	assert.True(t, reading.Overtime)
	assert.Equal(t, int64(30), reading.OvertimeMinutes)

	code = a.issueCode(t, b.ID, "end")
	status, env = a.do(t, &provider, http.MethodPost, path+"/complete", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, status, env.Error)
	b = decode[bookingView](t, env.Data)
	require.NotNil(t, b.Billing)
	assert.Equal(t, int64(200), b.Billing.BaseChargeMinor)
	assert.Equal(t, int64(150), b.Billing.OvertimeChargeMinor)
	assert.Equal(t, int64(350), b.Billing.TotalChargeMinor)
	assert.Equal(t, int64(300), b.Payment.Escrow.CompletionAmount)

	status, env = a.do(t, &customer, http.MethodPost, path+"/payments/completion", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	b = decode[bookingView](t, env.Data)
	assert.Equal(t, domain.EscrowStageCompleted, b.Payment.Escrow.Stage)
	assert.Equal(t, "chrg_sandbox_1", b.Payment.Escrow.ChargeID)

	status, env = a.do(t, &customer, http.MethodPost, path+"/payments/completion", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_paid", env.Error.Code)

	status, env = a.do(t, &customer, http.MethodGet, path+"/rating/eligibility", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decode[service.RatingEligibility](t, env.Data).CanRate)

	status, env = a.do(t, &customer, http.MethodPost, path+"/rating", map[string]any{"stars": 5, "comment": "on time"})
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.True(t, decode[bookingView](t, env.Data).HasBeenRated)

	status, env = a.do(t, &customer, http.MethodPost, path+"/rating", map[string]any{"stars": 4})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_rated", env.Error.Code)
}

func TestErrorMapping(t *testing.T) {
	a := newTestAPI(t)
	b := a.createBooking(t, "full-upfront")
	path := "/api/v1/bookings/" + b.ID

	status, env := a.do(t, &provider, http.MethodPost, path+"/complete", map[string]string{"code": "1234"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "invalid_transition", env.Error.Code)

	status, env = a.do(t, &customer, http.MethodPost, path+"/accept", map[string]any{
		"expected_duration_minutes": 60,
		"base_hourly_rate":          "200",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", env.Error.Code)

	status, env = a.do(t, &provider, http.MethodPost, path+"/accept", map[string]any{
		"expected_duration_minutes": 60,
		"base_hourly_rate":          "-5",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "validation_error", env.Error.Code)
	require.Len(t, env.Error.Details, 1)
	assert.Equal(t, "base_hourly_rate", env.Error.Details[0].Field)

	status, env = a.do(t, &provider, http.MethodPost, path+"/accept", map[string]any{
		"expected_duration_minutes": 60,
		"base_hourly_rate":          "200",
	})
	require.Equal(t, http.StatusOK, status, env.Error)

	a.issueCode(t, b.ID, "start")
	status, env = a.do(t, &provider, http.MethodPost, path+"/start", map[string]string{"code": "12a4"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "validation_error", env.Error.Code)

	status, env = a.do(t, &customer, http.MethodGet, "/api/v1/bookings/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", env.Error.Code)

	status, env = a.do(t, &customer, http.MethodPost, "/api/v1/bookings", map[string]any{
		"provider_id":  provider.ID,
		"payment_plan": "staged-wallet",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "payment_method_ref", env.Error.Details[0].Field)
}

func TestExpiredCodeOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	b := a.createBooking(t, "full-upfront")
	path := "/api/v1/bookings/" + b.ID

	status, env := a.do(t, &provider, http.MethodPost, path+"/accept", map[string]any{
		"expected_duration_minutes": 30,
		"base_hourly_rate":          "100.50",
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, "100.5", decode[bookingView](t, env.Data).BaseHourlyRate)

	code := a.issueCode(t, b.ID, "start")
	a.clock.Advance(6 * time.Minute)

	status, env = a.do(t, &provider, http.MethodPost, path+"/start", map[string]string{"code": code})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "otp_expired", env.Error.Code)

	status, env = a.do(t, &customer, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.StatusAccepted, decode[bookingView](t, env.Data).Status)
}

func TestMapErrorClasses(t *testing.T) {
	status, apiErr := mapError(domain.ErrPaymentGateway)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "payment_gateway_error", apiErr.Code)

	status, apiErr = mapError(domain.ErrInvariantViolation)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "invariant_violation", apiErr.Code)

	status, apiErr = mapError(domain.ErrOTPAlreadyConsumed)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "otp_already_consumed", apiErr.Code)

	status, _ = mapError(echo.ErrMethodNotAllowed)
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	status, apiErr = mapError(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", apiErr.Code)
}

func TestValidatorTags(t *testing.T) {
	v := NewAppValidator()
	assert.NoError(t, v.Validate(codeRequest{Code: "0042"}))
	for _, bad := range []string{"42", "00042", "００４２", "abcd"} {
		assert.Error(t, v.Validate(codeRequest{Code: bad}), bad)
	}
	assert.NoError(t, v.Validate(acceptRequest{ExpectedDurationMinutes: 30, BaseHourlyRate: "0.01"}))
	assert.Error(t, v.Validate(acceptRequest{ExpectedDurationMinutes: 30, BaseHourlyRate: "0"}))
	assert.Error(t, v.Validate(acceptRequest{ExpectedDurationMinutes: 30, BaseHourlyRate: "ten"}))
}

func TestBearerTokenParsing(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings/b1", nil)
	req.Header.Set(echo.HeaderAuthorization, "Token "+a.token(t, customer))
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"unauthorized"`))
}
