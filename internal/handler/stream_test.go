package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire/homeservices/internal/domain"
)

func (a *testAPI) startedBooking(t *testing.T) string {
	t.Helper()
	b := a.createBooking(t, "full-upfront")
	path := "/api/v1/bookings/" + b.ID
	status, env := a.do(t, &provider, http.MethodPost, path+"/accept", map[string]any{
		"expected_duration_minutes": 60,
		"base_hourly_rate":          "200",
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	code := a.issueCode(t, b.ID, "start")
	status, env = a.do(t, &provider, http.MethodPost, path+"/start", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, status, env.Error)
	return b.ID
}

func (a *testAPI) dial(t *testing.T, srv *httptest.Server, id, query string, actor domain.Actor) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/bookings/" + id + "/timer/stream" + query
	header := http.Header{}
	if query == "" {
		header.Set("Authorization", "Bearer "+a.token(t, actor))
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func TestTimerStreamTicks(t *testing.T) {
	a := newTestAPI(t)
	id := a.startedBooking(t)
	a.clock.Advance(61 * time.Minute)

	srv := httptest.NewServer(a.e)
	defer srv.Close()

	conn, _, err := a.dial(t, srv, id, "", customer)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		var r domain.TimerReading
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&r))
		assert.Equal(t, id, r.BookingID)
		assert.True(t, r.Running)
		assert.True(t, r.Overtime)
		assert.Equal(t, int64(61*60), r.ElapsedSeconds)
	}
}

func TestTimerStreamClosesWhenFinished(t *testing.T) {
	a := newTestAPI(t)
	b := a.createBooking(t, "full-upfront")
	status, _ := a.do(t, &customer, http.MethodPost, "/api/v1/bookings/"+b.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)

	srv := httptest.NewServer(a.e)
	defer srv.Close()

	conn, _, err := a.dial(t, srv, b.ID, "?access_token="+a.token(t, provider), provider)
	require.NoError(t, err)
	defer conn.Close()

	var r domain.TimerReading
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&r))
	assert.Equal(t, domain.StatusCancelled, r.Status)
	assert.False(t, r.Running)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
}

func TestTimerStreamRejectsStrangers(t *testing.T) {
	a := newTestAPI(t)
	id := a.startedBooking(t)

	srv := httptest.NewServer(a.e)
	defer srv.Close()

	_, resp, err := a.dial(t, srv, id, "", domain.Actor{ID: "prov-2", Role: domain.RoleProvider})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
