package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/sumire/homeservices/internal/domain"
)

const writeWait = 5 * time.Second

// TimerStream pushes one timer reading per tick over a WebSocket until the
// job can no longer change or the client goes away.
type TimerStream struct {
	bookings timerReader
	upgrader websocket.Upgrader
	interval time.Duration
}

type timerReader interface {
	Timer(ctx context.Context, actor domain.Actor, id string) (domain.TimerReading, error)
}

// NewTimerStream creates a stream that ticks every second. allowedOrigin
// restricts browser handshakes; empty allows any origin.
func NewTimerStream(bookings timerReader, allowedOrigin string) *TimerStream {
	return &TimerStream{
		bookings: bookings,
		interval: time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || origin == "" || origin == allowedOrigin
			},
		},
	}
}

// Serve handles GET /bookings/:id/timer/stream.
func (s *TimerStream) Serve(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id := c.Param("id")

	// Authorize and fail over plain HTTP before upgrading.
	first, err := s.bookings.Timer(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "booking_id", id, "error", err)
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Drain client frames so close and pong control messages are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	reading := first
	for {
		if err := s.write(conn, reading); err != nil {
			slog.Debug("timer stream closed", "booking_id", id, "error", err)
			return nil
		}
		if finished(reading) {
			s.close(conn, "job finished")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		reading, err = s.bookings.Timer(ctx, actor, id)
		if err != nil {
			slog.Error("read timer", "booking_id", id, "error", err)
			s.close(conn, "timer unavailable")
			return nil
		}
	}
}

func (s *TimerStream) write(conn *websocket.Conn, r domain.TimerReading) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(r)
}

func (s *TimerStream) close(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// finished reports whether later readings can no longer differ.
func finished(r domain.TimerReading) bool {
	return !r.Running && r.Status.Terminal()
}
