package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sumire/homeservices/internal/domain"
)

// ErrDeliveriesClosed is returned by Drain when the broker closes the
// delivery channel while the caller still wants messages.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Handler processes one decoded event. A returned error requeues the delivery.
type Handler func(ctx context.Context, ev domain.Event) error

// ConsumerConfig names the broker, the queue and the routing keys bound to it.
type ConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
	Bindings []string
	Prefetch int
	Tag      string
}

// Consumer drains a durable queue bound to the events exchange.
type Consumer struct {
	cfg  ConsumerConfig
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer returns an unconnected consumer. Prefetch defaults to 8.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	return &Consumer{cfg: cfg}
}

// Connect dials the broker and declares the exchange, the queue and its
// bindings.
func (c *Consumer) Connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	fail := func(format string, args ...any) error {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf(format, args...)
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fail("declare queue: %w", err)
	}
	for _, key := range c.cfg.Bindings {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return fail("bind %s: %w", key, err)
		}
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fail("set qos: %w", err)
	}

	c.conn = conn
	c.ch = ch
	return nil
}

// Run consumes until ctx is cancelled or the broker goes away. It returns nil
// only on cancellation.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	msgs, err := c.ch.ConsumeWithContext(ctx, c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	return Drain(ctx, msgs, h)
}

// Drain acks each delivery the handler accepts. Undecodable payloads are
// dropped; handler failures are requeued. It returns nil once ctx is done and
// ErrDeliveriesClosed if msgs closes first.
func Drain(ctx context.Context, msgs <-chan amqp.Delivery, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			var ev domain.Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				slog.Error("drop undecodable event", "routing_key", d.RoutingKey, "error", err)
				_ = d.Nack(false, false)
				continue
			}
			if err := h(ctx, ev); err != nil {
				slog.Error("handle event", "routing_key", d.RoutingKey, "event_id", ev.ID, "error", err)
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Close releases the channel and connection. The consumer can Connect again
// afterwards.
func (c *Consumer) Close() error {
	ch, conn := c.ch, c.conn
	c.ch, c.conn = nil, nil
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
