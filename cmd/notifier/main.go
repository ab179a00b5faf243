package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sumire/homeservices/internal/config"
	"github.com/sumire/homeservices/internal/events"
	"github.com/sumire/homeservices/internal/notifier"
	"github.com/sumire/homeservices/internal/obs"
)

func main() {
	if err := run(); err != nil {
		slog.Error("notifier error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadNotifier()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.LogFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	var n notifier.Notifier = notifier.NewConsole()
	if cfg.TelegramBotToken != "" {
		tg, err := notifier.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			return err
		}
		n = tg
	}

	cons := events.NewConsumer(events.ConsumerConfig{
		URL:      cfg.RabbitURL,
		Exchange: cfg.EventsExchange,
		Queue:    cfg.Queue,
		Bindings: cfg.Bindings,
		Prefetch: cfg.Prefetch,
		Tag:      cfg.ServiceName,
	})
	h := notifier.Handler(n)
	for {
		if !connect(ctx, cons) {
			break
		}
		slog.Info("notifier started", "queue", cfg.Queue, "exchange", cfg.EventsExchange, "bindings", cfg.Bindings)
		err := cons.Run(ctx, h)
		_ = cons.Close()
		if err == nil || ctx.Err() != nil {
			break
		}
		if !errors.Is(err, events.ErrDeliveriesClosed) && !errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("consume: %w", err)
		}
		slog.Warn("broker closed the delivery channel, reconnecting", "error", err)
	}
	slog.Info("notifier stopped")
	return nil
}

// connect retries until the broker accepts the consumer. It reports false
// when ctx ends first.
func connect(ctx context.Context, cons *events.Consumer) bool {
	for {
		err := cons.Connect()
		if err == nil {
			return true
		}
		slog.Warn("rabbitmq connect failed, retrying", "error", err, "retry_in", "2s")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(2 * time.Second):
		}
	}
}
