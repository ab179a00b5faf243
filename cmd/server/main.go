package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4/middleware"

	"github.com/sumire/homeservices/internal/clock"
	"github.com/sumire/homeservices/internal/config"
	"github.com/sumire/homeservices/internal/events"
	"github.com/sumire/homeservices/internal/gateway"
	"github.com/sumire/homeservices/internal/handler"
	"github.com/sumire/homeservices/internal/obs"
	"github.com/sumire/homeservices/internal/repository"
	"github.com/sumire/homeservices/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			slog.Error("tracer shutdown", "error", err)
		}
	}()

	bookingStore, challengeStore, closeStore, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	clk := clock.System{}
	otpGate := service.NewOTPGate(challengeStore, clk, service.OTPConfig{
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPMaxAttempts,
		HashCost:    cfg.OTPHashCost,
	})
	escrow := service.NewEscrowCoordinator(bookingStore, gw, publisher, clk)
	bookingSvc := service.NewBookingService(bookingStore, otpGate, escrow, publisher, clk, service.BookingConfig{
		DefaultCurrency: cfg.DefaultCurrency,
	})
	ratingSvc := service.NewRatingService(bookingStore, publisher, clk)
	authSvc := service.NewAuthService(service.AuthConfig{JWTSecret: cfg.JWTSecret})

	e := handler.NewEcho()
	e.Use(middleware.RequestID())
	e.Use(handler.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{cfg.FrontendURL},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Accept", "Authorization", "Content-Type"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	handler.Register(e, authSvc,
		handler.NewBookingHandler(bookingSvc, escrow, ratingSvc),
		handler.NewTimerStream(bookingSvc, cfg.FrontendURL),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port, "storage", cfg.StorageDriver, "gateway", cfg.PaymentGateway)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

func setupLogger(format string) {
	var h slog.Handler = slog.NewTextHandler(os.Stdout, nil)
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(h))
}

func openStores(ctx context.Context, cfg config.Config) (service.BookingStore, service.ChallengeStore, func(), error) {
	switch cfg.StorageDriver {
	case "postgres":
		db, err := repository.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := repository.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("database connected")
		return repository.NewBookingRepository(db), repository.NewChallengeRepository(db), func() { _ = db.Close() }, nil
	case "mongo":
		client, err := repository.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		db := client.Database(cfg.MongoDatabase)
		slog.Info("mongo connected", "database", cfg.MongoDatabase)
		closeFn := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}
		return repository.NewMongoBookingStore(db), repository.NewMongoChallengeStore(db), closeFn, nil
	default:
		slog.Warn("using in-memory storage, data is lost on restart")
		return repository.NewMemoryBookingStore(), repository.NewMemoryChallengeStore(), func() {}, nil
	}
}

func newGateway(cfg config.Config) (service.Gateway, error) {
	if cfg.PaymentGateway == "omise" {
		gw, err := gateway.NewOmise(cfg.OmisePublicKey, cfg.OmiseSecretKey)
		if err != nil {
			return nil, fmt.Errorf("payment gateway: %w", err)
		}
		return gw, nil
	}
	slog.Warn("using sandbox payment gateway, no money moves")
	return gateway.NewSandbox(), nil
}

func newPublisher(cfg config.Config) (service.Publisher, func(), error) {
	if cfg.RabbitURL == "" {
		return events.NewLogPublisher(slog.Default()), func() {}, nil
	}
	p, err := events.NewRabbitPublisher(cfg.RabbitURL, cfg.EventsExchange)
	if err != nil {
		return nil, nil, fmt.Errorf("event publisher: %w", err)
	}
	slog.Info("rabbitmq connected", "exchange", cfg.EventsExchange)
	return p, func() { _ = p.Close() }, nil
}
