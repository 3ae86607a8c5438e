// Package app assembles the checkout service from configuration. The HTTP
// server and the operator CLI share it so both run the same reconciler.
package app

import (
	"context"
	"fmt"

	"course-checkout/config"
	"course-checkout/internal/api"
	"course-checkout/internal/broker"
	"course-checkout/internal/gateway"
	"course-checkout/internal/models"
	"course-checkout/internal/redisclient"
	"course-checkout/internal/service"
	"course-checkout/internal/store"
	"course-checkout/internal/util"
	"course-checkout/internal/worker"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// App holds every long-lived component of one process
type App struct {
	Config *config.Config

	Repo     service.Repository
	Redis    *redisclient.Client
	Producer *broker.Producer
	Gateway  gateway.Gateway
	Verifier gateway.Verifier

	Ledger      *service.OrderLedger
	Payments    *service.PaymentRecorder
	Enrollments *service.EnrollmentGrantor
	Reconciler  *service.Reconciler
	Checkout    *service.CheckoutService
	Sweeper     *worker.PendingSweeper

	logger *zap.Logger
}

// New connects to the configured backends and builds the services. Redis
// and Kafka are optional outside production.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: util.GetLogger()}

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Repo = repo

	var cache service.SessionCache
	var locker worker.Locker
	if cfg.Redis.Addr != "" {
		rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		switch {
		case err == nil:
			a.Redis = rc
			cache, locker = rc, rc
			a.logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
		case cfg.IsProduction():
			a.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		default:
			a.logger.Warn("Redis unavailable, running without session cache or sweep lock", zap.Error(err))
		}
	}

	var publisher service.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		a.Producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		publisher = broker.NewEventPublisher(a.Producer)
		a.logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))
	}

	a.Gateway = gateway.NewStripeGateway(cfg.Gateway.StripeSecretKey, cfg.Gateway.StripeAPIBase)
	a.Verifier = gateway.NewStripeVerifier(cfg.Gateway.WebhookSecret, cfg.Gateway.WebhookTolerance)

	a.Ledger = service.NewOrderLedger(repo)
	a.Payments = service.NewPaymentRecorder(repo)
	a.Enrollments = service.NewEnrollmentGrantor(repo)
	a.Reconciler = service.NewReconciler(a.Ledger, a.Payments, a.Enrollments, publisher)
	a.Checkout = service.NewCheckoutService(repo, a.Ledger, a.Enrollments, a.Reconciler,
		a.Gateway, cache, service.CheckoutConfig{
			SuccessURL:      cfg.SuccessURL(),
			CancelURL:       cfg.CancelURL(),
			SessionCacheTTL: cfg.Business.SessionCacheTTL,
		})
	a.Sweeper = worker.NewPendingSweeper(a.Ledger, a.Reconciler, a.Gateway, locker, worker.SweepConfig{
		Interval:   cfg.Business.SweepInterval,
		StaleAfter: cfg.Business.StaleAfter,
		Batch:      cfg.Business.SweepBatch,
	})

	return a, nil
}

func openRepository(ctx context.Context, cfg *config.Config) (service.Repository, error) {
	logger := util.GetLogger()

	if cfg.UsesMemoryStore() {
		mem := store.NewMemoryStore()
		mem.AddCourse(models.Course{
			ID:          1,
			Title:       "Demo Course",
			Description: "Seeded for local development",
			Price:       decimal.RequireFromString("49.00"),
			Currency:    "USD",
		})
		logger.Warn("Using in-memory store, data is lost on exit")
		return mem, nil
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("Database schema applied")
	}
	return db, nil
}

// Handler builds the HTTP handler over this app's services
func (a *App) Handler() *api.Handler {
	return api.NewHandler(a.Checkout, a.Ledger, a.Payments, a.Verifier, a.Repo, api.Config{
		JWTSecret:      a.Config.Auth.JWTSecret,
		AllowedOrigins: a.Config.Server.AllowedOrigins,
	})
}

// Close releases every backend connection
func (a *App) Close() {
	if a.Producer != nil {
		if err := a.Producer.Close(); err != nil {
			a.logger.Warn("Failed to close Kafka producer", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	if a.Repo != nil {
		if err := a.Repo.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}
