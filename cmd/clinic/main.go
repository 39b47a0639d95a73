package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-clinic/backoffice/internal/app"
	"github.com/odyssey-clinic/backoffice/internal/billing"
	"github.com/odyssey-clinic/backoffice/internal/events"
	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/internal/observability"
	"github.com/odyssey-clinic/backoffice/internal/platform/db"
	"github.com/odyssey-clinic/backoffice/internal/prescriptions"
	"github.com/odyssey-clinic/backoffice/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, db.Options{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns, MinConns: cfg.PGMinConns}, logger)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	publisher, err := events.Open(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Error("connect kafka", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("kafka close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services := app.NewServices(pool, app.ServiceDeps{
		Logger:    logger,
		Metrics:   metrics,
		Listener:  publisher,
		Notifiers: []billing.Notifier{jobClient, publisher},
	})

	router := app.NewRouter(app.RouterParams{
		Logger:               logger,
		Config:               cfg,
		Database:             pool,
		InventoryHandler:     inventory.NewHandler(logger, services.Inventory),
		PrescriptionsHandler: prescriptions.NewHandler(logger, services.Prescriptions),
		BillingHandler:       billing.NewHandler(logger, services.Billing),
		JobHandler:           jobs.NewHandler(inspector, logger),
		Metrics:              metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.Bool("kafka", cfg.KafkaEnabled()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
