package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/beanhouse/backoffice/internal/app"
	"github.com/beanhouse/backoffice/internal/inventory"
	jobmetrics "github.com/beanhouse/backoffice/internal/jobs"
	"github.com/beanhouse/backoffice/internal/platform/db"
	"github.com/beanhouse/backoffice/internal/procurement"
	"github.com/beanhouse/backoffice/internal/shared"
	"github.com/beanhouse/backoffice/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	mailClient, err := jobs.NewClient(redisOpts, logger)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := mailClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)

	inventoryRepo := inventory.NewRepository(pool)
	inventoryService := inventory.NewService(inventoryRepo, nil, logger)

	// Read-only use: the worker never changes order status, so the engine and
	// the optional collaborators stay unset.
	procurementService := procurement.NewService(procurement.NewRepository(pool), nil, procurement.Options{Logger: logger})

	dispatchJob := &jobs.DispatchNotifyJob{
		Orders:   procurementService,
		Contacts: jobs.PGSupplierContacts{Pool: pool},
		Mail:     mailClient,
		Logger:   logger,
		Metrics:  metrics,
	}
	verifyJob := &jobs.VerifyLedgerJob{Verifier: inventoryService, Logger: logger, Metrics: metrics}
	cleanupJob := &jobs.IdempotencyCleanupJob{
		Store:     shared.NewIdempotencyStore(pool),
		Retention: cfg.IdempotencyRetention,
		Logger:    logger,
		Metrics:   metrics,
	}

	verifyTask, err := jobs.NewVerifyLedgerTask("cron")
	if err != nil {
		logger.Error("build verify ledger task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDispatchNotify, Handler: dispatchJob.Handle},
			{Type: jobs.TaskVerifyLedger, Handler: verifyJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.LedgerVerifyCron, Task: verifyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 4 * * *", Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
