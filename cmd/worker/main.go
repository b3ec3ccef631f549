package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/larder-erp/larder/internal/app"
	"github.com/larder-erp/larder/jobs"
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

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	rt, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	jobMetrics := rt.Metrics.Jobs()
	recalcJob := jobs.NewLedgerRecalculateJob(rt.Ledger, logger, jobMetrics)
	recalcAllJob := jobs.NewLedgerRecalculateAllJob(rt.Ledger, logger, jobMetrics)
	integrityJob := jobs.NewLedgerIntegrityJob(rt.Ledger, rt.LedgerRepo, logger, jobMetrics)

	integrityTask, err := jobs.NewLedgerIntegrityTask(true)
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerRecalculate, Handler: recalcJob.Handle},
			{Type: jobs.TaskLedgerRecalculateAll, Handler: recalcAllJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.LedgerIntegrityCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		return err
	}
	logger.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency), slog.String("integrity_cron", cfg.LedgerIntegrityCron))
	return worker.Run(ctx)
}
