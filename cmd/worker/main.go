package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/beacon-ops/beacon-ops/internal/app"
	"github.com/beacon-ops/beacon-ops/internal/billing"
	jobmetrics "github.com/beacon-ops/beacon-ops/internal/jobs"
	"github.com/beacon-ops/beacon-ops/internal/platform/db"
	"github.com/beacon-ops/beacon-ops/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)

	billingRepo := billing.NewRepository(pool)
	notifier := billing.NewQueueNotifier(jobClient)
	scheduler := billing.NewScheduler(billingRepo, notifier, logger, metrics)
	runLock := billing.NewRunLock(redisClient, cfg.BillingLockTTL)
	runJob := billing.NewRunJob(scheduler, runLock, logger, metrics, nil)
	repairJob := billing.NewRepairJob(scheduler, logger, metrics)

	runTask, err := jobs.NewBillingRunTask(jobs.BillingRunPayload{})
	if err != nil {
		logger.Error("build billing run task", slog.Any("error", err))
		os.Exit(1)
	}
	repairTask := jobs.NewBillingRepairTask()

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBillingRun, Handler: runJob.Handle},
			{Type: jobs.TaskBillingRepair, Handler: repairJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.BillingCron, Task: runTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.RepairCron, Task: repairTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
