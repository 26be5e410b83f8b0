package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/beacon-ops/beacon-ops/internal/jobs"
	"github.com/beacon-ops/beacon-ops/jobs"
)

// RunJob processes billing run tasks fired by the cron scheduler.
type RunJob struct {
	scheduler *Scheduler
	lock      *RunLock
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
	now       func() time.Time
}

// NewRunJob constructs a job handler. lock, metrics and now may be nil.
func NewRunJob(scheduler *Scheduler, lock *RunLock, logger *slog.Logger, metrics *jobmetrics.Metrics, now func() time.Time) *RunJob {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &RunJob{scheduler: scheduler, lock: lock, logger: logger, metrics: metrics, now: now}
}

// Handle fulfils the asynq.HandlerFunc contract for billing run tasks.
func (j *RunJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.BillingRunPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	today := j.now().UTC()
	if payload.AsOf != "" {
		parsed, err := time.Parse(time.DateOnly, payload.AsOf)
		if err != nil {
			j.logger.Warn("invalid as_of in billing run payload", slog.String("as_of", payload.AsOf))
			return asynq.SkipRetry
		}
		today = parsed
	}

	acquired, err := j.lock.Acquire(ctx, today.Format(time.DateOnly))
	if err != nil {
		j.logger.Warn("billing run lock", slog.Any("error", err))
		// Redis hiccups fall through to the unique constraint.
	} else if !acquired {
		j.logger.Info("billing run already in progress, skipping tick")
		return nil
	} else {
		defer j.lock.Release(ctx)
	}

	tracker := j.metrics.Track("billing_run")
	report, err := j.scheduler.RunOnce(ctx, today)
	if err != nil {
		return tracker.End(err)
	}
	_ = tracker.End(nil)

	if len(report.Errors) > 0 {
		j.logger.Warn("billing run finished with per-service errors",
			slog.String("run_id", report.RunID.String()),
			slog.Int("errors", len(report.Errors)))
	}
	return nil
}

// RepairJob processes line-item repair tasks.
type RepairJob struct {
	scheduler *Scheduler
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewRepairJob constructs a repair job handler.
func NewRepairJob(scheduler *Scheduler, logger *slog.Logger, metrics *jobmetrics.Metrics) *RepairJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RepairJob{scheduler: scheduler, logger: logger, metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract for repair tasks.
func (j *RepairJob) Handle(ctx context.Context, _ *asynq.Task) error {
	tracker := j.metrics.Track("billing_repair")
	report, err := j.scheduler.RepairLineItems(ctx)
	if err != nil {
		return tracker.End(err)
	}
	_ = tracker.End(nil)

	if report.Checked > 0 {
		j.logger.Info("line item repair finished",
			slog.Int("checked", report.Checked),
			slog.Int("repaired", report.Repaired),
			slog.Int("errors", len(report.Errors)))
	}
	return nil
}
