package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/larder-erp/larder/internal/jobs"
	"github.com/larder-erp/larder/internal/ledger"
)

// BulkRecalculator recalculates every account.
type BulkRecalculator interface {
	RecalculateAll(ctx context.Context, from *time.Time) ([]ledger.RecalculateResult, error)
}

// LedgerRecalculateAllJob rebuilds the snapshots of all accounts.
type LedgerRecalculateAllJob struct {
	Service BulkRecalculator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerRecalculateAllJob constructs the job handler.
func NewLedgerRecalculateAllJob(service BulkRecalculator, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerRecalculateAllJob {
	return &LedgerRecalculateAllJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle runs the bulk recalculation. Accounts that failed are logged and make the task fail
// so asynq retries it; recalculating the others again is harmless.
func (j *LedgerRecalculateAllJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("ledger recalculate all: dependencies not configured")
	}
	var payload LedgerRecalculateAllPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("ledger recalculate all: invalid payload: %w", asynq.SkipRetry)
		}
	}

	tracker := j.metrics().Track(TaskLedgerRecalculateAll)
	results, err := j.Service.RecalculateAll(ctx, payload.From)
	logger := j.log().With(slog.Int("recalculated", len(results)))
	if err != nil {
		logger.Error("recalculate all accounts", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("all accounts recalculated")
	return tracker.End(nil)
}

func (j *LedgerRecalculateAllJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerRecalculateAllJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerRecalculateAll))
	}
	return slog.Default().With(slog.String("job", TaskLedgerRecalculateAll))
}
