package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/larder-erp/larder/internal/jobs"
	"github.com/larder-erp/larder/internal/ledger"
	"github.com/larder-erp/larder/internal/shared"
)

// LedgerRecalculator is the slice of the ledger service the recalculation job needs.
type LedgerRecalculator interface {
	RecalculateAccountBalances(ctx context.Context, input ledger.RecalculateInput) (ledger.RecalculateResult, error)
}

// LedgerRecalculateJob runs queued account recalculations.
type LedgerRecalculateJob struct {
	Service LedgerRecalculator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerRecalculateJob constructs the job handler.
func NewLedgerRecalculateJob(service LedgerRecalculator, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerRecalculateJob {
	return &LedgerRecalculateJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one recalculation. Unknown accounts and bad payloads are not retried.
func (j *LedgerRecalculateJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("ledger recalculate: dependencies not configured")
	}
	var payload LedgerRecalculatePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.AccountID <= 0 {
		return fmt.Errorf("ledger recalculate: invalid payload: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskLedgerRecalculate)
	result, err := j.Service.RecalculateAccountBalances(ctx, ledger.RecalculateInput{AccountID: payload.AccountID, From: payload.From})
	if err != nil {
		j.log().Error("recalculate account", slog.Int64("account_id", payload.AccountID), slog.Any("error", err))
		_ = tracker.End(err)
		if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrValidation) {
			return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
		}
		return err
	}
	j.log().Info("account recalculated",
		slog.Int64("account_id", result.AccountID),
		slog.Int("transactions", result.TransactionsUpdated),
		slog.String("balance", result.CurrentBalance.String()))
	return tracker.End(nil)
}

func (j *LedgerRecalculateJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerRecalculateJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerRecalculate))
	}
	return slog.Default().With(slog.String("job", TaskLedgerRecalculate))
}
