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
	"github.com/larder-erp/larder/internal/shared"
)

// LedgerVerifier verifies and repairs accounts.
type LedgerVerifier interface {
	LedgerRecalculator
	VerifyAccount(ctx context.Context, accountID int64) error
}

// AccountLister enumerates the accounts the sweep visits.
type AccountLister interface {
	ListAccounts(ctx context.Context, accountType ledger.AccountType) ([]ledger.Account, error)
}

// IntegrityReport summarises one sweep.
type IntegrityReport struct {
	Checked      int
	Inconsistent []int64
	Repaired     []int64
	Failed       []int64
}

// LedgerIntegrityJob replays every account against its stored balances.
type LedgerIntegrityJob struct {
	Service  LedgerVerifier
	Accounts AccountLister
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewLedgerIntegrityJob constructs the job handler.
func NewLedgerIntegrityJob(service LedgerVerifier, accounts AccountLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Service:  service,
		Accounts: accounts,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity sweep.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, task *asynq.Task) error {
	payload := LedgerIntegrityPayload{Repair: true}
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("ledger integrity: invalid payload: %w", asynq.SkipRetry)
		}
	}
	_, err := j.Run(ctx, payload.Repair)
	return err
}

// Run verifies every account. With repair set, inconsistent accounts get a full
// recalculation. Verification errors other than inconsistencies abort the sweep.
func (j *LedgerIntegrityJob) Run(ctx context.Context, repair bool) (IntegrityReport, error) {
	var report IntegrityReport
	if j == nil || j.Service == nil || j.Accounts == nil {
		return report, errors.New("ledger integrity: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskLedgerIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	accounts, err := j.Accounts.ListAccounts(ctx, "")
	if err != nil {
		resultErr = err
		j.log().Error("list accounts", slog.Any("error", err))
		return report, resultErr
	}
	for _, acct := range accounts {
		report.Checked++
		err := j.Service.VerifyAccount(ctx, acct.ID)
		if err == nil {
			continue
		}
		var ce *shared.ConsistencyError
		if !errors.As(err, &ce) {
			resultErr = err
			j.log().Error("verify account", slog.Int64("account_id", acct.ID), slog.Any("error", err))
			return report, resultErr
		}
		report.Inconsistent = append(report.Inconsistent, acct.ID)
		j.log().Warn("ledger drift detected",
			slog.Int64("account_id", acct.ID),
			slog.Any("violations", ce.Violations))
		if !repair {
			continue
		}
		if _, err := j.Service.RecalculateAccountBalances(ctx, ledger.RecalculateInput{AccountID: acct.ID}); err != nil {
			report.Failed = append(report.Failed, acct.ID)
			j.metrics().AddRepair("failed")
			j.log().Error("repair account", slog.Int64("account_id", acct.ID), slog.Any("error", err))
			continue
		}
		report.Repaired = append(report.Repaired, acct.ID)
		j.metrics().AddRepair("repaired")
	}
	j.metrics().AddViolations(len(report.Inconsistent))
	if len(report.Failed) > 0 {
		resultErr = fmt.Errorf("ledger integrity: %d repairs failed", len(report.Failed))
	}

	j.log().Info("ledger integrity sweep finished",
		slog.Int("checked", report.Checked),
		slog.Int("inconsistent", len(report.Inconsistent)),
		slog.Int("repaired", len(report.Repaired)),
		slog.Duration("duration", j.now().Sub(start)))
	return report, resultErr
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerIntegrityJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *LedgerIntegrityJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
