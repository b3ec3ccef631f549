package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/larder-erp/larder/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerRecalculate recalculates one account's balances.
	TaskLedgerRecalculate = "ledger:recalculate"
	// TaskLedgerRecalculateAll recalculates every account.
	TaskLedgerRecalculateAll = "ledger:recalculate-all"
	// TaskLedgerIntegrity verifies every account and repairs drifted ones.
	TaskLedgerIntegrity = "ledger:integrity"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// LedgerRecalculatePayload describes one account recalculation.
type LedgerRecalculatePayload struct {
	AccountID int64      `json:"account_id"`
	From      *time.Time `json:"from,omitempty"`
}

// NewLedgerRecalculateTask constructs an Asynq task for recalculating an account.
func NewLedgerRecalculateTask(accountID int64, from *time.Time) (*asynq.Task, error) {
	if accountID <= 0 {
		return nil, fmt.Errorf("jobs: account id must be positive")
	}
	body, err := json.Marshal(LedgerRecalculatePayload{AccountID: accountID, From: from})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerRecalculate, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// LedgerRecalculateAllPayload describes a recalculation of every account.
type LedgerRecalculateAllPayload struct {
	From *time.Time `json:"from,omitempty"`
}

// NewLedgerRecalculateAllTask constructs an Asynq task recalculating all accounts from the
// given date, or their full history when from is nil.
func NewLedgerRecalculateAllTask(from *time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerRecalculateAllPayload{From: from})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerRecalculateAll, body, asynq.Queue(QueueDefault), asynq.MaxRetry(2)), nil
}

// LedgerIntegrityPayload scopes the integrity sweep.
type LedgerIntegrityPayload struct {
	Repair bool `json:"repair"`
}

// NewLedgerIntegrityTask creates the task registered on the integrity cron.
func NewLedgerIntegrityTask(repair bool) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerIntegrityPayload{Repair: repair})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, body, asynq.Queue(QueueDefault)), nil
}
