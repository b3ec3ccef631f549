package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/larder-erp/larder/jobs"
)

// Enqueuer submits tasks to the queue.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client Enqueuer
	close  func() error
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	return &JobsCLI{client: client, close: client.Close}
}

// NewJobsCLIWith wraps an existing enqueuer.
func NewJobsCLIWith(client Enqueuer) *JobsCLI {
	return &JobsCLI{client: client}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	if c == nil || c.close == nil {
		return nil
	}
	return c.close()
}

// RecalcOptions defines the flags of the recalc command.
type RecalcOptions struct {
	AccountID int64
	All       bool
	From      string
	Stdout    io.Writer
	Stderr    io.Writer
}

// RecalcCommand enqueues a ledger recalculation of one account, or of every account when
// All is set, and prints the task id.
func (c *JobsCLI) RecalcCommand(ctx context.Context, opts RecalcOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if c == nil || c.client == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "recalc: client not configured")
		return 1
	}
	if opts.All && opts.AccountID != 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "recalc: --account and --all are mutually exclusive")
		return 1
	}
	if !opts.All && opts.AccountID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "recalc: --account is required and must be positive")
		return 1
	}
	var from *time.Time
	if strings.TrimSpace(opts.From) != "" {
		parsed, err := parseDay(opts.From)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "recalc: invalid --from %q (expected YYYY-MM-DD)\n", opts.From)
			return 1
		}
		from = &parsed
	}
	var (
		task   *asynq.Task
		target string
		err    error
	)
	if opts.All {
		task, err = jobs.NewLedgerRecalculateAllTask(from)
		target = "all accounts"
	} else {
		task, err = jobs.NewLedgerRecalculateTask(opts.AccountID, from)
		target = fmt.Sprintf("account %d", opts.AccountID)
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "recalc: %v\n", err)
		return 1
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			_, _ = fmt.Fprintln(opts.Stderr, "recalc: an identical task is already queued")
			return 2
		}
		_, _ = fmt.Fprintf(opts.Stderr, "recalc: enqueue: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.Stdout, "enqueued %s for %s (task %s, queue %s)\n", task.Type(), target, info.ID, info.Queue)
	return 0
}

func parseDay(raw string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", strings.TrimSpace(raw), time.UTC)
}
