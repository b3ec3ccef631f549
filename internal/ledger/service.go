package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/larder-erp/larder/internal/platform/lock"
	"github.com/larder-erp/larder/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAccount(ctx context.Context, id int64) (Account, error)
	ListAccounts(ctx context.Context, accountType AccountType) ([]Account, error)
	ListDebts(ctx context.Context, accountID int64) ([]Transaction, error)
	ListCompletedPayments(ctx context.Context, accountID int64) ([]Payment, error)
	ListTransactions(ctx context.Context, accountID int64, until *time.Time) ([]Transaction, error)
	ListUnmirroredPayments(ctx context.Context, accountID int64, until *time.Time) ([]Payment, error)
	FindInvoiceTransaction(ctx context.Context, invoiceID int64) (Transaction, error)
	GetPayment(ctx context.Context, paymentID int64) (Payment, error)
}

// AgingCache memoises aging per account until the next recalculation.
type AgingCache interface {
	Fetch(ctx context.Context, accountID int64, asOf time.Time, loader func(context.Context) (AgingBucket, error)) (AgingBucket, error)
	Invalidate(ctx context.Context, accountID int64) error
}

// Metrics records recalculation outcomes.
type Metrics interface {
	ObserveRecalculation(scope string, duration time.Duration, err error)
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Locker      lock.Locker
	Cache       AgingCache
	Metrics     Metrics
	Logger      *slog.Logger
	Concurrency int
}

// Service owns current-account balance maintenance and aging.
type Service struct {
	repo        RepositoryPort
	locker      lock.Locker
	cache       AgingCache
	metrics     Metrics
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Service{
		repo:        repo,
		locker:      cfg.Locker,
		cache:       cfg.Cache,
		metrics:     cfg.Metrics,
		logger:      logger,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RecalculateAccountBalances rebuilds transaction snapshots from input.From onward and the
// account's current balance. Calling it twice yields the same state.
func (s *Service) RecalculateAccountBalances(ctx context.Context, input RecalculateInput) (RecalculateResult, error) {
	if input.AccountID <= 0 {
		return RecalculateResult{}, shared.ValidationError("account id required")
	}
	started := time.Now()
	var result RecalculateResult
	err := s.withAccountLock(ctx, input.AccountID, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			acct, err := tx.GetAccountForUpdate(ctx, input.AccountID)
			if err != nil {
				return err
			}
			start := acct.OpeningBalance
			if input.From != nil {
				net, err := tx.NetBefore(ctx, acct.ID, *input.From)
				if err != nil {
					return fmt.Errorf("ledger: balance before %s: %w", input.From.Format(time.RFC3339), err)
				}
				start = start.Add(net)
			}
			txs, err := tx.ListTransactionsFrom(ctx, acct.ID, input.From)
			if err != nil {
				return fmt.Errorf("ledger: load transactions: %w", err)
			}
			payments, err := tx.ListUnmirroredPaymentsFrom(ctx, acct.ID, input.From)
			if err != nil {
				return fmt.Errorf("ledger: load payments: %w", err)
			}

			replay := Replay(start, txs, payments)
			if err := tx.UpdateSnapshots(ctx, replay.Snapshots); err != nil {
				return fmt.Errorf("ledger: write snapshots: %w", err)
			}
			lastActivity := replay.LastEventAt
			if lastActivity == nil && input.From != nil {
				lastActivity = acct.LastActivityDate
			}
			if err := tx.UpdateAccountBalance(ctx, acct.ID, replay.Closing, lastActivity); err != nil {
				return fmt.Errorf("ledger: write account balance: %w", err)
			}
			result = RecalculateResult{
				AccountID:           acct.ID,
				From:                input.From,
				StartingBalance:     start,
				CurrentBalance:      replay.Closing,
				TransactionsUpdated: len(replay.Snapshots),
				PaymentsApplied:     replay.PaymentsApplied,
			}
			return nil
		})
	})
	s.observe("account", started, err)
	if err != nil {
		return RecalculateResult{}, err
	}
	s.invalidateAging(ctx, input.AccountID)
	s.logger.Info("ledger recalculated",
		slog.Int64("account_id", result.AccountID),
		slog.String("current_balance", result.CurrentBalance.String()),
		slog.Int("transactions", result.TransactionsUpdated))
	return result, nil
}

// RecalculateForInvoiceUpdate recalculates the account owning the invoice from the earliest
// date whose snapshots may have changed.
func (s *Service) RecalculateForInvoiceUpdate(ctx context.Context, input InvoiceUpdate) (RecalculateResult, error) {
	if input.InvoiceID <= 0 {
		return RecalculateResult{}, shared.ValidationError("invoice id required")
	}
	tx, err := s.repo.FindInvoiceTransaction(ctx, input.InvoiceID)
	if err != nil {
		return RecalculateResult{}, err
	}
	from := earliest(tx.TransactionDate, input.PreviousDate)
	return s.RecalculateAccountBalances(ctx, RecalculateInput{AccountID: tx.AccountID, From: &from})
}

// RecalculateForPaymentUpdate recalculates the account owning the payment.
func (s *Service) RecalculateForPaymentUpdate(ctx context.Context, input PaymentUpdate) (RecalculateResult, error) {
	if input.PaymentID <= 0 {
		return RecalculateResult{}, shared.ValidationError("payment id required")
	}
	payment, err := s.repo.GetPayment(ctx, input.PaymentID)
	if err != nil {
		return RecalculateResult{}, err
	}
	from := earliest(payment.PaymentDate, input.PreviousDate)
	return s.RecalculateAccountBalances(ctx, RecalculateInput{AccountID: payment.AccountID, From: &from})
}

// RecalculateAll recalculates every account from the given date. Accounts are independent so
// they run concurrently; one failing account does not stop the others.
func (s *Service) RecalculateAll(ctx context.Context, from *time.Time) ([]RecalculateResult, error) {
	accounts, err := s.repo.ListAccounts(ctx, "")
	if err != nil {
		return nil, err
	}
	results := make([]RecalculateResult, len(accounts))
	errs := make([]error, len(accounts))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, acct := range accounts {
		g.Go(func() error {
			res, err := s.RecalculateAccountBalances(ctx, RecalculateInput{AccountID: acct.ID, From: from})
			if err != nil {
				errs[i] = fmt.Errorf("account %d: %w", acct.ID, err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	done := make([]RecalculateResult, 0, len(results))
	for i, res := range results {
		if errs[i] == nil {
			done = append(done, res)
		}
	}
	return done, errors.Join(errs...)
}

// ComputeAging buckets the account's unpaid debt by age. Accounts in a net credit position
// report empty buckets.
func (s *Service) ComputeAging(ctx context.Context, query AgingQuery) (AgingBucket, error) {
	if query.AccountID <= 0 {
		return AgingBucket{}, shared.ValidationError("account id required")
	}
	asOf := query.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	acct, err := s.repo.GetAccount(ctx, query.AccountID)
	if err != nil {
		return AgingBucket{}, err
	}
	return s.agingFor(ctx, acct, asOf)
}

func (s *Service) agingFor(ctx context.Context, acct Account, asOf time.Time) (AgingBucket, error) {
	if !acct.CurrentBalance.IsPositive() {
		return AgingBucket{}, nil
	}
	load := func(ctx context.Context) (AgingBucket, error) {
		debts, err := s.repo.ListDebts(ctx, acct.ID)
		if err != nil {
			return AgingBucket{}, err
		}
		payments, err := s.repo.ListCompletedPayments(ctx, acct.ID)
		if err != nil {
			return AgingBucket{}, err
		}
		bucket, _ := Age(debts, payments, asOf)
		return bucket, nil
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.Fetch(ctx, acct.ID, asOf, load)
}

// AgingReport computes aging for every account of the requested type.
func (s *Service) AgingReport(ctx context.Context, query AgingReportQuery) ([]AccountAging, error) {
	asOf := query.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	accounts, err := s.repo.ListAccounts(ctx, query.Type)
	if err != nil {
		return nil, err
	}
	rows := make([]AccountAging, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, acct := range accounts {
		g.Go(func() error {
			bucket, err := s.agingFor(gctx, acct, asOf)
			if err != nil {
				return fmt.Errorf("ledger: aging account %d: %w", acct.ID, err)
			}
			rows[i] = AccountAging{
				AccountID:      acct.ID,
				Code:           acct.Code,
				Name:           acct.Name,
				CurrentBalance: acct.CurrentBalance,
				Buckets:        bucket,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sortAging(rows)
	return rows, nil
}

// Statement lists account activity in [From, To] with running balances.
func (s *Service) Statement(ctx context.Context, query StatementQuery) (Statement, error) {
	if query.AccountID <= 0 {
		return Statement{}, shared.ValidationError("account id required")
	}
	to := query.To
	if to.IsZero() {
		to = s.now()
	}
	if !query.From.IsZero() && query.From.After(to) {
		return Statement{}, shared.ValidationError("from must not be after to")
	}
	acct, err := s.repo.GetAccount(ctx, query.AccountID)
	if err != nil {
		return Statement{}, err
	}
	txs, err := s.repo.ListTransactions(ctx, acct.ID, &to)
	if err != nil {
		return Statement{}, err
	}
	payments, err := s.repo.ListUnmirroredPayments(ctx, acct.ID, &to)
	if err != nil {
		return Statement{}, err
	}
	return buildStatement(acct, txs, payments, query.From, to), nil
}

// VerifyAccount replays the full history in memory and compares it with the stored caches.
// It returns a *shared.ConsistencyError describing every mismatch, or nil.
func (s *Service) VerifyAccount(ctx context.Context, accountID int64) error {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	txs, err := s.repo.ListTransactions(ctx, accountID, nil)
	if err != nil {
		return err
	}
	completed, err := s.repo.ListCompletedPayments(ctx, accountID)
	if err != nil {
		return err
	}
	violations := verify(acct, txs, completed)
	if len(violations) == 0 {
		return nil
	}
	return &shared.ConsistencyError{Entity: "account", ID: accountID, Violations: violations}
}

func verify(acct Account, txs []Transaction, completed []Payment) []string {
	var violations []string
	unmirrored := Unmirrored(txs, completed)
	replay := Replay(acct.OpeningBalance, txs, unmirrored)

	stored := make(map[int64]Transaction, len(txs))
	for _, tx := range txs {
		stored[tx.ID] = tx
	}
	for _, snap := range replay.Snapshots {
		tx := stored[snap.TransactionID]
		if !tx.BalanceBefore.Equal(snap.BalanceBefore) || !tx.BalanceAfter.Equal(snap.BalanceAfter) {
			violations = append(violations, fmt.Sprintf("transaction %d snapshot %s/%s, expected %s/%s",
				tx.ID, tx.BalanceBefore, tx.BalanceAfter, snap.BalanceBefore, snap.BalanceAfter))
		}
	}
	if !acct.CurrentBalance.Equal(replay.Closing) {
		violations = append(violations, fmt.Sprintf("current balance %s, expected %s", acct.CurrentBalance, replay.Closing))
	}

	byID := make(map[int64]Payment, len(completed))
	for _, p := range completed {
		byID[p.ID] = p
	}
	for _, tx := range txs {
		if tx.PaymentID == nil {
			continue
		}
		p, ok := byID[*tx.PaymentID]
		if !ok {
			violations = append(violations, fmt.Sprintf("transaction %d mirrors payment %d which is not completed", tx.ID, *tx.PaymentID))
			continue
		}
		if !tx.Amount.Equal(p.Amount.Neg()) {
			violations = append(violations, fmt.Sprintf("transaction %d amount %s does not mirror payment %d amount %s", tx.ID, tx.Amount, p.ID, p.Amount))
		}
	}
	for _, p := range unmirrored {
		violations = append(violations, fmt.Sprintf("completed payment %d has no mirrored PAYMENT transaction", p.ID))
	}
	return violations
}

func buildStatement(acct Account, txs []Transaction, payments []Payment, from, to time.Time) Statement {
	opening := acct.OpeningBalance
	if !from.IsZero() {
		opening = BalanceBefore(acct.OpeningBalance, txs, payments, from)
	}
	inWindow := func(at time.Time) bool {
		return (from.IsZero() || !at.Before(from)) && !at.After(to)
	}
	windowTxs := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if inWindow(tx.TransactionDate) {
			windowTxs = append(windowTxs, tx)
		}
	}
	windowPays := make([]Payment, 0, len(payments))
	for _, p := range payments {
		if inWindow(p.PaymentDate) {
			windowPays = append(windowPays, p)
		}
	}

	running := opening
	lines := make([]StatementLine, 0, len(windowTxs)+len(windowPays))
	for _, ev := range orderEvents(windowTxs, windowPays) {
		line := StatementLine{Date: ev.at, Amount: ev.amount, BalanceBefore: running}
		running = running.Add(ev.amount)
		line.BalanceAfter = running
		if ev.tx != nil {
			line.Kind = string(ev.tx.Type)
			line.Reference = ev.tx.ReferenceNumber
			line.Description = ev.tx.Description
		} else {
			line.Kind = "PAYMENT"
			line.Reference = ev.pay.Reference
			line.Description = ev.pay.Method
		}
		lines = append(lines, line)
	}
	return Statement{
		AccountID:      acct.ID,
		From:           from,
		To:             to,
		OpeningBalance: opening,
		ClosingBalance: running,
		Lines:          lines,
	}
}

func (s *Service) withAccountLock(ctx context.Context, accountID int64, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	return s.locker.WithLock(ctx, shared.AccountLockKey(accountID), fn)
}

func (s *Service) invalidateAging(ctx context.Context, accountID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, accountID); err != nil {
		s.logger.Warn("aging cache invalidate", slog.Int64("account_id", accountID), slog.Any("error", err))
	}
}

func (s *Service) observe(scope string, started time.Time, err error) {
	if s.metrics != nil {
		s.metrics.ObserveRecalculation(scope, time.Since(started), err)
	}
}

func earliest(at time.Time, previous *time.Time) time.Time {
	if previous != nil && previous.Before(at) {
		return *previous
	}
	return at
}
