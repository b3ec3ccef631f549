package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/platform/db"
	"github.com/larder-erp/larder/internal/shared"
)

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	GetAccountForUpdate(ctx context.Context, id int64) (Account, error)
	NetBefore(ctx context.Context, accountID int64, cutoff time.Time) (decimal.Decimal, error)
	ListTransactionsFrom(ctx context.Context, accountID int64, from *time.Time) ([]Transaction, error)
	ListUnmirroredPaymentsFrom(ctx context.Context, accountID int64, from *time.Time) ([]Payment, error)
	UpdateSnapshots(ctx context.Context, snapshots []Snapshot) error
	UpdateAccountBalance(ctx context.Context, accountID int64, balance decimal.Decimal, lastActivity *time.Time) error
}

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const accountColumns = `id, code, name, account_type, opening_balance, current_balance, credit_limit, last_activity_date, is_active`

func scanAccount(row pgx.Row) (Account, error) {
	var acct Account
	var accountType string
	err := row.Scan(&acct.ID, &acct.Code, &acct.Name, &accountType, &acct.OpeningBalance,
		&acct.CurrentBalance, &acct.CreditLimit, &acct.LastActivityDate, &acct.IsActive)
	if err != nil {
		return Account{}, err
	}
	acct.Type = AccountType(accountType)
	return acct, nil
}

// GetAccount loads one account.
func (r *Repository) GetAccount(ctx context.Context, id int64) (Account, error) {
	acct, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, shared.NewNotFound("account", id)
	}
	return acct, err
}

// ListAccounts returns active accounts, optionally of one type, ordered by id.
func (r *Repository) ListAccounts(ctx context.Context, accountType AccountType) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts
WHERE is_active AND ($1 = '' OR account_type = $1)
ORDER BY id`, string(accountType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

const transactionColumns = `id, account_id, transaction_date, tx_type, amount, balance_before, balance_after,
invoice_id, payment_id, description, reference_number`

func scanTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		var tx Transaction
		var txType string
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.TransactionDate, &txType, &tx.Amount, &tx.BalanceBefore,
			&tx.BalanceAfter, &tx.InvoiceID, &tx.PaymentID, &tx.Description, &tx.ReferenceNumber); err != nil {
			return nil, err
		}
		tx.Type = TransactionType(txType)
		out = append(out, tx)
	}
	return out, rows.Err()
}

const paymentColumns = `p.id, p.account_id, p.bank_account_id, p.amount, p.status, p.payment_date, p.method, p.reference`

func scanPayments(rows pgx.Rows) ([]Payment, error) {
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		var p Payment
		var status string
		if err := rows.Scan(&p.ID, &p.AccountID, &p.BankAccountID, &p.Amount, &status, &p.PaymentDate,
			&p.Method, &p.Reference); err != nil {
			return nil, err
		}
		p.Status = PaymentStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListDebts returns the account's DEBT transactions in ledger order.
func (r *Repository) ListDebts(ctx context.Context, accountID int64) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` FROM account_transactions
WHERE account_id = $1 AND tx_type = 'DEBT'
ORDER BY transaction_date, id`, accountID)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// ListCompletedPayments returns every completed payment of the account.
func (r *Repository) ListCompletedPayments(ctx context.Context, accountID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments p
WHERE p.account_id = $1 AND p.status = 'COMPLETED'
ORDER BY p.payment_date, p.id`, accountID)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

// ListTransactions returns transactions up to and including until; nil means all.
func (r *Repository) ListTransactions(ctx context.Context, accountID int64, until *time.Time) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` FROM account_transactions
WHERE account_id = $1 AND ($2::timestamptz IS NULL OR transaction_date <= $2)
ORDER BY transaction_date, id`, accountID, until)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

const unmirroredFilter = `p.account_id = $1 AND p.status = 'COMPLETED'
AND NOT EXISTS (SELECT 1 FROM account_transactions t WHERE t.payment_id = p.id)`

// ListUnmirroredPayments returns completed payments with no PAYMENT transaction, up to until.
func (r *Repository) ListUnmirroredPayments(ctx context.Context, accountID int64, until *time.Time) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments p
WHERE `+unmirroredFilter+` AND ($2::timestamptz IS NULL OR p.payment_date <= $2)
ORDER BY p.payment_date, p.id`, accountID, until)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

// FindInvoiceTransaction returns the DEBT transaction booked for an invoice.
func (r *Repository) FindInvoiceTransaction(ctx context.Context, invoiceID int64) (Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` FROM account_transactions
WHERE invoice_id = $1
ORDER BY transaction_date, id
LIMIT 1`, invoiceID)
	if err != nil {
		return Transaction{}, err
	}
	txs, err := scanTransactions(rows)
	if err != nil {
		return Transaction{}, err
	}
	if len(txs) == 0 {
		return Transaction{}, shared.NewNotFound("invoice", invoiceID)
	}
	return txs[0], nil
}

// GetPayment loads one payment regardless of status.
func (r *Repository) GetPayment(ctx context.Context, paymentID int64) (Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments p WHERE p.id = $1`, paymentID)
	if err != nil {
		return Payment{}, err
	}
	payments, err := scanPayments(rows)
	if err != nil {
		return Payment{}, err
	}
	if len(payments) == 0 {
		return Payment{}, shared.NewNotFound("payment", paymentID)
	}
	return payments[0], nil
}

func (r *txRepo) GetAccountForUpdate(ctx context.Context, id int64) (Account, error) {
	acct, err := scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, shared.NewNotFound("account", id)
	}
	return acct, err
}

// NetBefore sums transactions and unmirrored completed payments strictly before cutoff.
func (r *txRepo) NetBefore(ctx context.Context, accountID int64, cutoff time.Time) (decimal.Decimal, error) {
	var txSum, paySum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT
    COALESCE((SELECT SUM(amount) FROM account_transactions WHERE account_id = $1 AND transaction_date < $2), 0),
    COALESCE((SELECT SUM(p.amount) FROM payments p WHERE `+unmirroredFilter+` AND p.payment_date < $2), 0)`,
		accountID, cutoff).Scan(&txSum, &paySum)
	if err != nil {
		return decimal.Zero, err
	}
	return txSum.Sub(paySum), nil
}

func (r *txRepo) ListTransactionsFrom(ctx context.Context, accountID int64, from *time.Time) ([]Transaction, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+transactionColumns+` FROM account_transactions
WHERE account_id = $1 AND ($2::timestamptz IS NULL OR transaction_date >= $2)
ORDER BY transaction_date, id`, accountID, from)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (r *txRepo) ListUnmirroredPaymentsFrom(ctx context.Context, accountID int64, from *time.Time) ([]Payment, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+paymentColumns+` FROM payments p
WHERE `+unmirroredFilter+` AND ($2::timestamptz IS NULL OR p.payment_date >= $2)
ORDER BY p.payment_date, p.id`, accountID, from)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

// UpdateSnapshots writes every snapshot in one batch round trip.
func (r *txRepo) UpdateSnapshots(ctx context.Context, snapshots []Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(`UPDATE account_transactions SET balance_before = $2, balance_after = $3 WHERE id = $1`,
			snap.TransactionID, snap.BalanceBefore, snap.BalanceAfter)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepo) UpdateAccountBalance(ctx context.Context, accountID int64, balance decimal.Decimal, lastActivity *time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE accounts SET current_balance = $2, last_activity_date = $3, updated_at = NOW() WHERE id = $1`,
		accountID, balance, lastActivity)
	return err
}
