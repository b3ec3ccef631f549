package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType classifies current accounts.
type AccountType string

const (
	AccountTypeSupplier AccountType = "SUPPLIER"
	AccountTypeCustomer AccountType = "CUSTOMER"
	AccountTypeOther    AccountType = "OTHER"
)

// TransactionType enumerates ledger event kinds.
type TransactionType string

const (
	// TransactionTypeDebt increases what is owed.
	TransactionTypeDebt TransactionType = "DEBT"
	// TransactionTypePayment mirrors a completed payment with a negative amount.
	TransactionTypePayment TransactionType = "PAYMENT"
	// TransactionTypeAdjustment corrects the balance in either direction.
	TransactionTypeAdjustment TransactionType = "ADJUSTMENT"
)

// PaymentStatus enumerates payment lifecycle states.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// Account is a current account (supplier or customer ledger).
type Account struct {
	ID               int64
	Code             string
	Name             string
	Type             AccountType
	OpeningBalance   decimal.Decimal
	CurrentBalance   decimal.Decimal
	CreditLimit      decimal.Decimal
	LastActivityDate *time.Time
	IsActive         bool
}

// Transaction is one ledger event. BalanceBefore and BalanceAfter are caches rebuilt by Replay.
type Transaction struct {
	ID              int64
	AccountID       int64
	TransactionDate time.Time
	Type            TransactionType
	Amount          decimal.Decimal
	BalanceBefore   decimal.Decimal
	BalanceAfter    decimal.Decimal
	InvoiceID       *int64
	PaymentID       *int64
	Description     string
	ReferenceNumber string
}

// Payment is cash paid toward an account. Only completed payments affect balances.
type Payment struct {
	ID            int64
	AccountID     int64
	BankAccountID *int64
	Amount        decimal.Decimal
	Status        PaymentStatus
	PaymentDate   time.Time
	Method        string
	Reference     string
}

// Snapshot is the recomputed balance pair for one transaction.
type Snapshot struct {
	TransactionID int64
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
}

// AgingBucket totals unpaid debt by age.
type AgingBucket struct {
	Current decimal.Decimal `json:"current"`
	Days30  decimal.Decimal `json:"days30"`
	Days60  decimal.Decimal `json:"days60"`
	Days90  decimal.Decimal `json:"days90"`
}

// Total sums every bucket.
func (b AgingBucket) Total() decimal.Decimal {
	return b.Current.Add(b.Days30).Add(b.Days60).Add(b.Days90)
}

// RecalculateInput selects the account and the earliest date whose snapshots may be stale.
// A nil From replays the full history from the opening balance.
type RecalculateInput struct {
	AccountID int64
	From      *time.Time
}

// RecalculateResult summarises one recalculation.
type RecalculateResult struct {
	AccountID           int64           `json:"account_id"`
	From                *time.Time      `json:"from,omitempty"`
	StartingBalance     decimal.Decimal `json:"starting_balance"`
	CurrentBalance      decimal.Decimal `json:"current_balance"`
	TransactionsUpdated int             `json:"transactions_updated"`
	PaymentsApplied     int             `json:"payments_applied"`
}

// InvoiceUpdate triggers recalculation after an invoice changed. PreviousDate carries the
// invoice date before the edit when the edit moved it.
type InvoiceUpdate struct {
	InvoiceID    int64
	PreviousDate *time.Time
}

// PaymentUpdate triggers recalculation after a payment was created, edited or changed status.
type PaymentUpdate struct {
	PaymentID    int64
	PreviousDate *time.Time
}

// AgingQuery selects the account and the reference date for "today".
type AgingQuery struct {
	AccountID int64
	AsOf      time.Time
}

// AgingReportQuery selects the accounts included in an aging report.
type AgingReportQuery struct {
	AsOf time.Time
	Type AccountType
}

// AccountAging is one row of an aging report.
type AccountAging struct {
	AccountID      int64           `json:"account_id"`
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	Buckets        AgingBucket     `json:"buckets"`
}

// StatementQuery selects the window of an account statement.
type StatementQuery struct {
	AccountID int64
	From      time.Time
	To        time.Time
}

// StatementLine is one event on an account statement.
type StatementLine struct {
	Date          time.Time       `json:"date"`
	Kind          string          `json:"kind"`
	Reference     string          `json:"reference,omitempty"`
	Description   string          `json:"description,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// Statement lists account activity between two dates with running balances.
type Statement struct {
	AccountID      int64           `json:"account_id"`
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	Lines          []StatementLine `json:"lines"`
}
