package ledger

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DebtRemainder is what is left of one DEBT transaction after FIFO payment application.
type DebtRemainder struct {
	TransactionID int64           `json:"transaction_id"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Unpaid        decimal.Decimal `json:"unpaid"`
}

// ApplyFIFO applies paid against debts oldest-first and returns the remainders in that order.
// Non-DEBT transactions and non-positive debts are ignored.
func ApplyFIFO(debts []Transaction, paid decimal.Decimal) []DebtRemainder {
	ordered := make([]Transaction, 0, len(debts))
	for _, d := range debts {
		if d.Type == TransactionTypeDebt && d.Amount.IsPositive() {
			ordered = append(ordered, d)
		}
	}
	SortTransactions(ordered)

	remaining := decimal.Max(paid, decimal.Zero)
	out := make([]DebtRemainder, 0, len(ordered))
	for _, d := range ordered {
		applied := decimal.Min(remaining, d.Amount)
		remaining = remaining.Sub(applied)
		out = append(out, DebtRemainder{
			TransactionID: d.ID,
			Date:          d.TransactionDate,
			Amount:        d.Amount,
			Unpaid:        d.Amount.Sub(applied),
		})
	}
	return out
}

// AgeInDays is the number of whole days between date and asOf.
func AgeInDays(date, asOf time.Time) int {
	return int(math.Floor(asOf.Sub(date).Hours() / 24))
}

// add puts amount into the bucket matching ageDays.
func (b *AgingBucket) add(ageDays int, amount decimal.Decimal) {
	switch {
	case ageDays <= 30:
		b.Current = b.Current.Add(amount)
	case ageDays <= 60:
		b.Days30 = b.Days30.Add(amount)
	case ageDays <= 90:
		b.Days60 = b.Days60.Add(amount)
	default:
		b.Days90 = b.Days90.Add(amount)
	}
}

// Age buckets the unpaid remainder of debts after applying completed payments FIFO.
func Age(debts []Transaction, payments []Payment, asOf time.Time) (AgingBucket, []DebtRemainder) {
	paid := decimal.Zero
	for _, p := range payments {
		if p.Status == PaymentStatusCompleted {
			paid = paid.Add(p.Amount)
		}
	}
	remainders := ApplyFIFO(debts, paid)
	var bucket AgingBucket
	for _, r := range remainders {
		if !r.Unpaid.IsPositive() {
			continue
		}
		bucket.add(AgeInDays(r.Date, asOf), r.Unpaid)
	}
	return bucket, remainders
}

func sortAging(rows []AccountAging) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].AccountID < rows[j].AccountID })
}
