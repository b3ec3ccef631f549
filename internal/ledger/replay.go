package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Events are ordered by (timestamp, kind rank, id). Transactions rank before payments so a
// same-instant payment never lands between a debt and its own snapshot.
type eventKind int

const (
	eventTransaction eventKind = iota
	eventPayment
)

type event struct {
	kind   eventKind
	at     time.Time
	id     int64
	amount decimal.Decimal
	tx     *Transaction
	pay    *Payment
}

func (e event) before(o event) bool {
	if !e.at.Equal(o.at) {
		return e.at.Before(o.at)
	}
	if e.kind != o.kind {
		return e.kind < o.kind
	}
	return e.id < o.id
}

// orderEvents merges transactions and completed payments into one ledger sequence.
// payments must already exclude payments mirrored by a PAYMENT transaction.
func orderEvents(txs []Transaction, payments []Payment) []event {
	events := make([]event, 0, len(txs)+len(payments))
	for i := range txs {
		events = append(events, event{
			kind:   eventTransaction,
			at:     txs[i].TransactionDate,
			id:     txs[i].ID,
			amount: txs[i].Amount,
			tx:     &txs[i],
		})
	}
	for i := range payments {
		if payments[i].Status != PaymentStatusCompleted {
			continue
		}
		events = append(events, event{
			kind:   eventPayment,
			at:     payments[i].PaymentDate,
			id:     payments[i].ID,
			amount: payments[i].Amount.Neg(),
			pay:    &payments[i],
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].before(events[j]) })
	return events
}

// ReplayResult is the outcome of walking a ledger sequence.
type ReplayResult struct {
	Snapshots       []Snapshot
	Closing         decimal.Decimal
	PaymentsApplied int
	LastEventAt     *time.Time
}

// Replay walks transactions and unmirrored completed payments in ledger order starting from
// start. Every transaction gets a snapshot; payments only move the running balance.
func Replay(start decimal.Decimal, txs []Transaction, payments []Payment) ReplayResult {
	running := start
	res := ReplayResult{Snapshots: make([]Snapshot, 0, len(txs))}
	for _, ev := range orderEvents(txs, payments) {
		at := ev.at
		res.LastEventAt = &at
		if ev.kind == eventPayment {
			running = running.Add(ev.amount)
			res.PaymentsApplied++
			continue
		}
		before := running
		running = running.Add(ev.amount)
		res.Snapshots = append(res.Snapshots, Snapshot{
			TransactionID: ev.id,
			BalanceBefore: before,
			BalanceAfter:  running,
		})
	}
	res.Closing = running
	return res
}

// BalanceBefore returns the balance as of just before cutoff.
func BalanceBefore(opening decimal.Decimal, txs []Transaction, payments []Payment, cutoff time.Time) decimal.Decimal {
	balance := opening
	for _, tx := range txs {
		if tx.TransactionDate.Before(cutoff) {
			balance = balance.Add(tx.Amount)
		}
	}
	for _, p := range payments {
		if p.Status == PaymentStatusCompleted && p.PaymentDate.Before(cutoff) {
			balance = balance.Sub(p.Amount)
		}
	}
	return balance
}

// Unmirrored keeps the completed payments that no PAYMENT transaction references.
func Unmirrored(txs []Transaction, payments []Payment) []Payment {
	mirrored := make(map[int64]struct{}, len(txs))
	for _, tx := range txs {
		if tx.PaymentID != nil {
			mirrored[*tx.PaymentID] = struct{}{}
		}
	}
	out := make([]Payment, 0, len(payments))
	for _, p := range payments {
		if p.Status != PaymentStatusCompleted {
			continue
		}
		if _, ok := mirrored[p.ID]; ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SortTransactions orders transactions by ledger order in place.
func SortTransactions(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].TransactionDate.Equal(txs[j].TransactionDate) {
			return txs[i].TransactionDate.Before(txs[j].TransactionDate)
		}
		return txs[i].ID < txs[j].ID
	})
}
