package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestApplyFIFO(t *testing.T) {
	debts := []Transaction{
		{ID: 3, TransactionDate: day(2024, 1, 3), Type: TransactionTypeDebt, Amount: dec("30")},
		{ID: 1, TransactionDate: day(2024, 1, 1), Type: TransactionTypeDebt, Amount: dec("100")},
		{ID: 2, TransactionDate: day(2024, 1, 2), Type: TransactionTypeDebt, Amount: dec("50")},
		{ID: 4, TransactionDate: day(2024, 1, 2), Type: TransactionTypeAdjustment, Amount: dec("999")},
	}

	out := ApplyFIFO(debts, dec("120"))

	require.Len(t, out, 3)
	require.Equal(t, []int64{1, 2, 3}, []int64{out[0].TransactionID, out[1].TransactionID, out[2].TransactionID})
	requireDecimal(t, "0", out[0].Unpaid)
	requireDecimal(t, "30", out[1].Unpaid)
	requireDecimal(t, "30", out[2].Unpaid)
}

func TestApplyFIFOOverpaid(t *testing.T) {
	debts := []Transaction{{ID: 1, TransactionDate: day(2024, 1, 1), Type: TransactionTypeDebt, Amount: dec("10")}}
	out := ApplyFIFO(debts, dec("500"))
	requireDecimal(t, "0", out[0].Unpaid)
}

func TestAgeBucketsBoundaries(t *testing.T) {
	asOf := day(2024, 6, 30)
	debts := []Transaction{
		{ID: 1, TransactionDate: asOf.AddDate(0, 0, -30), Type: TransactionTypeDebt, Amount: dec("1")},
		{ID: 2, TransactionDate: asOf.AddDate(0, 0, -31), Type: TransactionTypeDebt, Amount: dec("2")},
		{ID: 3, TransactionDate: asOf.AddDate(0, 0, -60), Type: TransactionTypeDebt, Amount: dec("4")},
		{ID: 4, TransactionDate: asOf.AddDate(0, 0, -61), Type: TransactionTypeDebt, Amount: dec("8")},
		{ID: 5, TransactionDate: asOf.AddDate(0, 0, -90), Type: TransactionTypeDebt, Amount: dec("16")},
		{ID: 6, TransactionDate: asOf.AddDate(0, 0, -91), Type: TransactionTypeDebt, Amount: dec("32")},
		{ID: 7, TransactionDate: asOf.AddDate(0, 0, 5), Type: TransactionTypeDebt, Amount: dec("64")},
	}

	bucket, _ := Age(debts, nil, asOf)

	requireDecimal(t, "65", bucket.Current)
	requireDecimal(t, "6", bucket.Days30)
	requireDecimal(t, "24", bucket.Days60)
	requireDecimal(t, "32", bucket.Days90)
}

func TestAgeScenario(t *testing.T) {
	debts := []Transaction{{ID: 1, TransactionDate: day(2024, 1, 1), Type: TransactionTypeDebt, Amount: dec("1000")}}
	payments := []Payment{
		{ID: 7, Amount: dec("400"), Status: PaymentStatusCompleted, PaymentDate: day(2024, 1, 10)},
		{ID: 8, Amount: dec("300"), Status: PaymentStatusPending, PaymentDate: day(2024, 1, 11)},
	}

	bucket, _ := Age(debts, payments, day(2024, 2, 15))

	requireDecimal(t, "0", bucket.Current)
	requireDecimal(t, "600", bucket.Days30)
	requireDecimal(t, "0", bucket.Days60)
	requireDecimal(t, "0", bucket.Days90)
}

func TestAgeCompleteness(t *testing.T) {
	asOf := day(2024, 12, 31)
	var debts []Transaction
	total := decimal.Zero
	for i := 0; i < 12; i++ {
		amount := decimal.NewFromInt(int64(10 * (i + 1)))
		total = total.Add(amount)
		debts = append(debts, Transaction{
			ID:              int64(i + 1),
			TransactionDate: asOf.Add(-time.Duration(i*11) * 24 * time.Hour),
			Type:            TransactionTypeDebt,
			Amount:          amount,
		})
	}
	for _, paid := range []string{"0", "35", "390", "780", "2000"} {
		bucket, _ := Age(debts, []Payment{{ID: 1, Amount: dec(paid), Status: PaymentStatusCompleted}}, asOf)
		want := decimal.Max(total.Sub(dec(paid)), decimal.Zero)
		require.Truef(t, want.Equal(bucket.Total()), "paid %s: want %s got %s", paid, want, bucket.Total())
		for _, v := range []decimal.Decimal{bucket.Current, bucket.Days30, bucket.Days60, bucket.Days90} {
			require.False(t, v.IsNegative())
		}
	}
}

func TestAgeInDaysFloors(t *testing.T) {
	asOf := time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC)
	require.Equal(t, 30, AgeInDays(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), asOf))
	require.Equal(t, -1, AgeInDays(asOf.Add(time.Hour), asOf))
}
