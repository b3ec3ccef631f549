package inventory

import (
	"math"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/larder-erp/larder/internal/shared"
)

func TestQuantityNumericConversion(t *testing.T) {
	n, err := floatToNumeric(12.3456)
	require.NoError(t, err)
	require.True(t, n.Valid)
	f, err := numericToFloat(n)
	require.NoError(t, err)
	require.Equal(t, 12.3456, f)

	f, err = numericToFloat(pgtype.Numeric{})
	require.NoError(t, err)
	require.Zero(t, f)

	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err = floatToNumeric(bad)
		require.ErrorIs(t, err, shared.ErrValidation)
	}

	_, _, _, err = itemNumerics(StockCountItem{SystemStock: 4, CountedStock: math.Inf(1)})
	require.ErrorIs(t, err, shared.ErrValidation)
	system, counted, diff, err := itemNumerics(StockCountItem{SystemStock: 4, CountedStock: 6, Difference: 2})
	require.NoError(t, err)
	for _, v := range []pgtype.Numeric{system, counted, diff} {
		require.True(t, v.Valid)
	}
}
