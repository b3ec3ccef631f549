package inventory

import (
	"context"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/larder-erp/larder/internal/platform/lock"
	"github.com/larder-erp/larder/internal/shared"
)

type memoryRepo struct {
	mu        sync.Mutex
	movements []Movement
	counts    map[int64]StockCount
	items     map[int64][]StockCountItem
	keys      map[string]bool
	nextID    int64
	writes    int
	scanned   int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{counts: make(map[int64]StockCount), items: make(map[int64][]StockCountItem), keys: make(map[string]bool)}
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	movements := append([]Movement(nil), r.movements...)
	counts := make(map[int64]StockCount, len(r.counts))
	for k, v := range r.counts {
		counts[k] = v
	}
	items := make(map[int64][]StockCountItem, len(r.items))
	for k, v := range r.items {
		items[k] = append([]StockCountItem(nil), v...)
	}
	keys := make(map[string]bool, len(r.keys))
	for k, v := range r.keys {
		keys[k] = v
	}
	writes := r.writes
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.movements, r.counts, r.items, r.keys, r.writes = movements, counts, items, keys, writes
		return err
	}
	return nil
}

func (r *memoryRepo) scan(warehouseID int64, cutoff time.Time, fn func(Movement) error) error {
	ordered := append([]Movement(nil), r.movements...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].MovementDate.Equal(ordered[j].MovementDate) {
			return ordered[i].MovementDate.Before(ordered[j].MovementDate)
		}
		return ordered[i].ID < ordered[j].ID
	})
	for _, m := range ordered {
		if m.WarehouseID != warehouseID || m.MovementDate.After(cutoff) {
			continue
		}
		r.scanned++
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (r *memoryRepo) ScanMovements(ctx context.Context, warehouseID int64, cutoff time.Time, fn func(Movement) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scan(warehouseID, cutoff, fn)
}

func (r *memoryRepo) GetStockCount(ctx context.Context, id int64) (StockCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.counts[id]
	if !ok {
		return StockCount{}, shared.NewNotFound("stock count", id)
	}
	sc.Items = r.sortedItems(id)
	return sc, nil
}

func (r *memoryRepo) sortedItems(id int64) []StockCountItem {
	out := append([]StockCountItem(nil), r.items[id]...)
	sort.Slice(out, func(i, j int) bool { return out[i].MaterialID < out[j].MaterialID })
	return out
}

func (r *memoryRepo) item(countID, materialID int64) (StockCountItem, bool) {
	for _, it := range r.items[countID] {
		if it.MaterialID == materialID {
			return it, true
		}
	}
	return StockCountItem{}, false
}

func (tx *memoryTx) ScanMovements(ctx context.Context, warehouseID int64, cutoff time.Time, fn func(Movement) error) error {
	return tx.repo.scan(warehouseID, cutoff, fn)
}

func (tx *memoryTx) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	if tx.repo.keys[module+"/"+key] {
		return shared.ErrIdempotencyConflict
	}
	tx.repo.keys[module+"/"+key] = true
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	tx.repo.writes++
	m.ID = tx.repo.id()
	tx.repo.movements = append(tx.repo.movements, m)
	return m.ID, nil
}

func (tx *memoryTx) InsertStockCount(ctx context.Context, sc StockCount) (int64, error) {
	tx.repo.writes++
	sc.ID = tx.repo.id()
	tx.repo.counts[sc.ID] = sc
	return sc.ID, nil
}

func (tx *memoryTx) GetStockCountForUpdate(ctx context.Context, id int64) (StockCount, error) {
	sc, ok := tx.repo.counts[id]
	if !ok {
		return StockCount{}, shared.NewNotFound("stock count", id)
	}
	return sc, nil
}

func (tx *memoryTx) ListItems(ctx context.Context, stockCountID int64) ([]StockCountItem, error) {
	return tx.repo.sortedItems(stockCountID), nil
}

func (tx *memoryTx) DeleteAutoItems(ctx context.Context, stockCountID int64) error {
	tx.repo.writes++
	var kept []StockCountItem
	for _, it := range tx.repo.items[stockCountID] {
		if it.IsManuallyAdded {
			kept = append(kept, it)
		}
	}
	tx.repo.items[stockCountID] = kept
	return nil
}

func (tx *memoryTx) InsertItems(ctx context.Context, items []StockCountItem) error {
	for _, it := range items {
		if _, dup := tx.repo.item(it.StockCountID, it.MaterialID); dup {
			return shared.ValidationError("duplicate material %d", it.MaterialID)
		}
		tx.repo.writes++
		it.ID = tx.repo.id()
		tx.repo.items[it.StockCountID] = append(tx.repo.items[it.StockCountID], it)
	}
	return nil
}

func (tx *memoryTx) UpdateItem(ctx context.Context, item StockCountItem) error {
	tx.repo.writes++
	list := tx.repo.items[item.StockCountID]
	for i := range list {
		if list[i].ID == item.ID {
			list[i] = item
			return nil
		}
	}
	return ErrItemNotFound
}

func (tx *memoryTx) UpdateCutoff(ctx context.Context, stockCountID int64, cutoff time.Time) error {
	tx.repo.writes++
	sc := tx.repo.counts[stockCountID]
	sc.CutoffAt = cutoff
	tx.repo.counts[stockCountID] = sc
	return nil
}

func (tx *memoryTx) UpdateStatus(ctx context.Context, stockCountID int64, status StockCountStatus) error {
	tx.repo.writes++
	sc := tx.repo.counts[stockCountID]
	sc.Status = status
	tx.repo.counts[stockCountID] = sc
	return nil
}

func at(d int) time.Time {
	return time.Date(2024, 4, d, 9, 0, 0, 0, time.UTC)
}

func (r *memoryRepo) move(warehouseID, materialID int64, t MovementType, qty float64, when time.Time) {
	r.movements = append(r.movements, Movement{ID: r.id(), WarehouseID: warehouseID, MaterialID: materialID, Type: t, Quantity: qty, MovementDate: when})
}

func TestCalculateStockAtDateTimeSignsAndFilters(t *testing.T) {
	repo := newMemoryRepo()
	repo.move(1, 10, MovementTypeIn, 20, at(1))
	repo.move(1, 10, MovementTypeOut, 5, at(2))
	repo.move(1, 10, MovementTypeWaste, -1, at(2))
	repo.move(1, 10, MovementTypeSale, 2, at(3))
	repo.move(1, 11, MovementTypeIn, 3, at(1))
	repo.move(1, 11, MovementTypeSale, 3, at(2))
	repo.move(1, 12, MovementTypeAdjust, -4, at(1))
	repo.move(1, 13, MovementTypeTransfer, 7.5, at(2))
	repo.move(1, 14, MovementTypeIn, 8, at(10))
	repo.move(2, 10, MovementTypeIn, 100, at(1))
	svc := NewService(repo, ServiceConfig{})

	levels, err := svc.CalculateStockAtDateTime(context.Background(), 1, at(5))
	require.NoError(t, err)
	require.Equal(t, []StockLevel{{MaterialID: 10, Quantity: 12}, {MaterialID: 13, Quantity: 7.5}}, levels)

	early, err := svc.CalculateStockAtDateTime(context.Background(), 1, at(1))
	require.NoError(t, err)
	require.Len(t, early, 2)
	require.Equal(t, int64(10), early[0].MaterialID)
	require.InDelta(t, 20.0, early[0].Quantity, 0.0001)

	for _, lvl := range early {
		require.Greater(t, lvl.Quantity, 0.0)
	}
}

func TestCalculateStockKeepsSmallestQuantity(t *testing.T) {
	repo := newMemoryRepo()
	repo.move(1, 10, MovementTypeIn, 0.0001, at(1))
	repo.move(1, 11, MovementTypeIn, 0.3, at(1))
	repo.move(1, 11, MovementTypeOut, 0.1, at(2))
	repo.move(1, 11, MovementTypeOut, 0.2, at(2))
	svc := NewService(repo, ServiceConfig{})

	levels, err := svc.CalculateStockAtDateTime(context.Background(), 1, at(3))
	require.NoError(t, err)
	require.Equal(t, []StockLevel{{MaterialID: 10, Quantity: 0.0001}}, levels)

	acc := NewStockAccumulator()
	require.NoError(t, acc.Add(Movement{MaterialID: 1, Type: MovementTypeIn, Quantity: 0.1}))
	require.NoError(t, acc.Add(Movement{MaterialID: 1, Type: MovementTypeIn, Quantity: 0.2}))
	require.Equal(t, 0.3, acc.Quantity(1))
}

func TestCalculateStockInclusiveCutoff(t *testing.T) {
	repo := newMemoryRepo()
	repo.move(1, 10, MovementTypeIn, 4, at(3))
	svc := NewService(repo, ServiceConfig{})

	levels, err := svc.CalculateStockAtDateTime(context.Background(), 1, at(3))
	require.NoError(t, err)
	require.Len(t, levels, 1)

	levels, err = svc.CalculateStockAtDateTime(context.Background(), 1, at(3).Add(-time.Second))
	require.NoError(t, err)
	require.Empty(t, levels)
}

func seedCount(t *testing.T, repo *memoryRepo, svc *Service) StockCount {
	t.Helper()
	repo.move(1, 10, MovementTypeIn, 10, at(1))
	repo.move(1, 11, MovementTypeIn, 6, at(1))
	repo.move(1, 12, MovementTypeIn, 2, at(1))
	repo.move(1, 10, MovementTypeIn, 5, at(4))
	repo.move(1, 12, MovementTypeSale, 2, at(4))
	sc, err := svc.CreateStockCount(context.Background(), CreateStockCountInput{Code: "SC-1", WarehouseID: 1, CutoffAt: at(2)})
	require.NoError(t, err)
	require.Len(t, sc.Items, 3)
	return sc
}

func itemFor(t *testing.T, sc StockCount, materialID int64) StockCountItem {
	t.Helper()
	for _, it := range sc.Items {
		if it.MaterialID == materialID {
			return it
		}
	}
	t.Fatalf("material %d not in stock count", materialID)
	return StockCountItem{}
}

func TestRecalculateStockCountPreservesCounts(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceConfig{Locker: lock.NewLocalLocker()})
	ctx := context.Background()
	sc := seedCount(t, repo, svc)

	item := itemFor(t, sc, 10)
	require.InDelta(t, 10.0, item.SystemStock, 0.0001)
	counted, err := svc.UpdateCountItem(ctx, CountEntryInput{StockCountID: sc.ID, ItemID: item.ID, CountedStock: 12, Reason: "found crate"})
	require.NoError(t, err)
	require.InDelta(t, 2.0, counted.Difference, 0.0001)

	res, err := svc.RecalculateStockCount(ctx, RecalculateStockCountInput{StockCountID: sc.ID, CutoffAt: at(5)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Preserved)
	require.Equal(t, 2, res.Items)

	after, err := svc.GetStockCount(ctx, sc.ID)
	require.NoError(t, err)
	require.Equal(t, StockCountInProgress, after.Status)
	require.Equal(t, at(5), after.CutoffAt)
	require.Len(t, after.Items, 2)

	item = itemFor(t, after, 10)
	require.InDelta(t, 12.0, item.CountedStock, 0.0001)
	require.InDelta(t, 15.0, item.SystemStock, 0.0001)
	require.InDelta(t, -3.0, item.Difference, 0.0001)
	require.Equal(t, "found crate", item.Reason)

	untouched := itemFor(t, after, 11)
	require.Zero(t, untouched.CountedStock)
	require.False(t, untouched.IsCompleted)
}

func TestRecalculateStockCountZeroCountHeuristic(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceConfig{})
	ctx := context.Background()
	sc := seedCount(t, repo, svc)

	// counted as empty on purpose
	_, err := svc.UpdateCountItem(ctx, CountEntryInput{StockCountID: sc.ID, ItemID: itemFor(t, sc, 11).ID, CountedStock: 0, IsCompleted: true, Reason: "spoiled"})
	require.NoError(t, err)
	// zero without completion is treated as untouched
	_, err = svc.UpdateCountItem(ctx, CountEntryInput{StockCountID: sc.ID, ItemID: itemFor(t, sc, 10).ID, CountedStock: 0, Reason: "draft"})
	require.NoError(t, err)

	res, err := svc.RecalculateStockCount(ctx, RecalculateStockCountInput{StockCountID: sc.ID, CutoffAt: at(3)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Preserved)

	after, err := svc.GetStockCount(ctx, sc.ID)
	require.NoError(t, err)
	spoiled := itemFor(t, after, 11)
	require.True(t, spoiled.IsCompleted)
	require.Equal(t, "spoiled", spoiled.Reason)
	require.InDelta(t, -6.0, spoiled.Difference, 0.0001)

	draft := itemFor(t, after, 10)
	require.Empty(t, draft.Reason)
	require.InDelta(t, 0.0, draft.Difference, 0.0001)
}

func TestRecalculateStockCountKeepsCountForVanishedMaterial(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceConfig{})
	ctx := context.Background()
	sc := seedCount(t, repo, svc)

	_, err := svc.UpdateCountItem(ctx, CountEntryInput{StockCountID: sc.ID, ItemID: itemFor(t, sc, 12).ID, CountedStock: 1})
	require.NoError(t, err)

	_, err = svc.RecalculateStockCount(ctx, RecalculateStockCountInput{StockCountID: sc.ID, CutoffAt: at(5)})
	require.NoError(t, err)

	after, err := svc.GetStockCount(ctx, sc.ID)
	require.NoError(t, err)
	kept := itemFor(t, after, 12)
	require.Zero(t, kept.SystemStock)
	require.InDelta(t, 1.0, kept.CountedStock, 0.0001)
	require.InDelta(t, 1.0, kept.Difference, 0.0001)
}

func TestRecalculateStockCountRefreshesManualItems(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceConfig{})
	ctx := context.Background()
	sc := seedCount(t, repo, svc)

	manual, err := svc.AddManualItem(ctx, ManualItemInput{StockCountID: sc.ID, MaterialID: 20, CountedStock: 4, Reason: "unlisted"})
	require.NoError(t, err)
	require.True(t, manual.IsManuallyAdded)
	require.Zero(t, manual.SystemStock)
	require.InDelta(t, 4.0, manual.Difference, 0.0001)

	_, err = svc.AddManualItem(ctx, ManualItemInput{StockCountID: sc.ID, MaterialID: 10})
	require.ErrorIs(t, err, shared.ErrValidation)

	repo.move(1, 20, MovementTypeIn, 3, at(3))
	res, err := svc.RecalculateStockCount(ctx, RecalculateStockCountInput{StockCountID: sc.ID, CutoffAt: at(5)})
	require.NoError(t, err)
	require.Equal(t, 1, res.ManualItems)

	after, err := svc.GetStockCount(ctx, sc.ID)
	require.NoError(t, err)
	refreshed := itemFor(t, after, 20)
	require.Equal(t, manual.ID, refreshed.ID)
	require.True(t, refreshed.IsManuallyAdded)
	require.InDelta(t, 4.0, refreshed.CountedStock, 0.0001)
	require.InDelta(t, 3.0, refreshed.SystemStock, 0.0001)
	require.InDelta(t, 1.0, refreshed.Difference, 0.0001)

	count := 0
	for _, it := range after.Items {
		if it.MaterialID == 20 {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestRecalculateStockCountRejectsClosedCountWithoutWrites(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceConfig{})
	ctx := context.Background()
	sc := seedCount(t, repo, svc)

	closed := repo.counts[sc.ID]
	closed.Status = StockCountCompleted
	repo.counts[sc.ID] = closed
	writes, scanned := repo.writes, repo.scanned

	_, err := svc.RecalculateStockCount(ctx, RecalculateStockCountInput{StockCountID: sc.ID, CutoffAt: at(5)})
	require.ErrorIs(t, err, shared.ErrInvalidState)
	var ise *shared.InvalidStateError
	require.ErrorAs(t, err, &ise)
	require.Equal(t, "COMPLETED", ise.State)
	require.Equal(t, writes, repo.writes)
	require.Equal(t, scanned, repo.scanned)
	require.Equal(t, at(2), repo.counts[sc.ID].CutoffAt)

	_, err = svc.RecalculateStockCount(ctx, RecalculateStockCountInput{StockCountID: 999, CutoffAt: at(5)})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = svc.UpdateCountItem(ctx, CountEntryInput{StockCountID: sc.ID, ItemID: sc.Items[0].ID, CountedStock: 1})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestRecalculateStockCountIsRepeatable(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceConfig{})
	ctx := context.Background()
	sc := seedCount(t, repo, svc)
	_, err := svc.UpdateCountItem(ctx, CountEntryInput{StockCountID: sc.ID, ItemID: itemFor(t, sc, 10).ID, CountedStock: 12, IsCompleted: true})
	require.NoError(t, err)

	_, err = svc.RecalculateStockCount(ctx, RecalculateStockCountInput{StockCountID: sc.ID, CutoffAt: at(5)})
	require.NoError(t, err)
	first, err := svc.GetStockCount(ctx, sc.ID)
	require.NoError(t, err)
	_, err = svc.RecalculateStockCount(ctx, RecalculateStockCountInput{StockCountID: sc.ID, CutoffAt: at(5)})
	require.NoError(t, err)
	second, err := svc.GetStockCount(ctx, sc.ID)
	require.NoError(t, err)

	require.Len(t, second.Items, len(first.Items))
	for i := range first.Items {
		a, b := first.Items[i], second.Items[i]
		require.Equal(t, a.MaterialID, b.MaterialID)
		require.InDelta(t, a.SystemStock, b.SystemStock, 0.0001)
		require.InDelta(t, a.CountedStock, b.CountedStock, 0.0001)
		require.Equal(t, a.IsCompleted, b.IsCompleted)
	}
}

func TestRecordMovementValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 1, Type: MovementTypeIn, Quantity: 0})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 1, Type: MovementTypeTransfer, Quantity: 1})
	require.ErrorIs(t, err, ErrInvalidMovementType)
	_, err = svc.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 1, Type: MovementTypeIn, Quantity: 1, RefID: "not-a-uuid"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 1, Type: MovementTypeOut, Quantity: 1, MovementDate: at(1)})
	require.ErrorIs(t, err, ErrNegativeStock)

	m, err := svc.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 1, Type: MovementTypeIn, Quantity: 5, MovementDate: at(1)})
	require.NoError(t, err)
	require.NotZero(t, m.ID)
	_, err = svc.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 1, Type: MovementTypeAdjust, Quantity: -2, MovementDate: at(2)})
	require.NoError(t, err)

	levels, err := svc.CalculateStockAtDateTime(ctx, 1, at(3))
	require.NoError(t, err)
	require.Equal(t, []StockLevel{{MaterialID: 1, Quantity: 3}}, levels)

	loose := NewService(repo, ServiceConfig{AllowNegativeStock: true})
	_, err = loose.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 1, Type: MovementTypeWaste, Quantity: 10, MovementDate: at(3)})
	require.NoError(t, err)
}

func TestRecordMovementRejectsBackdatedOverdraw(t *testing.T) {
	repo := newMemoryRepo()
	repo.move(1, 1, MovementTypeIn, 10, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	repo.move(1, 1, MovementTypeOut, 10, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	svc := NewService(repo, ServiceConfig{})
	ctx := context.Background()

	// stock on Jan 5 is 10, but the Jan 10 issue already consumed all of it
	_, err := svc.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 1, Type: MovementTypeOut, Quantity: 5, MovementDate: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.Len(t, repo.movements, 2)

	_, _, err = svc.RecordTransfer(ctx, TransferInput{MaterialID: 1, Quantity: 5, SrcWarehouse: 1, DstWarehouse: 2, MovementDate: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.Len(t, repo.movements, 2)

	// a later receipt makes room again from Jan 12 on
	repo.move(1, 1, MovementTypeIn, 4, time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC))
	_, err = svc.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 1, Type: MovementTypeOut, Quantity: 5, MovementDate: time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC)})
	require.ErrorIs(t, err, ErrNegativeStock)
	_, err = svc.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 1, Type: MovementTypeOut, Quantity: 4, MovementDate: time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	// movements on the same date count before the new one, whatever their insertion order
	repo.move(1, 2, MovementTypeOut, 3, at(2))
	repo.move(1, 2, MovementTypeIn, 5, at(2))
	_, err = svc.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 2, Type: MovementTypeSale, Quantity: 2, MovementDate: at(2)})
	require.NoError(t, err)
}

func TestRecordMovementRejectsNonFiniteQuantities(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceConfig{})
	ctx := context.Background()

	for _, qty := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0.00001} {
		_, err := svc.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 1, Type: MovementTypeIn, Quantity: qty, MovementDate: at(1)})
		require.ErrorIs(t, err, ErrInvalidQuantity)
		_, _, err = svc.RecordTransfer(ctx, TransferInput{MaterialID: 1, Quantity: qty, SrcWarehouse: 1, DstWarehouse: 2, MovementDate: at(1)})
		require.ErrorIs(t, err, ErrInvalidQuantity)
	}
	require.Empty(t, repo.movements)

	sc := seedCount(t, repo, NewService(repo, ServiceConfig{Locker: lock.NewLocalLocker()}))
	_, err := svc.UpdateCountItem(ctx, CountEntryInput{StockCountID: sc.ID, ItemID: sc.Items[0].ID, CountedStock: math.NaN()})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.AddManualItem(ctx, ManualItemInput{StockCountID: sc.ID, MaterialID: 99, CountedStock: math.Inf(1)})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRecordTransferWritesBothLegs(t *testing.T) {
	repo := newMemoryRepo()
	repo.move(1, 5, MovementTypeIn, 10, at(1))
	svc := NewService(repo, ServiceConfig{})
	ctx := context.Background()

	out, in, err := svc.RecordTransfer(ctx, TransferInput{MaterialID: 5, Quantity: 4, SrcWarehouse: 1, DstWarehouse: 2, MovementDate: at(2)})
	require.NoError(t, err)
	require.Equal(t, MovementTypeTransfer, out.Type)
	require.InDelta(t, -4.0, out.Quantity, 0.0001)
	require.InDelta(t, 4.0, in.Quantity, 0.0001)
	require.Equal(t, out.RefID, in.RefID)
	require.NotEmpty(t, out.RefID)

	src, err := svc.CalculateStockAtDateTime(ctx, 1, at(3))
	require.NoError(t, err)
	require.InDelta(t, 6.0, src[0].Quantity, 0.0001)
	dst, err := svc.CalculateStockAtDateTime(ctx, 2, at(3))
	require.NoError(t, err)
	require.InDelta(t, 4.0, dst[0].Quantity, 0.0001)

	before := len(repo.movements)
	_, _, err = svc.RecordTransfer(ctx, TransferInput{MaterialID: 5, Quantity: 40, SrcWarehouse: 1, DstWarehouse: 2, MovementDate: at(3)})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.Len(t, repo.movements, before)

	_, _, err = svc.RecordTransfer(ctx, TransferInput{MaterialID: 5, Quantity: 1, SrcWarehouse: 1, DstWarehouse: 1})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPlanRegenerationSkipsMaterialsWithManualItems(t *testing.T) {
	existing := []StockCountItem{
		{ID: 1, MaterialID: 1, SystemStock: 5, CountedStock: 7, Difference: 2},
		{ID: 2, MaterialID: 2, CountedStock: 3, IsManuallyAdded: true},
		{ID: 3, MaterialID: 3, SystemStock: 4},
	}
	plan := planRegeneration(9, []StockLevel{{MaterialID: 1, Quantity: 6}, {MaterialID: 2, Quantity: 1}, {MaterialID: 3, Quantity: 4}}, existing)

	require.Len(t, plan.Created, 2)
	require.Equal(t, int64(1), plan.Created[0].MaterialID)
	require.InDelta(t, 1.0, plan.Created[0].Difference, 0.0001)
	require.Equal(t, int64(9), plan.Created[0].StockCountID)
	require.Equal(t, int64(3), plan.Created[1].MaterialID)
	require.Len(t, plan.Manual, 1)
	require.InDelta(t, 1.0, plan.Manual[0].SystemStock, 0.0001)
	require.InDelta(t, 2.0, plan.Manual[0].Difference, 0.0001)
	require.Equal(t, 1, plan.Preserved)
}

func TestRecordMovementIdempotencyKey(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, ServiceConfig{})
	ctx := context.Background()
	input := MovementInput{WarehouseID: 1, MaterialID: 1, Type: MovementTypeIn, Quantity: 5, MovementDate: at(1), IdempotencyKey: "grn-77"}

	_, err := svc.RecordMovement(ctx, input)
	require.NoError(t, err)
	_, err = svc.RecordMovement(ctx, input)
	require.ErrorIs(t, err, shared.ErrInvalidState)
	require.Len(t, repo.movements, 1)

	// a rejected movement releases its key
	_, err = svc.RecordMovement(ctx, MovementInput{WarehouseID: 1, MaterialID: 2, Type: MovementTypeOut, Quantity: 1, MovementDate: at(1), IdempotencyKey: "issue-1"})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.False(t, repo.keys["inventory.movement/issue-1"])
}
