package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/larder-erp/larder/internal/platform/db"
	"github.com/larder-erp/larder/internal/shared"
)

// Repository persists inventory data in PostgreSQL.
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

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const scanMovementsSQL = `SELECT id, material_id, warehouse_id, movement_type, quantity, movement_date
FROM stock_movements
WHERE warehouse_id = $1 AND movement_date <= $2
ORDER BY movement_date, id`

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanMovements(ctx context.Context, q rowQuerier, warehouseID int64, cutoff time.Time, fn func(Movement) error) error {
	rows, err := q.Query(ctx, scanMovementsSQL, warehouseID, cutoff)
	if err != nil {
		return err
	}
	var m Movement
	var movementType string
	var qty pgtype.Numeric
	_, err = pgx.ForEachRow(rows, []any{&m.ID, &m.MaterialID, &m.WarehouseID, &movementType, &qty, &m.MovementDate}, func() error {
		m.Type = MovementType(movementType)
		quantity, convErr := numericToFloat(qty)
		if convErr != nil {
			return convErr
		}
		m.Quantity = quantity
		return fn(m)
	})
	return err
}

// ScanMovements streams movements row by row.
func (r *Repository) ScanMovements(ctx context.Context, warehouseID int64, cutoff time.Time, fn func(Movement) error) error {
	return scanMovements(ctx, r.pool, warehouseID, cutoff, fn)
}

func (r *txRepo) ScanMovements(ctx context.Context, warehouseID int64, cutoff time.Time, fn func(Movement) error) error {
	return scanMovements(ctx, r.tx, warehouseID, cutoff, fn)
}

// GetStockCount loads a stock count with its items.
func (r *Repository) GetStockCount(ctx context.Context, id int64) (StockCount, error) {
	sc, err := scanStockCount(r.pool.QueryRow(ctx, stockCountSQL, id), id)
	if err != nil {
		return StockCount{}, err
	}
	sc.Items, err = listItems(ctx, r.pool, id)
	if err != nil {
		return StockCount{}, err
	}
	return sc, nil
}

const stockCountSQL = `SELECT id, code, warehouse_id, status, cutoff_at, note, COALESCE(created_by, 0)
FROM stock_counts WHERE id = $1`

func scanStockCount(row pgx.Row, id int64) (StockCount, error) {
	var sc StockCount
	var status string
	err := row.Scan(&sc.ID, &sc.Code, &sc.WarehouseID, &status, &sc.CutoffAt, &sc.Note, &sc.CreatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockCount{}, shared.NewNotFound("stock count", id)
		}
		return StockCount{}, err
	}
	sc.Status = StockCountStatus(status)
	return sc, nil
}

func listItems(ctx context.Context, q rowQuerier, stockCountID int64) ([]StockCountItem, error) {
	rows, err := q.Query(ctx, `SELECT id, stock_count_id, material_id, system_stock, counted_stock, difference,
reason, is_completed, is_manually_added
FROM stock_count_items WHERE stock_count_id = $1
ORDER BY material_id`, stockCountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []StockCountItem
	for rows.Next() {
		var item StockCountItem
		var system, counted, diff pgtype.Numeric
		if err := rows.Scan(&item.ID, &item.StockCountID, &item.MaterialID, &system, &counted, &diff,
			&item.Reason, &item.IsCompleted, &item.IsManuallyAdded); err != nil {
			return nil, err
		}
		if item.SystemStock, err = numericToFloat(system); err != nil {
			return nil, err
		}
		if item.CountedStock, err = numericToFloat(counted); err != nil {
			return nil, err
		}
		if item.Difference, err = numericToFloat(diff); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *txRepo) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	return shared.ClaimIdempotencyKey(ctx, r.tx, key, module)
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	qty, err := floatToNumeric(m.Quantity)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.tx.QueryRow(ctx, `INSERT INTO stock_movements
    (material_id, warehouse_id, movement_type, quantity, movement_date, ref_module, ref_id, note, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`,
		m.MaterialID, m.WarehouseID, string(m.Type), qty, m.MovementDate, m.RefModule,
		pgtype.UUID{Bytes: parseUUID(m.RefID), Valid: m.RefID != ""}, m.Note,
		pgtype.Int8{Int64: m.CreatedBy, Valid: m.CreatedBy != 0}).Scan(&id)
	return id, err
}

func (r *txRepo) InsertStockCount(ctx context.Context, sc StockCount) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_counts (code, warehouse_id, status, cutoff_at, note, created_by)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
		sc.Code, sc.WarehouseID, string(sc.Status), sc.CutoffAt, sc.Note,
		pgtype.Int8{Int64: sc.CreatedBy, Valid: sc.CreatedBy != 0}).Scan(&id)
	return id, err
}

func (r *txRepo) GetStockCountForUpdate(ctx context.Context, id int64) (StockCount, error) {
	return scanStockCount(r.tx.QueryRow(ctx, stockCountSQL+` FOR UPDATE`, id), id)
}

func (r *txRepo) ListItems(ctx context.Context, stockCountID int64) ([]StockCountItem, error) {
	return listItems(ctx, r.tx, stockCountID)
}

func (r *txRepo) DeleteAutoItems(ctx context.Context, stockCountID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM stock_count_items WHERE stock_count_id = $1 AND NOT is_manually_added`, stockCountID)
	return err
}

// InsertItems writes all items in one batch round trip.
func (r *txRepo) InsertItems(ctx context.Context, items []StockCountItem) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, item := range items {
		system, counted, diff, err := itemNumerics(item)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO stock_count_items
    (stock_count_id, material_id, system_stock, counted_stock, difference, reason, is_completed, is_manually_added)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			item.StockCountID, item.MaterialID, system, counted, diff, item.Reason, item.IsCompleted, item.IsManuallyAdded)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepo) UpdateItem(ctx context.Context, item StockCountItem) error {
	system, counted, diff, err := itemNumerics(item)
	if err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `UPDATE stock_count_items
SET system_stock = $3, counted_stock = $4, difference = $5, reason = $6, is_completed = $7, updated_at = NOW()
WHERE id = $1 AND stock_count_id = $2`,
		item.ID, item.StockCountID, system, counted, diff, item.Reason, item.IsCompleted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *txRepo) UpdateCutoff(ctx context.Context, stockCountID int64, cutoff time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_counts SET cutoff_at = $2, updated_at = NOW() WHERE id = $1`, stockCountID, cutoff)
	return err
}

func (r *txRepo) UpdateStatus(ctx context.Context, stockCountID int64, status StockCountStatus) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_counts SET status = $2, updated_at = NOW() WHERE id = $1`, stockCountID, string(status))
	return err
}

func parseUUID(s string) [16]byte {
	if s == "" {
		return [16]byte{}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}
	}
	return id
}

func numericToFloat(n pgtype.Numeric) (float64, error) {
	if !n.Valid {
		return 0, nil
	}
	f, err := n.Float64Value()
	if err != nil {
		return 0, fmt.Errorf("inventory: numeric to float: %w", err)
	}
	return f.Float64, nil
}

func floatToNumeric(f float64) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return n, fmt.Errorf("%w: inventory: quantity %v is not a finite number", shared.ErrValidation, f)
	}
	if err := n.Scan(strconv.FormatFloat(f, 'f', quantityPlaces, 64)); err != nil {
		return n, fmt.Errorf("inventory: float to numeric: %w", err)
	}
	return n, nil
}

// itemNumerics converts the three quantity columns of an item.
func itemNumerics(item StockCountItem) (system, counted, diff pgtype.Numeric, err error) {
	if system, err = floatToNumeric(item.SystemStock); err != nil {
		return
	}
	if counted, err = floatToNumeric(item.CountedStock); err != nil {
		return
	}
	diff, err = floatToNumeric(item.Difference)
	return
}
