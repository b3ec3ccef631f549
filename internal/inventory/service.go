package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/larder-erp/larder/internal/platform/lock"
	"github.com/larder-erp/larder/internal/shared"
)

// MovementScanner streams movements of a warehouse dated at or before cutoff, ordered by
// movement date then id.
type MovementScanner interface {
	ScanMovements(ctx context.Context, warehouseID int64, cutoff time.Time, fn func(Movement) error) error
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	MovementScanner
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetStockCount(ctx context.Context, id int64) (StockCount, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	MovementScanner
	ClaimIdempotencyKey(ctx context.Context, key, module string) error
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	InsertStockCount(ctx context.Context, sc StockCount) (int64, error)
	GetStockCountForUpdate(ctx context.Context, id int64) (StockCount, error)
	ListItems(ctx context.Context, stockCountID int64) ([]StockCountItem, error)
	DeleteAutoItems(ctx context.Context, stockCountID int64) error
	InsertItems(ctx context.Context, items []StockCountItem) error
	UpdateItem(ctx context.Context, item StockCountItem) error
	UpdateCutoff(ctx context.Context, stockCountID int64, cutoff time.Time) error
	UpdateStatus(ctx context.Context, stockCountID int64, status StockCountStatus) error
}

// Metrics records recalculation outcomes.
type Metrics interface {
	ObserveRecalculation(scope string, duration time.Duration, err error)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
	Locker             lock.Locker
	Metrics            Metrics
	Logger             *slog.Logger
}

// Service coordinates inventory operations.
type Service struct {
	repo     RepositoryPort
	allowNeg bool
	locker   lock.Locker
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		allowNeg: cfg.AllowNegativeStock,
		locker:   cfg.Locker,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CalculateStockAtDateTime replays the warehouse movement log up to cutoff and returns the
// materials with positive stock ordered by material id.
func (s *Service) CalculateStockAtDateTime(ctx context.Context, warehouseID int64, cutoff time.Time) ([]StockLevel, error) {
	if warehouseID <= 0 {
		return nil, shared.ValidationError("warehouse id required")
	}
	if cutoff.IsZero() {
		cutoff = s.now()
	}
	acc, err := accumulate(ctx, s.repo, warehouseID, cutoff)
	if err != nil {
		return nil, err
	}
	return acc.Snapshot(), nil
}

func accumulate(ctx context.Context, scanner MovementScanner, warehouseID int64, cutoff time.Time) (*StockAccumulator, error) {
	acc := NewStockAccumulator()
	if err := scanner.ScanMovements(ctx, warehouseID, cutoff, acc.Add); err != nil {
		return nil, fmt.Errorf("inventory: scan movements: %w", err)
	}
	return acc, nil
}

// RecordMovement appends a single non-transfer movement.
func (s *Service) RecordMovement(ctx context.Context, input MovementInput) (Movement, error) {
	if input.WarehouseID <= 0 || input.MaterialID <= 0 {
		return Movement{}, shared.ValidationError("warehouse and material required")
	}
	if !input.Type.Valid() || input.Type == MovementTypeTransfer {
		return Movement{}, ErrInvalidMovementType
	}
	if !finite(input.Quantity) || math.Abs(input.Quantity) < stockEpsilon {
		return Movement{}, ErrInvalidQuantity
	}
	if input.Type != MovementTypeAdjust && input.Quantity < 0 {
		return Movement{}, shared.ValidationError("%s quantity must be positive", input.Type)
	}
	if err := validateRef(input.RefID); err != nil {
		return Movement{}, err
	}
	m := Movement{
		MaterialID:   input.MaterialID,
		WarehouseID:  input.WarehouseID,
		Type:         input.Type,
		Quantity:     input.Quantity,
		MovementDate: s.dateOrNow(input.MovementDate),
		RefModule:    input.RefModule,
		RefID:        input.RefID,
		Note:         input.Note,
		CreatedBy:    input.ActorID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := claim(ctx, tx, input.IdempotencyKey, "inventory.movement"); err != nil {
			return err
		}
		if err := s.checkNegative(ctx, tx, m); err != nil {
			return err
		}
		id, err := tx.InsertMovement(ctx, m)
		if err != nil {
			return err
		}
		m.ID = id
		return nil
	})
	if err != nil {
		return Movement{}, err
	}
	return m, nil
}

// RecordTransfer writes the two TRANSFER legs: negative at the source, positive at the
// destination, in one unit of work.
func (s *Service) RecordTransfer(ctx context.Context, input TransferInput) (Movement, Movement, error) {
	if input.SrcWarehouse <= 0 || input.DstWarehouse <= 0 || input.MaterialID <= 0 {
		return Movement{}, Movement{}, shared.ValidationError("warehouses and material required")
	}
	if input.SrcWarehouse == input.DstWarehouse {
		return Movement{}, Movement{}, shared.ValidationError("source and destination warehouse must differ")
	}
	if !finite(input.Quantity) || input.Quantity < stockEpsilon {
		return Movement{}, Movement{}, ErrInvalidQuantity
	}
	refID := input.RefID
	if refID == "" {
		refID = uuid.NewString()
	} else if err := validateRef(refID); err != nil {
		return Movement{}, Movement{}, err
	}
	at := s.dateOrNow(input.MovementDate)
	out := Movement{
		MaterialID:   input.MaterialID,
		WarehouseID:  input.SrcWarehouse,
		Type:         MovementTypeTransfer,
		Quantity:     -input.Quantity,
		MovementDate: at,
		RefModule:    "transfer",
		RefID:        refID,
		Note:         fmt.Sprintf("Transfer to %d: %s", input.DstWarehouse, input.Note),
		CreatedBy:    input.ActorID,
	}
	in := out
	in.WarehouseID = input.DstWarehouse
	in.Quantity = input.Quantity
	in.Note = fmt.Sprintf("Transfer from %d: %s", input.SrcWarehouse, input.Note)

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := claim(ctx, tx, input.IdempotencyKey, "inventory.transfer"); err != nil {
			return err
		}
		if err := s.checkNegative(ctx, tx, out); err != nil {
			return err
		}
		var err error
		if out.ID, err = tx.InsertMovement(ctx, out); err != nil {
			return err
		}
		in.ID, err = tx.InsertMovement(ctx, in)
		return err
	})
	if err != nil {
		return Movement{}, Movement{}, err
	}
	return out, in, nil
}

func claim(ctx context.Context, tx TxRepository, key, module string) error {
	if key == "" {
		return nil
	}
	return tx.ClaimIdempotencyKey(ctx, key, module)
}

// checkNegative rejects a decrease that drives the material below zero at its own date or at
// any later point up to today.
func (s *Service) checkNegative(ctx context.Context, tx TxRepository, m Movement) error {
	if s.allowNeg || m.Signed() >= 0 {
		return nil
	}
	guard := newStockGuard(m)
	if err := tx.ScanMovements(ctx, m.WarehouseID, guardHorizon(m.MovementDate, s.now()), guard.Add); err != nil {
		return fmt.Errorf("inventory: scan movements: %w", err)
	}
	if guard.Lowest().IsNegative() {
		return ErrNegativeStock
	}
	return nil
}

// CreateStockCount opens a stock count in PLANNING with one item per material in stock at
// the cutoff.
func (s *Service) CreateStockCount(ctx context.Context, input CreateStockCountInput) (StockCount, error) {
	if input.WarehouseID <= 0 {
		return StockCount{}, shared.ValidationError("warehouse id required")
	}
	sc := StockCount{
		Code:        input.Code,
		WarehouseID: input.WarehouseID,
		Status:      StockCountPlanning,
		CutoffAt:    s.dateOrNow(input.CutoffAt),
		Note:        input.Note,
		CreatedBy:   input.ActorID,
	}
	if sc.Code == "" {
		sc.Code = fmt.Sprintf("SC-%d", s.now().UnixNano())
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertStockCount(ctx, sc)
		if err != nil {
			return err
		}
		sc.ID = id
		acc, err := accumulate(ctx, tx, sc.WarehouseID, sc.CutoffAt)
		if err != nil {
			return err
		}
		plan := planRegeneration(sc.ID, acc.Snapshot(), nil)
		if err := tx.InsertItems(ctx, plan.Created); err != nil {
			return err
		}
		sc.Items, err = tx.ListItems(ctx, sc.ID)
		return err
	})
	if err != nil {
		return StockCount{}, err
	}
	return sc, nil
}

// GetStockCount loads a stock count with its items.
func (s *Service) GetStockCount(ctx context.Context, id int64) (StockCount, error) {
	if id <= 0 {
		return StockCount{}, shared.ValidationError("stock count id required")
	}
	return s.repo.GetStockCount(ctx, id)
}

// RecalculateStockCount regenerates the auto items of an editable stock count at a new cutoff
// while keeping every count the user entered.
func (s *Service) RecalculateStockCount(ctx context.Context, input RecalculateStockCountInput) (RecalculateStockCountResult, error) {
	if input.StockCountID <= 0 {
		return RecalculateStockCountResult{}, shared.ValidationError("stock count id required")
	}
	if input.CutoffAt.IsZero() {
		return RecalculateStockCountResult{}, shared.ValidationError("cutoff required")
	}
	started := time.Now()
	var result RecalculateStockCountResult
	err := s.withCountLock(ctx, input.StockCountID, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sc, err := s.editableCount(ctx, tx, input.StockCountID)
			if err != nil {
				return err
			}
			items, err := tx.ListItems(ctx, sc.ID)
			if err != nil {
				return err
			}
			acc, err := accumulate(ctx, tx, sc.WarehouseID, input.CutoffAt)
			if err != nil {
				return err
			}
			plan := planRegeneration(sc.ID, acc.Snapshot(), items)

			if err := tx.DeleteAutoItems(ctx, sc.ID); err != nil {
				return fmt.Errorf("inventory: delete items: %w", err)
			}
			if err := tx.InsertItems(ctx, plan.Created); err != nil {
				return fmt.Errorf("inventory: insert items: %w", err)
			}
			for _, item := range plan.Manual {
				if err := tx.UpdateItem(ctx, item); err != nil {
					return fmt.Errorf("inventory: refresh manual item %d: %w", item.ID, err)
				}
			}
			if err := tx.UpdateCutoff(ctx, sc.ID, input.CutoffAt); err != nil {
				return err
			}
			result = RecalculateStockCountResult{
				StockCountID: sc.ID,
				CutoffAt:     input.CutoffAt,
				Items:        len(plan.Created) + len(plan.Manual),
				Preserved:    plan.Preserved,
				ManualItems:  len(plan.Manual),
			}
			return nil
		})
	})
	if s.metrics != nil {
		s.metrics.ObserveRecalculation("stock_count", time.Since(started), err)
	}
	if err != nil {
		return RecalculateStockCountResult{}, err
	}
	s.logger.Info("stock count recalculated",
		slog.Int64("stock_count_id", result.StockCountID),
		slog.Int("items", result.Items),
		slog.Int("preserved", result.Preserved),
		slog.Int64("actor_id", input.ActorID))
	return result, nil
}

// UpdateCountItem records a counted quantity. The first count moves the stock count to
// IN_PROGRESS.
func (s *Service) UpdateCountItem(ctx context.Context, input CountEntryInput) (StockCountItem, error) {
	if !finite(input.CountedStock) || input.CountedStock < 0 {
		return StockCountItem{}, shared.ValidationError("counted stock must be a non-negative number")
	}
	var updated StockCountItem
	err := s.withCountLock(ctx, input.StockCountID, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sc, err := s.editableCount(ctx, tx, input.StockCountID)
			if err != nil {
				return err
			}
			items, err := tx.ListItems(ctx, sc.ID)
			if err != nil {
				return err
			}
			found := false
			for _, item := range items {
				if item.ID == input.ItemID {
					updated, found = item, true
					break
				}
			}
			if !found {
				return ErrItemNotFound
			}
			updated.CountedStock = input.CountedStock
			updated.Difference = input.CountedStock - updated.SystemStock
			updated.Reason = input.Reason
			updated.IsCompleted = input.IsCompleted
			if err := tx.UpdateItem(ctx, updated); err != nil {
				return err
			}
			if sc.Status == StockCountPlanning {
				return tx.UpdateStatus(ctx, sc.ID, StockCountInProgress)
			}
			return nil
		})
	})
	if err != nil {
		return StockCountItem{}, err
	}
	return updated, nil
}

// AddManualItem adds a material outside the automatic snapshot.
func (s *Service) AddManualItem(ctx context.Context, input ManualItemInput) (StockCountItem, error) {
	if input.MaterialID <= 0 {
		return StockCountItem{}, shared.ValidationError("material id required")
	}
	if !finite(input.CountedStock) || input.CountedStock < 0 {
		return StockCountItem{}, shared.ValidationError("counted stock must be a non-negative number")
	}
	var item StockCountItem
	err := s.withCountLock(ctx, input.StockCountID, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sc, err := s.editableCount(ctx, tx, input.StockCountID)
			if err != nil {
				return err
			}
			items, err := tx.ListItems(ctx, sc.ID)
			if err != nil {
				return err
			}
			for _, existing := range items {
				if existing.MaterialID == input.MaterialID {
					return shared.ValidationError("material %d already in stock count %d", input.MaterialID, sc.ID)
				}
			}
			acc, err := accumulate(ctx, tx, sc.WarehouseID, sc.CutoffAt)
			if err != nil {
				return err
			}
			var system float64
			if q := acc.Quantity(input.MaterialID); q > 0 {
				system = q
			}
			item = StockCountItem{
				StockCountID:    sc.ID,
				MaterialID:      input.MaterialID,
				SystemStock:     system,
				CountedStock:    input.CountedStock,
				Difference:      input.CountedStock - system,
				Reason:          input.Reason,
				IsManuallyAdded: true,
			}
			if err := tx.InsertItems(ctx, []StockCountItem{item}); err != nil {
				return err
			}
			refreshed, err := tx.ListItems(ctx, sc.ID)
			if err != nil {
				return err
			}
			for _, r := range refreshed {
				if r.MaterialID == input.MaterialID {
					item = r
				}
			}
			return nil
		})
	})
	if err != nil {
		return StockCountItem{}, err
	}
	return item, nil
}

// editableCount locks the stock count row and fails before any write unless it is editable.
func (s *Service) editableCount(ctx context.Context, tx TxRepository, id int64) (StockCount, error) {
	sc, err := tx.GetStockCountForUpdate(ctx, id)
	if err != nil {
		return StockCount{}, err
	}
	if !sc.Status.Editable() {
		return StockCount{}, &shared.InvalidStateError{
			Entity:  "stock count",
			ID:      sc.ID,
			State:   string(sc.Status),
			Allowed: []string{string(StockCountPlanning), string(StockCountInProgress)},
		}
	}
	return sc, nil
}

func (s *Service) withCountLock(ctx context.Context, id int64, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	return s.locker.WithLock(ctx, shared.StockCountLockKey(id), fn)
}

func (s *Service) dateOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func validateRef(refID string) error {
	if refID == "" {
		return nil
	}
	if _, err := uuid.Parse(refID); err != nil {
		return fmt.Errorf("%w: inventory: invalid ref id: %v", shared.ErrValidation, err)
	}
	return nil
}
