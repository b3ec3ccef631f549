package inventory

import (
	"fmt"
	"math"
	"time"

	"github.com/larder-erp/larder/internal/shared"
)

// MovementType enumerates stock movement kinds.
type MovementType string

const (
	// MovementTypeIn represents an inbound delivery.
	MovementTypeIn MovementType = "IN"
	// MovementTypeOut represents an outbound issue.
	MovementTypeOut MovementType = "OUT"
	// MovementTypeTransfer is one leg of a warehouse transfer, stored signed.
	MovementTypeTransfer MovementType = "TRANSFER"
	// MovementTypeAdjust is a manual correction, stored signed.
	MovementTypeAdjust MovementType = "ADJUST"
	// MovementTypeWaste records spoilage.
	MovementTypeWaste MovementType = "WASTE"
	// MovementTypeSale records consumption by a sale.
	MovementTypeSale MovementType = "SALE"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementTypeIn, MovementTypeOut, MovementTypeTransfer, MovementTypeAdjust, MovementTypeWaste, MovementTypeSale:
		return true
	}
	return false
}

// Movement is one append-only stock event.
type Movement struct {
	ID           int64
	MaterialID   int64
	WarehouseID  int64
	Type         MovementType
	Quantity     float64
	MovementDate time.Time
	RefModule    string
	RefID        string
	Note         string
	CreatedBy    int64
}

// Signed returns the quantity's effect on stock.
func (m Movement) Signed() float64 {
	switch m.Type {
	case MovementTypeIn:
		return math.Abs(m.Quantity)
	case MovementTypeOut, MovementTypeWaste, MovementTypeSale:
		return -math.Abs(m.Quantity)
	default:
		return m.Quantity
	}
}

// StockLevel is the reconstructed stock of one material.
type StockLevel struct {
	MaterialID int64   `json:"material_id"`
	Quantity   float64 `json:"quantity"`
}

// StockCountStatus enumerates stock count lifecycle states.
type StockCountStatus string

const (
	StockCountPlanning   StockCountStatus = "PLANNING"
	StockCountInProgress StockCountStatus = "IN_PROGRESS"
	StockCountCompleted  StockCountStatus = "COMPLETED"
	StockCountCancelled  StockCountStatus = "CANCELLED"
)

// Editable reports whether items may still change.
func (s StockCountStatus) Editable() bool {
	return s == StockCountPlanning || s == StockCountInProgress
}

// StockCount is a physical inventory session for one warehouse.
type StockCount struct {
	ID          int64            `json:"id"`
	Code        string           `json:"code"`
	WarehouseID int64            `json:"warehouse_id"`
	Status      StockCountStatus `json:"status"`
	CutoffAt    time.Time        `json:"cutoff_at"`
	Note        string           `json:"note,omitempty"`
	CreatedBy   int64            `json:"created_by,omitempty"`
	Items       []StockCountItem `json:"items,omitempty"`
}

// StockCountItem compares system stock with counted stock for one material.
type StockCountItem struct {
	ID              int64   `json:"id"`
	StockCountID    int64   `json:"stock_count_id"`
	MaterialID      int64   `json:"material_id"`
	SystemStock     float64 `json:"system_stock"`
	CountedStock    float64 `json:"counted_stock"`
	Difference      float64 `json:"difference"`
	Reason          string  `json:"reason,omitempty"`
	IsCompleted     bool    `json:"is_completed"`
	IsManuallyAdded bool    `json:"is_manually_added"`
}

// MovementInput records a single movement.
type MovementInput struct {
	WarehouseID    int64
	MaterialID     int64
	Type           MovementType
	Quantity       float64
	MovementDate   time.Time
	RefModule      string
	RefID          string
	Note           string
	ActorID        int64
	// IdempotencyKey, when set, makes a retried request fail instead of posting twice.
	IdempotencyKey string
}

// TransferInput moves stock between warehouses.
type TransferInput struct {
	MaterialID     int64
	Quantity       float64
	SrcWarehouse   int64
	DstWarehouse   int64
	MovementDate   time.Time
	RefID          string
	Note           string
	ActorID        int64
	IdempotencyKey string
}

// CreateStockCountInput opens a stock count snapshotted at CutoffAt.
type CreateStockCountInput struct {
	Code        string
	WarehouseID int64
	CutoffAt    time.Time
	Note        string
	ActorID     int64
}

// RecalculateStockCountInput moves a stock count to a new cutoff.
type RecalculateStockCountInput struct {
	StockCountID int64
	CutoffAt     time.Time
	ActorID      int64
}

// RecalculateStockCountResult summarises a regeneration.
type RecalculateStockCountResult struct {
	StockCountID int64     `json:"stock_count_id"`
	CutoffAt     time.Time `json:"cutoff_at"`
	Items        int       `json:"items"`
	Preserved    int       `json:"preserved"`
	ManualItems  int       `json:"manual_items"`
}

// CountEntryInput records a counted quantity for an item.
type CountEntryInput struct {
	StockCountID int64
	ItemID       int64
	CountedStock float64
	Reason       string
	IsCompleted  bool
	ActorID      int64
}

// ManualItemInput adds a material the snapshot did not include.
type ManualItemInput struct {
	StockCountID int64
	MaterialID   int64
	CountedStock float64
	Reason       string
	ActorID      int64
}

// ErrNegativeStock triggered when movement would result negative qty.
var ErrNegativeStock = fmt.Errorf("%w: inventory: negative stock not allowed", shared.ErrValidation)

// ErrInvalidQuantity indicates invalid qty.
var ErrInvalidQuantity = fmt.Errorf("%w: inventory: quantity must be non zero", shared.ErrValidation)

// ErrInvalidMovementType indicates an unknown or disallowed movement type.
var ErrInvalidMovementType = fmt.Errorf("%w: inventory: invalid movement type", shared.ErrValidation)

// ErrItemNotFound indicates the item does not belong to the stock count.
var ErrItemNotFound = fmt.Errorf("%w: inventory: stock count item", shared.ErrNotFound)
