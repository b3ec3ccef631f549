package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/larder-erp/larder/internal/platform/httpx"
	"github.com/larder-erp/larder/internal/shared"
)

// API is the service surface consumed by Handler.
type API interface {
	CalculateStockAtDateTime(ctx context.Context, warehouseID int64, cutoff time.Time) ([]StockLevel, error)
	RecordMovement(ctx context.Context, input MovementInput) (Movement, error)
	RecordTransfer(ctx context.Context, input TransferInput) (Movement, Movement, error)
	CreateStockCount(ctx context.Context, input CreateStockCountInput) (StockCount, error)
	GetStockCount(ctx context.Context, id int64) (StockCount, error)
	RecalculateStockCount(ctx context.Context, input RecalculateStockCountInput) (RecalculateStockCountResult, error)
	UpdateCountItem(ctx context.Context, input CountEntryInput) (StockCountItem, error)
	AddManualItem(ctx context.Context, input ManualItemInput) (StockCountItem, error)
}

// Auditor records completed mutations.
type Auditor interface {
	RecordAsync(log shared.AuditLog)
}

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger   *slog.Logger
	service  API
	audit    Auditor
	validate *validator.Validate
}

// NewHandler constructs inventory handler. audit may be nil.
func NewHandler(logger *slog.Logger, service API, audit Auditor) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, audit: audit, validate: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/warehouses/{id}/stock", h.handleStockAt)
	r.Post("/movements", h.handleMovement)
	r.Post("/transfers", h.handleTransfer)
	r.Route("/stock-counts", func(r chi.Router) {
		r.Post("/", h.handleCreateStockCount)
		r.Get("/{id}", h.handleGetStockCount)
		r.Post("/{id}/recalculate", h.handleRecalculate)
		r.Post("/{id}/items", h.handleManualItem)
		r.Put("/{id}/items/{itemID}", h.handleCountEntry)
	})
}

type movementRequest struct {
	WarehouseID  int64      `json:"warehouse_id" validate:"required,gt=0"`
	MaterialID   int64      `json:"material_id" validate:"required,gt=0"`
	Type         string     `json:"type" validate:"required,oneof=IN OUT ADJUST WASTE SALE"`
	Quantity     float64    `json:"quantity" validate:"required"`
	MovementDate *time.Time `json:"movement_date"`
	RefModule    string     `json:"ref_module" validate:"max=64"`
	RefID        string     `json:"ref_id" validate:"omitempty,uuid"`
	Note         string     `json:"note" validate:"max=500"`
}

type transferRequest struct {
	MaterialID   int64      `json:"material_id" validate:"required,gt=0"`
	Quantity     float64    `json:"quantity" validate:"required,gt=0"`
	SrcWarehouse int64      `json:"src_warehouse_id" validate:"required,gt=0"`
	DstWarehouse int64      `json:"dst_warehouse_id" validate:"required,gt=0,nefield=SrcWarehouse"`
	MovementDate *time.Time `json:"movement_date"`
	RefID        string     `json:"ref_id" validate:"omitempty,uuid"`
	Note         string     `json:"note" validate:"max=500"`
}

type stockCountRequest struct {
	Code        string     `json:"code" validate:"max=64"`
	WarehouseID int64      `json:"warehouse_id" validate:"required,gt=0"`
	CutoffAt    *time.Time `json:"cutoff_at"`
	Note        string     `json:"note" validate:"max=500"`
}

type recalculateRequest struct {
	CutoffAt *time.Time `json:"cutoff_at" validate:"required"`
}

type manualItemRequest struct {
	MaterialID   int64   `json:"material_id" validate:"required,gt=0"`
	CountedStock float64 `json:"counted_stock" validate:"gte=0"`
	Reason       string  `json:"reason" validate:"max=500"`
}

type countEntryRequest struct {
	CountedStock float64 `json:"counted_stock" validate:"gte=0"`
	Reason       string  `json:"reason" validate:"max=500"`
	IsCompleted  bool    `json:"is_completed"`
}

type transferResponse struct {
	Out Movement `json:"out"`
	In  Movement `json:"in"`
}

func (h *Handler) handleStockAt(w http.ResponseWriter, r *http.Request) {
	warehouseID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var at time.Time
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: at must be RFC3339", shared.ErrValidation))
			return
		}
		at = parsed
	}
	levels, err := h.service.CalculateStockAtDateTime(r.Context(), warehouseID, at)
	if err != nil {
		h.fail(w, "stock at", err)
		return
	}
	httpx.JSON(w, http.StatusOK, levels)
}

func (h *Handler) handleMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httpx.DecodeJSON(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.service.RecordMovement(r.Context(), MovementInput{
		WarehouseID:    req.WarehouseID,
		MaterialID:     req.MaterialID,
		Type:           MovementType(req.Type),
		Quantity:       req.Quantity,
		MovementDate:   deref(req.MovementDate),
		RefModule:      req.RefModule,
		RefID:          req.RefID,
		Note:           req.Note,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get(shared.IdempotencyHeader),
	})
	if err != nil {
		h.fail(w, "record movement", err)
		return
	}
	h.record(r, "inventory:"+string(m.Type), "stock_movement", m.ID, m)
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, in, err := h.service.RecordTransfer(r.Context(), TransferInput{
		MaterialID:     req.MaterialID,
		Quantity:       req.Quantity,
		SrcWarehouse:   req.SrcWarehouse,
		DstWarehouse:   req.DstWarehouse,
		MovementDate:   deref(req.MovementDate),
		RefID:          req.RefID,
		Note:           req.Note,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get(shared.IdempotencyHeader),
	})
	if err != nil {
		h.fail(w, "record transfer", err)
		return
	}
	h.record(r, "inventory:TRANSFER", "stock_movement", out.ID, transferResponse{Out: out, In: in})
	httpx.JSON(w, http.StatusCreated, transferResponse{Out: out, In: in})
}

func (h *Handler) handleCreateStockCount(w http.ResponseWriter, r *http.Request) {
	var req stockCountRequest
	if err := httpx.DecodeJSON(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sc, err := h.service.CreateStockCount(r.Context(), CreateStockCountInput{
		Code:        req.Code,
		WarehouseID: req.WarehouseID,
		CutoffAt:    deref(req.CutoffAt),
		Note:        req.Note,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "create stock count", err)
		return
	}
	h.record(r, "inventory:stock_count.create", "stock_count", sc.ID, map[string]any{"code": sc.Code, "items": len(sc.Items)})
	httpx.JSON(w, http.StatusCreated, sc)
}

func (h *Handler) handleGetStockCount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sc, err := h.service.GetStockCount(r.Context(), id)
	if err != nil {
		h.fail(w, "get stock count", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sc)
}

func (h *Handler) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req recalculateRequest
	if err := httpx.DecodeJSON(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.RecalculateStockCount(r.Context(), RecalculateStockCountInput{
		StockCountID: id,
		CutoffAt:     *req.CutoffAt,
		ActorID:      shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "recalculate stock count", err)
		return
	}
	h.record(r, "inventory:stock_count.recalculate", "stock_count", id, result)
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleManualItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req manualItemRequest
	if err := httpx.DecodeJSON(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.service.AddManualItem(r.Context(), ManualItemInput{
		StockCountID: id,
		MaterialID:   req.MaterialID,
		CountedStock: req.CountedStock,
		Reason:       req.Reason,
		ActorID:      shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "add manual item", err)
		return
	}
	h.record(r, "inventory:stock_count.manual_item", "stock_count", id, item)
	httpx.JSON(w, http.StatusCreated, item)
}

func (h *Handler) handleCountEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	var req countEntryRequest
	if err := httpx.DecodeJSON(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.service.UpdateCountItem(r.Context(), CountEntryInput{
		StockCountID: id,
		ItemID:       itemID,
		CountedStock: req.CountedStock,
		Reason:       req.Reason,
		IsCompleted:  req.IsCompleted,
		ActorID:      shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "count entry", err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, shared.ErrNotFound) && !errors.Is(err, shared.ErrValidation) && !errors.Is(err, shared.ErrInvalidState) {
		h.logger.Error("inventory "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (h *Handler) record(r *http.Request, action, entity string, id int64, after any) {
	if h.audit == nil {
		return
	}
	h.audit.RecordAsync(shared.AuditLog{
		ActorID:  shared.ActorFromContext(r.Context()),
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		After:    after,
	})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.ValidationError("invalid %s", name))
		return 0, false
	}
	return id, true
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
