package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/larder-erp/larder/internal/platform/httpx"
	"github.com/larder-erp/larder/internal/shared"
)

// API is the service surface consumed by Handler.
type API interface {
	RecalculateAccountBalances(ctx context.Context, input RecalculateInput) (RecalculateResult, error)
	RecalculateForInvoiceUpdate(ctx context.Context, input InvoiceUpdate) (RecalculateResult, error)
	RecalculateForPaymentUpdate(ctx context.Context, input PaymentUpdate) (RecalculateResult, error)
	ComputeAging(ctx context.Context, query AgingQuery) (AgingBucket, error)
	AgingReport(ctx context.Context, query AgingReportQuery) ([]AccountAging, error)
	Statement(ctx context.Context, query StatementQuery) (Statement, error)
	VerifyAccount(ctx context.Context, accountID int64) error
}

// Auditor records completed mutations.
type Auditor interface {
	RecordAsync(log shared.AuditLog)
}

// Handler wires HTTP endpoints for the ledger module.
type Handler struct {
	logger   *slog.Logger
	service  API
	audit    Auditor
	validate *validator.Validate
}

// NewHandler constructs the ledger handler. audit may be nil.
func NewHandler(logger *slog.Logger, service API, audit Auditor) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, audit: audit, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/accounts/{id}", func(r chi.Router) {
		r.Post("/recalculate", h.recalculateAccount)
		r.Get("/aging", h.accountAging)
		r.Get("/statement", h.statement)
		r.Get("/verify", h.verify)
	})
	r.Post("/invoices/{id}/recalculate", h.recalculateInvoice)
	r.Post("/payments/{id}/recalculate", h.recalculatePayment)
	r.Get("/aging", h.agingReport)
}

type recalculateRequest struct {
	From *time.Time `json:"from"`
}

type updateRequest struct {
	PreviousDate *time.Time `json:"previous_date"`
}

type agingResponse struct {
	AccountID int64       `json:"account_id"`
	AsOf      time.Time   `json:"as_of"`
	Buckets   AgingBucket `json:"buckets"`
	Total     string      `json:"total"`
}

type verifyResponse struct {
	AccountID  int64    `json:"account_id"`
	Consistent bool     `json:"consistent"`
	Violations []string `json:"violations,omitempty"`
}

func (h *Handler) recalculateAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req recalculateRequest
	if err := httpx.DecodeJSON(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.RecalculateAccountBalances(r.Context(), RecalculateInput{AccountID: id, From: req.From})
	if err != nil {
		h.fail(w, "recalculate account", err)
		return
	}
	h.record(r, "ledger.recalculate", "account", id, result)
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) recalculateInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.RecalculateForInvoiceUpdate(r.Context(), InvoiceUpdate{InvoiceID: id, PreviousDate: req.PreviousDate})
	if err != nil {
		h.fail(w, "recalculate invoice", err)
		return
	}
	h.record(r, "ledger.recalculate.invoice", "invoice", id, result)
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) recalculatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.RecalculateForPaymentUpdate(r.Context(), PaymentUpdate{PaymentID: id, PreviousDate: req.PreviousDate})
	if err != nil {
		h.fail(w, "recalculate payment", err)
		return
	}
	h.record(r, "ledger.recalculate.payment", "payment", id, result)
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) accountAging(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	asOf, err := parseDate(r.URL.Query().Get("as_of"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	bucket, err := h.service.ComputeAging(r.Context(), AgingQuery{AccountID: id, AsOf: asOf})
	if err != nil {
		h.fail(w, "aging", err)
		return
	}
	httpx.JSON(w, http.StatusOK, agingResponse{AccountID: id, AsOf: asOf, Buckets: bucket, Total: bucket.Total().StringFixed(2)})
}

func (h *Handler) agingReport(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseDate(r.URL.Query().Get("as_of"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	accountType := AccountType(strings.ToUpper(r.URL.Query().Get("type")))
	switch accountType {
	case "", AccountTypeSupplier, AccountTypeCustomer, AccountTypeOther:
	default:
		httpx.RespondError(w, shared.ValidationError("unknown account type %q", accountType))
		return
	}
	rows, err := h.service.AgingReport(r.Context(), AgingReportQuery{AsOf: asOf, Type: accountType})
	if err != nil {
		h.fail(w, "aging report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	from, err := parseDate(r.URL.Query().Get("from"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rawTo := r.URL.Query().Get("to")
	to, err := parseDate(rawTo)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if len(rawTo) == len("2006-01-02") {
		// date-only end is inclusive
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	stmt, err := h.service.Statement(r.Context(), StatementQuery{AccountID: id, From: from, To: to})
	if err != nil {
		h.fail(w, "statement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, stmt)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	err := h.service.VerifyAccount(r.Context(), id)
	var consistency *shared.ConsistencyError
	switch {
	case err == nil:
		httpx.JSON(w, http.StatusOK, verifyResponse{AccountID: id, Consistent: true})
	case errors.As(err, &consistency):
		httpx.JSON(w, http.StatusOK, verifyResponse{AccountID: id, Violations: consistency.Violations})
	default:
		h.fail(w, "verify", err)
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.ValidationError("invalid %s", name))
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, shared.ErrNotFound) && !errors.Is(err, shared.ErrValidation) {
		h.logger.Error("ledger "+op, slog.Any("error", err))
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

// parseDate accepts YYYY-MM-DD or RFC3339; empty input yields the zero time.
func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD or RFC3339", shared.ErrValidation, raw)
	}
	return t, nil
}
