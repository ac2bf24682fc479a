package stock

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kanak-erp/kanak-erp/internal/platform/httpx"
	"github.com/kanak-erp/kanak-erp/internal/shared"
)

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ledger", h.handleListLedger)
	r.Post("/ledger", h.handleAppend)
	r.Get("/ledger/item/{itemID}", h.handleItemLedger)
	r.Get("/valuation", h.handleValuation)
	r.Get("/movement-report", h.handleMovements)

	r.Post("/adjustments", h.handleCreateAdjustment)
	r.Get("/adjustments", h.handleListAdjustments)
	r.Get("/adjustments/{id}", h.handleGetAdjustment)
	r.Put("/adjustments/{id}/approve", h.handleApproveAdjustment)
	r.Put("/adjustments/{id}/reject", h.handleRejectAdjustment)

	r.Post("/reconciliation", h.handleCreateReconciliation)
	r.Get("/reconciliation", h.handleListReconciliations)
	r.Get("/reconciliation/{id}", h.handleGetReconciliation)
	r.Put("/reconciliation/{id}/complete", h.handleCompleteReconciliation)
}

func (h *Handler) handleListLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := LedgerFilter{
		ItemID:    q.Get("item_id"),
		MetalType: q.Get("metal_type"),
		Purity:    q.Get("purity"),
		Type:      TransactionType(q.Get("transaction_type")),
		Page:      queryInt(q.Get("page")),
		Limit:     queryInt(q.Get("limit")),
	}
	if filter.Type != "" && !ValidTransactionType(filter.Type) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown transaction type")
		return
	}
	var err error
	if filter.From, err = queryTime(q.Get("from")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from date")
		return
	}
	if filter.To, err = queryTime(q.Get("to")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to date")
		return
	}

	entries, total, err := h.service.ListLedger(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list ledger", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries":    entries,
		"pagination": shared.NewPagination(filter.Page, filter.Limit, total),
	})
}

// appendRequest is the wire shape of a manual ledger movement, used for
// purchases, sales and returns recorded directly against the API.
type appendRequest struct {
	ItemID        string  `json:"item_id" validate:"required"`
	Type          string  `json:"transaction_type" validate:"required"`
	ReferenceType string  `json:"reference_type" validate:"required"`
	ReferenceID   string  `json:"reference_id"`
	QuantityIn    int     `json:"quantity_in" validate:"gte=0"`
	QuantityOut   int     `json:"quantity_out" validate:"gte=0"`
	WeightIn      float64 `json:"weight_in" validate:"gte=0"`
	WeightOut     float64 `json:"weight_out" validate:"gte=0"`
	UnitCost      float64 `json:"unit_cost" validate:"gte=0"`
	Notes         string  `json:"notes"`
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	entry, err := h.service.Append(r.Context(), AppendInput{
		ItemID:        req.ItemID,
		Type:          TransactionType(req.Type),
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		QuantityIn:    req.QuantityIn,
		QuantityOut:   req.QuantityOut,
		WeightIn:      req.WeightIn,
		WeightOut:     req.WeightOut,
		UnitCost:      req.UnitCost,
		Notes:         req.Notes,
		ActorID:       actorID(r),
	})
	if err != nil {
		h.respondError(w, "append ledger entry", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleItemLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ItemLedger(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		h.respondError(w, "item ledger", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleValuation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	val, err := h.service.Valuation(r.Context(), ValuationMethod(q.Get("method")), ValuationFilter{
		MetalType: q.Get("metal_type"),
		Purity:    q.Get("purity"),
	})
	if err != nil {
		h.respondError(w, "valuation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, val)
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := queryTime(q.Get("from"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from date")
		return
	}
	to, err := queryTime(q.Get("to"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to date")
		return
	}
	report, err := h.service.Movements(r.Context(), from, to, q.Get("metal_type"))
	if err != nil {
		h.respondError(w, "movement report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleCreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var input CreateAdjustmentInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input.ActorID = actorID(r)

	adj, err := h.service.CreateAdjustment(r.Context(), input)
	if err != nil {
		h.respondError(w, "create adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, adj)
}

func (h *Handler) handleListAdjustments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit := queryInt(q.Get("page")), queryInt(q.Get("limit"))
	adjs, total, err := h.service.ListAdjustments(r.Context(), q.Get("status"), page, limit)
	if err != nil {
		h.respondError(w, "list adjustments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"adjustments": adjs,
		"pagination":  shared.NewPagination(page, limit, total),
	})
}

func (h *Handler) handleGetAdjustment(w http.ResponseWriter, r *http.Request) {
	adj, err := h.service.GetAdjustment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, "get adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, adj)
}

func (h *Handler) handleApproveAdjustment(w http.ResponseWriter, r *http.Request) {
	adj, err := h.service.ApproveAdjustment(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		h.respondError(w, "approve adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, adj)
}

func (h *Handler) handleRejectAdjustment(w http.ResponseWriter, r *http.Request) {
	adj, err := h.service.RejectAdjustment(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		h.respondError(w, "reject adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, adj)
}

func (h *Handler) handleCreateReconciliation(w http.ResponseWriter, r *http.Request) {
	var input CreateReconciliationInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input.ActorID = actorID(r)

	rec, err := h.service.CreateReconciliation(r.Context(), input)
	if err != nil {
		h.respondError(w, "create reconciliation", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleListReconciliations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit := queryInt(q.Get("page")), queryInt(q.Get("limit"))
	recs, total, err := h.service.ListReconciliations(r.Context(), q.Get("status"), page, limit)
	if err != nil {
		h.respondError(w, "list reconciliations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"reconciliations": recs,
		"pagination":      shared.NewPagination(page, limit, total),
	})
}

func (h *Handler) handleGetReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetReconciliation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, "get reconciliation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleCompleteReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.CompleteReconciliation(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		h.respondError(w, "complete reconciliation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

// respondError logs the failure and maps domain errors to problem responses.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrItemNotFound),
		errors.Is(err, ErrAdjustmentNotFound),
		errors.Is(err, ErrReconciliationNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err))
	case errors.Is(err, ErrInvalidStateTransition):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrConflict, err))
	case errors.Is(err, ErrInvalidMovement), errors.Is(err, ErrUnsupportedValuation):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
	default:
		h.logger.Error("stock request failed", slog.String("op", op), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func actorID(r *http.Request) string {
	return shared.ActorFromContext(r.Context()).UserID
}

func queryInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func queryTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
