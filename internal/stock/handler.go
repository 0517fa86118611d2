package stock

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier/internal/ledger"
	"github.com/atelier-erp/atelier/internal/platform/httpx"
	"github.com/atelier-erp/atelier/internal/shared"
)

// BatchLister exposes the batch listing used by the reporting endpoint.
type BatchLister interface {
	ListBatches(ctx context.Context, filter ledger.BatchFilter) ([]ledger.StockBatch, error)
	CountBatches(ctx context.Context, filter ledger.BatchFilter) (int, error)
}

// Handler wires HTTP endpoints for the stock engine.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	batches     BatchLister
	cache       *AvailabilityCache
	idempotency *shared.IdempotencyStore
	validate    *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service, batches BatchLister, cache *AvailabilityCache, idem *shared.IdempotencyStore) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		batches:     batches,
		cache:       cache,
		idempotency: idem,
		validate:    validator.New(),
	}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/consume", h.handleConsume)
	r.Post("/restore", h.handleRestore)
	r.Post("/batches", h.handleCreateBatch)
	r.Get("/batches", h.handleListBatches)
	r.Get("/availability", h.handleAvailability)
}

type consumeRequest struct {
	ItemID       string `json:"item_id" validate:"required,uuid4"`
	ItemType     string `json:"item_type" validate:"required,oneof=material finished_good"`
	SourceType   string `json:"source_type" validate:"omitempty,oneof=shop warehouse global"`
	ShopID       string `json:"shop_id" validate:"omitempty,uuid4"`
	WarehouseID  string `json:"warehouse_id" validate:"omitempty,uuid4"`
	Quantity     string `json:"quantity" validate:"required"`
	Policy       string `json:"policy" validate:"required,oneof=fifo lifo weighted_average"`
	Reason       string `json:"reason" validate:"omitempty,oneof=sale production adjustment"`
	SaleID       string `json:"sale_id" validate:"omitempty,uuid4"`
	ProductionID string `json:"production_id" validate:"omitempty,uuid4"`
	ActorID      string `json:"actor_id" validate:"omitempty,uuid4"`
}

type portionResponse struct {
	BatchID  string `json:"batch_id"`
	UnitCost string `json:"unit_cost"`
	Quantity string `json:"quantity"`
}

type consumeResponse struct {
	Portions        []portionResponse `json:"portions"`
	TotalCost       string            `json:"total_cost"`
	AverageUnitCost string            `json:"average_unit_cost"`
	PrimaryBatchID  string            `json:"primary_batch_id"`
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "quantity must be a decimal number")
		return
	}
	input := ConsumeInput{
		ItemID:       mustUUID(req.ItemID),
		ItemType:     ledger.ItemType(req.ItemType),
		Scope:        ResolveScope(SourceType(req.SourceType), optionalUUID(req.ShopID), optionalUUID(req.WarehouseID)),
		Quantity:     qty,
		Policy:       Policy(req.Policy),
		Reason:       ledger.ChangeReason(req.Reason),
		SaleID:       optionalUUID(req.SaleID),
		ProductionID: optionalUUID(req.ProductionID),
		ActorID:      req.ActorID,
	}
	result, err := h.service.Consume(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toConsumeResponse(result))
}

type restoreRequest struct {
	ItemID       string           `json:"item_id" validate:"required,uuid4"`
	ItemType     string           `json:"item_type" validate:"required,oneof=material finished_good"`
	SourceType   string           `json:"source_type" validate:"omitempty,oneof=shop warehouse global"`
	ShopID       string           `json:"shop_id" validate:"omitempty,uuid4"`
	WarehouseID  string           `json:"warehouse_id" validate:"omitempty,uuid4"`
	Reason       string           `json:"reason" validate:"omitempty,oneof=sale production adjustment"`
	SaleID       string           `json:"sale_id" validate:"omitempty,uuid4"`
	ProductionID string           `json:"production_id" validate:"omitempty,uuid4"`
	ActorID      string           `json:"actor_id" validate:"omitempty,uuid4"`
	Portions     []portionRequest `json:"portions" validate:"required,min=1,dive"`
}

type portionRequest struct {
	BatchID  string `json:"batch_id" validate:"required,uuid4"`
	UnitCost string `json:"unit_cost" validate:"required"`
	Quantity string `json:"quantity" validate:"required"`
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	portions := make([]ledger.BatchPortion, 0, len(req.Portions))
	for _, p := range req.Portions {
		cost, err := decimal.NewFromString(p.UnitCost)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_cost must be a decimal number")
			return
		}
		qty, err := decimal.NewFromString(p.Quantity)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "quantity must be a decimal number")
			return
		}
		portions = append(portions, ledger.BatchPortion{BatchID: mustUUID(p.BatchID), UnitCost: cost, Quantity: qty})
	}
	input := RestoreInput{
		ItemID:       mustUUID(req.ItemID),
		ItemType:     ledger.ItemType(req.ItemType),
		Scope:        ResolveScope(SourceType(req.SourceType), optionalUUID(req.ShopID), optionalUUID(req.WarehouseID)),
		Portions:     portions,
		Reason:       ledger.ChangeReason(req.Reason),
		SaleID:       optionalUUID(req.SaleID),
		ProductionID: optionalUUID(req.ProductionID),
		ActorID:      req.ActorID,
	}
	if err := h.service.Restore(r.Context(), input); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createBatchRequest struct {
	ItemID      string `json:"item_id" validate:"required,uuid4"`
	ItemType    string `json:"item_type" validate:"required,oneof=material finished_good"`
	SourceType  string `json:"source_type" validate:"omitempty,oneof=shop warehouse global"`
	ShopID      string `json:"shop_id" validate:"omitempty,uuid4"`
	WarehouseID string `json:"warehouse_id" validate:"omitempty,uuid4"`
	Quantity    string `json:"quantity" validate:"required"`
	UnitCost    string `json:"unit_cost" validate:"required"`
	SupplierID  string `json:"supplier_id" validate:"omitempty,uuid4"`
	OwnPurchase bool   `json:"own_purchase"`
	Credit      bool   `json:"credit"`
	Reason      string `json:"reason" validate:"omitempty,oneof=creation restock production"`
	ActorID     string `json:"actor_id" validate:"omitempty,uuid4"`
}

func (h *Handler) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "quantity must be a decimal number")
		return
	}
	cost, err := decimal.NewFromString(req.UnitCost)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_cost must be a decimal number")
		return
	}
	input := CreateBatchInput{
		ItemID:   mustUUID(req.ItemID),
		ItemType: ledger.ItemType(req.ItemType),
		Quantity: qty,
		UnitCost: cost,
		Scope:    ResolveScope(SourceType(req.SourceType), optionalUUID(req.ShopID), optionalUUID(req.WarehouseID)),
		Provenance: ledger.Provenance{
			SupplierID:  optionalUUID(req.SupplierID),
			OwnPurchase: req.OwnPurchase,
			Credit:      req.Credit,
		},
		Reason:  ledger.ChangeReason(req.Reason),
		ActorID: req.ActorID,
	}
	key := r.Header.Get("Idempotency-Key")
	insertedKey := false
	if h.idempotency != nil && key != "" {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, "stock"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate", "restock already processed")
				return
			}
			h.respondError(w, r, err)
			return
		}
		insertedKey = true
	}
	batchID, err := h.service.CreateBatch(r.Context(), input)
	if err != nil {
		if insertedKey {
			_ = h.idempotency.Delete(r.Context(), key)
		}
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]string{"batch_id": batchID.String()})
}

func (h *Handler) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.BatchFilter{
		ItemID:   optionalUUID(q.Get("item_id")),
		ItemType: ledger.ItemType(q.Get("item_type")),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filter.Page = page
	}
	if perPage, err := strconv.Atoi(q.Get("per_page")); err == nil {
		filter.PerPage = perPage
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PerPage <= 0 {
		filter.PerPage = 50
	}
	batches, err := h.batches.ListBatches(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	total, err := h.batches.CountBatches(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	pagination := shared.NewPagination(filter.Page, filter.PerPage, total)
	type batchResponse struct {
		ID        string `json:"id"`
		ItemID    string `json:"item_id"`
		ItemType  string `json:"item_type"`
		Quantity  string `json:"quantity"`
		Remaining string `json:"remaining"`
		UnitCost  string `json:"unit_cost"`
		Status    string `json:"status"`
		Scope     string `json:"scope"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, batchResponse{
			ID:        b.ID.String(),
			ItemID:    b.ItemID.String(),
			ItemType:  string(b.ItemType),
			Quantity:  b.Quantity.String(),
			Remaining: b.Remaining.String(),
			UnitCost:  b.UnitCost.String(),
			Status:    string(b.Status),
			Scope:     b.Scope.String(),
			CreatedAt: b.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"batches": out,
		"pagination": map[string]int{
			"page":        pagination.Page,
			"per_page":    pagination.PerPage,
			"total":       pagination.Total,
			"total_pages": pagination.TotalPages,
		},
	})
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemID := optionalUUID(q.Get("item_id"))
	itemType := ledger.ItemType(q.Get("item_type"))
	if itemID == uuid.Nil || !itemType.Valid() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item_id and item_type are required")
		return
	}
	scope := ResolveScope(SourceType(q.Get("source_type")), optionalUUID(q.Get("shop_id")), optionalUUID(q.Get("warehouse_id")))

	if h.cache != nil {
		if qty, ok, err := h.cache.GetAvailability(r.Context(), itemID, itemType, scope); err == nil && ok {
			httpx.JSON(w, http.StatusOK, map[string]any{"available": qty.String(), "cached": true})
			return
		}
	}
	qty, err := h.service.AvailableQuantity(r.Context(), itemID, itemType, scope)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"available": qty.String(), "cached": false})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.JSON(w, http.StatusConflict, map[string]any{
			"error":     "insufficient_stock",
			"item_id":   insufficient.ItemID.String(),
			"requested": insufficient.Requested.String(),
			"available": insufficient.Available.String(),
		})
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrLocationDisabled):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Location Disabled", err.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidPolicy),
		errors.Is(err, ledger.ErrMalformedScope), errors.Is(err, ledger.ErrMalformedProvenance),
		errors.Is(err, ledger.ErrInvalidBatch):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ledger.ErrBatchNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ledger.ErrRemainingExceedsQuantity):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Restore", err.Error())
	default:
		h.logger.Error("stock request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toConsumeResponse(result ConsumptionResult) consumeResponse {
	portions := make([]portionResponse, 0, len(result.Portions))
	for _, p := range result.Portions {
		portions = append(portions, portionResponse{
			BatchID:  p.BatchID.String(),
			UnitCost: p.UnitCost.String(),
			Quantity: p.Quantity.String(),
		})
	}
	return consumeResponse{
		Portions:        portions,
		TotalCost:       result.TotalCost.String(),
		AverageUnitCost: result.AverageUnitCost.String(),
		PrimaryBatchID:  result.PrimaryBatchID.String(),
	}
}

func mustUUID(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}

func optionalUUID(s string) uuid.UUID {
	if s == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
