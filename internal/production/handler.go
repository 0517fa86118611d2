package production

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier/internal/ledger"
	"github.com/atelier-erp/atelier/internal/platform/httpx"
	"github.com/atelier-erp/atelier/internal/stock"
)

// Handler wires HTTP endpoints for productions.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the production handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers production routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/advance", h.handleAdvance)
	r.Post("/{id}/publish", h.handlePublish)
}

type materialRequest struct {
	ItemID   string `json:"item_id" validate:"required,uuid4"`
	Quantity string `json:"quantity" validate:"required"`
}

type createRequest struct {
	Name           string            `json:"name" validate:"required"`
	SourceType     string            `json:"source_type" validate:"omitempty,oneof=shop warehouse global"`
	ShopID         string            `json:"shop_id" validate:"omitempty,uuid4"`
	WarehouseID    string            `json:"warehouse_id" validate:"omitempty,uuid4"`
	Policy         string            `json:"policy" validate:"required,oneof=fifo lifo weighted_average"`
	Materials      []materialRequest `json:"materials" validate:"required,min=1,dive"`
	OutputQuantity string            `json:"output_quantity" validate:"required"`
	ActorID        string            `json:"actor_id" validate:"omitempty,uuid4"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	output, err := decimal.NewFromString(req.OutputQuantity)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "output_quantity must be a decimal number")
		return
	}
	materials := make([]Material, 0, len(req.Materials))
	for _, m := range req.Materials {
		qty, err := decimal.NewFromString(m.Quantity)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "material quantity must be a decimal number")
			return
		}
		id, _ := uuid.Parse(m.ItemID)
		materials = append(materials, Material{ItemID: id, Quantity: qty})
	}
	input := CreateInput{
		Name:           req.Name,
		Scope:          stock.ResolveScope(stock.SourceType(req.SourceType), parseUUID(req.ShopID), parseUUID(req.WarehouseID)),
		Policy:         stock.Policy(req.Policy),
		Materials:      materials,
		OutputQuantity: output,
		ActorID:        req.ActorID,
	}
	p, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toProductionResponse(p))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid production id")
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toProductionResponse(p))
}

type advanceRequest struct {
	Status  string `json:"status" validate:"required,oneof=in_progress ready cancelled"`
	ActorID string `json:"actor_id" validate:"omitempty,uuid4"`
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid production id")
		return
	}
	var req advanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.Advance(r.Context(), id, Status(req.Status), req.ActorID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type publishRequest struct {
	Name          string   `json:"name"`
	ReferenceCode string   `json:"reference_code"`
	Images        []string `json:"images"`
	SellingPrice  string   `json:"selling_price" validate:"required"`
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid production id")
		return
	}
	var req publishRequest
	if !h.decode(w, r, &req) {
		return
	}
	price, err := decimal.NewFromString(req.SellingPrice)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "selling_price must be a decimal number")
		return
	}
	result, err := h.service.Publish(r.Context(), id, ItemSpec{
		Name:          req.Name,
		ReferenceCode: req.ReferenceCode,
		Images:        req.Images,
		SellingPrice:  price,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.AlreadyPublished {
		status = http.StatusOK
	}
	httpx.JSON(w, status, map[string]any{
		"production":        toProductionResponse(result.Production),
		"item":              toItemResponse(result.Item),
		"already_published": result.AlreadyPublished,
	})
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
	var deficient *InsufficientMaterialError
	switch {
	case errors.As(err, &deficient):
		httpx.JSON(w, http.StatusConflict, map[string]any{
			"error":     "insufficient_stock",
			"item_id":   deficient.ItemID.String(),
			"required":  deficient.Required.String(),
			"available": deficient.Available.String(),
		})
	case errors.Is(err, stock.ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrAlreadyPublishing):
		httpx.Problem(w, http.StatusConflict, "Publish In Progress", err.Error())
	case errors.Is(err, ErrNotReady):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Not Ready", err.Error())
	case errors.Is(err, ErrProductionNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInconsistentState):
		httpx.Problem(w, http.StatusInternalServerError, "Inconsistent State", err.Error())
	case errors.Is(err, stock.ErrLocationDisabled):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Location Disabled", err.Error())
	case errors.Is(err, stock.ErrInvalidPolicy), errors.Is(err, ledger.ErrMalformedScope):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("production request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

type productionResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	Scope           string `json:"scope"`
	Policy          string `json:"policy"`
	OutputQuantity  string `json:"output_quantity"`
	IsPublishing    bool   `json:"is_publishing"`
	IsPublished     bool   `json:"is_published"`
	IsClosed        bool   `json:"is_closed"`
	PublishedItemID string `json:"published_item_id,omitempty"`
}

func toProductionResponse(p Production) productionResponse {
	resp := productionResponse{
		ID:             p.ID.String(),
		Name:           p.Name,
		Status:         string(p.Status),
		Scope:          p.Scope.String(),
		Policy:         string(p.Policy),
		OutputQuantity: p.OutputQuantity.String(),
		IsPublishing:   p.IsPublishing,
		IsPublished:    p.IsPublished,
		IsClosed:       p.IsClosed,
	}
	if p.PublishedItemID != uuid.Nil {
		resp.PublishedItemID = p.PublishedItemID.String()
	}
	return resp
}

type itemResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	ReferenceCode string   `json:"reference_code,omitempty"`
	Images        []string `json:"images,omitempty"`
	CostPrice     string   `json:"cost_price"`
	SellingPrice  string   `json:"selling_price"`
}

func toItemResponse(item Item) itemResponse {
	return itemResponse{
		ID:            item.ID.String(),
		Name:          item.Name,
		ReferenceCode: item.ReferenceCode,
		Images:        item.Images,
		CostPrice:     item.CostPrice.String(),
		SellingPrice:  item.SellingPrice.String(),
	}
}

func parseUUID(s string) uuid.UUID {
	if s == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
