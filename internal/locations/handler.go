package locations

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atelier-erp/atelier/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the location directory.
type Handler struct {
	logger   *slog.Logger
	repo     *Repository
	validate *validator.Validate
}

// NewHandler constructs the locations handler.
func NewHandler(logger *slog.Logger, repo *Repository) *Handler {
	return &Handler{logger: logger, repo: repo, validate: validator.New()}
}

// MountRoutes registers location routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Patch("/{id}/active", h.handleSetActive)
}

type locationResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

func toResponse(loc Location) locationResponse {
	return locationResponse{
		ID:        loc.ID.String(),
		Kind:      string(loc.Kind),
		Name:      loc.Name,
		Active:    loc.Active,
		CreatedAt: loc.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	kind := Kind(r.URL.Query().Get("kind"))
	if kind != KindShop && kind != KindWarehouse {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "kind must be shop or warehouse")
		return
	}
	list, err := h.repo.List(r.Context(), kind)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]locationResponse, 0, len(list))
	for _, loc := range list {
		out = append(out, toResponse(loc))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"locations": out})
}

type createLocationRequest struct {
	Kind string `json:"kind" validate:"required,oneof=shop warehouse"`
	Name string `json:"name" validate:"required,min=1,max=200"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	loc := Location{
		ID:        uuid.New(),
		Kind:      Kind(req.Kind),
		Name:      req.Name,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.repo.Create(r.Context(), loc); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(loc))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a uuid")
		return
	}
	loc, err := h.repo.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(loc))
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) handleSetActive(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a uuid")
		return
	}
	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.repo.SetActive(r.Context(), id, req.Active); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrLocationNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("locations request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
