package unlock

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/httputil"
)

// Handler handles HTTP requests for the unlock request queue.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new unlock queue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers all HTTP routes for the unlock queue.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Delete("/{id}", h.Cancel)
}

// CreateRequestBody represents the request body for creating an unlock
// request.
type CreateRequestBody struct {
	ItemType   string `json:"item_type" validate:"required,oneof=category service domain pin"`
	ItemID     string `json:"item_id" validate:"required,min=1,max=255"`
	DelayHours int    `json:"delay_hours" validate:"min=0"`
	Reason     string `json:"reason" validate:"max=1024"`
}

// Create handles POST / requests.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	created, err := h.service.CreateRequest(r.Context(), domain.ItemType(req.ItemType), req.ItemID, req.DelayHours, req.Reason)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	httputil.Success(w, http.StatusCreated, created)
}

// List handles GET / requests.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	requests, err := h.service.ListPending(r.Context())
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	httputil.Success(w, http.StatusOK, requests)
}

// Cancel handles DELETE /{id} requests; the id may be a unique prefix.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cancelled, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !cancelled {
		httputil.Error(w, http.StatusNotFound, "unlock request not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
