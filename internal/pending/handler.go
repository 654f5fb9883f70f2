package pending

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/httputil"
)

// Handler handles HTTP requests for the pending unblock queue.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new pending queue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers all HTTP routes for the pending queue.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Cancel)
}

// CreateRequest represents the request body for scheduling unblocks. One or
// more domains may be submitted; invalid entries are skipped, not fatal.
type CreateRequest struct {
	Domains     []string `json:"domains" validate:"required,min=1,dive,hostname_rfc1123"`
	Delay       string   `json:"delay" validate:"required"`
	RequestedBy string   `json:"requested_by"`
}

// Create handles POST / requests.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	created := make([]any, 0, len(req.Domains))
	skipped := make([]string, 0)
	for _, name := range req.Domains {
		action, err := h.service.Create(r.Context(), name, req.Delay, req.RequestedBy)
		if err != nil {
			httputil.Error(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if action == nil {
			skipped = append(skipped, name)
			continue
		}
		created = append(created, action)
	}

	httputil.Success(w, http.StatusCreated, map[string]any{
		"created": created,
		"skipped": skipped,
	})
}

// List handles GET / requests.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actions, err := h.service.List(r.Context())
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	httputil.Success(w, http.StatusOK, actions)
}

// Get handles GET /{id} requests.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	action, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if action == nil {
		httputil.Error(w, http.StatusNotFound, "pending action not found")
		return
	}
	httputil.Success(w, http.StatusOK, action)
}

// Cancel handles DELETE /{id} requests.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cancelled, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !cancelled {
		httputil.Error(w, http.StatusNotFound, "pending action not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
