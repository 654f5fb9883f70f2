package retry

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/httputil"
)

// Handler handles HTTP requests for the retry queue. The queue is fed by
// failed operations, not by callers, so the surface is read-and-clear only.
type Handler struct {
	service *Service
}

// NewHandler creates a new retry queue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers all HTTP routes for the retry queue.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/stats", h.GetStats)
	r.Delete("/", h.Clear)
}

// List handles GET / requests.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.List(r.Context())
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	httputil.Success(w, http.StatusOK, items)
}

// GetStats handles GET /stats requests.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

// Clear handles DELETE / requests.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	removed, err := h.service.Clear(r.Context())
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	httputil.Success(w, http.StatusOK, map[string]int{"removed": removed})
}
