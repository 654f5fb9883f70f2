package protection

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
	"github.com/aristeoibarra/nextdns-blocker/internal/pkg/httputil"
)

// SessionHeader carries the PIN session token on protected requests.
const SessionHeader = "X-Session-Token"

// Handler handles HTTP requests for protection status and the PIN.
type Handler struct {
	store     *Store
	pin       *PINManager
	validator *validator.Validate
}

// NewHandler creates a new protection handler.
func NewHandler(store *Store, pin *PINManager) *Handler {
	return &Handler{
		store:     store,
		pin:       pin,
		validator: validator.New(),
	}
}

// RegisterRoutes registers all HTTP routes for the protection module. PIN
// removal is absent on purpose: it goes through the unlock request queue
// with item_type=pin.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Post("/pin", h.SetPIN)
	r.Post("/pin/verify", h.VerifyPIN)
}

// RegisterGuardedRoutes registers routes that mutate the protection
// configuration; they sit behind the PIN session middleware.
func (h *Handler) RegisterGuardedRoutes(r chi.Router) {
	r.Put("/items", h.ApplyItems)
}

// GetStatus handles GET /status requests.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.store.Snapshot(r.Context())
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	pinConfigured, err := h.pin.Configured(r.Context())
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}

	items := make([]map[string]any, 0, len(snapshot))
	for _, item := range snapshot {
		items = append(items, map[string]any{
			"item_type":     item.Type,
			"item_id":       item.ID,
			"locked":        item.Locked,
			"unblock_delay": item.UnblockDelay,
			"is_locked":     item.IsLocked(),
		})
	}

	httputil.Success(w, http.StatusOK, map[string]any{
		"pin_configured": pinConfigured,
		"items":          items,
	})
}

// ItemBody represents one protected item in a snapshot update.
type ItemBody struct {
	ItemType     string `json:"item_type" validate:"required,oneof=category service domain pin"`
	ItemID       string `json:"item_id" validate:"required,min=1,max=255"`
	Locked       bool   `json:"locked"`
	UnblockDelay string `json:"unblock_delay"`
}

// ApplyItemsRequest represents the request body for replacing the protection
// snapshot.
type ApplyItemsRequest struct {
	Items []ItemBody `json:"items" validate:"required,dive"`
}

// ApplyItems handles PUT /items requests: the config-apply path. The guard
// rejects the whole update when it would remove or weaken a locked item.
func (h *Handler) ApplyItems(w http.ResponseWriter, r *http.Request) {
	var req ApplyItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	updated := make(domain.Snapshot, len(req.Items))
	for _, item := range req.Items {
		p := domain.ProtectedItem{
			Type:         domain.ItemType(item.ItemType),
			ID:           item.ItemID,
			Locked:       item.Locked,
			UnblockDelay: item.UnblockDelay,
		}
		updated[p.Key()] = p
	}

	if err := h.store.ApplySnapshot(r.Context(), updated); err != nil {
		httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
			{Error: ErrLockedItem, Status: http.StatusConflict},
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetPINRequest represents the request body for configuring the PIN.
type SetPINRequest struct {
	PIN string `json:"pin" validate:"required,min=4,max=32,numeric"`
}

// SetPIN handles POST /pin requests.
func (h *Handler) SetPIN(w http.ResponseWriter, r *http.Request) {
	var req SetPINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.pin.Set(r.Context(), req.PIN); err != nil {
		httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
			{Error: ErrPINAlreadySet, Status: http.StatusConflict, Message: "pin is already configured; removal requires an unlock request"},
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifyPINRequest represents the request body for verifying the PIN.
type VerifyPINRequest struct {
	PIN string `json:"pin" validate:"required"`
}

// VerifyPIN handles POST /pin/verify requests, returning a session token.
func (h *Handler) VerifyPIN(w http.ResponseWriter, r *http.Request) {
	var req VerifyPINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	token, err := h.pin.Verify(r.Context(), req.PIN)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
			{Error: ErrPINLocked, Status: http.StatusTooManyRequests, Message: "pin is locked out"},
			{Error: ErrPINInvalid, Status: http.StatusUnauthorized, Message: "invalid pin"},
			{Error: ErrPINNotSet, Status: http.StatusConflict, Message: "pin is not configured"},
		})
		return
	}
	httputil.Success(w, http.StatusOK, map[string]string{"session_token": token})
}

// RequireSession guards dangerous operations: when a PIN is configured, the
// request must carry a valid session token. Without a PIN the middleware
// passes everything through.
func RequireSession(pin *PINManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			configured, err := pin.Configured(r.Context())
			if err != nil {
				httputil.Error(w, http.StatusInternalServerError, "internal server error")
				return
			}
			if !configured {
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get(SessionHeader)
			if token == "" {
				// Accept Authorization: Bearer as well.
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					token = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if token == "" || pin.ValidateSession(token) != nil {
				httputil.Error(w, http.StatusUnauthorized, "valid pin session required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
