package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/inventory"
)

// InventoryHandler serves stock levels and refills
type InventoryHandler struct {
	projector *inventory.Projector
	logger    *zap.Logger
}

// NewInventoryHandler creates a new handler
func NewInventoryHandler(p *inventory.Projector, logger *zap.Logger) *InventoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryHandler{projector: p, logger: logger}
}

// Get handles GET /prescriptions/{id}/inventory
func (h *InventoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.projector.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RefillRequest is the body of POST .../inventory/refill. A zero quantity
// applies the record's refill increment.
type RefillRequest struct {
	Quantity float64 `json:"quantity"`
}

// Refill handles POST /prescriptions/{id}/inventory/refill
func (h *InventoryHandler) Refill(w http.ResponseWriter, r *http.Request) {
	var req RefillRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Quantity < 0 {
		jsonError(w, "quantity must not be negative", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := h.projector.OnRefill(r.Context(), id, req.Quantity); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	st, err := h.projector.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
