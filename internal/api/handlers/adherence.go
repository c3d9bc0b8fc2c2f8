package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/adherence"
	"github.com/drfirst/go-dosewatch/internal/clock"
)

// defaultAdherenceWindow is used when a request gives no range
const defaultAdherenceWindow = 7 * 24 * time.Hour

// AdherenceHandler serves adherence reports
type AdherenceHandler struct {
	aggregator *adherence.Aggregator
	clock      clock.Clock
	logger     *zap.Logger
}

// NewAdherenceHandler creates a new handler
func NewAdherenceHandler(a *adherence.Aggregator, c clock.Clock, logger *zap.Logger) *AdherenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = clock.System{}
	}
	return &AdherenceHandler{aggregator: a, clock: c, logger: logger}
}

// ForPatient handles GET /patients/{patientID}/adherence?from=&to=
func (h *AdherenceHandler) ForPatient(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	from, to, err := rangeParams(r, now.Add(-defaultAdherenceWindow), now)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	report, err := h.aggregator.ComputeForPatient(r.Context(), chi.URLParam(r, "patientID"), from, to)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ForPrescription handles GET /prescriptions/{id}/adherence?from=&to=
func (h *AdherenceHandler) ForPrescription(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	from, to, err := rangeParams(r, now.Add(-defaultAdherenceWindow), now)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	report, err := h.aggregator.Compute(r.Context(), []string{chi.URLParam(r, "id")}, from, to)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
