package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/ledger"
	"github.com/drfirst/go-dosewatch/internal/schedule"
	"github.com/drfirst/go-dosewatch/internal/status"
	"github.com/drfirst/go-dosewatch/internal/store"
)

// DoseHandler serves scheduled doses and records dispositions
type DoseHandler struct {
	store      store.Store
	ledger     *ledger.Ledger
	classifier *status.Classifier
	logger     *zap.Logger
}

// NewDoseHandler creates a new handler
func NewDoseHandler(s store.Store, l *ledger.Ledger, c *status.Classifier, logger *zap.Logger) *DoseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DoseHandler{store: s, ledger: l, classifier: c, logger: logger}
}

// DoseView is a classified dose with the prescription details a dashboard shows
type DoseView struct {
	status.ClassifiedDose
	MedicationName string `json:"medication_name"`
	Dosage         string `json:"dosage"`
}

// ForPatient handles GET /patients/{patientID}/doses?from=&to=. The
// default range is the current UTC day.
func (h *DoseHandler) ForPatient(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_patient_doses")
	defer span.End()
	patientID := chi.URLParam(r, "patientID")
	span.SetAttributes(attribute.String("patient_id", patientID))

	day := h.classifier.Clock.Now().UTC().Truncate(24 * time.Hour)
	from, to, err := rangeParams(r, day, day.Add(24*time.Hour))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	prescriptions, err := h.store.LoadPrescriptions(ctx, patientID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	views, err := h.classify(ctx, prescriptions, from, to)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// ForPrescription handles GET /prescriptions/{id}/doses?from=&to=
func (h *DoseHandler) ForPrescription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rx, err := h.store.LoadPrescription(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	day := h.classifier.Clock.Now().UTC().Truncate(24 * time.Hour)
	from, to, err := rangeParams(r, day.Add(-6*24*time.Hour), day.Add(24*time.Hour))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	views, err := h.classify(ctx, []*medication.Prescription{rx}, from, to)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *DoseHandler) classify(ctx context.Context, prescriptions []*medication.Prescription, from, to time.Time) ([]DoseView, error) {
	doses, err := schedule.ExpandAll(prescriptions, from, to)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*medication.Prescription, len(prescriptions))
	entries := make(map[medication.DoseKey]*medication.DoseLogEntry)
	for _, rx := range prescriptions {
		byID[rx.ID] = rx
		log, err := h.ledger.History(ctx, rx.ID, from, to)
		if err != nil {
			return nil, fmt.Errorf("prescription %s: %w", rx.ID, err)
		}
		for k, e := range status.IndexEntries(log) {
			entries[k] = e
		}
	}

	views := make([]DoseView, 0, len(doses))
	for _, cd := range h.classifier.ClassifyAll(doses, entries) {
		rx := byID[cd.PrescriptionID]
		views = append(views, DoseView{
			ClassifiedDose: cd,
			MedicationName: rx.MedicationName,
			Dosage:         rx.Dosage.String(),
		})
	}
	return views, nil
}

// Get handles GET /prescriptions/{id}/doses/{scheduledAt}
func (h *DoseHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	at, err := timeParam(r, "scheduledAt")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rx, err := h.store.LoadPrescription(ctx, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	ok, err := schedule.IsScheduled(rx, at)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !ok {
		writeError(w, r, h.logger, fmt.Errorf("%w: %s", medication.ErrOutOfWindow, at.Format(time.RFC3339)))
		return
	}
	entry, err := h.ledger.GetDisposition(ctx, id, at)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	dose := medication.ScheduledDose{PrescriptionID: id, ScheduledAt: at.UTC()}
	writeJSON(w, http.StatusOK, DoseView{
		ClassifiedDose: status.ClassifiedDose{
			ScheduledDose: dose,
			Status:        h.classifier.ClassifyNow(dose, entry),
			Entry:         entry,
		},
		MedicationName: rx.MedicationName,
		Dosage:         rx.Dosage.String(),
	})
}

// TakenRequest is the body of POST .../taken
type TakenRequest struct {
	ActualAt     *time.Time `json:"actual_at,omitempty"`
	ActualDosage *float64   `json:"actual_dosage,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// Taken handles POST /prescriptions/{id}/doses/{scheduledAt}/taken
func (h *DoseHandler) Taken(w http.ResponseWriter, r *http.Request) {
	at, err := timeParam(r, "scheduledAt")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req TakenRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.ActualDosage != nil && *req.ActualDosage < 0 {
		jsonError(w, "actual_dosage must not be negative", http.StatusBadRequest)
		return
	}

	var opts []ledger.TakenOption
	if req.ActualDosage != nil {
		opts = append(opts, ledger.WithActualDosage(*req.ActualDosage))
	}
	if req.Notes != "" {
		opts = append(opts, ledger.WithNotes(req.Notes))
	}
	var actualAt time.Time
	if req.ActualAt != nil {
		actualAt = *req.ActualAt
	}

	entry, err := h.ledger.RecordTaken(r.Context(), chi.URLParam(r, "id"), at, actualAt, opts...)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// SkippedRequest is the body of POST .../skipped
type SkippedRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Skipped handles POST /prescriptions/{id}/doses/{scheduledAt}/skipped
func (h *DoseHandler) Skipped(w http.ResponseWriter, r *http.Request) {
	at, err := timeParam(r, "scheduledAt")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req SkippedRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	entry, err := h.ledger.RecordSkipped(r.Context(), chi.URLParam(r, "id"), at, req.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
