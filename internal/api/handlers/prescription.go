package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/api/middleware"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/domain/prescription"
	"github.com/drfirst/go-dosewatch/internal/fhir/mapper"
	fhir "github.com/drfirst/go-dosewatch/internal/fhir/r5"
)

var tracer = otel.Tracer("dosewatch-api")

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	repo   *prescription.Repository
	logger *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(repo *prescription.Repository, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{repo: repo, logger: logger}
}

// FrequencyRequest is the frequency in request bodies; times are "HH:MM"
type FrequencyRequest struct {
	Kind          medication.FrequencyKind `json:"kind"`
	TimesOfDay    []string                 `json:"times_of_day,omitempty"`
	IntervalHours int                      `json:"interval_hours,omitempty"`
	FirstDose     string                   `json:"first_dose,omitempty"`
}

// InventoryRequest seeds inventory tracking
type InventoryRequest struct {
	Quantity                float64 `json:"quantity"`
	LowStockThreshold       float64 `json:"low_stock_threshold"`
	RefillQuantityIncrement float64 `json:"refill_quantity_increment"`
	RefillLeadDays          int     `json:"refill_lead_days"`
}

// CreateRequest is the request body for creating a prescription
type CreateRequest struct {
	ID             string            `json:"id,omitempty"`
	PatientID      string            `json:"patient_id"`
	MedicationID   string            `json:"medication_id,omitempty"`
	MedicationName string            `json:"medication_name"`
	Dosage         medication.Dosage `json:"dosage"`
	Frequency      FrequencyRequest  `json:"frequency"`
	StartDate      time.Time         `json:"start_date"`
	EndDate        *time.Time        `json:"end_date,omitempty"`
	Timezone       string            `json:"timezone,omitempty"`
	PrescriberRef  string            `json:"prescriber_ref,omitempty"`
	Inventory      *InventoryRequest `json:"inventory,omitempty"`
}

func (f FrequencyRequest) toFrequency() (medication.Frequency, error) {
	switch f.Kind {
	case medication.FrequencyInterval:
		return medication.EveryNHours(f.IntervalHours, f.FirstDose)
	default:
		return medication.TimesDaily(f.TimesOfDay...)
	}
}

func (req *CreateRequest) toDomain() (*medication.Prescription, *medication.InventoryRecord, error) {
	freq, err := req.Frequency.toFrequency()
	if err != nil {
		return nil, nil, err
	}
	rx := &medication.Prescription{
		ID:             req.ID,
		PatientID:      req.PatientID,
		MedicationID:   req.MedicationID,
		MedicationName: req.MedicationName,
		Dosage:         req.Dosage,
		Frequency:      freq,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		Timezone:       req.Timezone,
		Active:         true,
		PrescriberRef:  req.PrescriberRef,
	}
	if req.Inventory == nil {
		return rx, nil, nil
	}
	return rx, &medication.InventoryRecord{
		CurrentQuantity:         req.Inventory.Quantity,
		LowStockThreshold:       req.Inventory.LowStockThreshold,
		RefillQuantityIncrement: req.Inventory.RefillQuantityIncrement,
		RefillLeadDays:          req.Inventory.RefillLeadDays,
	}, nil
}

// PrescriptionResponse is a prescription with its starting inventory
type PrescriptionResponse struct {
	*medication.Prescription
	Inventory *medication.InventoryRecord `json:"inventory,omitempty"`
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "create_prescription")
	defer span.End()

	var req CreateRequest
	if err := decode(w, r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rx, inv, err := req.toDomain()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.repo.Create(ctx, rx, inv); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", rx.ID))

	h.logger.Info("prescription created via api",
		zap.String("prescription_id", rx.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)),
	)
	writeJSON(w, http.StatusCreated, PrescriptionResponse{Prescription: rx, Inventory: inv})
}

// ImportFHIR handles POST /prescriptions/fhir with a MedicationRequest body
func (h *PrescriptionHandler) ImportFHIR(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "import_medication_request")
	defer span.End()

	var mr fhir.MedicationRequest
	if err := decode(w, r, &mr); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.repo.Import(ctx, &mr)
	if err != nil {
		h.logger.Warn("medication request import failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		if statusFor(err) == http.StatusBadRequest {
			writeOutcome(w, err)
			return
		}
		writeError(w, r, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", res.Prescription.ID))
	writeJSON(w, http.StatusCreated, PrescriptionResponse{Prescription: res.Prescription, Inventory: res.Inventory})
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	rx, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rx)
}

// ListForPatient handles GET /patients/{patientID}/prescriptions
func (h *PrescriptionHandler) ListForPatient(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListForPatient(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*medication.Prescription{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Deactivate handles POST /prescriptions/{id}/deactivate
func (h *PrescriptionHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	rx, err := h.repo.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rx)
}

// writeOutcome answers a rejected MedicationRequest with a FHIR
// OperationOutcome pointing at the element that failed to map
func writeOutcome(w http.ResponseWriter, err error) {
	var expr []string
	var me *mapper.MapError
	if errors.As(err, &me) {
		expr = append(expr, me.Field)
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(fhir.NewErrorOutcome("invalid", err.Error(), expr...))
}
