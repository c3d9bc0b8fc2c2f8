// Package prescription manages the prescription lifecycle. Every change is
// saved together with its domain event so the outbox relay publishes it.
package prescription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	fhir "github.com/drfirst/go-dosewatch/internal/fhir/r5"
	"github.com/drfirst/go-dosewatch/internal/fhir/mapper"
	"github.com/drfirst/go-dosewatch/internal/store"
)

var tracer = otel.Tracer("prescription")

// Repository creates, imports and deactivates prescriptions
type Repository struct {
	store   store.Store
	mapper  *mapper.Mapper
	clock   clock.Clock
	catalog *medication.Catalog
	logger  *zap.Logger
}

// NewRepository creates a new repository. A nil mapper uses the default
// import options.
func NewRepository(s store.Store, m *mapper.Mapper, c clock.Clock, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = clock.System{}
	}
	if m == nil {
		m = mapper.New(mapper.DefaultOptions())
	}
	return &Repository{store: s, mapper: m, clock: c, logger: logger}
}

// UseCatalog fills a new prescription's missing name and dosage from the
// catalog entry for its medication ID
func (r *Repository) UseCatalog(c *medication.Catalog) {
	r.catalog = c
}

func (r *Repository) fillFromCatalog(rx *medication.Prescription) {
	if r.catalog == nil || rx.MedicationID == "" {
		return
	}
	med, ok := r.catalog.Get(rx.MedicationID)
	if !ok {
		return
	}
	if rx.MedicationName == "" {
		rx.MedicationName = med.Name
	}
	if rx.Dosage.Amount == 0 && rx.Dosage.Unit == "" {
		rx.Dosage = med.DefaultStrength
	}
}

// Create validates and saves a new prescription with its optional starting
// inventory. An empty ID is assigned.
func (r *Repository) Create(ctx context.Context, rx *medication.Prescription, inv *medication.InventoryRecord) error {
	ctx, span := tracer.Start(ctx, "create_prescription")
	defer span.End()

	now := r.clock.Now().UTC()
	if rx.ID == "" {
		rx.ID = uuid.New().String()
	}
	if rx.CreatedAt.IsZero() {
		rx.CreatedAt = now
	}
	rx.UpdatedAt = now
	if inv != nil {
		inv.PrescriptionID = rx.ID
		inv.UpdatedAt = now
		rx.InventoryTracked = true
	}
	span.SetAttributes(attribute.String("prescription_id", rx.ID))

	r.fillFromCatalog(rx)
	if err := rx.Validate(); err != nil {
		return err
	}
	if inv != nil && (inv.CurrentQuantity < 0 || inv.LowStockThreshold < 0) {
		return fmt.Errorf("%w: inventory quantities must not be negative", medication.ErrInvalidPrescription)
	}

	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// the lock holds even while the row is missing, so a concurrent
		// create of the same ID waits here and then sees this one
		_, err := tx.LockPrescription(ctx, rx.ID)
		switch {
		case err == nil:
			return fmt.Errorf("prescription %s: %w", rx.ID, medication.ErrAlreadyExists)
		case !errors.Is(err, medication.ErrNotFound):
			return fmt.Errorf("failed to check prescription: %w", err)
		}

		if err := tx.SavePrescription(ctx, rx); err != nil {
			return fmt.Errorf("failed to save prescription: %w", err)
		}
		if inv != nil {
			if err := tx.SaveInventory(ctx, inv); err != nil {
				return fmt.Errorf("failed to save inventory: %w", err)
			}
		}
		return appendLifecycleEvent(ctx, tx, rx, medication.EventPrescriptionCreated)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	r.logger.Info("prescription created",
		zap.String("prescription_id", rx.ID),
		zap.String("patient_id", rx.PatientID),
		zap.String("frequency", string(rx.Frequency.Kind)),
		zap.Bool("inventory_tracked", rx.InventoryTracked),
	)
	return nil
}

// Import maps a FHIR MedicationRequest and creates the prescription
func (r *Repository) Import(ctx context.Context, mr *fhir.MedicationRequest) (*mapper.Result, error) {
	res, err := r.mapper.ToPrescription(mr, r.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := r.Create(ctx, res.Prescription, res.Inventory); err != nil {
		return nil, err
	}
	return res, nil
}

// Get loads a prescription
func (r *Repository) Get(ctx context.Context, id string) (*medication.Prescription, error) {
	return r.store.LoadPrescription(ctx, id)
}

// ListForPatient returns every prescription of a patient, active or not
func (r *Repository) ListForPatient(ctx context.Context, patientID string) ([]*medication.Prescription, error) {
	prescriptions, err := r.store.LoadPrescriptions(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load prescriptions: %w", err)
	}
	return prescriptions, nil
}

// Deactivate discontinues a prescription. Its history stays; deactivating
// twice is a no-op.
func (r *Repository) Deactivate(ctx context.Context, id string) (*medication.Prescription, error) {
	ctx, span := tracer.Start(ctx, "deactivate_prescription")
	defer span.End()
	span.SetAttributes(attribute.String("prescription_id", id))

	var out *medication.Prescription
	changed := false
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rx, err := tx.LockPrescription(ctx, id)
		if err != nil {
			return err
		}
		out = rx
		if !rx.Active {
			return nil
		}
		rx.Deactivate(r.clock.Now().UTC())
		if err := tx.SavePrescription(ctx, rx); err != nil {
			return fmt.Errorf("failed to save prescription: %w", err)
		}
		changed = true
		return appendLifecycleEvent(ctx, tx, rx, medication.EventPrescriptionDeactivated)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if changed {
		r.logger.Info("prescription deactivated", zap.String("prescription_id", id))
	}
	return out, nil
}

func appendLifecycleEvent(ctx context.Context, tx store.Tx, rx *medication.Prescription, t medication.EventType) error {
	at := rx.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	event, err := medication.NewEvent(rx.ID, t, medication.PrescriptionChangedData{
		PrescriptionID: rx.ID,
		PatientID:      rx.PatientID,
		MedicationName: rx.MedicationName,
		Active:         rx.Active,
	}, at)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	if err := tx.AppendEvent(ctx, event.WithPatient(rx.PatientID)); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}
