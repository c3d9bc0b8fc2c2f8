// Package ledger records what a patient did with each scheduled dose.
// There is at most one entry per (prescription, scheduled time); a new
// disposition overwrites the previous one and never adds a row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/inventory"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/schedule"
	"github.com/drfirst/go-dosewatch/internal/store"
	"github.com/drfirst/go-dosewatch/pkg/keylock"
)

var tracer = otel.Tracer("dose-ledger")

// Ledger is the dose log. Writes to one dose key are serialized; writes to
// different keys run concurrently. A taken dose adjusts inventory in the
// same transaction as the ledger write.
type Ledger struct {
	store     store.Store
	inventory *inventory.Projector
	clock     clock.Clock
	locks     *keylock.Map
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a ledger. inv may be nil when inventory is not tracked.
func New(s store.Store, inv *inventory.Projector, c clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = clock.System{}
	}
	return &Ledger{
		store:     s,
		inventory: inv,
		clock:     c,
		locks:     keylock.New(),
		metrics:   m,
		logger:    logger,
	}
}

// TakenOption customizes RecordTaken
type TakenOption func(*takenOptions)

type takenOptions struct {
	actualDosage *float64
	notes        string
}

// WithActualDosage records the units actually taken
func WithActualDosage(units float64) TakenOption {
	return func(o *takenOptions) {
		o.actualDosage = &units
	}
}

// WithNotes attaches free-form notes
func WithNotes(notes string) TakenOption {
	return func(o *takenOptions) {
		o.notes = notes
	}
}

// GetDisposition returns the entry for the dose, or nil when the patient has
// not acted on it yet.
func (l *Ledger) GetDisposition(ctx context.Context, prescriptionID string, scheduledAt time.Time) (*medication.DoseLogEntry, error) {
	entry, err := l.store.LoadDoseLogEntry(ctx, medication.NewDoseKey(prescriptionID, scheduledAt))
	if err != nil {
		return nil, fmt.Errorf("failed to load dose log entry: %w", err)
	}
	return entry, nil
}

// History returns the entries of a prescription scheduled in [start, end)
func (l *Ledger) History(ctx context.Context, prescriptionID string, start, end time.Time) ([]*medication.DoseLogEntry, error) {
	if _, err := schedule.NewWindow(start, end); err != nil {
		return nil, err
	}
	entries, err := l.store.LoadDoseLog(ctx, prescriptionID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load dose log: %w", err)
	}
	return entries, nil
}

// RecordTaken marks the dose taken at actualAt. A zero actualAt means now.
func (l *Ledger) RecordTaken(ctx context.Context, prescriptionID string, scheduledAt, actualAt time.Time, opts ...TakenOption) (*medication.DoseLogEntry, error) {
	var o takenOptions
	for _, opt := range opts {
		opt(&o)
	}
	return l.record(ctx, "record_taken", prescriptionID, scheduledAt, func(e *medication.DoseLogEntry, now time.Time) {
		if actualAt.IsZero() {
			actualAt = now
		}
		at := actualAt.UTC()
		e.Disposition = medication.DispositionTaken
		e.DispositionAt = &at
		e.ActualDosage = o.actualDosage
		e.Notes = o.notes
		e.Reason = ""
	})
}

// RecordSkipped marks the dose skipped
func (l *Ledger) RecordSkipped(ctx context.Context, prescriptionID string, scheduledAt time.Time, reason string) (*medication.DoseLogEntry, error) {
	return l.record(ctx, "record_skipped", prescriptionID, scheduledAt, func(e *medication.DoseLogEntry, now time.Time) {
		at := now.UTC()
		e.Disposition = medication.DispositionSkipped
		e.DispositionAt = &at
		e.ActualDosage = nil
		e.Notes = ""
		e.Reason = reason
	})
}

func (l *Ledger) record(ctx context.Context, op, prescriptionID string, scheduledAt time.Time, apply func(*medication.DoseLogEntry, time.Time)) (*medication.DoseLogEntry, error) {
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(
		attribute.String("prescription_id", prescriptionID),
		attribute.String("scheduled_at", scheduledAt.UTC().Format(time.RFC3339)),
	)
	started := time.Now()

	fail := func(err error) (*medication.DoseLogEntry, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &medication.DoseError{Op: op, PrescriptionID: prescriptionID, Err: err}
	}

	rx, err := l.validate(ctx, l.store, prescriptionID, scheduledAt)
	if err != nil {
		return fail(err)
	}

	key := medication.NewDoseKey(prescriptionID, scheduledAt)
	unlock := l.locks.Lock(key.String())
	defer unlock()
	if rx.InventoryTracked && l.inventory != nil {
		unlockInv := l.inventory.Lock(rx.ID)
		defer unlockInv()
	}

	var saved *medication.DoseLogEntry
	err = l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// other processes write the same key; the check above may be stale
		if err := tx.LockDose(ctx, key); err != nil {
			return err
		}
		rx, err := l.validate(ctx, tx, prescriptionID, scheduledAt)
		if err != nil {
			return err
		}

		prev, err := tx.LoadDoseLogEntry(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to load dose log entry: %w", err)
		}

		now := l.clock.Now().UTC()
		entry := &medication.DoseLogEntry{
			ID:             uuid.New().String(),
			PrescriptionID: key.PrescriptionID,
			ScheduledAt:    key.ScheduledAt,
			CreatedAt:      now,
		}
		if prev != nil {
			entry.ID = prev.ID
			entry.CreatedAt = prev.CreatedAt
		}
		apply(entry, now)
		entry.UpdatedAt = now

		if err := tx.SaveDoseLog(ctx, entry); err != nil {
			return fmt.Errorf("failed to save dose log entry: %w", err)
		}

		delta := entry.UnitsConsumed(medication.DefaultUnitsPerDose) - prev.UnitsConsumed(medication.DefaultUnitsPerDose)
		if l.inventory != nil {
			if _, err := l.inventory.Apply(ctx, tx, rx, delta); err != nil {
				return err
			}
		}

		if err := tx.AppendEvent(ctx, doseEvent(rx, entry, prev)); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		saved = entry
		return nil
	})
	if err != nil {
		l.logger.Error("dose recording failed",
			zap.String("prescription_id", prescriptionID),
			zap.Time("scheduled_at", key.ScheduledAt),
			zap.Error(err),
		)
		return fail(err)
	}

	l.metrics.DoseRecorded(string(saved.Disposition), time.Since(started))
	l.logger.Info("dose recorded",
		zap.String("prescription_id", prescriptionID),
		zap.Time("scheduled_at", saved.ScheduledAt),
		zap.String("disposition", string(saved.Disposition)),
	)
	return saved, nil
}

// validate rejects doses of unknown or inactive prescriptions and times the
// schedule would never produce.
func (l *Ledger) validate(ctx context.Context, r store.Reader, prescriptionID string, scheduledAt time.Time) (*medication.Prescription, error) {
	rx, err := r.LoadPrescription(ctx, prescriptionID)
	if errors.Is(err, medication.ErrNotFound) {
		l.metrics.DoseRejected("unknown_prescription")
		return nil, medication.ErrUnknownPrescription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prescription: %w", err)
	}
	if !rx.Active {
		l.metrics.DoseRejected("unknown_prescription")
		return nil, fmt.Errorf("%w: prescription is inactive", medication.ErrUnknownPrescription)
	}

	ok, err := schedule.IsScheduled(rx, scheduledAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		l.metrics.DoseRejected("out_of_window")
		return nil, fmt.Errorf("%w: %s", medication.ErrOutOfWindow, scheduledAt.UTC().Format(time.RFC3339))
	}
	return rx, nil
}

func doseEvent(rx *medication.Prescription, entry, prev *medication.DoseLogEntry) *medication.Event {
	eventType := medication.EventDoseTaken
	if entry.Disposition == medication.DispositionSkipped {
		eventType = medication.EventDoseSkipped
	}
	data := medication.DoseRecordedData{
		PrescriptionID: entry.PrescriptionID,
		ScheduledAt:    entry.ScheduledAt,
		Disposition:    entry.Disposition,
		DispositionAt:  entry.DispositionAt,
		ActualDosage:   entry.ActualDosage,
		Reason:         entry.Reason,
	}
	if prev != nil {
		data.Overwrote = prev.Disposition
	}
	// DoseRecordedData always marshals
	event, _ := medication.NewEvent(rx.ID, eventType, data, entry.UpdatedAt)
	return event.WithPatient(rx.PatientID)
}
