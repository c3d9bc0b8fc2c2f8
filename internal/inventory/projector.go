// Package inventory derives stock levels, low stock alerts and refill
// projections from taken doses and refills.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/store"
	"github.com/drfirst/go-dosewatch/pkg/keylock"
)

var tracer = otel.Tracer("inventory-projector")

// ConsumptionWindow is the look-back used for the daily consumption rate
const ConsumptionWindow = 7 * 24 * time.Hour

// Change describes what a single mutation did to a record
type Change struct {
	Delta     float64
	Shortfall float64
	BecameLow bool
	Refilled  bool
}

// Consume decrements rec by qty, flooring at zero. Any shortfall is
// accumulated on the record as an anomaly.
func Consume(rec *medication.InventoryRecord, qty float64, now time.Time) Change {
	if qty <= 0 {
		return Change{}
	}
	wasLow := rec.IsLowStock()
	ch := Change{Delta: -qty}
	remaining := rec.CurrentQuantity - qty
	if remaining < 0 {
		ch.Shortfall = -remaining
		ch.Delta = -rec.CurrentQuantity
		remaining = 0
		at := now.UTC()
		rec.AnomalyAt = &at
		rec.AnomalyShortfall += ch.Shortfall
	}
	rec.CurrentQuantity = remaining
	rec.UpdatedAt = now.UTC()
	ch.BecameLow = !wasLow && rec.IsLowStock()
	return ch
}

// Credit returns qty units to rec. Units first pay down an outstanding
// shortfall, since they were never deducted from the floored quantity.
func Credit(rec *medication.InventoryRecord, qty float64, now time.Time) Change {
	if qty <= 0 {
		return Change{}
	}
	if rec.AnomalyShortfall > 0 {
		absorbed := min(qty, rec.AnomalyShortfall)
		rec.AnomalyShortfall -= absorbed
		qty -= absorbed
		if rec.AnomalyShortfall == 0 {
			rec.AnomalyAt = nil
		}
	}
	rec.CurrentQuantity += qty
	rec.UpdatedAt = now.UTC()
	return Change{Delta: qty}
}

// Refill adds qty units, falling back to the record's refill increment when
// qty is not positive, and clears any anomaly.
func Refill(rec *medication.InventoryRecord, qty float64, now time.Time) Change {
	if qty <= 0 {
		qty = rec.RefillQuantityIncrement
	}
	at := now.UTC()
	rec.CurrentQuantity += qty
	rec.LastRefillDate = &at
	rec.AnomalyAt = nil
	rec.AnomalyShortfall = 0
	rec.UpdatedAt = at
	return Change{Delta: qty, Refilled: true}
}

// Anomaly is the over-consumption flag of a record
type Anomaly struct {
	At        time.Time `json:"at"`
	Shortfall float64   `json:"shortfall"`
}

// Status is the projected view of a record
type Status struct {
	PrescriptionID         string     `json:"prescription_id"`
	CurrentQuantity        float64    `json:"current_quantity"`
	LowStockThreshold      float64    `json:"low_stock_threshold"`
	IsLowStock             bool       `json:"is_low_stock"`
	DailyConsumption       float64    `json:"daily_consumption"`
	ProjectedDepletionDate *time.Time `json:"projected_depletion_date,omitempty"`
	RefillDueDate          *time.Time `json:"refill_due_date,omitempty"`
	LastRefillDate         *time.Time `json:"last_refill_date,omitempty"`
	Anomaly                *Anomaly   `json:"anomaly,omitempty"`
}

// projectionHorizon bounds depletion forecasts well inside time.Duration's
// range of about 292 years
const projectionHorizon = 100 * 365

// Project computes the status of rec given a daily consumption rate.
// Depletion is undefined when nothing is being consumed or the supply
// outlasts projectionHorizon days.
func Project(rec *medication.InventoryRecord, dailyRate float64, now time.Time) *Status {
	st := &Status{
		PrescriptionID:    rec.PrescriptionID,
		CurrentQuantity:   rec.CurrentQuantity,
		LowStockThreshold: rec.LowStockThreshold,
		IsLowStock:        rec.IsLowStock(),
		DailyConsumption:  dailyRate,
		LastRefillDate:    rec.LastRefillDate,
	}
	if rec.AnomalyAt != nil {
		st.Anomaly = &Anomaly{At: *rec.AnomalyAt, Shortfall: rec.AnomalyShortfall}
	}
	if dailyRate <= 0 {
		return st
	}
	days := rec.CurrentQuantity / dailyRate
	if days > projectionHorizon {
		return st
	}
	depletion := now.Add(time.Duration(days * float64(24*time.Hour))).UTC()
	refillDue := depletion.AddDate(0, 0, -rec.RefillLeadDays)
	st.ProjectedDepletionDate = &depletion
	st.RefillDueDate = &refillDue
	return st
}

// Projector applies inventory mutations through the store
type Projector struct {
	store   store.Store
	clock   clock.Clock
	locks   *keylock.Map
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewProjector creates a projector
func NewProjector(s store.Store, c clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = clock.System{}
	}
	return &Projector{
		store:   s,
		clock:   c,
		locks:   keylock.New(),
		metrics: m,
		logger:  logger,
	}
}

// Lock serializes inventory writers of one prescription
func (p *Projector) Lock(prescriptionID string) func() {
	return p.locks.Lock(prescriptionID)
}

// OnDoseTaken decrements stock by qty
func (p *Projector) OnDoseTaken(ctx context.Context, prescriptionID string, qty float64) (*medication.InventoryRecord, error) {
	return p.mutate(ctx, "on_dose_taken", prescriptionID, func(rec *medication.InventoryRecord, now time.Time) Change {
		return Consume(rec, qty, now)
	})
}

// OnRefill increments stock by qty, or by the refill increment when qty <= 0
func (p *Projector) OnRefill(ctx context.Context, prescriptionID string, qty float64) (*medication.InventoryRecord, error) {
	return p.mutate(ctx, "on_refill", prescriptionID, func(rec *medication.InventoryRecord, now time.Time) Change {
		return Refill(rec, qty, now)
	})
}

func (p *Projector) mutate(ctx context.Context, op, prescriptionID string, fn func(*medication.InventoryRecord, time.Time) Change) (*medication.InventoryRecord, error) {
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("prescription_id", prescriptionID))

	unlock := p.Lock(prescriptionID)
	defer unlock()

	var out *medication.InventoryRecord
	err := p.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rec, err := loadTracked(ctx, tx, prescriptionID)
		if err != nil {
			return err
		}
		ch := fn(rec, p.clock.Now())
		if err := p.Save(ctx, tx, rec, "", ch); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// Apply adjusts the record inside tx by the change in consumed units: a
// positive delta consumes, a negative one credits. The caller holds Lock.
// It returns nil when the prescription has no inventory record.
func (p *Projector) Apply(ctx context.Context, tx store.Tx, rx *medication.Prescription, consumedDelta float64) (*medication.InventoryRecord, error) {
	if !rx.InventoryTracked || consumedDelta == 0 {
		return nil, nil
	}
	rec, err := tx.LoadInventory(ctx, rx.ID)
	if errors.Is(err, medication.ErrNotFound) {
		p.logger.Warn("inventory tracking enabled without a record",
			zap.String("prescription_id", rx.ID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}

	now := p.clock.Now()
	var ch Change
	if consumedDelta > 0 {
		ch = Consume(rec, consumedDelta, now)
	} else {
		ch = Credit(rec, -consumedDelta, now)
	}
	if err := p.Save(ctx, tx, rec, rx.PatientID, ch); err != nil {
		return nil, err
	}
	return rec, nil
}

// Save persists rec and appends the events its change implies
func (p *Projector) Save(ctx context.Context, tx store.Tx, rec *medication.InventoryRecord, patientID string, ch Change) error {
	if err := tx.SaveInventory(ctx, rec); err != nil {
		return fmt.Errorf("failed to save inventory: %w", err)
	}

	data := medication.InventoryChangedData{
		PrescriptionID:    rec.PrescriptionID,
		CurrentQuantity:   rec.CurrentQuantity,
		LowStockThreshold: rec.LowStockThreshold,
		Delta:             ch.Delta,
		Shortfall:         ch.Shortfall,
	}
	var types []medication.EventType
	if ch.Refilled {
		types = append(types, medication.EventInventoryRefilled)
	}
	if ch.Shortfall > 0 {
		types = append(types, medication.EventInventoryAnomaly)
		p.logger.Warn("inventory anomaly: consumption exceeds stock",
			zap.String("prescription_id", rec.PrescriptionID),
			zap.Float64("shortfall", ch.Shortfall))
	}
	if ch.BecameLow {
		types = append(types, medication.EventInventoryLowStock)
	}
	for _, t := range types {
		event, err := medication.NewEvent(rec.PrescriptionID, t, data, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create event: %w", err)
		}
		if err := tx.AppendEvent(ctx, event.WithPatient(patientID)); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}
	p.metrics.InventoryChanged(ch.Shortfall > 0, ch.BecameLow, ch.Refilled)
	return nil
}

// GetStatus returns the current stock with a depletion projection based on
// the taken doses of the last ConsumptionWindow.
func (p *Projector) GetStatus(ctx context.Context, prescriptionID string) (*Status, error) {
	ctx, span := tracer.Start(ctx, "get_status")
	defer span.End()

	rec, err := loadTracked(ctx, p.store, prescriptionID)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	entries, err := p.store.LoadDoseLog(ctx, prescriptionID, now.Add(-ConsumptionWindow), now)
	if err != nil {
		return nil, fmt.Errorf("failed to load dose log: %w", err)
	}
	return Project(rec, DailyRate(entries), now), nil
}

// DailyRate averages the units consumed by entries over ConsumptionWindow
func DailyRate(entries []*medication.DoseLogEntry) float64 {
	var total float64
	for _, e := range entries {
		total += e.UnitsConsumed(medication.DefaultUnitsPerDose)
	}
	return total / (ConsumptionWindow.Hours() / 24)
}

func loadTracked(ctx context.Context, r store.Reader, prescriptionID string) (*medication.InventoryRecord, error) {
	rec, err := r.LoadInventory(ctx, prescriptionID)
	if errors.Is(err, medication.ErrNotFound) {
		return nil, fmt.Errorf("prescription %s: %w", prescriptionID, medication.ErrInventoryNotTracked)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}
	return rec, nil
}
