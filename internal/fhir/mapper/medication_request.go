// Package mapper imports FHIR R5 MedicationRequests as prescriptions.
package mapper

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	fhir "github.com/drfirst/go-dosewatch/internal/fhir/r5"
)

// MapError reports the element that could not be mapped
type MapError struct {
	Field   string
	Message string
	Cause   error
}

func (e *MapError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *MapError) Unwrap() error {
	return e.Cause
}

// Options tunes the import
type Options struct {
	// DefaultTimezone applies when the request has no timezone extension
	DefaultTimezone string
	// DefaultFirstDose anchors interval schedules that carry no start time
	DefaultFirstDose string
	// LowStockDays sets the low stock threshold to this many days of doses
	LowStockDays int
	// RefillLeadDays is copied onto the inventory record
	RefillLeadDays int
}

// DefaultOptions returns the import defaults
func DefaultOptions() Options {
	return Options{
		DefaultTimezone:  "UTC",
		DefaultFirstDose: "08:00",
		LowStockDays:     7,
		RefillLeadDays:   3,
	}
}

// Result is an imported prescription and, when the request carries a
// dispense quantity, its starting inventory.
type Result struct {
	Prescription *medication.Prescription
	Inventory    *medication.InventoryRecord
}

// Mapper converts MedicationRequests
type Mapper struct {
	opts Options
}

// New creates a mapper
func New(opts Options) *Mapper {
	if opts.DefaultFirstDose == "" {
		opts.DefaultFirstDose = DefaultOptions().DefaultFirstDose
	}
	return &Mapper{opts: opts}
}

// ToPrescription maps mr. now stamps CreatedAt and is the start date when
// the request has no bounds, validity period or authored date.
func (m *Mapper) ToPrescription(mr *fhir.MedicationRequest, now time.Time) (*Result, error) {
	if mr == nil {
		return nil, &MapError{Field: "MedicationRequest", Message: "medication request is required", Cause: medication.ErrInvalidPrescription}
	}
	if mr.ResourceType != "" && mr.ResourceType != "MedicationRequest" {
		return nil, &MapError{Field: "resourceType", Message: "expected MedicationRequest, got " + mr.ResourceType, Cause: medication.ErrInvalidPrescription}
	}

	patientID := mr.PatientID()
	if patientID == "" {
		return nil, &MapError{Field: "subject", Message: "patient reference is required", Cause: medication.ErrInvalidPrescription}
	}

	dosage := mr.PrimaryDosage()
	if dosage == nil || dosage.Timing == nil {
		return nil, &MapError{Field: "dosageInstruction.timing", Message: "a scheduled dosage instruction is required", Cause: medication.ErrInvalidFrequency}
	}

	freq, err := m.frequency(dosage.Timing)
	if err != nil {
		return nil, &MapError{Field: "dosageInstruction.timing.repeat", Message: "cannot derive dose times", Cause: err}
	}

	id := mr.ID
	if id == "" {
		id = uuid.New().String()
	}
	tz := mr.ExtensionValue(fhir.ExtensionTimezone)
	if tz == "" {
		tz = m.opts.DefaultTimezone
	}

	rx := &medication.Prescription{
		ID:             id,
		PatientID:      patientID,
		MedicationID:   mr.MedicationCode(),
		MedicationName: mr.MedicationDisplay(),
		Dosage:         doseQuantity(dosage),
		Frequency:      freq,
		Timezone:       tz,
		Active:         mr.Status == "" || mr.Status == fhir.StatusActive,
		PrescriberRef:  prescriberRef(mr.Requester),
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
	rx.StartDate, rx.EndDate = bounds(mr, dosage.Timing, now)

	if err := rx.Validate(); err != nil {
		return nil, &MapError{Field: "MedicationRequest", Message: "mapped prescription is invalid", Cause: err}
	}

	res := &Result{Prescription: rx}
	if q := mr.DispenseQuantity(); q != nil && q.Value > 0 {
		rx.InventoryTracked = true
		perDay, _ := freq.DosesPerDay()
		res.Inventory = &medication.InventoryRecord{
			PrescriptionID:          rx.ID,
			CurrentQuantity:         q.Value,
			RefillQuantityIncrement: q.Value,
			LowStockThreshold:       math.Ceil(perDay * float64(m.opts.LowStockDays)),
			RefillLeadDays:          m.opts.RefillLeadDays,
			UpdatedAt:               now.UTC(),
		}
	}
	return res, nil
}

// frequency derives dose times from a Timing. Explicit timeOfDay wins;
// otherwise "every N hours" and "N times per day" become interval schedules
// anchored at the first event or the configured first dose.
func (m *Mapper) frequency(t *fhir.Timing) (medication.Frequency, error) {
	r := t.Repeat
	if r == nil {
		return medication.Frequency{}, fmt.Errorf("%w: timing has no repeat", medication.ErrInvalidFrequency)
	}

	if len(r.TimeOfDay) > 0 {
		times := make([]string, 0, len(r.TimeOfDay))
		for _, tod := range r.TimeOfDay {
			times = append(times, clockTime(tod))
		}
		return medication.TimesDaily(times...)
	}

	first := m.opts.DefaultFirstDose
	if len(t.Event) > 0 {
		first = t.Event[0].Format("15:04")
	}

	perPeriod := r.Frequency
	if perPeriod <= 0 {
		perPeriod = 1
	}
	var hours float64
	switch r.PeriodUnit {
	case "h":
		hours = r.Period / float64(perPeriod)
	case "d":
		hours = 24 * r.Period / float64(perPeriod)
	default:
		return medication.Frequency{}, fmt.Errorf("%w: unsupported period unit %q", medication.ErrInvalidFrequency, r.PeriodUnit)
	}
	if hours <= 0 || hours != math.Trunc(hours) {
		return medication.Frequency{}, fmt.Errorf("%w: interval of %g hours", medication.ErrInvalidFrequency, hours)
	}
	return medication.EveryNHours(int(hours), first)
}

// clockTime trims FHIR's hh:mm:ss to HH:MM
func clockTime(tod string) string {
	parts := strings.Split(tod, ":")
	if len(parts) >= 2 {
		return parts[0] + ":" + parts[1]
	}
	return tod
}

func doseQuantity(d *fhir.Dosage) medication.Dosage {
	for _, dr := range d.DoseAndRate {
		if dr.DoseQuantity != nil {
			unit := dr.DoseQuantity.Unit
			if unit == "" {
				unit = dr.DoseQuantity.Code
			}
			return medication.Dosage{Amount: dr.DoseQuantity.Value, Unit: unit}
		}
	}
	return medication.Dosage{Amount: 1, Unit: "unit"}
}

func prescriberRef(r *fhir.Reference) string {
	if r == nil {
		return ""
	}
	if r.Reference != "" {
		return r.Reference
	}
	if r.Identifier != nil {
		return r.Identifier.System + "|" + r.Identifier.Value
	}
	return r.Display
}

func bounds(mr *fhir.MedicationRequest, t *fhir.Timing, now time.Time) (time.Time, *time.Time) {
	var period *fhir.Period
	if t.Repeat != nil && t.Repeat.BoundsPeriod != nil {
		period = t.Repeat.BoundsPeriod
	} else if mr.DispenseRequest != nil && mr.DispenseRequest.ValidityPeriod != nil {
		period = mr.DispenseRequest.ValidityPeriod
	}

	start := now.UTC()
	var end *time.Time
	switch {
	case period != nil && period.Start != nil:
		start = *period.Start
	case mr.AuthoredOn != nil:
		start = *mr.AuthoredOn
	}
	if period != nil && period.End != nil {
		e := *period.End
		end = &e
	}
	return start, end
}
