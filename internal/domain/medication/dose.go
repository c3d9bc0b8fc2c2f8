package medication

import (
	"time"
)

// Disposition is what the patient did with a scheduled dose
type Disposition string

const (
	DispositionNone    Disposition = "none"
	DispositionTaken   Disposition = "taken"
	DispositionSkipped Disposition = "skipped"
)

// ScheduledDose is a computed dose time; it is never stored
type ScheduledDose struct {
	PrescriptionID string    `json:"prescription_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

// Key returns the ledger key of the dose
func (d ScheduledDose) Key() DoseKey {
	return NewDoseKey(d.PrescriptionID, d.ScheduledAt)
}

// DoseKey identifies a dose log entry
type DoseKey struct {
	PrescriptionID string
	ScheduledAt    time.Time
}

// NewDoseKey normalizes the timestamp to UTC so equal instants compare equal
func NewDoseKey(prescriptionID string, scheduledAt time.Time) DoseKey {
	return DoseKey{PrescriptionID: prescriptionID, ScheduledAt: scheduledAt.UTC()}
}

func (k DoseKey) String() string {
	return k.PrescriptionID + "|" + k.ScheduledAt.Format(time.RFC3339Nano)
}

// DoseLogEntry is the persisted disposition of a scheduled dose.
// At most one exists per DoseKey; later dispositions overwrite earlier ones.
type DoseLogEntry struct {
	ID             string      `json:"id"`
	PrescriptionID string      `json:"prescription_id"`
	ScheduledAt    time.Time   `json:"scheduled_at"`
	Disposition    Disposition `json:"disposition"`
	DispositionAt  *time.Time  `json:"disposition_at,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	ActualDosage   *float64    `json:"actual_dosage,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Key returns the entry's ledger key
func (e *DoseLogEntry) Key() DoseKey {
	return NewDoseKey(e.PrescriptionID, e.ScheduledAt)
}

// UnitsConsumed returns the inventory units this entry accounts for.
// Only taken doses consume; an explicit actual dosage overrides the default.
func (e *DoseLogEntry) UnitsConsumed(unitsPerDose float64) float64 {
	if e == nil || e.Disposition != DispositionTaken {
		return 0
	}
	if e.ActualDosage != nil {
		return *e.ActualDosage
	}
	return unitsPerDose
}
