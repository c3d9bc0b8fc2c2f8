// Package medication defines the medication regimen data model: catalog
// entries, prescriptions, dose log entries and inventory records.
package medication

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultUnitsPerDose is consumed by a taken dose with no actual dosage recorded
const DefaultUnitsPerDose = 1.0

// Dosage is a strength with its unit, e.g. 10 mg
type Dosage struct {
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit"`
}

func (d Dosage) String() string {
	return fmt.Sprintf("%g%s", d.Amount, d.Unit)
}

// Medication is immutable catalog reference data
type Medication struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Form            string `json:"form"`
	DefaultStrength Dosage `json:"default_strength"`
}

// Catalog is a read-only medication lookup seeded once
type Catalog struct {
	mu    sync.RWMutex
	items map[string]Medication
}

// NewCatalog seeds a catalog
func NewCatalog(meds ...Medication) *Catalog {
	c := &Catalog{items: make(map[string]Medication, len(meds))}
	for _, m := range meds {
		c.items[m.ID] = m
	}
	return c
}

// LoadCatalog reads a JSON array of medications
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var meds []Medication
	if err := json.NewDecoder(r).Decode(&meds); err != nil {
		return nil, fmt.Errorf("decode medication catalog: %w", err)
	}
	for i, m := range meds {
		if m.ID == "" {
			return nil, fmt.Errorf("medication catalog entry %d has no id", i)
		}
	}
	return NewCatalog(meds...), nil
}

// Get returns a medication by ID
func (c *Catalog) Get(id string) (Medication, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.items[id]
	return m, ok
}

// Len returns the number of seeded medications
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Prescription is a patient's medication regimen
type Prescription struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"patient_id"`
	MedicationID     string     `json:"medication_id"`
	MedicationName   string     `json:"medication_name"`
	Dosage           Dosage     `json:"dosage"`
	Frequency        Frequency  `json:"frequency"`
	StartDate        time.Time  `json:"start_date"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	Timezone         string     `json:"timezone,omitempty"`
	Active           bool       `json:"active"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
	PrescriberRef    string     `json:"prescriber_ref,omitempty"`
	InventoryTracked bool       `json:"inventory_tracked"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Location returns the prescription's timezone, UTC when unset
func (p *Prescription) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidPrescription, p.Timezone, err)
	}
	return loc, nil
}

// Validate checks the prescription invariants
func (p *Prescription) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPrescription)
	}
	if p.PatientID == "" {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidPrescription)
	}
	if p.StartDate.IsZero() {
		return fmt.Errorf("%w: start_date is required", ErrInvalidPrescription)
	}
	if p.EndDate != nil && p.EndDate.Before(p.StartDate) {
		return fmt.Errorf("%w: end_date before start_date", ErrInvalidPrescription)
	}
	if p.Dosage.Amount < 0 {
		return fmt.Errorf("%w: negative dosage", ErrInvalidPrescription)
	}
	if _, err := p.Location(); err != nil {
		return err
	}
	return p.Frequency.Validate()
}

// Deactivate discontinues the prescription at at. Doses scheduled before
// at stay in its schedule so their history remains auditable.
func (p *Prescription) Deactivate(at time.Time) {
	if p.Active || p.DeactivatedAt == nil {
		p.DeactivatedAt = &at
	}
	p.Active = false
	p.UpdatedAt = at
}

// ActiveUntil returns the instant the schedule stops, if any. A
// deactivated prescription stops when it was deactivated; one that was
// never active has no schedule and stops at its start.
func (p *Prescription) ActiveUntil() (time.Time, bool) {
	switch {
	case p.DeactivatedAt != nil:
		return *p.DeactivatedAt, true
	case !p.Active:
		return p.StartDate, true
	}
	return time.Time{}, false
}
