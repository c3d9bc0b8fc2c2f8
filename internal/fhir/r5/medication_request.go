package r5

import (
	"encoding/json"
	"time"
)

// MedicationRequest is a FHIR R5 MedicationRequest. Only the elements a
// dosing schedule is derived from are modelled.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Extension    []Extension  `json:"extension,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent string `json:"intent"`

	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`
	AuthoredOn *time.Time        `json:"authoredOn,omitempty"`
	Requester  *Reference        `json:"requester,omitempty"`
	Note       []Annotation      `json:"note,omitempty"`

	RenderedDosageInstruction string           `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest           *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest describes what the pharmacy hands out.
type DispenseRequest struct {
	ValidityPeriod         *Period   `json:"validityPeriod,omitempty"`
	NumberOfRepeatsAllowed int       `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity `json:"quantity,omitempty"`
	ExpectedSupplyDuration *Quantity `json:"expectedSupplyDuration,omitempty"`
}

// Dosage is one dosage instruction.
type Dosage struct {
	Sequence    int           `json:"sequence,omitempty"`
	Text        string        `json:"text,omitempty"`
	Timing      *Timing       `json:"timing,omitempty"`
	AsNeeded    bool          `json:"asNeeded,omitempty"`
	DoseAndRate []DoseAndRate `json:"doseAndRate,omitempty"`
}

// DoseAndRate carries the amount per administration.
type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// Timing says when doses happen.
type Timing struct {
	Event  []time.Time      `json:"event,omitempty"`
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat is the repeating part of a Timing.
type TimingRepeat struct {
	BoundsPeriod *Period  `json:"boundsPeriod,omitempty"`
	Frequency    int      `json:"frequency,omitempty"`
	Period       float64  `json:"period,omitempty"`
	PeriodUnit   string   `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	TimeOfDay    []string `json:"timeOfDay,omitempty"`  // hh:mm:ss
	When         []string `json:"when,omitempty"`
}

// PatientID returns the subject's id.
func (m *MedicationRequest) PatientID() string {
	return m.Subject.ID()
}

// MedicationCode returns the RxNorm code, falling back to NDC.
func (m *MedicationRequest) MedicationCode() string {
	if m.Medication.Concept == nil {
		return m.Medication.Reference.ID()
	}
	for _, system := range []string{SystemRxNorm, SystemNDC} {
		for _, c := range m.Medication.Concept.Coding {
			if c.System == system {
				return c.Code
			}
		}
	}
	if len(m.Medication.Concept.Coding) > 0 {
		return m.Medication.Concept.Coding[0].Code
	}
	return ""
}

// MedicationDisplay returns the human readable medication name.
func (m *MedicationRequest) MedicationDisplay() string {
	if c := m.Medication.Concept; c != nil {
		if c.Text != "" {
			return c.Text
		}
		if len(c.Coding) > 0 {
			return c.Coding[0].Display
		}
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// PrimaryDosage returns the first scheduled (non as-needed) instruction.
func (m *MedicationRequest) PrimaryDosage() *Dosage {
	for i := range m.DosageInstruction {
		if !m.DosageInstruction[i].AsNeeded {
			return &m.DosageInstruction[i]
		}
	}
	return nil
}

// DispenseQuantity returns the quantity per dispense, if any.
func (m *MedicationRequest) DispenseQuantity() *Quantity {
	if m.DispenseRequest == nil {
		return nil
	}
	return m.DispenseRequest.Quantity
}

// ExtensionValue returns the string or code value of the extension with url.
func (m *MedicationRequest) ExtensionValue(url string) string {
	for _, e := range m.Extension {
		if e.URL != url {
			continue
		}
		if e.ValueString != "" {
			return e.ValueString
		}
		return e.ValueCode
	}
	return ""
}

// FromJSON deserializes a MedicationRequest from JSON.
func (m *MedicationRequest) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}
