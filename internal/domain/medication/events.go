package medication

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionCreated     EventType = "PrescriptionCreated"
	EventPrescriptionDeactivated EventType = "PrescriptionDeactivated"
	EventDoseTaken               EventType = "DoseTaken"
	EventDoseSkipped             EventType = "DoseSkipped"
	EventInventoryLowStock       EventType = "InventoryLowStock"
	EventInventoryAnomaly        EventType = "InventoryAnomaly"
	EventInventoryRefilled       EventType = "InventoryRefilled"
	EventDoseReminder            EventType = "DoseReminder"
)

// Event represents a domain event written to the outbox
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	PatientID     string          `json:"patient_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event for a prescription
func NewEvent(prescriptionID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   prescriptionID,
		AggregateType: "Prescription",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// WithPatient sets the patient the event concerns
func (e *Event) WithPatient(patientID string) *Event {
	e.PatientID = patientID
	return e
}

// DoseRecordedData is the payload of DoseTaken and DoseSkipped
type DoseRecordedData struct {
	PrescriptionID string      `json:"prescription_id"`
	ScheduledAt    time.Time   `json:"scheduled_at"`
	Disposition    Disposition `json:"disposition"`
	DispositionAt  *time.Time  `json:"disposition_at,omitempty"`
	ActualDosage   *float64    `json:"actual_dosage,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	Overwrote      Disposition `json:"overwrote,omitempty"`
}

// InventoryChangedData is the payload of inventory events
type InventoryChangedData struct {
	PrescriptionID    string  `json:"prescription_id"`
	CurrentQuantity   float64 `json:"current_quantity"`
	LowStockThreshold float64 `json:"low_stock_threshold"`
	Delta             float64 `json:"delta"`
	Shortfall         float64 `json:"shortfall,omitempty"`
}

// PrescriptionChangedData is the payload of prescription lifecycle events
type PrescriptionChangedData struct {
	PrescriptionID string `json:"prescription_id"`
	PatientID      string `json:"patient_id"`
	MedicationName string `json:"medication_name"`
	Active         bool   `json:"active"`
}

// DoseReminderData is the payload of reminder events
type DoseReminderData struct {
	PrescriptionID string    `json:"prescription_id"`
	PatientID      string    `json:"patient_id"`
	MedicationName string    `json:"medication_name"`
	Dosage         string    `json:"dosage"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	Status         string    `json:"status"`
}
