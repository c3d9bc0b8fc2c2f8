package prescription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	fhir "github.com/drfirst/go-dosewatch/internal/fhir/r5"
	"github.com/drfirst/go-dosewatch/internal/store/memory"
)

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newPrescription(t *testing.T) *medication.Prescription {
	t.Helper()
	freq, err := medication.TimesDaily("08:00")
	require.NoError(t, err)
	return &medication.Prescription{
		PatientID:      "patient-1",
		MedicationName: "Atorvastatin",
		Dosage:         medication.Dosage{Amount: 20, Unit: "mg"},
		Frequency:      freq,
		StartDate:      now,
		Active:         true,
	}
}

func TestCreate_AssignsIDAndEmitsEvent(t *testing.T) {
	s := memory.New()
	repo := NewRepository(s, nil, clock.NewManual(now), nil)
	rx := newPrescription(t)

	require.NoError(t, repo.Create(context.Background(), rx, &medication.InventoryRecord{CurrentQuantity: 30, LowStockThreshold: 5}))
	assert.NotEmpty(t, rx.ID)
	assert.True(t, rx.InventoryTracked)
	assert.Equal(t, now, rx.CreatedAt)

	inv, err := s.LoadInventory(context.Background(), rx.ID)
	require.NoError(t, err)
	assert.Equal(t, 30.0, inv.CurrentQuantity)

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, medication.EventPrescriptionCreated, events[0].EventType)
	assert.Equal(t, "patient-1", events[0].PatientID)
}

func TestCreate_RejectsDuplicatesAndInvalid(t *testing.T) {
	s := memory.New()
	repo := NewRepository(s, nil, clock.NewManual(now), nil)
	ctx := context.Background()

	rx := newPrescription(t)
	rx.ID = "rx-1"
	require.NoError(t, repo.Create(ctx, rx, nil))

	dup := newPrescription(t)
	dup.ID = "rx-1"
	assert.ErrorIs(t, repo.Create(ctx, dup, nil), medication.ErrAlreadyExists)

	bad := newPrescription(t)
	bad.Frequency = medication.Frequency{Kind: medication.FrequencyFixedTimes}
	err := repo.Create(ctx, bad, nil)
	assert.ErrorIs(t, err, medication.ErrInvalidFrequency)
	assert.True(t, medication.IsValidation(err))

	assert.Len(t, s.Events(), 1)
}

func TestCreate_ConcurrentSameID(t *testing.T) {
	s := memory.New()
	repo := NewRepository(s, nil, clock.NewManual(now), nil)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		rx := newPrescription(t)
		rx.ID = "rx-1"
		rx.MedicationName = fmt.Sprintf("writer %d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.Create(ctx, rx, nil)
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, medication.ErrAlreadyExists)
	}
	assert.Equal(t, 1, created)

	events := s.Events()
	require.Len(t, events, 1)
	var data medication.PrescriptionChangedData
	require.NoError(t, json.Unmarshal(events[0].EventData, &data))
	got, err := s.LoadPrescription(ctx, "rx-1")
	require.NoError(t, err)
	assert.Equal(t, data.MedicationName, got.MedicationName)
}

func TestDeactivate_IsIdempotent(t *testing.T) {
	s := memory.New()
	clk := clock.NewManual(now)
	repo := NewRepository(s, nil, clk, nil)
	ctx := context.Background()

	rx := newPrescription(t)
	rx.ID = "rx-1"
	require.NoError(t, repo.Create(ctx, rx, nil))

	clk.Advance(time.Hour)
	got, err := repo.Deactivate(ctx, "rx-1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, now.Add(time.Hour), got.UpdatedAt)
	require.NotNil(t, got.DeactivatedAt)
	assert.Equal(t, now.Add(time.Hour), *got.DeactivatedAt)

	clk.Advance(time.Hour)
	again, err := repo.Deactivate(ctx, "rx-1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), *again.DeactivatedAt)

	events := s.Events()
	require.Len(t, events, 2)
	assert.Equal(t, medication.EventPrescriptionDeactivated, events[1].EventType)

	_, err = repo.Deactivate(ctx, "missing")
	assert.ErrorIs(t, err, medication.ErrNotFound)
}

func TestImport_MapsIntervalRequest(t *testing.T) {
	s := memory.New()
	repo := NewRepository(s, nil, clock.NewManual(now), nil)

	res, err := repo.Import(context.Background(), &fhir.MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           "rx-amox",
		Status:       fhir.StatusActive,
		Subject:      fhir.Reference{Reference: "Patient/p-9"},
		Medication:   fhir.CodeableReference{Concept: &fhir.CodeableConcept{Text: "Amoxicillin 500mg"}},
		DosageInstruction: []fhir.Dosage{{
			Timing: &fhir.Timing{
				Event:  []time.Time{time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)},
				Repeat: &fhir.TimingRepeat{Frequency: 1, Period: 8, PeriodUnit: "h"},
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, medication.FrequencyInterval, res.Prescription.Frequency.Kind)
	assert.Equal(t, 8, res.Prescription.Frequency.IntervalHours)

	list, err := repo.ListForPatient(context.Background(), "p-9")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "rx-amox", list[0].ID)
}

func TestImport_RejectsUnschedulableRequest(t *testing.T) {
	repo := NewRepository(memory.New(), nil, clock.NewManual(now), nil)
	_, err := repo.Import(context.Background(), &fhir.MedicationRequest{
		ResourceType: "MedicationRequest",
		Subject:      fhir.Reference{Reference: "Patient/p-9"},
	})
	require.Error(t, err)
	assert.True(t, medication.IsValidation(err))
}

func TestCreate_FillsFromCatalog(t *testing.T) {
	s := memory.New()
	repo := NewRepository(s, nil, clock.NewManual(now), nil)
	repo.UseCatalog(medication.NewCatalog(medication.Medication{
		ID:              "med-lisinopril",
		Name:            "Lisinopril",
		Form:            "tablet",
		DefaultStrength: medication.Dosage{Amount: 10, Unit: "mg"},
	}))

	rx := newPrescription(t)
	rx.MedicationID = "med-lisinopril"
	rx.MedicationName = ""
	rx.Dosage = medication.Dosage{}
	require.NoError(t, repo.Create(context.Background(), rx, nil))
	assert.Equal(t, "Lisinopril", rx.MedicationName)
	assert.Equal(t, medication.Dosage{Amount: 10, Unit: "mg"}, rx.Dosage)

	// explicit values win over the catalog
	own := newPrescription(t)
	own.MedicationID = "med-lisinopril"
	require.NoError(t, repo.Create(context.Background(), own, nil))
	assert.Equal(t, "Atorvastatin", own.MedicationName)
	assert.Equal(t, 20.0, own.Dosage.Amount)
}
