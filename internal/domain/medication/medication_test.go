package medication

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimesDaily_SortsAndDedupes(t *testing.T) {
	f, err := TimesDaily("20:00", "08:00", "08:00")
	require.NoError(t, err)

	slots, err := f.Slots()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{8 * time.Hour, 20 * time.Hour}, slots)

	perDay, err := f.DosesPerDay()
	require.NoError(t, err)
	assert.Equal(t, 2.0, perDay)
}

func TestFrequency_Invalid(t *testing.T) {
	tests := []struct {
		name string
		freq Frequency
	}{
		{"no times", Frequency{Kind: FrequencyFixedTimes}},
		{"hour out of range", Frequency{Kind: FrequencyFixedTimes, TimesOfDay: []TimeOfDay{{Hour: 24}}}},
		{"zero interval", Frequency{Kind: FrequencyInterval, IntervalHours: 0, FirstDose: &TimeOfDay{}}},
		{"interval too long", Frequency{Kind: FrequencyInterval, IntervalHours: MaxIntervalHours + 1, FirstDose: &TimeOfDay{}}},
		{"interval without first dose", Frequency{Kind: FrequencyInterval, IntervalHours: 8}},
		{"unknown kind", Frequency{Kind: "weekly"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.freq.Validate(), ErrInvalidFrequency)
		})
	}

	_, err := TimesDaily("8am")
	assert.ErrorIs(t, err, ErrInvalidFrequency)
}

func TestEveryNHours_SlotsSpanOneCycle(t *testing.T) {
	f, err := EveryNHours(8, "06:00")
	require.NoError(t, err)

	slots, err := f.Slots()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{6 * time.Hour, 14 * time.Hour, 22 * time.Hour}, slots)

	f, err = EveryNHours(36, "09:00")
	require.NoError(t, err)
	perDay, err := f.DosesPerDay()
	require.NoError(t, err)
	assert.InDelta(t, 24.0/36.0, perDay, 1e-9)
}

func TestTimeOfDay_On(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	tod, err := ParseTimeOfDay("07:30")
	require.NoError(t, err)

	got := tod.On(time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC), ny)
	assert.Equal(t, time.Date(2024, 3, 10, 7, 30, 0, 0, ny), got)
	assert.Equal(t, "07:30", tod.String())
}

func TestPrescription_Validate(t *testing.T) {
	freq, err := TimesDaily("08:00")
	require.NoError(t, err)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := func() *Prescription {
		return &Prescription{ID: "rx-1", PatientID: "p-1", Frequency: freq, StartDate: start}
	}
	require.NoError(t, valid().Validate())

	before := start.Add(-time.Hour)
	tests := map[string]func(*Prescription){
		"missing patient":  func(p *Prescription) { p.PatientID = "" },
		"missing start":    func(p *Prescription) { p.StartDate = time.Time{} },
		"end before start": func(p *Prescription) { p.EndDate = &before },
		"negative dosage":  func(p *Prescription) { p.Dosage.Amount = -1 },
		"bad timezone":     func(p *Prescription) { p.Timezone = "Mars/Olympus" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			rx := valid()
			mutate(rx)
			err := rx.Validate()
			assert.ErrorIs(t, err, ErrInvalidPrescription)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestDoseKey_NormalizesToUTC(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := time.Date(2024, 1, 15, 8, 0, 0, 0, ny)

	assert.Equal(t, NewDoseKey("rx-1", local), NewDoseKey("rx-1", local.UTC()))
}

func TestDoseLogEntry_UnitsConsumed(t *testing.T) {
	actual := 2.5
	var missing *DoseLogEntry
	assert.Equal(t, 0.0, missing.UnitsConsumed(1))
	assert.Equal(t, 0.0, (&DoseLogEntry{Disposition: DispositionSkipped}).UnitsConsumed(1))
	assert.Equal(t, 1.0, (&DoseLogEntry{Disposition: DispositionTaken}).UnitsConsumed(1))
	assert.Equal(t, 2.5, (&DoseLogEntry{Disposition: DispositionTaken, ActualDosage: &actual}).UnitsConsumed(1))
}

func TestLoadCatalog(t *testing.T) {
	catalog, err := LoadCatalog(strings.NewReader(`[
		{"id": "med-1", "name": "Metformin", "form": "tablet", "default_strength": {"amount": 500, "unit": "mg"}},
		{"id": "med-2", "name": "Lisinopril", "form": "tablet", "default_strength": {"amount": 10, "unit": "mg"}}
	]`))
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.Len())

	med, ok := catalog.Get("med-1")
	require.True(t, ok)
	assert.Equal(t, "500mg", med.DefaultStrength.String())

	_, ok = catalog.Get("med-3")
	assert.False(t, ok)

	_, err = LoadCatalog(strings.NewReader(`[{"name": "no id"}]`))
	assert.Error(t, err)
	_, err = LoadCatalog(strings.NewReader(`{`))
	assert.Error(t, err)
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	wrapped := &DoseError{Op: "log_dose", PrescriptionID: "rx-1", Err: ErrOutOfWindow}
	assert.Equal(t, "could not log dose: not a scheduled time", UserMessage(wrapped))
	assert.Equal(t, "internal error", UserMessage(errors.New("boom")))
	assert.False(t, IsValidation(ErrNotFound))
}
