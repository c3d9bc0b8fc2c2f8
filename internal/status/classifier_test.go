package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

var scheduled = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

func dose() medication.ScheduledDose {
	return medication.ScheduledDose{PrescriptionID: "rx-1", ScheduledAt: scheduled}
}

func entry(d medication.Disposition) *medication.DoseLogEntry {
	return &medication.DoseLogEntry{PrescriptionID: "rx-1", ScheduledAt: scheduled, Disposition: d}
}

func TestClassify_DueThenOverdue(t *testing.T) {
	assert.Equal(t, Due, Classify(dose(), nil, time.Date(2024, 1, 15, 8, 10, 0, 0, time.UTC), DefaultDueWindow))
	assert.Equal(t, Overdue, Classify(dose(), nil, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), DefaultDueWindow))
}

func TestClassify_DecisionTable(t *testing.T) {
	tests := []struct {
		name  string
		entry *medication.DoseLogEntry
		now   time.Time
		want  Status
	}{
		{"pending far ahead", nil, scheduled.Add(-2 * time.Hour), Pending},
		{"due at window edge", nil, scheduled.Add(-30 * time.Minute), Due},
		{"pending just outside window", nil, scheduled.Add(-31 * time.Minute), Pending},
		{"due at scheduled instant", nil, scheduled, Due},
		{"due inside grace", nil, scheduled.Add(30 * time.Minute), Due},
		{"overdue once grace passes", nil, scheduled.Add(30*time.Minute + time.Second), Overdue},
		{"entry without disposition falls through", entry(medication.DispositionNone), scheduled.Add(time.Hour), Overdue},
		{"taken beats overdue", entry(medication.DispositionTaken), scheduled.Add(48 * time.Hour), Taken},
		{"taken beats pending", entry(medication.DispositionTaken), scheduled.Add(-48 * time.Hour), Taken},
		{"skipped beats overdue", entry(medication.DispositionSkipped), scheduled.Add(time.Hour), Skipped},
		{"skipped beats due", entry(medication.DispositionSkipped), scheduled.Add(-time.Minute), Skipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(dose(), tt.entry, tt.now, DefaultDueWindow))
		})
	}
}

func TestClassify_ExactlyOneState(t *testing.T) {
	valid := map[Status]bool{Taken: true, Skipped: true, Overdue: true, Due: true, Pending: true}
	entries := []*medication.DoseLogEntry{nil, entry(medication.DispositionNone), entry(medication.DispositionTaken), entry(medication.DispositionSkipped)}

	for offset := -3 * time.Hour; offset <= 3*time.Hour; offset += 7 * time.Minute {
		for _, e := range entries {
			got := Classify(dose(), e, scheduled.Add(offset), DefaultDueWindow)
			assert.True(t, valid[got], "unexpected status %q", got)
		}
	}
}

func TestClassifier_UsesClock(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	c := NewClassifier(clk, 0)

	assert.Equal(t, DefaultDueWindow, c.DueWindow)
	assert.Equal(t, Overdue, c.ClassifyNow(dose(), nil))

	clk.Set(time.Date(2024, 1, 15, 7, 45, 0, 0, time.UTC))
	assert.Equal(t, Due, c.ClassifyNow(dose(), nil))
}

func TestClassifyAll(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	c := NewClassifier(clk, time.Hour)

	doses := []medication.ScheduledDose{
		{PrescriptionID: "rx-1", ScheduledAt: scheduled},
		{PrescriptionID: "rx-1", ScheduledAt: scheduled.Add(4*time.Hour + 30*time.Minute)},
		{PrescriptionID: "rx-1", ScheduledAt: scheduled.Add(12 * time.Hour)},
	}
	taken := entry(medication.DispositionTaken)
	taken.ScheduledAt = scheduled.In(time.FixedZone("X", 3600))

	got := c.ClassifyAll(doses, IndexEntries([]*medication.DoseLogEntry{taken}))
	assert.Equal(t, Taken, got[0].Status)
	assert.NotNil(t, got[0].Entry)
	assert.Equal(t, Due, got[1].Status)
	assert.Equal(t, Pending, got[2].Status)
}
