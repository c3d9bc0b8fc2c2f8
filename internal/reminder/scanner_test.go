package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/store/memory"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*medication.Event
	err    error
}

func (p *capturePublisher) PublishEvent(_ context.Context, e *medication.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) statuses(t *testing.T) []string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		var data medication.DoseReminderData
		require.NoError(t, json.Unmarshal(e.EventData, &data))
		out = append(out, data.PrescriptionID+":"+data.Status)
	}
	return out
}

func seed(t *testing.T, s *memory.Store, id, patient string, active bool) {
	t.Helper()
	freq, err := medication.TimesDaily("08:00", "20:00")
	require.NoError(t, err)
	require.NoError(t, s.SavePrescription(context.Background(), &medication.Prescription{
		ID:             id,
		PatientID:      patient,
		MedicationName: "Metformin",
		Dosage:         medication.Dosage{Amount: 500, Unit: "mg"},
		Frequency:      freq,
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:         active,
	}))
}

func newTestScanner(t *testing.T, s *memory.Store, p Publisher, c clock.Clock) *Scanner {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 2
	sc, err := NewScanner(s, p, c, cfg, nil, nil)
	require.NoError(t, err)
	sc.pool.Start()
	t.Cleanup(sc.pool.Stop)
	return sc
}

func TestScanOnce_DueThenOverdueOncePerStatus(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, "rx-1", "patient-1", true)
	seed(t, s, "rx-2", "patient-2", false)

	clk := clock.NewManual(time.Date(2024, 1, 2, 7, 45, 0, 0, time.UTC))
	pub := &capturePublisher{}
	sc := newTestScanner(t, s, pub, clk)

	assert.True(t, sc.Healthy())
	res, err := sc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Patients)
	assert.Equal(t, 1, res.Reminders)
	assert.Equal(t, []string{"rx-1:due"}, pub.statuses(t))

	res, err = sc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Reminders)

	clk.Set(time.Date(2024, 1, 2, 8, 45, 0, 0, time.UTC))
	res, err = sc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reminders)
	assert.Equal(t, []string{"rx-1:due", "rx-1:overdue"}, pub.statuses(t))
	assert.Equal(t, "patient-1", pub.events[1].PatientID)
	assert.Equal(t, medication.EventDoseReminder, pub.events[1].EventType)
}

func TestScanOnce_RecordedDoseIsNotReminded(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, "rx-1", "patient-1", true)

	at := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveDoseLog(ctx, &medication.DoseLogEntry{
		ID: "e-1", PrescriptionID: "rx-1", ScheduledAt: at, Disposition: medication.DispositionTaken,
	}))

	pub := &capturePublisher{}
	sc := newTestScanner(t, s, pub, clock.NewManual(at.Add(time.Hour)))
	res, err := sc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Reminders)
	assert.Empty(t, pub.statuses(t))
}

func TestScanOnce_PublishFailureIsRetriedNextScan(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, "rx-1", "patient-1", true)

	pub := &capturePublisher{err: errors.New("broker down")}
	sc := newTestScanner(t, s, pub, clock.NewManual(time.Date(2024, 1, 2, 7, 50, 0, 0, time.UTC)))

	res, err := sc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()

	res, err = sc.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reminders)
}

func TestNewScanner_RejectsBadSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schedule = "every now and then"
	_, err := NewScanner(memory.New(), &capturePublisher{}, nil, cfg, nil, nil)
	assert.Error(t, err)
}

func TestOutboxPublisher_AppendsToStore(t *testing.T) {
	s := memory.New()
	event, err := medication.NewEvent("rx-1", medication.EventDoseReminder, medication.DoseReminderData{PrescriptionID: "rx-1"}, time.Now())
	require.NoError(t, err)

	require.NoError(t, OutboxPublisher{Store: s}.PublishEvent(context.Background(), event))
	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, medication.EventDoseReminder, events[0].EventType)
}
