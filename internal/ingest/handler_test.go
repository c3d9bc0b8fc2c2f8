package ingest

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
	"github.com/drfirst/go-dosewatch/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosewatch/internal/ledger"
	"github.com/drfirst/go-dosewatch/internal/store/memory"
	"github.com/drfirst/go-dosewatch/pkg/idempotency"
)

var scheduled = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

type deadLetters struct {
	mu      sync.Mutex
	records []Rejection
}

func (d *deadLetters) Publish(_ context.Context, topic, _ string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if topic != redpanda.TopicDeadLetter {
		return errors.New("unexpected topic " + topic)
	}
	var r Rejection
	if err := json.Unmarshal(value, &r); err != nil {
		return err
	}
	d.records = append(d.records, r)
	return nil
}

type flakyRecorder struct {
	Recorder
	failures int
}

func (f *flakyRecorder) RecordTaken(ctx context.Context, id string, scheduledAt, actualAt time.Time, opts ...ledger.TakenOption) (*medication.DoseLogEntry, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("database unavailable")
	}
	return f.Recorder.RecordTaken(ctx, id, scheduledAt, actualAt, opts...)
}

type fixture struct {
	store   *memory.Store
	ledger  *ledger.Ledger
	dlq     *deadLetters
	handler *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	freq, err := medication.TimesDaily("08:00", "20:00")
	require.NoError(t, err)
	require.NoError(t, s.SavePrescription(context.Background(), &medication.Prescription{
		ID:             "rx-1",
		PatientID:      "patient-1",
		MedicationName: "Lisinopril",
		Dosage:         medication.Dosage{Amount: 10, Unit: "mg"},
		Frequency:      freq,
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:         true,
	}))

	l := ledger.New(s, nil, clock.NewManual(scheduled.Add(time.Hour)), nil, nil)
	cfg := idempotency.DefaultConfig()
	cfg.IsTerminal = IsTerminal
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), cfg, nil)
	dlq := &deadLetters{}
	return &fixture{store: s, ledger: l, dlq: dlq, handler: NewHandler(l, inbox, dlq, nil)}
}

func message(t *testing.T, cmd Command) *redpanda.ConsumedMessage {
	t.Helper()
	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicDoseCommands, Key: []byte(cmd.PrescriptionID), Value: b}
}

func TestHandle_RecordsTakenOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dose := 2.0
	msg := message(t, Command{
		Source:         "pillbox-7",
		PrescriptionID: "rx-1",
		ScheduledAt:    scheduled,
		Action:         ActionTaken,
		ActualDosage:   &dose,
		Notes:          "with breakfast",
	})

	require.NoError(t, f.handler.Handle(ctx, msg))
	require.NoError(t, f.handler.Handle(ctx, msg))

	entry, err := f.ledger.GetDisposition(ctx, "rx-1", scheduled)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, medication.DispositionTaken, entry.Disposition)
	assert.Equal(t, "with breakfast", entry.Notes)
	require.NotNil(t, entry.ActualDosage)
	assert.Equal(t, 2.0, *entry.ActualDosage)

	assert.Len(t, f.store.Events(), 1, "redelivery must not emit a second event")
}

func TestHandle_SkipAfterTakeOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, message(t, Command{
		Source: "app", PrescriptionID: "rx-1", ScheduledAt: scheduled, Action: ActionTaken,
	})))
	require.NoError(t, f.handler.Handle(ctx, message(t, Command{
		Source: "app", PrescriptionID: "rx-1", ScheduledAt: scheduled, Action: ActionSkipped, Reason: "nausea",
	})))

	entry, err := f.ledger.GetDisposition(ctx, "rx-1", scheduled)
	require.NoError(t, err)
	assert.Equal(t, medication.DispositionSkipped, entry.Disposition)
	assert.Equal(t, "nausea", entry.Reason)
}

func TestHandle_OffScheduleGoesToDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := message(t, Command{
		Source: "app", PrescriptionID: "rx-1", ScheduledAt: scheduled.Add(90 * time.Minute), Action: ActionTaken,
	})

	require.NoError(t, f.handler.Handle(ctx, msg), "terminal failures are committed")
	require.NoError(t, f.handler.Handle(ctx, msg))

	require.Len(t, f.dlq.records, 1, "redelivery of a failed command is ignored")
	assert.Contains(t, f.dlq.records[0].Error, medication.ErrOutOfWindow.Error())
	assert.Zero(t, f.store.DoseLogSize())
}

func TestHandle_MalformedCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, &redpanda.ConsumedMessage{Topic: redpanda.TopicDoseCommands, Value: []byte("not json")}))
	require.NoError(t, f.handler.Handle(ctx, message(t, Command{PrescriptionID: "rx-1", ScheduledAt: scheduled, Action: "snoozed"})))
	require.NoError(t, f.handler.Handle(ctx, message(t, Command{ScheduledAt: scheduled, Action: ActionTaken})))

	require.Len(t, f.dlq.records, 3)
	assert.JSONEq(t, `"not json"`, string(f.dlq.records[0].Payload))
	assert.Contains(t, f.dlq.records[1].Error, "unknown action")
}

func TestHandle_TransientFailureIsRedelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &flakyRecorder{Recorder: f.ledger, failures: 1}
	cfg := idempotency.DefaultConfig()
	cfg.IsTerminal = IsTerminal
	h := NewHandler(rec, idempotency.NewInbox(idempotency.NewMemoryStore(), cfg, nil), f.dlq, nil)

	msg := message(t, Command{CommandID: "cmd-42", Source: "app", PrescriptionID: "rx-1", ScheduledAt: scheduled, Action: ActionTaken})
	err := h.Handle(ctx, msg)
	require.Error(t, err)
	assert.False(t, IsTerminal(err))

	require.NoError(t, h.Handle(ctx, msg))
	entry, err := f.ledger.GetDisposition(ctx, "rx-1", scheduled)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, medication.DispositionTaken, entry.Disposition)
	assert.Empty(t, f.dlq.records)
}

func TestIdempotencyKey(t *testing.T) {
	a := Command{Source: "app", PrescriptionID: "rx-1", ScheduledAt: scheduled, Action: ActionTaken}
	b := a
	b.ScheduledAt = scheduled.In(time.FixedZone("EST", -5*3600))
	assert.Equal(t, a.IdempotencyKey(), b.IdempotencyKey())

	b.Action = ActionSkipped
	assert.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())

	b.CommandID = "cmd-1"
	assert.Equal(t, "cmd-1", b.IdempotencyKey())
}
