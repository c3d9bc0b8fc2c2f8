// Package adherence summarizes the dose ledger over date windows.
package adherence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/schedule"
	"github.com/drfirst/go-dosewatch/internal/status"
	"github.com/drfirst/go-dosewatch/internal/store"
)

var tracer = otel.Tracer("adherence-aggregator")

// Trend is the direction of adherence across a window
type Trend string

const (
	TrendImproving        Trend = "improving"
	TrendDeclining        Trend = "declining"
	TrendStable           Trend = "stable"
	TrendInsufficientData Trend = "insufficient_data"
)

// StableBand is the largest ratio change still reported as stable
const StableBand = 0.05

// Tally counts doses by status. Total holds the doses that count toward
// adherence: everything scheduled at or before the evaluation time plus any
// dose already acted on.
type Tally struct {
	Taken   int     `json:"taken"`
	Skipped int     `json:"skipped"`
	Overdue int     `json:"overdue"`
	Due     int     `json:"due"`
	Pending int     `json:"pending"`
	Total   int     `json:"total"`
	Ratio   float64 `json:"ratio"`
}

// DailyTally is the tally of one calendar day
type DailyTally struct {
	Date string `json:"date"`
	Tally
}

// Report is the adherence summary of a window
type Report struct {
	PrescriptionIDs []string     `json:"prescription_ids"`
	WindowStart     time.Time    `json:"window_start"`
	WindowEnd       time.Time    `json:"window_end"`
	EvaluatedAt     time.Time    `json:"evaluated_at"`
	TakenCount      int          `json:"taken_count"`
	SkippedCount    int          `json:"skipped_count"`
	OverdueCount    int          `json:"overdue_count"`
	DueCount        int          `json:"due_count"`
	PendingCount    int          `json:"pending_count"`
	TotalScheduled  int          `json:"total_scheduled"`
	AdherenceRatio  float64      `json:"adherence_ratio"`
	DailyBreakdown  []DailyTally `json:"daily_breakdown"`
	Trend           Trend        `json:"trend"`
}

// Ratio returns taken/total, or 0 when nothing was scheduled
func Ratio(taken, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(taken) / float64(total)
}

func (t *Tally) add(s status.Status, counted bool) {
	switch s {
	case status.Taken:
		t.Taken++
	case status.Skipped:
		t.Skipped++
	case status.Overdue:
		t.Overdue++
	case status.Due:
		t.Due++
	default:
		t.Pending++
	}
	if counted {
		t.Total++
	}
	t.Ratio = Ratio(t.Taken, t.Total)
}

// Aggregator computes adherence reports
type Aggregator struct {
	store     store.Store
	clock     clock.Clock
	dueWindow time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewAggregator creates an aggregator; a non-positive dueWindow uses
// status.DefaultDueWindow.
func NewAggregator(s store.Store, c clock.Clock, dueWindow time.Duration, m *metrics.Metrics, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = clock.System{}
	}
	if dueWindow <= 0 {
		dueWindow = status.DefaultDueWindow
	}
	return &Aggregator{store: s, clock: c, dueWindow: dueWindow, metrics: m, logger: logger}
}

// Compute summarizes the given prescriptions over [windowStart, windowEnd).
// Doses are classified as of windowEnd, or the current time when windowEnd
// is still in the future.
func (a *Aggregator) Compute(ctx context.Context, prescriptionIDs []string, windowStart, windowEnd time.Time) (*Report, error) {
	ctx, span := tracer.Start(ctx, "compute_adherence")
	defer span.End()
	span.SetAttributes(attribute.Int("prescription_count", len(prescriptionIDs)))

	if _, err := schedule.NewWindow(windowStart, windowEnd); err != nil {
		return nil, err
	}

	now := a.clock.Now()
	if windowEnd.Before(now) {
		now = windowEnd
	}

	report := &Report{
		PrescriptionIDs: prescriptionIDs,
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		EvaluatedAt:     now,
	}
	days := make(map[string]*Tally)
	var total Tally

	for _, id := range prescriptionIDs {
		rx, err := a.store.LoadPrescription(ctx, id)
		if errors.Is(err, medication.ErrNotFound) {
			return nil, fmt.Errorf("prescription %s: %w", id, medication.ErrUnknownPrescription)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load prescription: %w", err)
		}
		if err := a.tally(ctx, rx, windowStart, windowEnd, now, &total, days); err != nil {
			return nil, err
		}
	}

	report.TakenCount = total.Taken
	report.SkippedCount = total.Skipped
	report.OverdueCount = total.Overdue
	report.DueCount = total.Due
	report.PendingCount = total.Pending
	report.TotalScheduled = total.Total
	report.AdherenceRatio = total.Ratio
	report.DailyBreakdown = breakdown(days)
	report.Trend = trend(report.DailyBreakdown)

	a.metrics.AdherenceComputed()
	a.logger.Debug("adherence computed",
		zap.Strings("prescription_ids", prescriptionIDs),
		zap.Int("total_scheduled", report.TotalScheduled),
		zap.Float64("ratio", report.AdherenceRatio),
	)
	return report, nil
}

// ComputeForPatient summarizes every prescription of a patient
func (a *Aggregator) ComputeForPatient(ctx context.Context, patientID string, windowStart, windowEnd time.Time) (*Report, error) {
	prescriptions, err := a.store.LoadPrescriptions(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load prescriptions: %w", err)
	}
	ids := make([]string, 0, len(prescriptions))
	for _, p := range prescriptions {
		ids = append(ids, p.ID)
	}
	return a.Compute(ctx, ids, windowStart, windowEnd)
}

func (a *Aggregator) tally(ctx context.Context, rx *medication.Prescription, start, end, now time.Time, total *Tally, days map[string]*Tally) error {
	doses, err := schedule.Doses(rx, start, end)
	if err != nil {
		return fmt.Errorf("prescription %s: %w", rx.ID, err)
	}
	loc, err := rx.Location()
	if err != nil {
		return err
	}
	entries, err := a.store.LoadDoseLog(ctx, rx.ID, start, end)
	if err != nil {
		return fmt.Errorf("failed to load dose log: %w", err)
	}
	idx := status.IndexEntries(entries)

	for d := range doses {
		s := status.Classify(d, idx[d.Key()], now, a.dueWindow)
		counted := s.IsFinal() || !d.ScheduledAt.After(now)
		total.add(s, counted)

		date := d.ScheduledAt.In(loc).Format(time.DateOnly)
		day, ok := days[date]
		if !ok {
			day = &Tally{}
			days[date] = day
		}
		day.add(s, counted)
	}
	return nil
}

func breakdown(days map[string]*Tally) []DailyTally {
	out := make([]DailyTally, 0, len(days))
	for date, t := range days {
		out = append(out, DailyTally{Date: date, Tally: *t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// trend compares the second half of the counted days with the first half.
// The middle day of an odd count belongs to neither half.
func trend(daily []DailyTally) Trend {
	var counted []DailyTally
	for _, d := range daily {
		if d.Total > 0 {
			counted = append(counted, d)
		}
	}
	if len(counted) < 2 {
		return TrendInsufficientData
	}
	half := len(counted) / 2
	first := sum(counted[:half])
	second := sum(counted[len(counted)-half:])
	delta := Ratio(second.Taken, second.Total) - Ratio(first.Taken, first.Total)
	switch {
	case math.Abs(delta) < StableBand:
		return TrendStable
	case delta > 0:
		return TrendImproving
	default:
		return TrendDeclining
	}
}

func sum(days []DailyTally) Tally {
	var t Tally
	for _, d := range days {
		t.Taken += d.Taken
		t.Total += d.Total
	}
	return t
}
