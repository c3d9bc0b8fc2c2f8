// Package status classifies scheduled doses against the ledger and the clock.
package status

import (
	"time"

	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

// Status is the disposition of a scheduled dose at a point in time
type Status string

const (
	Taken   Status = "taken"
	Skipped Status = "skipped"
	Overdue Status = "overdue"
	Due     Status = "due"
	Pending Status = "pending"
)

// DefaultDueWindow is the lead time during which an upcoming dose is Due
const DefaultDueWindow = 30 * time.Minute

// Classify applies the decision table in precedence order: a ledger
// disposition wins over any time-based state, then overdue, due, pending.
// The due window applies on both sides of the scheduled time: a dose is Due
// from dueWindow before until dueWindow after, and Overdue once that grace
// has passed.
func Classify(dose medication.ScheduledDose, entry *medication.DoseLogEntry, now time.Time, dueWindow time.Duration) Status {
	if entry != nil {
		switch entry.Disposition {
		case medication.DispositionTaken:
			return Taken
		case medication.DispositionSkipped:
			return Skipped
		}
	}
	if now.After(dose.ScheduledAt.Add(dueWindow)) {
		return Overdue
	}
	if dose.ScheduledAt.Sub(now) <= dueWindow {
		return Due
	}
	return Pending
}

// IsFinal reports whether the status comes from a recorded disposition
func (s Status) IsFinal() bool {
	return s == Taken || s == Skipped
}

// Classifier binds a clock and due window
type Classifier struct {
	Clock     clock.Clock
	DueWindow time.Duration
}

// NewClassifier returns a classifier; a non-positive window uses DefaultDueWindow
func NewClassifier(c clock.Clock, dueWindow time.Duration) *Classifier {
	if c == nil {
		c = clock.System{}
	}
	if dueWindow <= 0 {
		dueWindow = DefaultDueWindow
	}
	return &Classifier{Clock: c, DueWindow: dueWindow}
}

// ClassifyNow classifies the dose at the clock's current time
func (c *Classifier) ClassifyNow(dose medication.ScheduledDose, entry *medication.DoseLogEntry) Status {
	return Classify(dose, entry, c.Clock.Now(), c.DueWindow)
}

// ClassifiedDose pairs a dose with its ledger entry and status
type ClassifiedDose struct {
	medication.ScheduledDose
	Status Status                   `json:"status"`
	Entry  *medication.DoseLogEntry `json:"entry,omitempty"`
}

// ClassifyAll classifies doses against entries keyed by DoseKey
func (c *Classifier) ClassifyAll(doses []medication.ScheduledDose, entries map[medication.DoseKey]*medication.DoseLogEntry) []ClassifiedDose {
	now := c.Clock.Now()
	out := make([]ClassifiedDose, 0, len(doses))
	for _, d := range doses {
		e := entries[d.Key()]
		out = append(out, ClassifiedDose{
			ScheduledDose: d,
			Status:        Classify(d, e, now, c.DueWindow),
			Entry:         e,
		})
	}
	return out
}

// IndexEntries keys ledger entries for lookup by dose
func IndexEntries(entries []*medication.DoseLogEntry) map[medication.DoseKey]*medication.DoseLogEntry {
	idx := make(map[medication.DoseKey]*medication.DoseLogEntry, len(entries))
	for _, e := range entries {
		idx[e.Key()] = e
	}
	return idx
}
