// Package schedule expands prescriptions into the concrete dose times that
// fall inside a query window.
//
// Windows are half-open: a dose exactly at the window start is included, a
// dose exactly at the window end is not. Adjacent windows therefore never
// report the same dose twice.
package schedule

import (
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

// Window is the half-open interval [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow validates start <= end
func NewWindow(start, end time.Time) (Window, error) {
	if start.After(end) {
		return Window{}, fmt.Errorf("%w: start %s after end %s", medication.ErrInvalidWindow,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Window{Start: start, End: end}, nil
}

// DayWindow covers the calendar days first..last inclusive in loc
func DayWindow(loc *time.Location, first, last time.Time) Window {
	fy, fm, fd := first.In(loc).Date()
	ly, lm, ld := last.In(loc).Date()
	return Window{
		Start: time.Date(fy, fm, fd, 0, 0, 0, 0, loc),
		End:   time.Date(ly, lm, ld+1, 0, 0, 0, 0, loc),
	}
}

// Contains reports whether t is inside the window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Expand returns the ordered doses of p inside [windowStart, windowEnd).
// Doses at or after a deactivation are dropped, and a prescription that was
// never active yields none. The result is a pure function of its inputs.
func Expand(p *medication.Prescription, windowStart, windowEnd time.Time) ([]medication.ScheduledDose, error) {
	seq, err := Doses(p, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	var doses []medication.ScheduledDose
	for d := range seq {
		doses = append(doses, d)
	}
	return doses, nil
}

// Doses is the lazy form of Expand. Validation happens up front; the
// returned sequence can be ranged over any number of times.
func Doses(p *medication.Prescription, windowStart, windowEnd time.Time) (iter.Seq[medication.ScheduledDose], error) {
	if p == nil {
		return nil, medication.ErrUnknownPrescription
	}
	w, err := NewWindow(windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	slots, err := p.Frequency.Slots()
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", p.ID, err)
	}
	loc, err := p.Location()
	if err != nil {
		return nil, err
	}
	// a deactivated prescription keeps the doses before its deactivation
	if until, ok := p.ActiveUntil(); ok && until.Before(w.End) {
		w.End = until
	}

	switch p.Frequency.Kind {
	case medication.FrequencyInterval:
		return intervalDoses(p, w, loc), nil
	default:
		return fixedDoses(p, w, loc, slots), nil
	}
}

// fixedDoses emits one dose per slot for each active calendar day
func fixedDoses(p *medication.Prescription, w Window, loc *time.Location, slots []time.Duration) iter.Seq[medication.ScheduledDose] {
	lo := latest(w.Start, p.StartDate)
	hi := w.End
	if p.EndDate != nil {
		y, m, d := p.EndDate.In(loc).Date()
		hi = earliest(hi, time.Date(y, m, d+1, 0, 0, 0, 0, loc))
	}

	return func(yield func(medication.ScheduledDose) bool) {
		if !lo.Before(hi) {
			return
		}
		y, m, d := lo.In(loc).Date()
		var prev time.Time
		for day := 0; ; day++ {
			dayStart := time.Date(y, m, d+day, 0, 0, 0, 0, loc)
			if !dayStart.Before(hi) {
				return
			}
			for _, off := range slots {
				// Wall-clock construction keeps 08:00 at 08:00 across DST.
				t := time.Date(y, m, d+day, 0, int(off/time.Minute), 0, 0, loc)
				if t.Before(lo) || !t.Before(hi) || t.Equal(prev) {
					continue
				}
				prev = t
				if !yield(medication.ScheduledDose{PrescriptionID: p.ID, ScheduledAt: t}) {
					return
				}
			}
		}
	}
}

// intervalDoses emits anchor + k*interval. The anchor is the first-dose time
// on the start date; the last active day's 24h cycle may run past midnight.
func intervalDoses(p *medication.Prescription, w Window, loc *time.Location) iter.Seq[medication.ScheduledDose] {
	step := p.Frequency.Interval()
	anchor := p.Frequency.FirstDose.On(p.StartDate, loc)

	lo := latest(w.Start, p.StartDate)
	hi := w.End
	if p.EndDate != nil {
		hi = earliest(hi, p.Frequency.FirstDose.On(*p.EndDate, loc).Add(24*time.Hour))
	}

	return func(yield func(medication.ScheduledDose) bool) {
		if !lo.Before(hi) {
			return
		}
		var k int64
		if lo.After(anchor) {
			elapsed := lo.Sub(anchor)
			k = int64(elapsed / step)
			if elapsed%step != 0 {
				k++
			}
		}
		for t := anchor.Add(time.Duration(k) * step); t.Before(hi); t = t.Add(step) {
			if !yield(medication.ScheduledDose{PrescriptionID: p.ID, ScheduledAt: t}) {
				return
			}
		}
	}
}

// IsScheduled reports whether t is exactly a dose time of p
func IsScheduled(p *medication.Prescription, t time.Time) (bool, error) {
	seq, err := Doses(p, t, t.Add(time.Nanosecond))
	if err != nil {
		return false, err
	}
	for d := range seq {
		if d.ScheduledAt.Equal(t) {
			return true, nil
		}
	}
	return false, nil
}

// ExpandAll expands several prescriptions and merges the doses by time.
// Ties are ordered by prescription ID.
func ExpandAll(prescriptions []*medication.Prescription, windowStart, windowEnd time.Time) ([]medication.ScheduledDose, error) {
	var all []medication.ScheduledDose
	for _, p := range prescriptions {
		doses, err := Expand(p, windowStart, windowEnd)
		if err != nil {
			return nil, err
		}
		all = append(all, doses...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ScheduledAt.Equal(all[j].ScheduledAt) {
			return all[i].PrescriptionID < all[j].PrescriptionID
		}
		return all[i].ScheduledAt.Before(all[j].ScheduledAt)
	})
	return all, nil
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
