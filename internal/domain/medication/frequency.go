package medication

import (
	"fmt"
	"sort"
	"time"
)

// FrequencyKind selects how a frequency resolves to dose times
type FrequencyKind string

const (
	// FrequencyFixedTimes doses at specific wall-clock times each day
	FrequencyFixedTimes FrequencyKind = "fixed_times"
	// FrequencyInterval doses every N hours from a first-dose time
	FrequencyInterval FrequencyKind = "interval"
)

// MaxIntervalHours bounds interval schedules to one dose per week at most
const MaxIntervalHours = 7 * 24

// TimeOfDay is a wall-clock time without a date
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ParseTimeOfDay parses "HH:MM" (24h)
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q: %v", ErrInvalidFrequency, s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Offset returns the duration since midnight
func (t TimeOfDay) Offset() time.Duration {
	return time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// On returns the instant of t on the calendar day of day in loc
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, loc)
}

// Frequency is how often a prescription's doses fall
type Frequency struct {
	Kind          FrequencyKind `json:"kind"`
	TimesOfDay    []TimeOfDay   `json:"times_of_day,omitempty"`
	IntervalHours int           `json:"interval_hours,omitempty"`
	FirstDose     *TimeOfDay    `json:"first_dose,omitempty"`
}

// TimesDaily builds a fixed-times frequency from "HH:MM" strings
func TimesDaily(times ...string) (Frequency, error) {
	f := Frequency{Kind: FrequencyFixedTimes}
	for _, s := range times {
		tod, err := ParseTimeOfDay(s)
		if err != nil {
			return Frequency{}, err
		}
		f.TimesOfDay = append(f.TimesOfDay, tod)
	}
	return f, f.Validate()
}

// EveryNHours builds an interval frequency
func EveryNHours(hours int, firstDose string) (Frequency, error) {
	tod, err := ParseTimeOfDay(firstDose)
	if err != nil {
		return Frequency{}, err
	}
	f := Frequency{Kind: FrequencyInterval, IntervalHours: hours, FirstDose: &tod}
	return f, f.Validate()
}

// Validate checks that the frequency resolves to at least one daily slot
func (f Frequency) Validate() error {
	_, err := f.Slots()
	return err
}

// Interval returns the dosing interval of an interval frequency
func (f Frequency) Interval() time.Duration {
	return time.Duration(f.IntervalHours) * time.Hour
}

// Slots resolves the frequency to offsets from the start of a dosing day.
// Fixed times yield sorted unique wall-clock offsets. Intervals yield the
// offsets of one 24h dosing cycle starting at FirstDose, which may exceed 24h.
func (f Frequency) Slots() ([]time.Duration, error) {
	switch f.Kind {
	case FrequencyFixedTimes:
		seen := make(map[time.Duration]struct{}, len(f.TimesOfDay))
		slots := make([]time.Duration, 0, len(f.TimesOfDay))
		for _, t := range f.TimesOfDay {
			if !t.valid() {
				return nil, fmt.Errorf("%w: time of day %s out of range", ErrInvalidFrequency, t)
			}
			if _, dup := seen[t.Offset()]; dup {
				continue
			}
			seen[t.Offset()] = struct{}{}
			slots = append(slots, t.Offset())
		}
		if len(slots) == 0 {
			return nil, fmt.Errorf("%w: no times of day", ErrInvalidFrequency)
		}
		sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
		return slots, nil

	case FrequencyInterval:
		if f.IntervalHours <= 0 || f.IntervalHours > MaxIntervalHours {
			return nil, fmt.Errorf("%w: interval %dh out of range", ErrInvalidFrequency, f.IntervalHours)
		}
		if f.FirstDose == nil || !f.FirstDose.valid() {
			return nil, fmt.Errorf("%w: interval without first dose time", ErrInvalidFrequency)
		}
		var slots []time.Duration
		for off := time.Duration(0); off < 24*time.Hour; off += f.Interval() {
			slots = append(slots, f.FirstDose.Offset()+off)
		}
		return slots, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidFrequency, f.Kind)
	}
}

// DosesPerDay returns the number of doses one active day contributes
func (f Frequency) DosesPerDay() (float64, error) {
	if f.Kind == FrequencyInterval {
		if err := f.Validate(); err != nil {
			return 0, err
		}
		return 24 / float64(f.IntervalHours), nil
	}
	slots, err := f.Slots()
	if err != nil {
		return 0, err
	}
	return float64(len(slots)), nil
}
