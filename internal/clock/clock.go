// Package clock abstracts the current time so scheduling logic can be tested
// without depending on the wall clock.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// System reads the wall clock
type System struct{}

// Now returns time.Now()
func (System) Now() time.Time { return time.Now() }

// Func adapts a function to Clock
type Func func() time.Time

// Now calls f
func (f Func) Now() time.Time { return f() }

// Manual is a settable clock for tests
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual returns a clock pinned at t
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now returns the pinned time
func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set pins the clock at t
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
