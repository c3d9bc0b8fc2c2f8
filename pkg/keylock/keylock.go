// Package keylock provides per-key mutual exclusion. Callers holding
// different keys never block each other; entries are freed once the last
// holder or waiter releases them.
package keylock

import "sync"

type entry struct {
	mu   sync.RWMutex
	refs int
}

// Map serializes work per key
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock map
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock acquires the lock for key and returns its release function
func (m *Map) Lock(key string) func() {
	e := m.acquire(key)
	e.mu.Lock()
	return m.releaser(key, e, e.mu.Unlock)
}

// RLock acquires key in shared mode. Shared holders run together and
// exclude Lock holders.
func (m *Map) RLock(key string) func() {
	e := m.acquire(key)
	e.mu.RLock()
	return m.releaser(key, e, e.mu.RUnlock)
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Map) releaser(key string, e *entry, unlock func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
