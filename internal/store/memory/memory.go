// Package memory provides an in-process Store for tests, demos and
// single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/store"
	"github.com/drfirst/go-dosewatch/pkg/keylock"
)

// Store keeps all records in maps guarded by one RWMutex. Transactions
// buffer their writes and apply them under a short commit lock, so
// concurrent transactions on disjoint keys never wait on each other's work.
// Transaction locks live in a keylock.Map and are released after commit.
type Store struct {
	mu            sync.RWMutex
	locks         *keylock.Map
	prescriptions map[string]*medication.Prescription
	doseLog       map[medication.DoseKey]*medication.DoseLogEntry
	inventory     map[string]*medication.InventoryRecord
	events        []*medication.Event
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		locks:         keylock.New(),
		prescriptions: make(map[string]*medication.Prescription),
		doseLog:       make(map[medication.DoseKey]*medication.DoseLogEntry),
		inventory:     make(map[string]*medication.InventoryRecord),
	}
}

// LoadPrescription returns a prescription by ID
func (s *Store) LoadPrescription(_ context.Context, id string) (*medication.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prescriptions[id]
	if !ok {
		return nil, fmt.Errorf("prescription %s: %w", id, medication.ErrNotFound)
	}
	return clonePrescription(p), nil
}

// LoadPrescriptions returns a patient's prescriptions ordered by ID
func (s *Store) LoadPrescriptions(_ context.Context, patientID string) ([]*medication.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*medication.Prescription
	for _, p := range s.prescriptions {
		if p.PatientID == patientID {
			out = append(out, clonePrescription(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListPatientIDs returns patients with at least one active prescription
func (s *Store) ListPatientIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var ids []string
	for _, p := range s.prescriptions {
		if !p.Active {
			continue
		}
		if _, ok := seen[p.PatientID]; ok {
			continue
		}
		seen[p.PatientID] = struct{}{}
		ids = append(ids, p.PatientID)
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadDoseLog returns entries in [start, end)
func (s *Store) LoadDoseLog(_ context.Context, prescriptionID string, start, end time.Time) ([]*medication.DoseLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*medication.DoseLogEntry
	for k, e := range s.doseLog {
		if k.PrescriptionID != prescriptionID {
			continue
		}
		if k.ScheduledAt.Before(start) || !k.ScheduledAt.Before(end) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

// LoadDoseLogEntry returns the entry for key, or nil when none exists
func (s *Store) LoadDoseLogEntry(_ context.Context, key medication.DoseKey) (*medication.DoseLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntry(s.doseLog[key]), nil
}

// LoadInventory returns the inventory record of a prescription
func (s *Store) LoadInventory(_ context.Context, prescriptionID string) (*medication.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.inventory[prescriptionID]
	if !ok {
		return nil, fmt.Errorf("inventory %s: %w", prescriptionID, medication.ErrNotFound)
	}
	return rec.Clone(), nil
}

// SaveDoseLog upserts an entry by its key
func (s *Store) SaveDoseLog(_ context.Context, entry *medication.DoseLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doseLog[entry.Key()] = cloneEntry(entry)
	return nil
}

// SaveInventory upserts an inventory record
func (s *Store) SaveInventory(_ context.Context, rec *medication.InventoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventory[rec.PrescriptionID] = rec.Clone()
	return nil
}

// SavePrescription upserts a prescription
func (s *Store) SavePrescription(_ context.Context, p *medication.Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prescriptions[p.ID] = clonePrescription(p)
	return nil
}

// InTx runs fn against a buffered transaction and commits on success
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx := &memTx{
		store:         s,
		doseLog:       make(map[medication.DoseKey]*medication.DoseLogEntry),
		inventory:     make(map[string]*medication.InventoryRecord),
		prescriptions: make(map[string]*medication.Prescription),
		held:          make(map[string]bool),
	}
	defer tx.unlockAll()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Events returns a copy of the outbox
func (s *Store) Events() []*medication.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*medication.Event, len(s.events))
	copy(out, s.events)
	return out
}

// DrainEvents removes and returns the outbox contents
func (s *Store) DrainEvents() []*medication.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

// DoseLogSize returns the number of stored entries
func (s *Store) DoseLogSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.doseLog)
}

type memTx struct {
	store         *Store
	doseLog       map[medication.DoseKey]*medication.DoseLogEntry
	inventory     map[string]*medication.InventoryRecord
	prescriptions map[string]*medication.Prescription
	events        []*medication.Event

	// held maps lock names to whether they are held exclusively
	held    map[string]bool
	release []func()
}

func (t *memTx) lock(name string, exclusive bool) error {
	if excl, ok := t.held[name]; ok {
		if exclusive && !excl {
			return fmt.Errorf("lock %s: cannot upgrade a shared lock", name)
		}
		return nil
	}
	if exclusive {
		t.release = append(t.release, t.store.locks.Lock(name))
	} else {
		t.release = append(t.release, t.store.locks.RLock(name))
	}
	t.held[name] = exclusive
	return nil
}

func (t *memTx) unlockAll() {
	for i := len(t.release) - 1; i >= 0; i-- {
		t.release[i]()
	}
}

func (t *memTx) LockPrescription(ctx context.Context, id string) (*medication.Prescription, error) {
	if err := t.lock("prescription:"+id, true); err != nil {
		return nil, err
	}
	return t.loadPrescription(ctx, id)
}

func (t *memTx) LockDose(_ context.Context, key medication.DoseKey) error {
	return t.lock("dose:"+key.String(), true)
}

func (t *memTx) LoadPrescription(ctx context.Context, id string) (*medication.Prescription, error) {
	if err := t.lock("prescription:"+id, false); err != nil {
		return nil, err
	}
	return t.loadPrescription(ctx, id)
}

func (t *memTx) loadPrescription(ctx context.Context, id string) (*medication.Prescription, error) {
	if p, ok := t.prescriptions[id]; ok {
		return clonePrescription(p), nil
	}
	return t.store.LoadPrescription(ctx, id)
}

func (t *memTx) LoadDoseLogEntry(ctx context.Context, key medication.DoseKey) (*medication.DoseLogEntry, error) {
	if e, ok := t.doseLog[key]; ok {
		return cloneEntry(e), nil
	}
	return t.store.LoadDoseLogEntry(ctx, key)
}

func (t *memTx) LoadInventory(ctx context.Context, prescriptionID string) (*medication.InventoryRecord, error) {
	if rec, ok := t.inventory[prescriptionID]; ok {
		return rec.Clone(), nil
	}
	return t.store.LoadInventory(ctx, prescriptionID)
}

func (t *memTx) SaveDoseLog(_ context.Context, entry *medication.DoseLogEntry) error {
	t.doseLog[entry.Key()] = cloneEntry(entry)
	return nil
}

func (t *memTx) SaveInventory(_ context.Context, rec *medication.InventoryRecord) error {
	t.inventory[rec.PrescriptionID] = rec.Clone()
	return nil
}

func (t *memTx) SavePrescription(_ context.Context, p *medication.Prescription) error {
	t.prescriptions[p.ID] = clonePrescription(p)
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, event *medication.Event) error {
	t.events = append(t.events, event)
	return nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range t.doseLog {
		s.doseLog[k] = e
	}
	for id, rec := range t.inventory {
		s.inventory[id] = rec
	}
	for id, p := range t.prescriptions {
		s.prescriptions[id] = p
	}
	s.events = append(s.events, t.events...)
}

func clonePrescription(p *medication.Prescription) *medication.Prescription {
	if p == nil {
		return nil
	}
	c := *p
	if p.EndDate != nil {
		end := *p.EndDate
		c.EndDate = &end
	}
	if p.DeactivatedAt != nil {
		at := *p.DeactivatedAt
		c.DeactivatedAt = &at
	}
	c.Frequency.TimesOfDay = append([]medication.TimeOfDay(nil), p.Frequency.TimesOfDay...)
	if p.Frequency.FirstDose != nil {
		fd := *p.Frequency.FirstDose
		c.Frequency.FirstDose = &fd
	}
	return &c
}

func cloneEntry(e *medication.DoseLogEntry) *medication.DoseLogEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.DispositionAt != nil {
		t := *e.DispositionAt
		c.DispositionAt = &t
	}
	if e.ActualDosage != nil {
		q := *e.ActualDosage
		c.ActualDosage = &q
	}
	return &c
}
