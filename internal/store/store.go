// Package store defines the persistence collaborator the engine runs on.
// Implementations must be atomic at the single-record level; InTx groups
// several record writes so they commit together or not at all.
package store

import (
	"context"
	"time"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

// Reader is the read side shared by Store and Tx
type Reader interface {
	LoadPrescription(ctx context.Context, id string) (*medication.Prescription, error)
	LoadDoseLogEntry(ctx context.Context, key medication.DoseKey) (*medication.DoseLogEntry, error)
	LoadInventory(ctx context.Context, prescriptionID string) (*medication.InventoryRecord, error)
}

// Tx is a unit of work. Writes become visible on commit. Locks taken
// through a Tx hold until it ends and exclude writers in every process
// sharing the store.
//
// LoadPrescription inside a Tx holds the prescription in shared mode, so
// a concurrent LockPrescription waits for the transaction to end.
type Tx interface {
	Reader
	// LockPrescription holds id exclusively and then loads it. The lock is
	// taken even when the prescription does not exist yet.
	LockPrescription(ctx context.Context, id string) (*medication.Prescription, error)
	// LockDose serializes writers of one dose key
	LockDose(ctx context.Context, key medication.DoseKey) error
	SaveDoseLog(ctx context.Context, entry *medication.DoseLogEntry) error
	SaveInventory(ctx context.Context, rec *medication.InventoryRecord) error
	SavePrescription(ctx context.Context, p *medication.Prescription) error
	AppendEvent(ctx context.Context, event *medication.Event) error
}

// Store is the persistence collaborator
type Store interface {
	Reader
	LoadPrescriptions(ctx context.Context, patientID string) ([]*medication.Prescription, error)
	ListPatientIDs(ctx context.Context) ([]string, error)
	// LoadDoseLog returns entries with ScheduledAt in [start, end), ordered by ScheduledAt
	LoadDoseLog(ctx context.Context, prescriptionID string, start, end time.Time) ([]*medication.DoseLogEntry, error)
	SaveDoseLog(ctx context.Context, entry *medication.DoseLogEntry) error
	SaveInventory(ctx context.Context, rec *medication.InventoryRecord) error
	SavePrescription(ctx context.Context, p *medication.Prescription) error
	// InTx runs fn in a transaction; a non-nil error rolls everything back
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
