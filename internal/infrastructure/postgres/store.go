package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store on PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

var _ store.Store = (*Store)(nil)

// NewStore creates a Store on an open pool
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("postgres-store"),
	}
}

// Pool returns the underlying pool
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// InTx runs fn in a database transaction
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "store_tx")
	defer span.End()

	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgTx.Rollback(ctx)

	if err := fn(ctx, &Tx{q: pgTx, forUpdate: true}); err != nil {
		span.RecordError(err)
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadPrescription loads a prescription by ID
func (s *Store) LoadPrescription(ctx context.Context, id string) (*medication.Prescription, error) {
	return loadPrescription(ctx, s.pool, id, "")
}

// LoadPrescriptions loads a patient's prescriptions ordered by ID
func (s *Store) LoadPrescriptions(ctx context.Context, patientID string) ([]*medication.Prescription, error) {
	rows, err := s.pool.Query(ctx, selectPrescription+` WHERE patient_id = $1 ORDER BY id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query prescriptions: %w", err)
	}
	defer rows.Close()

	var out []*medication.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPatientIDs returns patients with at least one active prescription
func (s *Store) ListPatientIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT patient_id FROM prescriptions WHERE active ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query patients: %w", err)
	}
	defer rows.Close()
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan patients: %w", err)
	}
	return ids, nil
}

// LoadDoseLog returns entries with scheduled_at in [start, end)
func (s *Store) LoadDoseLog(ctx context.Context, prescriptionID string, start, end time.Time) ([]*medication.DoseLogEntry, error) {
	rows, err := s.pool.Query(ctx, selectDoseLog+`
		WHERE prescription_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
		ORDER BY scheduled_at`, prescriptionID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query dose log: %w", err)
	}
	defer rows.Close()

	var out []*medication.DoseLogEntry
	for rows.Next() {
		e, err := scanDoseLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadDoseLogEntry returns the entry for key, or nil when none exists
func (s *Store) LoadDoseLogEntry(ctx context.Context, key medication.DoseKey) (*medication.DoseLogEntry, error) {
	return loadDoseLogEntry(ctx, s.pool, key, false)
}

// LoadInventory loads the inventory record of a prescription
func (s *Store) LoadInventory(ctx context.Context, prescriptionID string) (*medication.InventoryRecord, error) {
	return loadInventory(ctx, s.pool, prescriptionID, false)
}

// SaveDoseLog upserts a dose log entry
func (s *Store) SaveDoseLog(ctx context.Context, entry *medication.DoseLogEntry) error {
	return saveDoseLog(ctx, s.pool, entry)
}

// SaveInventory upserts an inventory record
func (s *Store) SaveInventory(ctx context.Context, rec *medication.InventoryRecord) error {
	return saveInventory(ctx, s.pool, rec)
}

// SavePrescription upserts a prescription
func (s *Store) SavePrescription(ctx context.Context, p *medication.Prescription) error {
	return savePrescription(ctx, s.pool, p)
}

// Tx is a store.Tx backed by a pgx transaction. Reads lock the rows they
// return until commit.
type Tx struct {
	q         querier
	forUpdate bool
}

// LoadPrescription takes a share lock on the row: writers to the
// prescription wait for this transaction, other readers do not.
func (t *Tx) LoadPrescription(ctx context.Context, id string) (*medication.Prescription, error) {
	if !t.forUpdate {
		return loadPrescription(ctx, t.q, id, "")
	}
	return loadPrescription(ctx, t.q, id, " FOR SHARE")
}

// LockPrescription takes an advisory lock on id before reading, so
// concurrent creates of one id queue up even though no row exists yet.
func (t *Tx) LockPrescription(ctx context.Context, id string) (*medication.Prescription, error) {
	if err := advisoryLock(ctx, t.q, "prescription:"+id); err != nil {
		return nil, err
	}
	return loadPrescription(ctx, t.q, id, " FOR UPDATE")
}

// LockDose takes an advisory lock on the dose key. A row lock cannot
// serialize the first write of a key because the row does not exist yet.
func (t *Tx) LockDose(ctx context.Context, key medication.DoseKey) error {
	return advisoryLock(ctx, t.q, "dose:"+key.String())
}

func advisoryLock(ctx context.Context, q querier, name string) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, name); err != nil {
		return fmt.Errorf("lock %s: %w", name, err)
	}
	return nil
}

func (t *Tx) LoadDoseLogEntry(ctx context.Context, key medication.DoseKey) (*medication.DoseLogEntry, error) {
	return loadDoseLogEntry(ctx, t.q, key, t.forUpdate)
}

func (t *Tx) LoadInventory(ctx context.Context, prescriptionID string) (*medication.InventoryRecord, error) {
	return loadInventory(ctx, t.q, prescriptionID, t.forUpdate)
}

func (t *Tx) SaveDoseLog(ctx context.Context, entry *medication.DoseLogEntry) error {
	return saveDoseLog(ctx, t.q, entry)
}

func (t *Tx) SaveInventory(ctx context.Context, rec *medication.InventoryRecord) error {
	return saveInventory(ctx, t.q, rec)
}

func (t *Tx) SavePrescription(ctx context.Context, p *medication.Prescription) error {
	return savePrescription(ctx, t.q, p)
}

// AppendEvent writes the event to the outbox in the same transaction
func (t *Tx) AppendEvent(ctx context.Context, event *medication.Event) error {
	return insertOutbox(ctx, t.q, event)
}

const selectPrescription = `
	SELECT id, patient_id, medication_id, medication_name, dosage_amount, dosage_unit,
	       frequency, start_date, end_date, timezone, active, deactivated_at, prescriber_ref,
	       inventory_tracked, created_at, updated_at
	FROM prescriptions`

// loadPrescription appends lock, a row locking clause or "", to the query
func loadPrescription(ctx context.Context, q querier, id, lock string) (*medication.Prescription, error) {
	p, err := scanPrescription(q.QueryRow(ctx, selectPrescription+` WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("prescription %s: %w", id, medication.ErrNotFound)
	}
	return p, err
}

func scanPrescription(row pgx.Row) (*medication.Prescription, error) {
	p := &medication.Prescription{}
	var freq []byte
	err := row.Scan(
		&p.ID, &p.PatientID, &p.MedicationID, &p.MedicationName, &p.Dosage.Amount, &p.Dosage.Unit,
		&freq, &p.StartDate, &p.EndDate, &p.Timezone, &p.Active, &p.DeactivatedAt, &p.PrescriberRef,
		&p.InventoryTracked, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan prescription: %w", err)
	}
	if err := json.Unmarshal(freq, &p.Frequency); err != nil {
		return nil, fmt.Errorf("failed to decode frequency of %s: %w", p.ID, err)
	}
	return p, nil
}

func savePrescription(ctx context.Context, q querier, p *medication.Prescription) error {
	freq, err := json.Marshal(p.Frequency)
	if err != nil {
		return fmt.Errorf("failed to encode frequency: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO prescriptions (id, patient_id, medication_id, medication_name, dosage_amount,
			dosage_unit, frequency, start_date, end_date, timezone, active, deactivated_at,
			prescriber_ref, inventory_tracked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			medication_id = EXCLUDED.medication_id,
			medication_name = EXCLUDED.medication_name,
			dosage_amount = EXCLUDED.dosage_amount,
			dosage_unit = EXCLUDED.dosage_unit,
			frequency = EXCLUDED.frequency,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			timezone = EXCLUDED.timezone,
			active = EXCLUDED.active,
			deactivated_at = EXCLUDED.deactivated_at,
			prescriber_ref = EXCLUDED.prescriber_ref,
			inventory_tracked = EXCLUDED.inventory_tracked,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.PatientID, p.MedicationID, p.MedicationName, p.Dosage.Amount,
		p.Dosage.Unit, freq, p.StartDate, p.EndDate, p.Timezone, p.Active, p.DeactivatedAt,
		p.PrescriberRef, p.InventoryTracked, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save prescription %s: %w", p.ID, err)
	}
	return nil
}

const selectDoseLog = `
	SELECT id, prescription_id, scheduled_at, disposition, disposition_at, notes, reason,
	       actual_dosage, created_at, updated_at
	FROM dose_log`

func loadDoseLogEntry(ctx context.Context, q querier, key medication.DoseKey, forUpdate bool) (*medication.DoseLogEntry, error) {
	query := selectDoseLog + ` WHERE prescription_id = $1 AND scheduled_at = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	e, err := scanDoseLog(q.QueryRow(ctx, query, key.PrescriptionID, key.ScheduledAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func scanDoseLog(row pgx.Row) (*medication.DoseLogEntry, error) {
	e := &medication.DoseLogEntry{}
	err := row.Scan(
		&e.ID, &e.PrescriptionID, &e.ScheduledAt, &e.Disposition, &e.DispositionAt, &e.Notes, &e.Reason,
		&e.ActualDosage, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan dose log entry: %w", err)
	}
	e.ScheduledAt = e.ScheduledAt.UTC()
	return e, nil
}

func saveDoseLog(ctx context.Context, q querier, e *medication.DoseLogEntry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO dose_log (id, prescription_id, scheduled_at, disposition, disposition_at,
			notes, reason, actual_dosage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (prescription_id, scheduled_at) DO UPDATE SET
			disposition = EXCLUDED.disposition,
			disposition_at = EXCLUDED.disposition_at,
			notes = EXCLUDED.notes,
			reason = EXCLUDED.reason,
			actual_dosage = EXCLUDED.actual_dosage,
			updated_at = EXCLUDED.updated_at`,
		e.ID, e.PrescriptionID, e.ScheduledAt.UTC(), e.Disposition, e.DispositionAt,
		e.Notes, e.Reason, e.ActualDosage, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save dose %s: %w", e.Key(), err)
	}
	return nil
}

func loadInventory(ctx context.Context, q querier, prescriptionID string, forUpdate bool) (*medication.InventoryRecord, error) {
	query := `
		SELECT prescription_id, current_quantity, low_stock_threshold, last_refill_date,
		       refill_quantity_increment, refill_lead_days, anomaly_at, anomaly_shortfall, updated_at
		FROM inventory WHERE prescription_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r := &medication.InventoryRecord{}
	err := q.QueryRow(ctx, query, prescriptionID).Scan(
		&r.PrescriptionID, &r.CurrentQuantity, &r.LowStockThreshold, &r.LastRefillDate,
		&r.RefillQuantityIncrement, &r.RefillLeadDays, &r.AnomalyAt, &r.AnomalyShortfall, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("inventory %s: %w", prescriptionID, medication.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory %s: %w", prescriptionID, err)
	}
	return r, nil
}

func saveInventory(ctx context.Context, q querier, r *medication.InventoryRecord) error {
	_, err := q.Exec(ctx, `
		INSERT INTO inventory (prescription_id, current_quantity, low_stock_threshold, last_refill_date,
			refill_quantity_increment, refill_lead_days, anomaly_at, anomaly_shortfall, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (prescription_id) DO UPDATE SET
			current_quantity = EXCLUDED.current_quantity,
			low_stock_threshold = EXCLUDED.low_stock_threshold,
			last_refill_date = EXCLUDED.last_refill_date,
			refill_quantity_increment = EXCLUDED.refill_quantity_increment,
			refill_lead_days = EXCLUDED.refill_lead_days,
			anomaly_at = EXCLUDED.anomaly_at,
			anomaly_shortfall = EXCLUDED.anomaly_shortfall,
			updated_at = EXCLUDED.updated_at`,
		r.PrescriptionID, r.CurrentQuantity, r.LowStockThreshold, r.LastRefillDate,
		r.RefillQuantityIncrement, r.RefillLeadDays, r.AnomalyAt, r.AnomalyShortfall, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save inventory %s: %w", r.PrescriptionID, err)
	}
	return nil
}
