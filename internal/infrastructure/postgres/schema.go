// Package postgres provides the PostgreSQL persistence collaborator and the
// transactional outbox relay.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS prescriptions (
		id                TEXT PRIMARY KEY,
		patient_id        TEXT NOT NULL,
		medication_id     TEXT NOT NULL DEFAULT '',
		medication_name   TEXT NOT NULL DEFAULT '',
		dosage_amount     DOUBLE PRECISION NOT NULL DEFAULT 0,
		dosage_unit       TEXT NOT NULL DEFAULT '',
		frequency         JSONB NOT NULL,
		start_date        TIMESTAMPTZ NOT NULL,
		end_date          TIMESTAMPTZ,
		timezone          TEXT NOT NULL DEFAULT '',
		active            BOOLEAN NOT NULL DEFAULT TRUE,
		deactivated_at    TIMESTAMPTZ,
		prescriber_ref    TEXT NOT NULL DEFAULT '',
		inventory_tracked BOOLEAN NOT NULL DEFAULT FALSE,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prescriptions_patient ON prescriptions (patient_id)`,
	`ALTER TABLE prescriptions ADD COLUMN IF NOT EXISTS deactivated_at TIMESTAMPTZ`,
	// rows deactivated before deactivated_at existed stopped at their last update
	`UPDATE prescriptions SET deactivated_at = updated_at
		WHERE NOT active AND deactivated_at IS NULL AND updated_at > created_at`,

	`CREATE TABLE IF NOT EXISTS dose_log (
		id              TEXT NOT NULL,
		prescription_id TEXT NOT NULL REFERENCES prescriptions (id),
		scheduled_at    TIMESTAMPTZ NOT NULL,
		disposition     TEXT NOT NULL,
		disposition_at  TIMESTAMPTZ,
		notes           TEXT NOT NULL DEFAULT '',
		reason          TEXT NOT NULL DEFAULT '',
		actual_dosage   DOUBLE PRECISION,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (prescription_id, scheduled_at)
	)`,

	`CREATE TABLE IF NOT EXISTS inventory (
		prescription_id           TEXT PRIMARY KEY REFERENCES prescriptions (id),
		current_quantity          DOUBLE PRECISION NOT NULL CHECK (current_quantity >= 0),
		low_stock_threshold       DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_refill_date          TIMESTAMPTZ,
		refill_quantity_increment DOUBLE PRECISION NOT NULL DEFAULT 0,
		refill_lead_days          INTEGER NOT NULL DEFAULT 0,
		anomaly_at                TIMESTAMPTZ,
		anomaly_shortfall         DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS outbox (
		id             BIGSERIAL PRIMARY KEY,
		event_id       TEXT NOT NULL UNIQUE,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		kafka_topic    TEXT NOT NULL,
		kafka_key      TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (created_at) WHERE processed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS inbox (
		idempotency_key TEXT PRIMARY KEY,
		handler_name    TEXT NOT NULL,
		status          TEXT NOT NULL,
		payload         JSONB,
		result          JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at      TIMESTAMPTZ
	)`,
}

// Migrate creates the tables if they do not exist
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i, err)
		}
	}
	return nil
}

// PoolConfig holds connection pool settings
type PoolConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPool opens and pings a connection pool
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
