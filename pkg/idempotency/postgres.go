package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps entries in the inbox table
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres store
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Get implements Store
func (s *PGStore) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	err := s.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox WHERE idempotency_key = $1`, key).
		Scan(&e.Key, &e.Handler, &e.Status, &e.Payload, &e.Result, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get inbox entry: %w", err)
	}
	return &e, nil
}

// Claim implements Store. The conditional upsert makes concurrent claims
// of one key race safely: only one sees a returned row.
func (s *PGStore) Claim(ctx context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	var claimed string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE SET status = $3, updated_at = NOW()
		WHERE inbox.status = $6
		RETURNING idempotency_key`,
		key, handler, StatusClaimed, payload, expiresAt, StatusRetry).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrClaimed
	}
	return err
}

// Mark implements Store
func (s *PGStore) Mark(ctx context.Context, key string, status Status, result json.RawMessage) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE inbox SET status = $2, result = COALESCE($3, result), updated_at = NOW()
		WHERE idempotency_key = $1`, key, status, result); err != nil {
		return fmt.Errorf("mark %s %s: %w", key, status, err)
	}
	return nil
}

// DeleteExpired implements Store
func (s *PGStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired inbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats implements Store
func (s *PGStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM inbox GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("count inbox entries: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch status {
		case StatusClaimed:
			st.Claimed = n
		case StatusDone:
			st.Done = n
		case StatusRetry:
			st.Retry = n
		case StatusFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}
