package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
)

// relayLockID serializes relays so events of one prescription leave in order
const relayLockID = int64(0x646f7365)

func insertOutbox(ctx context.Context, q querier, event *medication.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.EventType, err)
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO outbox (event_id, aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.AggregateID, event.AggregateType, string(event.EventType), payload,
		redpanda.TopicFor(event.EventType), event.AggregateID); err != nil {
		return fmt.Errorf("append %s to outbox: %w", event.ID, err)
	}
	return nil
}

// outboxRow is a committed event that has not been delivered yet
type outboxRow struct {
	ID          int64           `db:"id"`
	AggregateID string          `db:"aggregate_id"`
	EventType   string          `db:"event_type"`
	Payload     json.RawMessage `db:"payload"`
	Topic       string          `db:"kafka_topic"`
	Key         string          `db:"kafka_key"`
	Attempts    int             `db:"retry_count"`
	LastError   *string         `db:"last_error"`
	CreatedAt   time.Time       `db:"created_at"`
}

// DeadLetter is published in place of an event whose delivery kept failing
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RelayConfig tunes a Relay
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxAttempts failed publishes send an event to DeadLetterTopic
	MaxAttempts     int
	DeadLetterTopic string
	// Delivered events are purged once older than Retention
	Retention       time.Duration
	CleanupInterval time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxAttempts:     5,
		DeadLetterTopic: redpanda.TopicDeadLetter,
		Retention:       72 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Relay publishes outbox rows to the broker in commit order
type Relay struct {
	pool    *pgxpool.Pool
	pub     redpanda.Publisher
	cfg     RelayConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(pool *pgxpool.Pool, pub redpanda.Publisher, cfg RelayConfig, m *metrics.Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		pool:    pool,
		pub:     pub,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("outbox-relay"),
	}
}

// Start polls every PollInterval until Stop
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel, r.done = cancel, make(chan struct{})
	go r.run(ctx)
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Duration("poll_interval", r.cfg.PollInterval))
}

func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()
	purge := time.NewTicker(r.cfg.CleanupInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if _, err := r.RelayBatch(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-purge.C:
			n, err := r.Purge(ctx, r.cfg.Retention)
			if err != nil {
				r.logger.Error("outbox purge failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("delivered outbox rows purged", zap.Int64("deleted", n))
			}
		}
	}
}

// RelayBatch delivers up to BatchSize pending rows in one transaction and
// returns how many reached their own topic. Another relay holding the lock
// makes it a no-op.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin relay batch: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, relayLockID).Scan(&locked); err != nil {
		return 0, fmt.Errorf("relay lock: %w", err)
	}
	if !locked {
		return 0, nil
	}

	rows, _ := tx.Query(ctx, `
		SELECT id, aggregate_id, event_type, payload, kafka_topic, kafka_key,
		       retry_count, last_error, created_at
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, r.cfg.BatchSize)
	pending, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[outboxRow])
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("read pending outbox rows: %w", err)
	}
	span.SetAttributes(attribute.Int("batch_size", len(pending)))

	delivered := 0
	for _, row := range pending {
		ok, err := r.deliver(ctx, tx, row)
		if err != nil {
			r.logger.Warn("outbox delivery failed",
				zap.Int64("id", row.ID),
				zap.String("event_type", row.EventType),
				zap.Int("attempt", row.Attempts+1),
				zap.Error(err))
			continue
		}
		if ok {
			delivered++
		}
	}

	var backlog int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL`).Scan(&backlog); err == nil {
		r.metrics.SetOutboxPending(backlog)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit relay batch: %w", err)
	}
	return delivered, nil
}

// deliver publishes row, or its dead letter once MaxAttempts is reached,
// and marks it processed. It reports false for a dead-lettered row.
func (r *Relay) deliver(ctx context.Context, tx pgx.Tx, row *outboxRow) (bool, error) {
	dead := row.Attempts >= r.cfg.MaxAttempts
	topic, value := row.Topic, []byte(row.Payload)
	if dead {
		var err error
		topic = r.cfg.DeadLetterTopic
		value, err = json.Marshal(DeadLetter{
			OriginalTopic: row.Topic,
			EventType:     row.EventType,
			AggregateID:   row.AggregateID,
			Payload:       row.Payload,
			RetryCount:    row.Attempts,
			LastError:     row.LastError,
			CreatedAt:     row.CreatedAt,
		})
		if err != nil {
			return false, fmt.Errorf("marshal dead letter: %w", err)
		}
	}

	ctx, span := r.tracer.Start(ctx, "outbox_deliver",
		trace.WithAttributes(
			attribute.Int64("outbox_id", row.ID),
			attribute.String("topic", topic),
			attribute.String("aggregate_id", row.AggregateID),
			attribute.Bool("dead_letter", dead)))
	defer span.End()

	if err := r.pub.Publish(ctx, topic, row.Key, value); err != nil {
		span.RecordError(err)
		if !dead {
			if _, uerr := tx.Exec(ctx, `
				UPDATE outbox SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
				WHERE id = $1`, row.ID, err.Error()); uerr != nil {
				r.logger.Error("failed to record delivery attempt", zap.Int64("id", row.ID), zap.Error(uerr))
			}
		}
		return false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, row.ID); err != nil {
		return false, fmt.Errorf("mark outbox row %d delivered: %w", row.ID, err)
	}
	if dead {
		r.logger.Warn("outbox row dead-lettered",
			zap.Int64("id", row.ID),
			zap.String("event_type", row.EventType),
			zap.String("aggregate_id", row.AggregateID))
	}
	return !dead, nil
}

// Purge deletes rows delivered more than olderThan ago
func (r *Relay) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at < NOW() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RelayStats summarizes the outbox table
type RelayStats struct {
	Pending int64
	// Delivered counts rows delivered in the last 24 hours
	Delivered     int64
	Retrying      int64
	OldestPending *time.Time
}

func (r *Relay) Stats(ctx context.Context) (RelayStats, error) {
	var st RelayStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count > 0),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`).Scan(&st.Pending, &st.Delivered, &st.Retrying, &st.OldestPending)
	if err != nil {
		return RelayStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return st, nil
}
