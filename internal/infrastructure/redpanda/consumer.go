package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
)

// ConsumerConfig configures a group consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	FetchMaxBytes     int32
	// FromLatest starts a new group at the end of its topics instead of
	// the beginning
	FromLatest bool

	// A failed record is handed back after RetryBackoff, doubling up to
	// MaxRetryBackoff
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultConsumerConfig reads dose commands from the beginning
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "dose-ingest",
		Topics:            []string{TopicDoseCommands},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     16 << 20,
		RetryBackoff:      200 * time.Millisecond,
		MaxRetryBackoff:   30 * time.Second,
	}
}

func (cfg ConsumerConfig) opts(logger *zap.Logger) []kgo.Opt {
	start := kgo.NewOffset().AtStart()
	if cfg.FromLatest {
		start = kgo.NewOffset().AtEnd()
	}
	logAssignment := func(msg string) func(context.Context, *kgo.Client, map[string][]int32) {
		return func(_ context.Context, _ *kgo.Client, partitions map[string][]int32) {
			logger.Info(msg, zap.String("group", cfg.GroupID), zap.Any("partitions", partitions))
		}
	}
	return []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(start),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(logAssignment("partitions assigned")),
		kgo.OnPartitionsRevoked(logAssignment("partitions revoked")),
	}
}

// MessageHandler handles one record. A nil error commits its offset. An
// error hands the same record back after a backoff while later records of
// the partition wait, so per-key order holds.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record as seen by a MessageHandler
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func messageOf(r *kgo.Record) *ConsumedMessage {
	return &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headerMap(r),
		Timestamp: r.Timestamp,
	}
}

// Consumer feeds records to a handler one at a time and commits each one
// it handled
type Consumer struct {
	client  *kgo.Client
	handler MessageHandler
	backoff backoff
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	stop func()
	done chan struct{}
	once sync.Once

	read       atomic.Int64
	failed     atomic.Int64
	lastCommit atomic.Int64
}

// NewConsumer joins the group described by cfg. Consumption starts with Start.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(cfg.opts(logger)...)
	if err != nil {
		return nil, fmt.Errorf("create consumer client: %w", err)
	}
	return &Consumer{
		client:  client,
		handler: handler,
		backoff: backoff{first: cfg.RetryBackoff, max: cfg.MaxRetryBackoff},
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		metrics: m,
		stop:    func() {},
		done:    make(chan struct{}),
	}, nil
}

// Start polls in the background until Stop
func (c *Consumer) Start() {
	c.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.stop = cancel
		go func() {
			defer close(c.done)
			c.run(ctx)
		}()
	})
}

// Stop waits for the record in flight, commits and leaves the group
func (c *Consumer) Stop() error {
	c.once.Do(func() { close(c.done) })
	c.stop()
	<-c.done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.CommitUncommittedOffsets(ctx)
	c.client.Close()
	if err != nil {
		return fmt.Errorf("final commit: %w", err)
	}
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	for ctx.Err() == nil {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		failed := false
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			failed = true
			c.failed.Add(1)
			c.logger.Error("fetch failed",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})
		if failed {
			continue
		}

		for it := fetches.RecordIter(); !it.Done(); {
			if err := c.consume(ctx, it.Next()); err != nil {
				// stopping; the record stays uncommitted and is redelivered
				return
			}
		}
	}
}

func (c *Consumer) consume(ctx context.Context, record *kgo.Record) error {
	ctx, span := c.tracer.Start(extractTraceContext(ctx, record), "process_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset)))
	defer span.End()

	log := c.logger.With(
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))

	attempts, err := handleWithRetry(ctx, c.handler, messageOf(record), c.backoff, func(attempt int, err error) {
		c.failed.Add(1)
		span.RecordError(err)
		log.Error("message handler failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		return err
	}
	c.read.Add(1)
	c.metrics.MessageConsumed()

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		// the mark stays and the next commit covers it
		span.RecordError(err)
		log.Error("commit failed", zap.Error(err))
		return nil
	}
	c.lastCommit.Store(time.Now().UnixNano())
	return nil
}

type backoff struct {
	first time.Duration
	max   time.Duration
}

func (b backoff) delay(attempt int) time.Duration {
	d := b.first
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.max > 0 && d >= b.max {
			return b.max
		}
	}
	return d
}

// handleWithRetry calls h until it succeeds or ctx ends, and returns the
// number of calls made.
func handleWithRetry(ctx context.Context, h MessageHandler, msg *ConsumedMessage, b backoff, onErr func(attempt int, err error)) (int, error) {
	for attempt := 1; ; attempt++ {
		err := h(ctx, msg)
		if err == nil {
			return attempt, nil
		}
		onErr(attempt, err)

		timer := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}

// ConsumerStats counts handled records and handler or fetch failures
type ConsumerStats struct {
	MessagesRead   int64
	ErrorCount     int64
	LastCommitTime time.Time
}

func (c *Consumer) Stats() ConsumerStats {
	st := ConsumerStats{MessagesRead: c.read.Load(), ErrorCount: c.failed.Load()}
	if ns := c.lastCommit.Load(); ns > 0 {
		st.LastCommitTime = time.Unix(0, ns)
	}
	return st
}
