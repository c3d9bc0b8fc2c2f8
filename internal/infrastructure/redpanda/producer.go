package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
)

// Acks is how many replicas must confirm a write
type Acks int

const (
	AcksAll Acks = iota
	AcksLeader
	AcksNone
)

// ProducerConfig configures a synchronous producer
type ProducerConfig struct {
	Brokers []string
	Linger  time.Duration
	// Compression names a batch codec: lz4, snappy, gzip or zstd. Anything
	// else sends batches uncompressed.
	Compression string
	Acks        Acks
	Retries     int
	// RetryStep grows linearly with each broker retry
	RetryStep time.Duration
}

// DefaultProducerConfig waits for every in-sync replica. Dose events are
// low volume, so durability wins over throughput.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:     []string{"localhost:9092"},
		Linger:      5 * time.Millisecond,
		Compression: "lz4",
		Acks:        AcksAll,
		Retries:     3,
		RetryStep:   100 * time.Millisecond,
	}
}

var codecs = map[string]kgo.CompressionCodec{
	"lz4":    kgo.Lz4Compression(),
	"snappy": kgo.SnappyCompression(),
	"gzip":   kgo.GzipCompression(),
	"zstd":   kgo.ZstdCompression(),
}

func (cfg ProducerConfig) opts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.Retries),
		kgo.RetryBackoffFn(func(tries int) time.Duration {
			return time.Duration(tries+1) * cfg.RetryStep
		}),
	}
	if codec, ok := codecs[cfg.Compression]; ok {
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}
	// idempotent writes require acks from all replicas
	switch cfg.Acks {
	case AcksLeader:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case AcksNone:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	return opts
}

// Producer writes records and waits for each acknowledgement
type Producer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	sent   atomic.Int64
	failed atomic.Int64
}

func NewProducer(cfg ProducerConfig, m *metrics.Metrics, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(cfg.opts()...)
	if err != nil {
		return nil, fmt.Errorf("create producer client: %w", err)
	}
	return &Producer{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-producer"),
		metrics: m,
	}, nil
}

// Publish implements Publisher. The record carries the caller's trace context.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
			attribute.Int("value_size", len(value))))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		p.logger.Error("produce failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	p.sent.Add(1)
	p.metrics.MessageProduced()
	span.SetAttributes(
		attribute.Int64("partition", int64(record.Partition)),
		attribute.Int64("offset", record.Offset))
	return nil
}

// PublishEvent sends a domain event to its topic keyed by prescription
func (p *Producer) PublishEvent(ctx context.Context, event *medication.Event) error {
	return publishEvent(ctx, p, event)
}

func publishEvent(ctx context.Context, p Publisher, event *medication.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.EventType, err)
	}
	return p.Publish(ctx, TopicFor(event.EventType), event.AggregateID, value)
}

// Close flushes buffered records for up to ten seconds and disconnects
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
	p.logger.Info("producer closed",
		zap.Int64("messages_sent", p.sent.Load()),
		zap.Int64("errors", p.failed.Load()))
}
