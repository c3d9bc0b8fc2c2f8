// Package redpanda provides Kafka-compatible streaming with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

const (
	TopicDoseEvents         = "dose.events"
	TopicInventoryEvents    = "inventory.events"
	TopicPrescriptionEvents = "prescription.events"
	TopicDoseReminders      = "dose.reminders"
	TopicDoseCommands       = "dose.commands"
	TopicDeadLetter         = "dead.letter"
)

// TopicFor routes a domain event to its topic. Records are keyed by
// prescription ID so one prescription's events stay ordered.
func TopicFor(t medication.EventType) string {
	switch t {
	case medication.EventDoseTaken, medication.EventDoseSkipped:
		return TopicDoseEvents
	case medication.EventInventoryLowStock, medication.EventInventoryAnomaly, medication.EventInventoryRefilled:
		return TopicInventoryEvents
	case medication.EventDoseReminder:
		return TopicDoseReminders
	default:
		return TopicPrescriptionEvents
	}
}

// Topic is a topic dosewatch owns
type Topic struct {
	Name       string
	Partitions int32
	Retention  time.Duration
}

const day = 24 * time.Hour

// Topics lists every topic dosewatch publishes to or consumes from.
// Reminders are only useful for a day.
var Topics = []Topic{
	{TopicDoseEvents, 12, 30 * day},
	{TopicInventoryEvents, 6, 30 * day},
	{TopicPrescriptionEvents, 6, 30 * day},
	{TopicDoseReminders, 6, day},
	{TopicDoseCommands, 12, 7 * day},
	{TopicDeadLetter, 3, 7 * day},
}

func (t Topic) configs() map[string]*string {
	retention := strconv.FormatInt(t.Retention.Milliseconds(), 10)
	cleanup, compression := "delete", "lz4"
	return map[string]*string{
		"retention.ms":     &retention,
		"cleanup.policy":   &cleanup,
		"compression.type": &compression,
	}
}

// Admin provisions topics and reads consumer group lag
type Admin struct {
	client   *kadm.Client
	replicas int16
	logger   *zap.Logger
}

// NewAdmin connects to brokers. Topics are created with a replication
// factor of one, enough for a single-node Redpanda.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), replicas: 1, logger: logger}, nil
}

// EnsureTopics creates whichever of topics does not exist yet. With no
// arguments it ensures every entry of Topics.
func (a *Admin) EnsureTopics(ctx context.Context, topics ...Topic) error {
	if len(topics) == 0 {
		topics = Topics
	}
	existing, err := a.client.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	var errs []error
	for _, t := range topics {
		if existing.Has(t.Name) {
			continue
		}
		if err := a.create(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Admin) create(ctx context.Context, t Topic) error {
	resp, err := a.client.CreateTopic(ctx, t.Partitions, a.replicas, t.configs(), t.Name)
	switch {
	case err == nil && resp.Err == nil:
		a.logger.Info("topic created",
			zap.String("topic", t.Name),
			zap.Int32("partitions", t.Partitions),
			zap.Duration("retention", t.Retention))
		return nil
	case errors.Is(resp.Err, kerr.TopicAlreadyExists):
		// created concurrently by another service
		return nil
	case err == nil:
		err = resp.Err
	}
	return fmt.Errorf("create topic %s: %w", t.Name, err)
}

// ConsumerGroupLag sums the lag of group per topic
func (a *Admin) ConsumerGroupLag(ctx context.Context, group string) (map[string]int64, error) {
	lags, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("lag of %s: %w", group, err)
	}
	perTopic := make(map[string]int64)
	lags.Each(func(g kadm.DescribedGroupLag) {
		for topic, partitions := range g.Lag {
			for _, p := range partitions {
				perTopic[topic] += p.Lag
			}
		}
	})
	return perTopic, nil
}

func (a *Admin) Close() { a.client.Close() }

// HealthCheck pings brokers with a five second limit
func HealthCheck(ctx context.Context, brokers []string) error {
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	return nil
}
