package redpanda

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/pkg/circuitbreaker"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		event medication.EventType
		want  string
	}{
		{medication.EventDoseTaken, TopicDoseEvents},
		{medication.EventDoseSkipped, TopicDoseEvents},
		{medication.EventInventoryLowStock, TopicInventoryEvents},
		{medication.EventInventoryAnomaly, TopicInventoryEvents},
		{medication.EventInventoryRefilled, TopicInventoryEvents},
		{medication.EventDoseReminder, TopicDoseReminders},
		{medication.EventPrescriptionCreated, TopicPrescriptionEvents},
		{medication.EventPrescriptionDeactivated, TopicPrescriptionEvents},
	}
	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			assert.Equal(t, tt.want, TopicFor(tt.event))
		})
	}
}

func TestTopics_CoverEveryRoute(t *testing.T) {
	names := map[string]bool{}
	for _, topic := range Topics {
		names[topic.Name] = true
		assert.Positive(t, topic.Partitions)
		cfg := topic.configs()
		require.NotNil(t, cfg["retention.ms"])
		assert.Equal(t, strconv.FormatInt(topic.Retention.Milliseconds(), 10), *cfg["retention.ms"])
	}
	for _, want := range []string{TopicDoseEvents, TopicInventoryEvents, TopicPrescriptionEvents, TopicDoseReminders, TopicDoseCommands, TopicDeadLetter} {
		assert.True(t, names[want], want)
	}
}

func TestTraceHeaders_RoundTrip(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: TopicDoseEvents}
	injectTraceHeaders(ctx, record)
	require.Len(t, record.Headers, 1)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", string(record.Headers[0].Value))

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsSampled())
	assert.True(t, got.IsRemote())
}

func TestTraceHeaders_NoSpan(t *testing.T) {
	record := &kgo.Record{}
	injectTraceHeaders(context.Background(), record)
	assert.Empty(t, record.Headers)

	record.Headers = []kgo.RecordHeader{{Key: "traceparent", Value: []byte("garbage")}}
	ctx := extractTraceContext(context.Background(), record)
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}

type flakyPublisher struct {
	calls int
	err   error
	topic string
	key   string
}

func (f *flakyPublisher) Publish(_ context.Context, topic, key string, _ []byte) error {
	f.calls++
	f.topic, f.key = topic, key
	return f.err
}

func TestGuard_FailsFastWhenOpen(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("redpanda")
	cfg.ConsecutiveFailures = 2
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	inner := &flakyPublisher{err: errors.New("connection refused")}
	p := Guard(inner, cb)
	ctx := context.Background()

	assert.Error(t, p.Publish(ctx, TopicDoseEvents, "rx-1", nil))
	assert.Error(t, p.Publish(ctx, TopicDoseEvents, "rx-1", nil))
	assert.ErrorIs(t, p.Publish(ctx, TopicDoseEvents, "rx-1", nil), circuitbreaker.ErrOpen)
	assert.Equal(t, 2, inner.calls)
}

func TestGuard_PublishEventRoutesByType(t *testing.T) {
	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("redpanda"), nil)
	require.NoError(t, err)
	inner := &flakyPublisher{}
	event, err := medication.NewEvent("rx-9", medication.EventDoseSkipped,
		medication.DoseRecordedData{PrescriptionID: "rx-9"}, time.Now())
	require.NoError(t, err)

	require.NoError(t, Guard(inner, cb).PublishEvent(context.Background(), event))
	assert.Equal(t, TopicDoseEvents, inner.topic)
	assert.Equal(t, "rx-9", inner.key)
}

func TestBackoff_DoublesToMax(t *testing.T) {
	b := backoff{first: 100 * time.Millisecond, max: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.delay(1))
	assert.Equal(t, 200*time.Millisecond, b.delay(2))
	assert.Equal(t, 800*time.Millisecond, b.delay(4))
	assert.Equal(t, time.Second, b.delay(5))
	assert.Equal(t, time.Second, b.delay(50))
}

func TestHandleWithRetry_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	h := func(context.Context, *ConsumedMessage) error {
		calls++
		if calls < 3 {
			return errors.New("store unavailable")
		}
		return nil
	}
	var failures []int
	attempts, err := handleWithRetry(context.Background(), h, &ConsumedMessage{}, backoff{first: time.Millisecond},
		func(attempt int, _ error) { failures = append(failures, attempt) })

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, failures)
}

func TestHandleWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := func(context.Context, *ConsumedMessage) error {
		cancel()
		return errors.New("store unavailable")
	}
	attempts, err := handleWithRetry(ctx, h, &ConsumedMessage{}, backoff{first: time.Hour}, func(int, error) {})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRecordCarrier_SetReplacesHeader(t *testing.T) {
	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "source", Value: []byte("watch")}}}
	c := recordCarrier{record}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("tracestate"))
	assert.ElementsMatch(t, []string{"source", "traceparent"}, c.Keys())
}

func TestMessageOf_CopiesHeaders(t *testing.T) {
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	msg := messageOf(&kgo.Record{
		Topic:     TopicDoseCommands,
		Partition: 2,
		Offset:    41,
		Key:       []byte("rx-1"),
		Value:     []byte(`{}`),
		Headers:   []kgo.RecordHeader{{Key: "source", Value: []byte("watch")}},
		Timestamp: ts,
	})
	assert.Equal(t, TopicDoseCommands, msg.Topic)
	assert.Equal(t, int64(41), msg.Offset)
	assert.Equal(t, "rx-1", string(msg.Key))
	assert.Equal(t, map[string]string{"source": "watch"}, msg.Headers)
	assert.Equal(t, ts, msg.Timestamp)
}
