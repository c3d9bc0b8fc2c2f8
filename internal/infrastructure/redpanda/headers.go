package redpanda

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
)

// Records always carry W3C trace context, whatever the global propagator.
var traceContext = propagation.TraceContext{}

// recordCarrier exposes record headers to an otel propagator
type recordCarrier struct{ r *kgo.Record }

func (c recordCarrier) Get(key string) string {
	for _, h := range c.r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c recordCarrier) Set(key, value string) {
	for i, h := range c.r.Headers {
		if h.Key == key {
			c.r.Headers[i].Value = []byte(value)
			return
		}
	}
	c.r.Headers = append(c.r.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c recordCarrier) Keys() []string {
	keys := make([]string, len(c.r.Headers))
	for i, h := range c.r.Headers {
		keys[i] = h.Key
	}
	return keys
}

func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	traceContext.Inject(ctx, recordCarrier{record})
}

// extractTraceContext returns ctx with the record's remote span context as
// parent. Records without a valid traceparent leave ctx unchanged.
func extractTraceContext(ctx context.Context, record *kgo.Record) context.Context {
	return traceContext.Extract(ctx, recordCarrier{record})
}

func headerMap(record *kgo.Record) map[string]string {
	m := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		m[h.Key] = string(h.Value)
	}
	return m
}
