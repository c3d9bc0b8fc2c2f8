package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_WithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, DefaultConfig("dosewatch-test"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	_, span := otel.Tracer("test").Start(ctx, "unit")
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_ZeroRateStillFollowsSampledParent(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig("dosewatch-test")
	cfg.SampleRate = 0
	p, err := Init(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	_, root := otel.Tracer("test").Start(ctx, "root")
	assert.False(t, root.SpanContext().IsSampled())
	root.End()

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{2},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	_, child := otel.Tracer("test").Start(trace.ContextWithRemoteSpanContext(ctx, parent), "child")
	defer child.End()
	assert.True(t, child.SpanContext().IsSampled())
}
