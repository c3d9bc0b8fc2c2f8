package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func double(_ context.Context, _ string, n int) (int, error) {
	return n * 2, nil
}

func TestRun_ReturnsOutcomesInJobOrder(t *testing.T) {
	p, err := New(Config{Workers: 4, QueueSize: 8}, double, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	jobs := make([]Job[int], 50)
	for i := range jobs {
		jobs[i] = Job[int]{Key: fmt.Sprintf("patient-%d", i), Input: i}
	}
	outcomes, err := p.Run(context.Background(), jobs)
	require.NoError(t, err)
	require.Len(t, outcomes, 50)
	for i, o := range outcomes {
		assert.Equal(t, jobs[i].Key, o.Key)
		assert.Equal(t, i*2, o.Value)
		assert.NoError(t, o.Err)
		assert.Equal(t, 1, o.Attempts)
	}

	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Succeeded)
	assert.Zero(t, stats.Queued)
}

func TestRun_RetriesThenReportsFailure(t *testing.T) {
	var calls atomic.Int64
	p, err := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 2, RetryDelay: time.Millisecond},
		func(context.Context, string, struct{}) (int, error) {
			calls.Add(1)
			return 0, errors.New("store unavailable")
		}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	outcomes, err := p.Run(context.Background(), []Job[struct{}]{{Key: "p-1"}})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.EqualError(t, outcomes[0].Err, "store unavailable")
	assert.Equal(t, 3, outcomes[0].Attempts)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(2), p.Stats().Retried)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestRun_SucceedsOnRetry(t *testing.T) {
	var calls atomic.Int64
	p, err := New(Config{Workers: 1, MaxRetries: 1, RetryDelay: time.Millisecond},
		func(context.Context, string, int) (string, error) {
			if calls.Add(1) == 1 {
				return "", errors.New("transient")
			}
			return "ok", nil
		}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	outcomes, err := p.Run(context.Background(), []Job[int]{{Key: "p-1"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", outcomes[0].Value)
	assert.Equal(t, 2, outcomes[0].Attempts)
}

func TestRun_CancelledContextSkipsWork(t *testing.T) {
	var calls atomic.Int64
	p, err := New(Config{Workers: 1, QueueSize: 4}, func(context.Context, string, int) (int, error) {
		calls.Add(1)
		return 0, nil
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcomes, err := p.Run(ctx, []Job[int]{{Key: "p-1"}})
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
		return
	}
	assert.ErrorIs(t, outcomes[0].Err, context.Canceled)
	assert.Zero(t, outcomes[0].Attempts)
	assert.Zero(t, calls.Load())
}

func TestSubmit_AfterStop(t *testing.T) {
	p, err := New(DefaultConfig(), double, nil)
	require.NoError(t, err)
	p.Start()
	p.Stop()
	p.Stop()

	assert.ErrorIs(t, p.Submit(context.Background(), Job[int]{Key: "late"}, nil), ErrStopped)
	assert.True(t, p.Healthy())
}

func TestNew_RequiresFunc(t *testing.T) {
	_, err := New[int, int](DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
