package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var mu sync.Mutex
	var transitions []State

	cfg := DefaultConfig("publisher")
	cfg.ConsecutiveFailures = 3
	cfg.CoolDown = time.Hour
	cfg.OnStateChange = func(name string, to State) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "publisher", name)
		transitions = append(transitions, to)
	}

	cb, err := New(cfg, nil)
	require.NoError(t, err)

	boom := errors.New("broker down")
	calls := 0
	for i := 0; i < 3; i++ {
		err := cb.Do(context.Background(), func(context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
	}
	assert.True(t, cb.IsOpen())

	err = cb.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 3, calls)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestCircuitBreaker_SuccessKeepsClosed(t *testing.T) {
	cb, err := New(DefaultConfig("ok"), nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, cb.Do(context.Background(), func(context.Context) error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(20), cb.Counts().TotalSuccesses)
	assert.Equal(t, "ok", cb.Name())
}

func TestCircuitBreaker_IgnoresCancellation(t *testing.T) {
	cfg := DefaultConfig("publisher")
	cfg.ConsecutiveFailures = 2
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := cb.Do(context.Background(), func(context.Context) error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.False(t, cb.IsOpen())
	assert.Zero(t, cb.Counts().TotalFailures)
}

func TestCircuitBreaker_HalfOpenAfterCoolDown(t *testing.T) {
	cfg := DefaultConfig("publisher")
	cfg.ConsecutiveFailures = 1
	cfg.CoolDown = 10 * time.Millisecond
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	_ = cb.Do(context.Background(), func(context.Context) error { return errors.New("down") })
	require.True(t, cb.IsOpen())

	assert.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)
	require.NoError(t, cb.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, 2, int(StateOpen))
}
