package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotYet = errors.New("not matched yet")

func fastConfig() Config {
	return Config{MaxRetries: 4, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func TestDoSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoSuccessAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errNotYet
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return errNotYet
	}, nil)

	assert.ErrorIs(t, err, ErrGaveUp)
	assert.ErrorIs(t, err, errNotYet)
	assert.Equal(t, 4, calls)
}

func TestDoNonRetryable(t *testing.T) {
	permanent := errors.New("process is not a target")
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return permanent
	}, func(err error) bool { return errors.Is(err, errNotYet) })

	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestDoContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 5, InitialBackoff: time.Hour}

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Do(ctx, cfg, func() error {
		calls++
		return errNotYet
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoDelayFirst(t *testing.T) {
	cfg := Config{MaxRetries: 1, InitialBackoff: 20 * time.Millisecond, DelayFirst: true}

	start := time.Now()
	err := Do(context.Background(), cfg, func() error { return nil }, nil)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDoDelayFirstCanceledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0

	err := Do(ctx, Config{MaxRetries: 3, InitialBackoff: time.Hour, DelayFirst: true}, func() error {
		calls++
		return nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestCalculateBackoff(t *testing.T) {
	cfg := Config{MaxRetries: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 800 * time.Millisecond}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, calculateBackoff(cfg, i+1), "step %d", i+1)
	}
}

func TestCalculateBackoffJitter(t *testing.T) {
	cfg := Config{MaxRetries: 5, InitialBackoff: 100 * time.Millisecond, Jitter: 0.5}

	assert.Equal(t, 110*time.Millisecond, calculateBackoff(cfg, 1))
	assert.Equal(t, 240*time.Millisecond, calculateBackoff(cfg, 2))
}
