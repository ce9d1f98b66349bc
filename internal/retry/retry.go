// Package retry runs an operation with exponential backoff between attempts.
//
// It backs two uses in hostprof: re-checking whether a freshly exec'd process has become
// a profiling target, and re-sending profiles to a collector after transient failures.
//
// # Basic Usage
//
//	cfg := retry.Config{
//	    MaxRetries:     5,
//	    InitialBackoff: 100 * time.Millisecond,
//	    MaxBackoff:     800 * time.Millisecond,
//	    DelayFirst:     true,
//	}
//
//	err := retry.Do(ctx, cfg, func() error {
//	    return checkProcess(pid)
//	}, nil)
//
// # Backoff Strategy
//
// The wait before retry n (n >= 1) is InitialBackoff * 2^(n-1), capped at MaxBackoff.
// With DelayFirst the first attempt also waits InitialBackoff, and every later wait
// shifts one step up the curve:
//   - Attempt 1: 100ms
//   - Attempt 2: 200ms
//   - Attempt 3: 400ms
//   - Attempt 4: 800ms
//
// # Context Cancellation
//
// Every wait returns early when ctx is done, and Do then returns ctx.Err().
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/coral-mesh/hostprof/internal/errors"
)

// ErrGaveUp wraps the last error once every attempt has failed.
var ErrGaveUp = errors.New("retries exhausted")

// Config defines the retry behavior.
//
// The zero value is not usable; MaxRetries and InitialBackoff must be set.
type Config struct {
	// MaxRetries is the maximum number of attempts. Must be greater than 0.
	MaxRetries int

	// InitialBackoff is the base wait. Must be greater than 0.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter adds up to this fraction of the wait (0.0 to 1.0), growing linearly with
	// the attempt number:
	//   jitter_amount = backoff * Jitter * attempt / MaxRetries
	Jitter float64

	// DelayFirst waits InitialBackoff before the first attempt too.
	DelayFirst bool
}

// ShouldRetryFunc decides whether an error is worth another attempt.
// A nil ShouldRetryFunc retries every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, shouldRetry rejects its error, attempts run out,
// or ctx is done.
//
// If every attempt fails, the returned error wraps both ErrGaveUp and the last error from fn.
// An error rejected by shouldRetry is returned unwrapped.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		step := attempt
		if cfg.DelayFirst {
			step++
		}
		if step > 0 {
			if err := sleep(ctx, calculateBackoff(cfg, step)); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, cfg.MaxRetries, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateBackoff returns the wait for a 1-based step: InitialBackoff * 2^(step-1),
// capped at MaxBackoff, plus jitter.
//
// For example, with InitialBackoff=100ms, MaxBackoff=1s, Jitter=0.5, MaxRetries=5:
//   - Step 1: 100ms base + 10ms jitter = 110ms
//   - Step 2: 200ms base + 40ms jitter = 240ms
//   - Step 3: 400ms base + 120ms jitter = 520ms
//   - Step 4: 800ms base + 320ms jitter = 1.12s
func calculateBackoff(cfg Config, step int) time.Duration {
	multiplier := math.Pow(2, float64(step-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 {
		jitterAmount := float64(backoff) * cfg.Jitter * float64(step) / float64(cfg.MaxRetries)
		backoff += time.Duration(jitterAmount)
	}

	return backoff
}
