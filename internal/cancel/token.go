// Package cancel provides the run-wide cancellation token.
//
// A Token is set once and never cleared. Every blocking wait in the profiler
// is bounded by a timeout and returns early when the token is set.
package cancel

import (
	"context"
	"time"

	"github.com/coral-mesh/hostprof/internal/errors"
)

// Token is a one-way cancellation flag backed by a context.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an unset token.
func New() *Token {
	return FromContext(context.Background())
}

// FromContext returns a token that is also set when parent is done.
func FromContext(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Set marks the token. Calling Set more than once has no further effect.
func (t *Token) Set() {
	t.cancel()
}

// IsSet reports whether the token has been set.
func (t *Token) IsSet() bool {
	return t.ctx.Err() != nil
}

// Done is closed once the token is set.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns a context cancelled together with the token.
// Subprocesses started with exec.CommandContext on it are killed on Set.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Err returns errors.ErrCancelled once the token is set, nil before.
func (t *Token) Err() error {
	if t.IsSet() {
		return errors.ErrCancelled
	}
	return nil
}

// Wait blocks until the token is set or timeout elapses and reports whether it was set.
// A non-positive timeout only checks the current state.
func (t *Token) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		return t.IsSet()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.ctx.Done():
		return true
	case <-timer.C:
		return t.IsSet()
	}
}

// Poll evaluates cond every interval until it holds, the token is set, or timeout elapses.
// It returns nil, errors.ErrCancelled or errors.ErrTimeout respectively.
func (t *Token) Poll(timeout, interval time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if t.IsSet() {
			return errors.ErrCancelled
		}
		if cond() {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.ErrTimeout
		}
		if t.Wait(min(interval, remaining)) {
			return errors.ErrCancelled
		}
	}
}
