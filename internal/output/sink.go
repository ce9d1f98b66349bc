// Package output delivers each cycle's merged profile: local collapsed files, a DuckDB
// store, pprof files and an HTTP collector.
package output

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/stack"
)

// Profile is one rendered cycle.
type Profile struct {
	Start    time.Time
	End      time.Time
	Hostname string
	Header   stack.Header
	// Collapsed holds the merged stacks; Text is their rendering with the header line.
	Collapsed stack.Collapsed
	Text      string
}

// Sink receives every cycle's profile.
type Sink interface {
	Name() string
	Write(ctx context.Context, p Profile) error
	Close() error
}

// Multi writes to several sinks in order. A failing sink is logged and the next one still
// gets the profile.
type Multi struct {
	sinks  []Sink
	logger zerolog.Logger
}

var _ Sink = (*Multi)(nil)

// NewMulti returns a sink writing to sinks in order.
func NewMulti(logger zerolog.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger.With().Str("component", "output").Logger()}
}

// Name returns "multi".
func (m *Multi) Name() string { return "multi" }

// Len is the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Write sends p to every sink. The returned error joins the failures, each already logged.
func (m *Multi) Write(ctx context.Context, p Profile) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, p); err != nil {
			m.logger.Error().Err(err).Str("sink", s.Name()).Msg("Failed to write profile")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		m.logger.Debug().Str("sink", s.Name()).Msg("Wrote profile")
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// fileTimestamp formats t for use in a file name.
func fileTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15_04_05.000000")
}
