// Package query implements "hostprof query", which reads aggregated stacks back from a DuckDB store.
package query

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/logging"
	"github.com/coral-mesh/hostprof/internal/output"
	"github.com/coral-mesh/hostprof/internal/stack"
)

// Options selects the stored samples to print.
type Options struct {
	DB    string
	Since time.Duration
	Host  string
	// Now anchors Since. Zero means time.Now.
	Now time.Time
}

// NewQueryCmd creates the query command.
func NewQueryCmd() *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print stored stacks from a DuckDB profile store",
		Long: `Sum the stacks stored by the DuckDB output over a time window and print them
as collapsed text, ready for flamegraph tools.

Examples:
  hostprof query --db /var/lib/hostprof/profiles.duckdb --since 1h
  hostprof query --db profiles.duckdb --host web-1 > web-1.col`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.DB == "" {
				return fmt.Errorf("--db is required")
			}
			return Run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&opts.DB, "db", "", "DuckDB database path")
	fl.DurationVar(&opts.Since, "since", time.Hour, "How far back to read; 0 reads everything")
	fl.StringVar(&opts.Host, "host", "", "Only stacks from this hostname")
	return cmd
}

// Run writes the collapsed stacks matching opts to w.
func Run(ctx context.Context, w io.Writer, opts Options) error {
	logCfg := logging.DefaultConfig()
	logCfg.Level = "warn"
	logger := logging.New(logCfg)
	sink, err := output.NewDuckDBSink(output.DuckDBConfig{DSN: opts.DB, Logger: logger})
	if err != nil {
		return err
	}
	defer errors.DeferClose(logger, sink, "Failed to close profile store")

	var start time.Time
	if opts.Since > 0 {
		now := opts.Now
		if now.IsZero() {
			now = time.Now()
		}
		start = now.Add(-opts.Since)
	}
	c, err := sink.Query(ctx, start, time.Time{}, opts.Host)
	if err != nil {
		return err
	}
	return stack.Write(w, c)
}
