// Package parse implements "hostprof parse", which summarizes a collapsed profile file.
package parse

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/hostprof/internal/config"
	"github.com/coral-mesh/hostprof/internal/output"
	"github.com/coral-mesh/hostprof/internal/stack"
)

// NewParseCmd creates the parse command.
func NewParseCmd() *cobra.Command {
	var pprofOut string

	cmd := &cobra.Command{
		Use:   "parse <file>",
		Short: "Summarize a collapsed profile",
		Long: `Read a collapsed profile written by "hostprof run", print its header and
totals and optionally convert it to pprof.

Examples:
  hostprof parse /var/lib/hostprof/last_profile.col
  hostprof parse profile.col --pprof profile.pb.gz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return Summarize(cmd.OutOrStdout(), string(data), pprofOut)
		},
	}
	cmd.Flags().StringVar(&pprofOut, "pprof", "", "Also write the profile as gzipped pprof to this path")
	return cmd
}

// Summarize prints the header and totals of text to w. Malformed lines are reported after
// the summary and make the result an error.
func Summarize(w io.Writer, text, pprofOut string) error {
	header, body := stack.SplitHeader(text)
	c, parseErr := stack.Parse(body)

	if header != nil {
		fmt.Fprintf(w, "Host:       %s\n", header.Hostname)
		fmt.Fprintf(w, "Run:        %s\n", header.RunID)
		fmt.Fprintf(w, "Cycle:      %s\n", header.CycleID)
		fmt.Fprintf(w, "Window:     %s - %s\n",
			header.StartTime.Format(time.RFC3339), header.EndTime.Format(time.RFC3339))
		fmt.Fprintf(w, "Mode:       %s at %d Hz\n", header.ProfilingMode, header.Frequency)
		fmt.Fprintf(w, "Apps:       %d\n", len(header.ApplicationMetadata))
		if len(header.Containers) > 0 {
			fmt.Fprintf(w, "Containers: %d\n", len(header.Containers))
		}
	} else {
		fmt.Fprintln(w, "No header")
	}
	fmt.Fprintf(w, "Stacks:     %d\n", len(c))
	fmt.Fprintf(w, "Samples:    %d\n", c.Total())
	fmt.Fprintf(w, "Avg depth:  %.1f\n", c.AverageDepth())

	if pprofOut != "" {
		if err := writePprof(c, header, pprofOut); err != nil {
			return err
		}
		fmt.Fprintf(w, "Wrote %s\n", pprofOut)
	}

	if parseErr != nil {
		return fmt.Errorf("profile has malformed lines: %w", parseErr)
	}
	return nil
}

func writePprof(c stack.Collapsed, h *stack.Header, path string) error {
	var start, end time.Time
	freq := config.DefaultFrequency
	if h != nil {
		start, end = h.StartTime, h.EndTime
		if h.Frequency > 0 {
			freq = h.Frequency
		}
	}
	prof, err := output.ToPprof(c, start, end, freq)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := prof.Write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing pprof: %w", err)
	}
	return f.Close()
}
