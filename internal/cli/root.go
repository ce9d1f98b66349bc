// Package cli holds the hostprof command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/hostprof/internal/cli/parse"
	"github.com/coral-mesh/hostprof/internal/cli/query"
	"github.com/coral-mesh/hostprof/internal/cli/run"
	"github.com/coral-mesh/hostprof/pkg/version"
)

// NewRootCmd builds the hostprof command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hostprof",
		Short: "hostprof - continuous whole-machine CPU profiler",
		Long: `hostprof samples every CPU with perf and profiles managed runtimes
(Java, Python, Ruby, PHP) with their native profilers, then merges both into
one collapsed-stack profile per cycle.

Profiles are written as collapsed files, pprof files, a DuckDB store or
uploaded to an HTTP collector.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(run.NewRunCmd())
	rootCmd.AddCommand(parse.NewParseCmd())
	rootCmd.AddCommand(query.NewQueryCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("hostprof version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}
