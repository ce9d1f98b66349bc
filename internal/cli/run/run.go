// Package run implements "hostprof run".
package run

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/hostprof/internal/cancel"
	"github.com/coral-mesh/hostprof/internal/config"
	"github.com/coral-mesh/hostprof/internal/logging"
	"github.com/coral-mesh/hostprof/internal/privilege"
	"github.com/coral-mesh/hostprof/internal/sampler"
	"github.com/coral-mesh/hostprof/internal/sampler/exec"
	"github.com/coral-mesh/hostprof/pkg/version"
)

type flags struct {
	configPath string
	frequency  int
	duration   time.Duration
	outputDir  string
	continuous bool
	interval   time.Duration
	upload     string
	logLevel   string
	perfMode   string
	modes      map[string]*string

	skipPrivilegeCheck bool
}

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	registry, err := sampler.NewRegistry(exec.Definitions(exec.Builtin()...)...)
	if err != nil {
		panic(err)
	}
	f := &flags{modes: map[string]*string{}}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Profile the machine",
		Long: `Profile every process on the machine for one cycle, or continuously.

Settings come from the config file, then HOSTPROF_* environment variables,
then the flags below.

Examples:
  # One 60s cycle into /var/lib/hostprof
  hostprof run -o /var/lib/hostprof

  # Continuous profiling, uploaded every minute
  hostprof run --continuous --upload https://collector.example.com/api/v1/profiles

  # Skip Java, profile Python only with py-spy
  hostprof run -o /tmp/prof --java-mode disabled --python-mode pyspy`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var names []string
			for _, def := range registry.Definitions() {
				names = append(names, def.Name)
			}
			cfg, err := config.Load(f.configPath, names...)
			if err != nil {
				return err
			}
			applyFlags(cmd.Flags(), f, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.New(logging.Config{
				Level:  cfg.Logging.Level,
				Pretty: logging.ResolvePretty(cfg.Logging.Pretty, os.Stderr),
				Output: os.Stderr,
			})
			logger.Info().Str("version", version.String()).Msg("Starting hostprof")

			tok := cancel.New()
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case sig := <-sigChan:
					logger.Info().Str("signal", sig.String()).Msg("Received signal, stopping")
					tok.Set()
				case <-tok.Done():
				}
			}()

			if !f.skipPrivilegeCheck {
				if err := privilege.Require("/proc/self/status"); err != nil {
					return err
				}
			}

			app, err := Build(cfg, registry, tok, logger)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run()
		},
	}

	bindFlags(cmd.Flags(), f, registry)
	return cmd
}

func bindFlags(fl *pflag.FlagSet, f *flags, registry *sampler.Registry) {
	fl.StringVar(&f.configPath, "config", "/etc/hostprof/config.yaml", "Config file (optional)")
	fl.IntVarP(&f.frequency, "frequency", "f", config.DefaultFrequency, "Sampling frequency in Hz")
	fl.DurationVarP(&f.duration, "duration", "d", config.DefaultDuration, "Duration of each profiling cycle")
	fl.StringVarP(&f.outputDir, "output-dir", "o", "", "Directory for collapsed profiles")
	fl.BoolVar(&f.continuous, "continuous", false, "Keep profiling until interrupted")
	fl.DurationVar(&f.interval, "interval", config.DefaultDuration, "Time between cycle starts in continuous mode")
	fl.StringVar(&f.upload, "upload", "", "Collector URL to upload profiles to")
	fl.StringVar(&f.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	fl.StringVar(&f.perfMode, "perf-mode", "fp", "System sampler call graph mode (fp, dwarf, smart, disabled)")
	fl.BoolVar(&f.skipPrivilegeCheck, "skip-privilege-check", false, "Run even without root or the needed capabilities")
	for _, def := range registry.Definitions() {
		mode := new(string)
		f.modes[def.Name] = mode
		fl.StringVar(mode, def.Name+"-mode", sampler.ModeAuto,
			fmt.Sprintf("%s profiler mode (%s)", def.Name, strings.Join(def.PossibleModes(runtime.GOARCH), ", ")))
	}
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(fl *pflag.FlagSet, f *flags, cfg *config.Config) {
	if fl.Changed("frequency") {
		cfg.Profiling.Frequency = f.frequency
	}
	if fl.Changed("duration") {
		cfg.Profiling.Duration = f.duration
		if !fl.Changed("interval") && cfg.Profiling.Interval < f.duration {
			cfg.Profiling.Interval = f.duration
		}
	}
	if fl.Changed("output-dir") {
		cfg.Output.Dir = f.outputDir
	}
	if fl.Changed("continuous") {
		cfg.Profiling.Continuous = f.continuous
	}
	if fl.Changed("interval") {
		cfg.Profiling.Interval = f.interval
	}
	if fl.Changed("upload") {
		cfg.Output.Upload.URL = f.upload
	}
	if fl.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if fl.Changed("perf-mode") {
		if f.perfMode == sampler.ModeDisabled || f.perfMode == sampler.ModeNone {
			cfg.System.Disabled = true
		} else {
			cfg.System.Mode = f.perfMode
		}
	}
	for name, mode := range f.modes {
		if fl.Changed(name + "-mode") {
			rc := cfg.Runtimes[name]
			rc.Mode = *mode
			cfg.Runtimes[name] = rc
		}
	}
}
