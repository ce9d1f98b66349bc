package run

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/cancel"
	"github.com/coral-mesh/hostprof/internal/config"
	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/kmsg"
	"github.com/coral-mesh/hostprof/internal/logging"
	"github.com/coral-mesh/hostprof/internal/metadata"
	"github.com/coral-mesh/hostprof/internal/orchestrator"
	"github.com/coral-mesh/hostprof/internal/output"
	"github.com/coral-mesh/hostprof/internal/procevents"
	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/retry"
	"github.com/coral-mesh/hostprof/internal/safety"
	"github.com/coral-mesh/hostprof/internal/sampler"
	"github.com/coral-mesh/hostprof/internal/sampler/perf"
	"github.com/coral-mesh/hostprof/internal/sys/proc"
	"github.com/coral-mesh/hostprof/pkg/version"
)

// App is a fully wired profiler.
type App struct {
	Profiler   *orchestrator.Profiler
	Sink       *output.Multi
	continuous bool
	interval   time.Duration
	closers    []func() error
	logger     zerolog.Logger
}

// Build wires the samplers, metadata sources and sinks described by cfg.
func Build(cfg *config.Config, registry *sampler.Registry, tok *cancel.Token, logger zerolog.Logger) (*App, error) {
	app := &App{
		continuous: cfg.Profiling.Continuous,
		interval:   cfg.Profiling.Interval,
		logger:     logger,
	}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	sink, err := buildSinks(cfg, logger)
	if err != nil {
		return nil, err
	}
	app.Sink = sink
	app.closers = append(app.closers, sink.Close)

	procs, err := proc.NewInspector("")
	if err != nil {
		return nil, err
	}

	var events procevents.Source
	if cfg.Safety.ProcEventsEnabled || cfg.Profiling.ProfileSpawnedProcesses {
		src, closeEvents := procevents.Open(logger)
		events = src
		app.closers = append(app.closers, closeEvents)
	}
	var kernelLog func() kmsg.Provider
	if cfg.Safety.KmsgEnabled {
		kernelLog = func() kmsg.Provider { return kmsg.Open(logger) }
	}

	apps, err := metadata.NewAppMetadata(0, true, logger)
	if err != nil {
		return nil, err
	}
	limiter := logging.NewLimiter(3, time.Minute)
	mode := profile.Mode(cfg.Profiling.Mode)

	var samplers []sampler.Sampler
	for _, def := range registry.Definitions() {
		rc := cfg.Runtime(def.Name)
		reasons, err := safety.ParseReasons(cfg.RuntimeSafemode(def.Name))
		if err != nil {
			return nil, err
		}
		s, err := registry.Build(def.Name, rc.Mode, sampler.Options{
			Frequency:      cfg.Profiling.Frequency,
			Duration:       cfg.Profiling.Duration,
			Grace:          cfg.Profiling.Grace,
			ProfilingMode:  mode,
			Command:        rc.Command,
			StorageDir:     cfg.Profiling.StorageDir,
			Procs:          procs,
			Events:         events,
			KernelLog:      kernelLog,
			Safemode:       reasons,
			MaxTracked:     cfg.Safety.TrackedPidsMax,
			ProfileSpawned: cfg.Profiling.ProfileSpawnedProcesses,
			Metadata:       apps,
			Limiter:        limiter,
			Logger:         logger,
		})
		var startErr *errors.StartFailure
		switch {
		case errors.As(err, &startErr) || errors.Is(err, sampler.ErrUnsupported):
			logger.Warn().Err(err).Str("sampler", def.Name).Msg("Profiler unavailable, skipping it")
			continue
		case err != nil:
			return nil, err
		case s == nil:
			logger.Debug().Str("sampler", def.Name).Msg("Profiler disabled")
			continue
		}
		samplers = append(samplers, s)
	}

	var system sampler.SystemSampler
	if !cfg.System.Disabled {
		system = perf.New(perf.Config{
			Path:           cfg.System.PerfPath,
			Frequency:      cfg.Profiling.Frequency,
			Mode:           cfg.System.Mode,
			DwarfStackSize: cfg.System.DwarfStackSize,
			StorageDir:     cfg.Profiling.StorageDir,
			Pids:           cfg.Profiling.Pids,
			Grace:          cfg.Profiling.Grace,
			Logger:         logger,
		})
	}

	var containers *metadata.ContainerNames
	if cfg.Profiling.ContainerNames {
		if containers, err = metadata.NewContainerNames(procs, 0, logger); err != nil {
			return nil, err
		}
	}

	ctx, cancelHost := context.WithTimeout(tok.Context(), 5*time.Second)
	host := metadata.Host(ctx, version.Version)
	cancelHost()

	app.Profiler, err = orchestrator.New(orchestrator.Options{
		Config: orchestrator.Config{
			Duration:             cfg.Profiling.Duration,
			Frequency:            cfg.Profiling.Frequency,
			ProfilingMode:        mode,
			Grace:                cfg.Profiling.Grace,
			RequireSystemSampler: cfg.Profiling.RequireSystemSampler,
			Hostname:             metadata.Hostname(),
			HostMetadata:         host,
		},
		Token:      tok,
		System:     system,
		Samplers:   samplers,
		Sink:       sink,
		Containers: containers,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return app, nil
}

func buildSinks(cfg *config.Config, logger zerolog.Logger) (*output.Multi, error) {
	var sinks []output.Sink
	if cfg.Output.Dir != "" {
		fs, err := output.NewFileSink(cfg.Output.Dir, cfg.Output.Rotating, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
		if cfg.Output.Pprof {
			ps, err := output.NewPprofSink(cfg.Output.Dir, logger)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, ps)
		}
	}
	if cfg.Output.DuckDBPath != "" {
		ds, err := output.NewDuckDBSink(output.DuckDBConfig{
			DSN:       cfg.Output.DuckDBPath,
			Retention: cfg.Output.Retention,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ds)
	}
	if u := cfg.Output.Upload; u.URL != "" {
		hs, err := output.NewHTTPSink(output.HTTPConfig{
			URL:         u.URL,
			Token:       u.Token,
			ServiceName: u.ServiceName,
			Timeout:     u.Timeout,
			Retry:       retry.Config{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Jitter: 0.2},
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, hs)
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("no output configured: set --output-dir, --upload or output.duckdb_path")
	}
	return output.NewMulti(logger, sinks...), nil
}

// Run starts the samplers and runs one cycle, or cycles until the token is set.
func (a *App) Run() error {
	if err := a.Profiler.Start(); err != nil {
		return err
	}
	defer a.Profiler.Stop()

	if a.continuous {
		return a.Profiler.RunContinuous(a.interval)
	}
	err := a.Profiler.RunSingle()
	if errors.Is(err, errors.ErrCancelled) {
		return nil
	}
	return err
}

// Close releases the sinks and event sources. It is safe to call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Cleanup failed")
		}
	}
	a.closers = nil
}
