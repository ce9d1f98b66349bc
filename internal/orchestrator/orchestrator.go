// Package orchestrator drives the samplers through profiling cycles, merges their output
// and hands every cycle's profile to the output sinks.
package orchestrator

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/hostprof/internal/cancel"
	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/merge"
	"github.com/coral-mesh/hostprof/internal/metadata"
	"github.com/coral-mesh/hostprof/internal/output"
	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/sampler"
	"github.com/coral-mesh/hostprof/internal/stack"
)

var (
	// ErrNoSamplers is returned by Start when no sampler could be started.
	ErrNoSamplers = errors.New("no sampler could be started")
	// ErrAllSamplersFailed reports a cycle in which no sampler produced anything.
	ErrAllSamplersFailed = errors.New("every sampler failed")
)

// Config configures a Profiler.
type Config struct {
	Duration      time.Duration
	Frequency     int
	ProfilingMode profile.Mode
	// Grace is how long past Duration a sampler's own work is bounded to.
	Grace time.Duration
	// Slack is the extra wait past Duration+Grace before a sampler is abandoned, so that a
	// sampler can still report its per-process timeouts. Zero means sampler.DefaultSlack.
	Slack time.Duration
	// RequireSystemSampler makes a system sampler start failure fatal.
	RequireSystemSampler bool
	Hostname             string
	// HostMetadata is copied into every header.
	HostMetadata map[string]any
}

// Options are the components a Profiler drives.
type Options struct {
	Config Config
	Token  *cancel.Token
	State  *State
	// System may be nil for runtime-only profiling.
	System   sampler.SystemSampler
	Samplers []sampler.Sampler
	Sink     output.Sink
	// Containers, when set, prefixes every stack with its container name.
	Containers *metadata.ContainerNames
	Logger     zerolog.Logger
}

// Profiler runs profiling cycles.
type Profiler struct {
	cfg        Config
	tok        *cancel.Token
	state      *State
	system     sampler.SystemSampler
	samplers   []sampler.Sampler
	sink       output.Sink
	containers *metadata.ContainerNames
	logger     zerolog.Logger

	mu           sync.Mutex
	systemActive bool
	active       []sampler.Sampler
	stopOnce     sync.Once
}

// New returns an unstarted Profiler.
func New(opts Options) (*Profiler, error) {
	if opts.Sink == nil {
		return nil, fmt.Errorf("an output sink is required")
	}
	if opts.Config.Duration <= 0 {
		return nil, fmt.Errorf("cycle duration must be positive")
	}
	if opts.Token == nil {
		opts.Token = cancel.New()
	}
	if opts.State == nil {
		opts.State = NewState()
	}
	if opts.Config.Grace == 0 {
		opts.Config.Grace = sampler.DefaultGrace
	}
	if opts.Config.ProfilingMode == "" {
		opts.Config.ProfilingMode = profile.ModeCPU
	}
	if opts.Config.Hostname == "" {
		opts.Config.Hostname = metadata.Hostname()
	}
	return &Profiler{
		cfg:        opts.Config,
		tok:        opts.Token,
		state:      opts.State,
		system:     opts.System,
		samplers:   opts.Samplers,
		sink:       opts.Sink,
		containers: opts.Containers,
		logger:     opts.Logger.With().Str("component", "orchestrator").Str("run_id", opts.State.RunID).Logger(),
	}, nil
}

// Token is the run's cancellation token.
func (p *Profiler) Token() *cancel.Token { return p.tok }

// Start starts the system sampler, then each runtime sampler in order. A runtime sampler
// that fails is dropped. A system sampler failure falls back to runtime-only profiling unless
// RequireSystemSampler is set.
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.systemActive = false
	if p.system != nil {
		if err := p.system.Start(); err != nil {
			if p.cfg.RequireSystemSampler {
				return fmt.Errorf("starting system sampler: %w", err)
			}
			p.logger.Error().Err(err).Str("sampler", p.system.Name()).
				Msg("System profiler failed to start, continuing with runtime profilers only")
		} else {
			p.systemActive = true
		}
	}

	p.active = p.active[:0]
	for _, s := range p.samplers {
		if err := s.Start(); err != nil {
			p.logger.Warn().Err(err).Str("sampler", s.Name()).Msg("Failed to start profiler, disabling it")
			continue
		}
		p.active = append(p.active, s)
	}

	if !p.systemActive && len(p.active) == 0 {
		return ErrNoSamplers
	}
	names := make([]string, len(p.active))
	for i, s := range p.active {
		names[i] = s.Name()
	}
	p.logger.Info().
		Bool("system_sampler", p.systemActive).
		Strs("runtime_samplers", names).
		Msg("Profilers started")
	return nil
}

// Stop sets the token, then stops every sampler. It is idempotent.
func (p *Profiler) Stop() {
	p.stopOnce.Do(func() {
		p.tok.Set()
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.system != nil {
			p.system.Stop()
		}
		for _, s := range p.samplers {
			s.Stop()
		}
		p.logger.Info().Msg("Profilers stopped")
	})
}

// RunSingle runs one cycle.
func (p *Profiler) RunSingle() error {
	_, err := p.Snapshot()
	return err
}

// RunContinuous runs cycles every interval until the token is set. Each wait covers only
// what the cycle left of the interval. Failed cycles are logged.
func (p *Profiler) RunContinuous(interval time.Duration) error {
	for !p.tok.IsSet() {
		begin := time.Now()
		if _, err := p.Snapshot(); err != nil {
			if errors.Is(err, errors.ErrCancelled) {
				break
			}
			p.logger.Error().Err(err).Msg("Profiling cycle failed")
		}
		if p.tok.Wait(interval - time.Since(begin)) {
			break
		}
	}
	p.logger.Info().Int64("cycles", p.state.Cycles()).Msg("Continuous profiling stopped")
	return nil
}

type cycleResults struct {
	mu        sync.Mutex
	global    iter.Seq[profile.GlobalSample]
	sets      []profile.ProcessProfileSet
	succeeded int
	attempted int
}

// Snapshot runs one cycle and returns what was written.
func (p *Profiler) Snapshot() (output.Profile, error) {
	if p.tok.IsSet() {
		return output.Profile{}, errors.ErrCancelled
	}
	p.mu.Lock()
	system := p.system
	if !p.systemActive {
		system = nil
	}
	active := append([]sampler.Sampler(nil), p.active...)
	p.mu.Unlock()

	cycle := profile.NewCycle(p.cfg.Duration, p.cfg.Frequency)
	cycle.ID = p.state.NextCycle()
	logger := p.logger.With().Str("cycle_id", cycle.ID).Logger()
	if p.containers != nil {
		p.containers.Reset()
	}

	res := &cycleResults{}
	var g errgroup.Group
	if system != nil {
		res.attempted++
		g.Go(func() error {
			seq, err := watch(p, system.Name(), func() (iter.Seq[profile.GlobalSample], error) {
				return system.Snapshot(p.tok, cycle.Duration)
			})
			if err != nil {
				return p.sampleError(logger, system.Name(), err)
			}
			res.mu.Lock()
			res.global = seq
			res.succeeded++
			res.mu.Unlock()
			return nil
		})
	}
	for _, s := range active {
		res.attempted++
		g.Go(func() error {
			set, err := watch(p, s.Name(), func() (profile.ProcessProfileSet, error) {
				return s.Snapshot(p.tok, cycle.Duration)
			})
			if err != nil {
				return p.sampleError(logger, s.Name(), err)
			}
			res.mu.Lock()
			res.sets = append(res.sets, set)
			res.succeeded++
			res.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return output.Profile{}, err
	}
	if p.tok.IsSet() {
		return output.Profile{}, errors.ErrCancelled
	}
	if res.attempted > 0 && res.succeeded == 0 {
		logger.Error().Int("samplers", res.attempted).Msg("Every profiler failed, nothing to write")
		return output.Profile{}, ErrAllSamplersFailed
	}

	opts := merge.Options{}
	if p.containers != nil {
		opts.ContainerName = p.containers.Name
	}
	var merged merge.Result
	if res.global != nil {
		merged = merge.MergeWith(opts, res.global, res.sets...)
	} else {
		merged = merge.Result{Stacks: merge.Concatenate(opts, res.sets...)}
	}
	for pid, drift := range merged.Drift {
		if drift != 0 {
			logger.Debug().Int("pid", pid).Int64("drift", drift).Msg("Scaled process samples differ from system samples")
		}
	}
	if keys, samples := merged.Stacks.DropInvalid(); keys > 0 {
		logger.Warn().Int("stacks", keys).Uint64("samples", samples).Msg("Dropped stacks that cannot be rendered")
	}
	end := time.Now()

	apps, index := metadata.IndexApplications(res.sets...)
	header := stack.Header{
		StartTime:                     cycle.Start,
		EndTime:                       end,
		RunID:                         p.state.RunID,
		CycleID:                       cycle.ID,
		Hostname:                      p.cfg.Hostname,
		ProfilingMode:                 string(p.cfg.ProfilingMode),
		Frequency:                     p.cfg.Frequency,
		ContainerNamesEnabled:         p.containers != nil,
		ApplicationMetadata:           apps,
		PidToApplicationMetadataIndex: index,
		Metadata:                      p.cfg.HostMetadata,
	}
	if p.containers != nil {
		header.Containers = p.containers.Names()
	}
	text, err := stack.RenderWithHeader(header, merged.Stacks)
	if err != nil {
		return output.Profile{}, err
	}
	prof := output.Profile{
		Start:     cycle.Start,
		End:       end,
		Hostname:  p.cfg.Hostname,
		Header:    header,
		Collapsed: merged.Stacks,
		Text:      text,
	}

	logger.Info().
		Int("stacks", len(merged.Stacks)).
		Uint64("samples", merged.Stacks.Total()).
		Int("scaled_pids", merged.Scaled).
		Int("folded_samples", merged.Folded).
		Dur("elapsed", cycle.Elapsed()).
		Msg("Profiling cycle finished")

	if err := p.sink.Write(p.tok.Context(), prof); err != nil {
		return prof, fmt.Errorf("writing profile: %w", err)
	}
	return prof, nil
}

// sampleError logs a sampler failure. Only cancellation is returned, which aborts the cycle.
func (p *Profiler) sampleError(logger zerolog.Logger, name string, err error) error {
	if errors.Is(err, errors.ErrCancelled) {
		return err
	}
	if errors.Is(err, errors.ErrSamplerTimeout) {
		logger.Warn().Err(err).Str("sampler", name).Msg("Profiler timed out, its results are dropped for this cycle")
		return nil
	}
	logger.Error().Err(err).Str("sampler", name).Msg("Profiler failed, its results are dropped for this cycle")
	return nil
}

type outcome[T any] struct {
	val T
	err error
}

// watch runs fn and stops waiting for it after sampler.Bound, or when the token is set.
// An abandoned fn keeps running until its own deadline and its result is dropped.
func watch[T any](p *Profiler, name string, fn func() (T, error)) (T, error) {
	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn()
		done <- outcome[T]{v, err}
	}()

	timer := time.NewTimer(sampler.Bound(p.cfg.Duration, p.cfg.Grace, p.cfg.Slack))
	defer timer.Stop()

	var zero T
	select {
	case o := <-done:
		return o.val, o.err
	case <-timer.C:
		return zero, fmt.Errorf("%s: %w", name, errors.ErrSamplerTimeout)
	case <-p.tok.Done():
		return zero, errors.ErrCancelled
	}
}
