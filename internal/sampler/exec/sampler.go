package exec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/cancel"
	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/kmsg"
	"github.com/coral-mesh/hostprof/internal/logging"
	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/safe"
	"github.com/coral-mesh/hostprof/internal/safety"
	"github.com/coral-mesh/hostprof/internal/sampler"
	"github.com/coral-mesh/hostprof/internal/stack"
	"github.com/coral-mesh/hostprof/internal/sys/proc"
	"github.com/coral-mesh/hostprof/internal/sys/shell"
)

// maxOutputSize caps how much profiler output is read for one process.
const maxOutputSize = 64 << 20

// targetTmp is where profilers that write from inside the target put their output.
const targetTmp = "/tmp"

// Sampler runs a profiler binary once per target process and cycle.
type Sampler struct {
	rt       Runtime
	opts     sampler.Options
	template []string
	logger   zerolog.Logger
	limiter  *logging.Limiter
	safety   *safety.Controller
	fan      *sampler.FanOut
	tracker  *sampler.SpawnTracker
	self     int

	mu      sync.Mutex
	started bool
	binary  string
	kernel  kmsg.Provider
	detach  func()
}

var (
	_ sampler.Sampler         = (*Sampler)(nil)
	_ sampler.ProcessProfiler = (*Sampler)(nil)
)

// New builds the sampler for rt. opts.Command, when set, replaces the runtime's template for
// every profiling mode.
func New(rt Runtime, opts sampler.Options) (*Sampler, error) {
	if opts.ProfilingMode == "" {
		opts.ProfilingMode = profile.ModeCPU
	}
	template := opts.Command
	if len(template) == 0 {
		cmd, err := rt.Command(opts.ProfilingMode)
		if err != nil {
			return nil, err
		}
		template = cmd
	}
	if _, err := Expand(template, Vars{}); err != nil {
		return nil, fmt.Errorf("%s command: %w", rt.Name, err)
	}
	if opts.Procs == nil {
		procs, err := proc.NewInspector("")
		if err != nil {
			return nil, err
		}
		opts.Procs = procs
	}
	if opts.Grace == 0 {
		opts.Grace = sampler.DefaultGrace
	}
	if opts.StorageDir == "" {
		opts.StorageDir = filepath.Join(os.TempDir(), "hostprof")
	}
	if opts.Limiter == nil {
		opts.Limiter = logging.NewLimiter(3, time.Minute)
	}

	logger := opts.Logger.With().Str("component", "sampler").Str("sampler", rt.Name).Logger()
	s := &Sampler{
		rt:       rt,
		opts:     opts,
		template: template,
		logger:   logger,
		limiter:  opts.Limiter,
		safety:   safety.New(rt.Name, opts.Safemode, opts.MaxTracked, opts.Logger),
		self:     os.Getpid(),
	}
	s.fan = sampler.NewFanOut(rt.Name, s, opts.Limiter, opts.Logger)
	if opts.ProfileSpawned && opts.Events != nil {
		s.tracker = sampler.NewSpawnTracker(s.fan, opts.Events, opts.Procs, opts.Logger,
			sampler.WithLateGrace(opts.Grace+shell.DefaultKillDelay))
	}
	return s, nil
}

// Name returns the runtime name.
func (s *Sampler) Name() string { return s.rt.Name }

// Safety exposes the sampler's safety controller.
func (s *Sampler) Safety() *safety.Controller { return s.safety }

// Start resolves the profiler binary and attaches the crash detectors.
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	binary, err := shell.LookPath(s.template[0])
	if err != nil {
		return &errors.StartFailure{Sampler: s.rt.Name, Err: err}
	}
	if err := os.MkdirAll(s.opts.StorageDir, 0o755); err != nil {
		return &errors.StartFailure{Sampler: s.rt.Name, Err: fmt.Errorf("creating storage dir: %w", err)}
	}
	s.binary = binary
	s.kernel = kmsg.Empty{}
	if s.opts.KernelLog != nil {
		s.kernel = s.opts.KernelLog()
	}
	if s.opts.Events != nil {
		s.detach = s.safety.AttachExitEvents(s.opts.Events)
	}
	s.started = true
	s.logger.Info().
		Str("binary", binary).
		Str("mode", s.opts.Mode).
		Str("profiling_mode", string(s.opts.ProfilingMode)).
		Int("frequency_hz", s.opts.Frequency).
		Bool("profile_spawned", s.tracker != nil).
		Msg("Initialized runtime profiler")
	return nil
}

// Stop detaches the crash detectors. It is safe to call more than once.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	if s.kernel != nil {
		if err := s.kernel.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to close kernel log")
		}
		s.kernel = nil
	}
	s.started = false
}

// Snapshot profiles every target process for d. Kernel messages are checked once the
// fan-out returns.
func (s *Sampler) Snapshot(tok *cancel.Token, d time.Duration) (profile.ProcessProfileSet, error) {
	s.mu.Lock()
	started, kernel := s.started, s.kernel
	s.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("%s sampler not started", s.rt.Name)
	}
	if r, ok := s.safety.Disabled(); ok {
		s.logger.Debug().Str("reason", string(r)).Msg("Profiling disabled, reporting skipped stacks")
	}

	var (
		set profile.ProcessProfileSet
		err error
	)
	if s.tracker != nil {
		set, err = s.tracker.Run(tok, d)
	} else {
		set, err = s.fan.Run(tok, d)
	}
	s.safety.PollKernel(kernel)
	return set, err
}

// Select lists the live processes of this runtime.
func (s *Sampler) Select() ([]*proc.Process, error) {
	pids, err := s.opts.Procs.Pids()
	if err != nil {
		return nil, err
	}
	var out []*proc.Process
	for _, pid := range pids {
		p, err := s.opts.Procs.Open(pid)
		if err != nil {
			continue
		}
		ok, err := s.Matches(p)
		if err != nil {
			if !errors.IsVanished(err) {
				s.logger.Debug().Err(err).Int("pid", pid).Msg("Failed to inspect process")
			}
			continue
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Matches applies the runtime selector. hostprof never profiles itself.
func (s *Sampler) Matches(p *proc.Process) (bool, error) {
	if p.Pid == s.self {
		return false, nil
	}
	return s.rt.Selector.Match(p)
}

// ProfileProcess runs the profiler binary against p for d.
func (s *Sampler) ProfileProcess(tok *cancel.Token, p *proc.Process, d time.Duration, spawned bool) (profile.ProfileData, error) {
	if skipped, ok := s.safety.SkippedStack(); ok {
		return profile.ProfileData{Stacks: skipped}, nil
	}
	s.safety.Track(p.Pid)
	defer s.safety.Release(p.Pid)

	var crashLogs []string
	if s.rt.CrashArtifacts {
		crashLogs = crashLogCandidates(p)
	}

	out, read := s.outputPaths(p)
	if s.rt.Output == OutputFile {
		defer func() {
			if err := os.Remove(read); err != nil && !os.IsNotExist(err) {
				s.logger.Debug().Err(err).Str("path", read).Msg("Failed to remove profiler output")
			}
		}()
	}
	args, err := Expand(s.template, Vars{Pid: p.Pid, Duration: d, Frequency: s.opts.Frequency, Output: out})
	if err != nil {
		return profile.ProfileData{}, err
	}
	s.mu.Lock()
	args[0] = s.binary
	s.mu.Unlock()

	logEvent := s.logger.Info().Int("pid", p.Pid).Bool("spawned", spawned)
	if cmdline, err := p.Cmdline(); err == nil {
		logEvent = logEvent.Str("cmdline", strings.Join(cmdline, " "))
	}
	logEvent.Msg("Profiling process")

	ctx, cancelRun := context.WithTimeout(tok.Context(), d+s.opts.Grace)
	defer cancelRun()

	s.safety.MarkInstrumented(p.Pid)
	res, runErr := shell.Run(ctx, args, shell.Config{})

	if crashLogs != nil && tok.Err() == nil && (runErr != nil || !p.Alive()) {
		if _, found := s.safety.CheckCrashArtifact(p.Pid, crashLogs); found {
			if skipped, disabled := s.safety.SkippedStack(); disabled {
				return profile.ProfileData{Stacks: skipped}, nil
			}
		}
	}
	if runErr != nil {
		return profile.ProfileData{}, s.runError(ctx, tok, p, runErr)
	}

	raw := res.Stdout
	if s.rt.Output == OutputFile {
		raw, err = safe.ReadFile(read, &safe.ReadOptions{MaxSize: maxOutputSize, Truncate: true})
		if err != nil {
			if !p.Alive() {
				return profile.ProfileData{}, fmt.Errorf("reading %s output: %w", s.rt.Name, errors.ErrProcessVanished)
			}
			return profile.ProfileData{}, fmt.Errorf("reading %s output: %w", s.rt.Name, err)
		}
	}

	pd := profile.ProfileData{Stacks: s.parse(p.Pid, raw)}
	if s.opts.Metadata != nil {
		pd.AppID, pd.AppMetadata = s.opts.Metadata.Lookup(p, s.rt.Name)
	}
	s.logger.Info().Int("pid", p.Pid).Uint64("samples", pd.Stacks.Total()).Msg("Finished profiling process")
	return pd, nil
}

// outputPaths returns the {output} value and the host path it is read back from.
func (s *Sampler) outputPaths(p *proc.Process) (string, string) {
	name := fmt.Sprintf("%s.%s.%d.col", s.rt.Name, uuid.NewString(), p.Pid)
	if s.rt.OutputInTarget {
		inside := filepath.Join(targetTmp, "hostprof-"+name)
		return inside, p.HostPath(inside)
	}
	path := filepath.Join(s.opts.StorageDir, name)
	return path, path
}

func (s *Sampler) runError(ctx context.Context, tok *cancel.Token, p *proc.Process, err error) error {
	switch {
	case tok.IsSet():
		return errors.ErrCancelled
	case ctx.Err() != nil:
		s.logger.Error().Int("pid", p.Pid).Msg("Profiling timed out")
		return fmt.Errorf("%s on pid %d: %w", s.rt.Name, p.Pid, errors.ErrSamplerTimeout)
	}
	var ce *errors.CommandError
	if errors.As(err, &ce) && !p.Alive() {
		if s.rt.VanishedStderr == "" || strings.Contains(ce.Stderr, s.rt.VanishedStderr) {
			s.logger.Debug().Int("pid", p.Pid).Msg("Profiled process exited before the profiler finished")
			return fmt.Errorf("%s: %w", s.rt.Name, errors.ErrProcessVanished)
		}
	}
	return err
}

func (s *Sampler) parse(pid int, raw []byte) stack.Collapsed {
	switch s.rt.Format {
	case FormatPhpspy:
		byPid, err := ParsePhpspy(string(raw))
		if err != nil {
			s.warnParse(err)
		}
		out := stack.Collapsed{}
		for _, c := range byPid {
			out.Merge(c)
		}
		return out
	default:
		stacks, err := stack.Parse(string(raw))
		if err != nil {
			s.warnParse(err)
		}
		return stacks
	}
}

func (s *Sampler) warnParse(err error) {
	s.limiter.Do(s.rt.Name+":parse", func(suppressed int) {
		s.logger.Warn().Err(err).Int("suppressed", suppressed).Msg("Profiler output had malformed stacks")
	})
}

// crashLogCandidates resolves where p would leave a JVM fatal error log. It runs before the
// profiler so the paths are known even if the process dies.
func crashLogCandidates(p *proc.Process) []string {
	nspid, err := p.NSPid()
	if err != nil {
		nspid = p.Pid
	}
	cmdline, _ := p.Cmdline()
	cwd, err := p.Cwd()
	if err != nil {
		cwd = "/"
	}
	return safety.CrashLogCandidates(nspid, cmdline, cwd, p.HostPath)
}
