package sampler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/cancel"
	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/logging"
	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/stack"
	"github.com/coral-mesh/hostprof/internal/sys/proc"
)

// FanOut runs one profiling task per selected process, each on its own goroutine.
type FanOut struct {
	name     string
	profiler ProcessProfiler
	limiter  *logging.Limiter
	logger   zerolog.Logger
}

type result struct {
	pid  int
	comm string
	data profile.ProfileData
	err  error
}

// NewFanOut returns a fan-out for profiler. A nil limiter caps repeated failures at three
// per minute.
func NewFanOut(name string, profiler ProcessProfiler, limiter *logging.Limiter, logger zerolog.Logger) *FanOut {
	if limiter == nil {
		limiter = logging.NewLimiter(3, time.Minute)
	}
	return &FanOut{
		name:     name,
		profiler: profiler,
		limiter:  limiter,
		logger:   logger.With().Str("component", "fanout").Str("sampler", name).Logger(),
	}
}

// Run selects the target processes and profiles each for d.
func (f *FanOut) Run(tok *cancel.Token, d time.Duration) (profile.ProcessProfileSet, error) {
	if tok.IsSet() {
		return nil, errors.ErrCancelled
	}
	return f.RunProcesses(tok, f.selectProcesses(), d, false)
}

func (f *FanOut) selectProcesses() []*proc.Process {
	procs, err := f.profiler.Select()
	if err != nil {
		f.logger.Error().Err(err).Msg("Failed to select processes to profile")
		return nil
	}
	return procs
}

// RunProcesses profiles procs for d and collects the results in completion order.
// Every failure except cancellation becomes a synthetic stack for its pid; once the token is
// set the partial results are discarded and errors.ErrCancelled is returned.
func (f *FanOut) RunProcesses(tok *cancel.Token, procs []*proc.Process, d time.Duration, spawned bool) (profile.ProcessProfileSet, error) {
	results := make(chan result, len(procs))
	running := 0
	for _, p := range procs {
		comm, ok := f.resolveComm(p)
		if !ok {
			continue
		}
		f.start(tok, p, comm, d, spawned, results, nil)
		running++
	}

	set := profile.ProcessProfileSet{}
	for range running {
		select {
		case <-tok.Done():
			return nil, errors.ErrCancelled
		case r := <-results:
			if err := f.record(set, r); err != nil {
				return nil, err
			}
		}
	}
	if tok.IsSet() {
		return nil, errors.ErrCancelled
	}
	return set, nil
}

// resolveComm reads the display name before a task starts. A vanished process is skipped.
func (f *FanOut) resolveComm(p *proc.Process) (string, bool) {
	comm, err := p.Comm()
	if err != nil {
		f.logger.Debug().Err(err).Int("pid", p.Pid).Msg("Process went down before profiling")
		return "", false
	}
	return comm, true
}

// start runs the task for p. The result is dropped if nobody is collecting: after the
// token is set or once abandon is closed.
func (f *FanOut) start(tok *cancel.Token, p *proc.Process, comm string, d time.Duration, spawned bool,
	out chan<- result, abandon <-chan struct{},
) {
	go func() {
		data, err := f.profiler.ProfileProcess(tok, p, d, spawned)
		r := result{pid: p.Pid, comm: comm, data: data, err: err}
		select {
		case out <- r:
		case <-tok.Done():
		case <-abandon:
		}
	}()
}

func (f *FanOut) record(set profile.ProcessProfileSet, r result) error {
	switch {
	case r.err == nil:
		if r.data.Comm == "" {
			r.data.Comm = r.comm
		}
		set.Add(r.pid, r.data)
		return nil
	case errors.Is(r.err, errors.ErrCancelled):
		return errors.ErrCancelled
	case errors.IsVanished(r.err):
		f.logger.Debug().Err(r.err).Int("pid", r.pid).Msg("Process went down during profiling")
	default:
		kind := errors.Kind(r.err)
		f.limiter.Do(f.name+":"+kind, func(suppressed int) {
			f.logger.Error().Err(r.err).Int("pid", r.pid).Str("comm", r.comm).Int("suppressed", suppressed).
				Msg("Failed to profile process")
		})
	}
	set.Add(r.pid, profile.NewProfileData(r.comm, stack.ErrorStack(errors.Kind(r.err))))
	return nil
}
