package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/cancel"
	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/procevents"
	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/retry"
	"github.com/coral-mesh/hostprof/internal/sys/proc"
	"github.com/coral-mesh/hostprof/internal/sys/shell"
)

// DefaultSpawnRetry re-checks a freshly exec'd process at 100ms, 200ms, 400ms, 800ms and 800ms.
var DefaultSpawnRetry = retry.Config{
	MaxRetries:     5,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     800 * time.Millisecond,
	DelayFirst:     true,
}

var errNoMatch = errors.New("process is not a profiling target")

// CandidateState is where an exec'd pid is in the spawn tracker.
type CandidateState int

const (
	// Candidate pids passed the prefilter and are being re-checked.
	Candidate CandidateState = iota
	// Profiling pids have a running task.
	Profiling
	// Done pids finished profiling and their result was collected.
	Done
	// Dropped pids never matched, vanished, or arrived too late.
	Dropped
)

func (s CandidateState) String() string {
	switch s {
	case Candidate:
		return "candidate"
	case Profiling:
		return "profiling"
	case Done:
		return "done"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// SpawnStats counts the pids of the current or last cycle by state.
type SpawnStats struct {
	Candidate int
	Profiling int
	Done      int
	Dropped   int
}

// SpawnTracker extends a fan-out with processes that exec during the cycle. Each such
// process is profiled for what is left of the cycle.
//
// Every Run keeps its own state. A run abandoned by the orchestrator can keep going while the
// next one starts; its late results never reach the newer run.
type SpawnTracker struct {
	fan       *FanOut
	events    procevents.Source
	procs     *proc.Inspector
	prefilter func(pid int) bool
	retry     retry.Config
	lateGrace time.Duration
	logger    zerolog.Logger

	mu   sync.Mutex
	last *spawnRun
}

// spawnRun is the state of one Run. Its fields are guarded by SpawnTracker.mu.
type spawnRun struct {
	tok      *cancel.Token
	ctx      context.Context
	start    time.Time
	duration time.Duration
	checks   sync.WaitGroup

	accepting bool
	base      map[int]struct{}
	submitted map[int]struct{}
	states    map[int]CandidateState
	inflight  int
	results   chan result
	abandon   chan struct{}
}

// SpawnOption configures a SpawnTracker.
type SpawnOption func(*SpawnTracker)

// WithPrefilter sets a cheap check run on the event goroutine before a pid becomes a candidate.
func WithPrefilter(fn func(pid int) bool) SpawnOption {
	return func(s *SpawnTracker) { s.prefilter = fn }
}

// WithRetry overrides DefaultSpawnRetry.
func WithRetry(cfg retry.Config) SpawnOption {
	return func(s *SpawnTracker) { s.retry = cfg }
}

// WithLateGrace caps how long past the end of the cycle late tasks are waited for. It should
// match the per-process bound of the profiler: its grace plus the command kill delay.
func WithLateGrace(d time.Duration) SpawnOption {
	return func(s *SpawnTracker) { s.lateGrace = d }
}

// NewSpawnTracker wraps fan. Exec notifications come from events, pids are opened through procs.
func NewSpawnTracker(fan *FanOut, events procevents.Source, procs *proc.Inspector, logger zerolog.Logger, opts ...SpawnOption) *SpawnTracker {
	s := &SpawnTracker{
		fan:       fan,
		events:    events,
		procs:     procs,
		retry:     DefaultSpawnRetry,
		lateGrace: DefaultGrace + shell.DefaultKillDelay,
		logger:    logger.With().Str("component", "spawn_tracker").Str("sampler", fan.name).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run profiles the selected processes for d, plus every matching process exec'd while that
// runs. Late tasks are waited for until d after the run started, plus the late grace or one
// more d, whichever is shorter.
func (s *SpawnTracker) Run(tok *cancel.Token, d time.Duration) (profile.ProcessProfileSet, error) {
	if tok.IsSet() {
		return nil, errors.ErrCancelled
	}
	start := time.Now()
	procs := s.fan.selectProcesses()

	ctx, stopChecks := context.WithCancel(tok.Context())
	r := &spawnRun{
		tok:       tok,
		ctx:       ctx,
		start:     start,
		duration:  d,
		accepting: true,
		base:      make(map[int]struct{}, len(procs)),
		submitted: map[int]struct{}{},
		states:    map[int]CandidateState{},
		results:   make(chan result, 64),
		abandon:   make(chan struct{}),
	}
	for _, p := range procs {
		r.base[p.Pid] = struct{}{}
	}
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()

	unsubscribe := s.events.SubscribeExec(func(pid int) { s.onExec(r, pid) })
	defer func() {
		unsubscribe()
		stopChecks()
		r.checks.Wait()
		close(r.abandon)
	}()

	set, err := s.fan.RunProcesses(tok, procs, d, false)

	s.mu.Lock()
	r.accepting = false
	s.mu.Unlock()
	stopChecks()

	if err != nil {
		return nil, err
	}

	late, err := s.collectLate(r, start.Add(d+min(d, s.lateGrace)))
	if err != nil {
		return nil, err
	}
	set.Merge(late)
	return set, nil
}

func (s *SpawnTracker) collectLate(r *spawnRun, deadline time.Time) (profile.ProcessProfileSet, error) {
	s.mu.Lock()
	n := r.inflight
	s.mu.Unlock()

	set := profile.ProcessProfileSet{}
	if n == 0 {
		return set, nil
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for got := 0; got < n; got++ {
		select {
		case <-r.tok.Done():
			return nil, errors.ErrCancelled
		case <-timer.C:
			s.logger.Warn().Int("pending", n-got).Msg("Spawned process tasks did not finish in time")
			return set, nil
		case res := <-r.results:
			if err := s.fan.record(set, res); err != nil {
				return nil, err
			}
			s.setState(r, res.pid, Done)
		}
	}
	return set, nil
}

func (s *SpawnTracker) onExec(r *spawnRun, pid int) {
	if s.prefilter != nil && !s.prefilter(pid) {
		return
	}

	s.mu.Lock()
	_, inBase := r.base[pid]
	_, seen := r.states[pid]
	if !r.accepting || inBase || seen {
		s.mu.Unlock()
		return
	}
	r.states[pid] = Candidate
	r.checks.Add(1)
	s.mu.Unlock()

	go s.check(r, pid)
}

func (s *SpawnTracker) check(r *spawnRun, pid int) {
	defer r.checks.Done()

	var target *proc.Process
	err := retry.Do(r.ctx, s.retry, func() error {
		p, err := s.procs.Open(pid)
		if err != nil {
			return err
		}
		ok, err := s.fan.profiler.Matches(p)
		if err != nil {
			return err
		}
		if !ok {
			return errNoMatch
		}
		target = p
		return nil
	}, func(err error) bool {
		return errors.Is(err, errNoMatch)
	})
	if err != nil {
		s.logger.Debug().Err(err).Int("pid", pid).Msg("Spawned process dropped")
		s.setState(r, pid, Dropped)
		return
	}
	s.submit(r, target)
}

func (s *SpawnTracker) submit(r *spawnRun, p *proc.Process) {
	comm, ok := s.fan.resolveComm(p)
	if !ok {
		s.setState(r, p.Pid, Dropped)
		return
	}

	s.mu.Lock()
	_, dup := r.submitted[p.Pid]
	remaining := r.duration - time.Since(r.start)
	if !r.accepting || dup || remaining <= 0 {
		if !dup {
			r.states[p.Pid] = Dropped
		}
		s.mu.Unlock()
		return
	}
	r.submitted[p.Pid] = struct{}{}
	r.states[p.Pid] = Profiling
	r.inflight++
	s.mu.Unlock()

	s.logger.Debug().Int("pid", p.Pid).Str("comm", comm).Dur("remaining", remaining).
		Msg("Profiling spawned process")
	s.fan.start(r.tok, p, comm, remaining, true, r.results, r.abandon)
}

func (s *SpawnTracker) setState(r *spawnRun, pid int, st CandidateState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.states[pid] = st
}

// State returns the state of pid in the most recently started cycle.
func (s *SpawnTracker) State(pid int) (CandidateState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return 0, false
	}
	st, ok := s.last.states[pid]
	return st, ok
}

// Stats counts pids per state.
func (s *SpawnTracker) Stats() SpawnStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st SpawnStats
	if s.last == nil {
		return st
	}
	for _, state := range s.last.states {
		switch state {
		case Candidate:
			st.Candidate++
		case Profiling:
			st.Profiling++
		case Done:
			st.Done++
		case Dropped:
			st.Dropped++
		}
	}
	return st
}
