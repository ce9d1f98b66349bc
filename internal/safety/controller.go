// Package safety disables a runtime sampler for the rest of the run once it appears to be
// crashing or OOM-killing the processes it instruments.
//
// A Controller starts enabled and trips at most once. The trip is permanent: every later
// attempt to profile a process under the same sampler yields a "disabled" stack instead.
package safety

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/kmsg"
	"github.com/coral-mesh/hostprof/internal/procevents"
	"github.com/coral-mesh/hostprof/internal/stack"
	"github.com/coral-mesh/hostprof/internal/sys/proc"
)

// DefaultMaxTracked bounds how many pids a controller remembers.
const DefaultMaxTracked = 4096

type pidState struct {
	instrumented bool
}

// Controller is the safety state of one runtime sampler.
type Controller struct {
	name    string
	logger  zerolog.Logger
	enabled map[Reason]bool

	mu       sync.Mutex
	disabled Reason
	tracked  *simplelru.LRU[int, pidState]
	pending  map[int]struct{}
}

// New returns an enabled controller that trips only for the given reasons.
// maxTracked <= 0 means DefaultMaxTracked.
func New(name string, reasons []Reason, maxTracked int, logger zerolog.Logger) *Controller {
	if maxTracked <= 0 {
		maxTracked = DefaultMaxTracked
	}
	tracked, err := simplelru.NewLRU[int, pidState](maxTracked, nil)
	if err != nil {
		// Only reachable with a non-positive size, excluded above.
		panic(err)
	}
	enabled := make(map[Reason]bool, len(reasons))
	for _, r := range reasons {
		enabled[r] = true
	}
	c := &Controller{
		name:    name,
		logger:  logger.With().Str("component", "safety").Str("sampler", name).Logger(),
		enabled: enabled,
		tracked: tracked,
		pending: map[int]struct{}{},
	}
	if len(reasons) > 0 {
		c.logger.Debug().Strs("safemode", reasonStrings(reasons)).Msg("Safemode enabled")
	}
	return c
}

// Enabled lists the reasons this controller trips on.
func (c *Controller) Enabled() []Reason {
	return slices.Sorted(maps.Keys(c.enabled))
}

// Disabled returns the trip reason, if the controller has tripped.
func (c *Controller) Disabled() (Reason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled, c.disabled != ""
}

// SkippedStack is the stack recorded for a process not profiled because the controller tripped.
func (c *Controller) SkippedStack() (stack.Collapsed, bool) {
	r, ok := c.Disabled()
	if !ok {
		return nil, false
	}
	return stack.SkippedStack("disabled due to " + string(r)), true
}

// Trip disables the sampler when r is enabled and no earlier trip happened.
// It reports whether this call changed the state.
func (c *Controller) Trip(r Reason) bool {
	c.mu.Lock()
	tripped := c.disabled == "" && c.enabled[r]
	if tripped {
		c.disabled = r
	}
	c.mu.Unlock()

	if tripped {
		c.logger.Warn().Str("cause", string(r)).
			Msg("Profiling has been disabled, will avoid profiling any new processes")
	}
	return tripped
}

// Track records that pid was selected for profiling.
func (c *Controller) Track(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tracked.Peek(pid); !ok {
		c.tracked.Add(pid, pidState{})
	}
	delete(c.pending, pid)
}

// MarkInstrumented records that the sampler attached to pid.
func (c *Controller) MarkInstrumented(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked.Add(pid, pidState{instrumented: true})
	delete(c.pending, pid)
}

// Release schedules pid for removal once its task completed. Removal happens at Flush,
// after kernel log records from the same snapshot were matched.
func (c *Controller) Release(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracked.Contains(pid) {
		c.pending[pid] = struct{}{}
	}
}

// Flush drops every pid scheduled by Release or an exit event.
func (c *Controller) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pid := range c.pending {
		c.tracked.Remove(pid)
	}
	clear(c.pending)
}

// Tracked reports whether pid is tracked and whether it is instrumented.
func (c *Controller) Tracked(pid int) (tracked, instrumented bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tracked.Peek(pid)
	return ok, st.instrumented
}

func (c *Controller) instrumentedPids() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pids []int
	for _, pid := range c.tracked.Keys() {
		if st, ok := c.tracked.Peek(pid); ok && st.instrumented {
			pids = append(pids, pid)
		}
	}
	return pids
}

// HandleExit consumes a process exit event with its raw wait status.
func (c *Controller) HandleExit(pid int, status uint32) {
	c.mu.Lock()
	st, ok := c.tracked.Peek(pid)
	if ok {
		c.pending[pid] = struct{}{}
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	sig, signaled := proc.ExitCodeToSignal(status)
	if !signaled {
		return
	}
	if !st.instrumented {
		c.logger.Debug().Int("pid", pid).Str("signal", sig.String()).
			Msg("Non-profiled process exited with signal")
		return
	}
	c.logger.Warn().Int("pid", pid).Str("signal", sig.String()).Msg("Profiled process exited with signal")
	if proc.IsFatalSignal(sig) {
		c.Trip(ProfiledSignaled)
	}
}

// AttachExitEvents subscribes the controller to exit events. The returned func unsubscribes.
func (c *Controller) AttachExitEvents(src procevents.Source) func() {
	return src.SubscribeExit(c.HandleExit)
}

// HandleKernelMessages matches kernel log records against the instrumented pids.
// For each record the first matching rule wins: profiled OOM, profiled signal, any OOM,
// any signal, then an instrumented pid appearing in the text.
func (c *Controller) HandleKernelMessages(msgs []kmsg.Message) {
	if len(msgs) == 0 {
		return
	}
	pids := c.instrumentedPids()

	for _, m := range msgs {
		oom, isOOM := kmsg.ParseOOM(m.Text)
		if isOOM && slices.Contains(pids, oom.Pid) {
			c.logger.Warn().Int("pid", oom.Pid).Str("comm", oom.Comm).Uint64("anon_rss", oom.AnonRSS).
				Msg("Profiled process OOM")
			c.Trip(ProfiledOOM)
			continue
		}

		sig, isSig := kmsg.ParseSignal(m.Text)
		if isSig && slices.Contains(pids, sig.Pid) {
			c.logger.Warn().Int("pid", sig.Pid).Str("comm", sig.Comm).Str("desc", sig.Desc).
				Msg("Profiled process fatally signaled")
			c.Trip(ProfiledSignaled)
			continue
		}

		switch {
		case isOOM:
			c.logger.Warn().Int("pid", oom.Pid).Str("comm", oom.Comm).Msg("General OOM")
			c.Trip(GeneralOOM)
		case isSig:
			c.logger.Warn().Int("pid", sig.Pid).Str("comm", sig.Comm).Msg("General signal")
			c.Trip(GeneralSignaled)
		case slices.ContainsFunc(pids, func(pid int) bool { return strings.Contains(m.Text, strconv.Itoa(pid)) }):
			c.logger.Warn().Str("line", m.Text).Msg("Profiled pid shows in kernel message line")
			c.Trip(PidInKernelMessages)
		}
	}
}

// PollKernel reads new kernel log records, matches them, then applies pending releases.
func (c *Controller) PollKernel(p kmsg.Provider) {
	if p != nil {
		msgs, err := p.Messages()
		if err != nil {
			c.logger.Error().Err(err).Msg("Error iterating new kernel messages")
		}
		c.HandleKernelMessages(msgs)
	}
	c.Flush()
}

func reasonStrings(rs []Reason) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}
