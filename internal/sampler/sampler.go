// Package sampler defines the sampler capabilities the orchestrator drives, the registry of
// runtime samplers, and the per-process fan-out shared by runtime samplers.
package sampler

import (
	"iter"
	"time"

	"github.com/coral-mesh/hostprof/internal/cancel"
	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/sys/proc"
	"github.com/coral-mesh/hostprof/internal/sys/shell"
)

// DefaultGrace is how long past the cycle duration a sampler may take to return.
const DefaultGrace = 30 * time.Second

// DefaultSlack is how much longer than duration plus grace the orchestrator waits for a
// sampler before abandoning it. It covers the kill delay of a terminated per-process
// command and the selection work done before the per-process deadlines start.
const DefaultSlack = shell.DefaultKillDelay + 5*time.Second

// Bound is the longest a sampler may run for a cycle of d before it is abandoned.
// A zero slack means DefaultSlack.
func Bound(d, grace, slack time.Duration) time.Duration {
	if slack == 0 {
		slack = DefaultSlack
	}
	return d + grace + slack
}

// Sampler produces per-process stacks for one managed runtime.
//
// Snapshot returns within d plus the grace period. Per-process failures are reported as
// synthetic stacks inside the set; the only error a well-behaved Snapshot returns besides
// errors.ErrSamplerTimeout is errors.ErrCancelled.
type Sampler interface {
	Name() string
	// Start prepares the sampler. It is idempotent; a failure is an *errors.StartFailure.
	Start() error
	Snapshot(tok *cancel.Token, d time.Duration) (profile.ProcessProfileSet, error)
	// Stop releases resources. It is idempotent and safe after a partial Start.
	Stop()
}

// SystemSampler samples the whole machine. The returned sequence is consumed exactly once.
type SystemSampler interface {
	Name() string
	Start() error
	Snapshot(tok *cancel.Token, d time.Duration) (iter.Seq[profile.GlobalSample], error)
	Stop()
}

// ProcessProfiler is the per-runtime half of a fan-out based sampler.
type ProcessProfiler interface {
	// Select lists the processes to profile when a cycle starts.
	Select() ([]*proc.Process, error)
	// Matches reports whether p is a target. It is used for processes exec'd mid-cycle.
	Matches(p *proc.Process) (bool, error)
	// ProfileProcess profiles p for d. spawned is set for processes that started mid-cycle.
	ProfileProcess(tok *cancel.Token, p *proc.Process, d time.Duration, spawned bool) (profile.ProfileData, error)
}
