// Package profile defines the data exchanged between samplers, the merge engine and outputs.
package profile

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/coral-mesh/hostprof/internal/stack"
)

// Mode is the kind of profile being collected.
type Mode string

const (
	ModeCPU        Mode = "cpu"
	ModeAllocation Mode = "allocation"
)

// ProfileData is one process's contribution to a cycle.
// Stack keys do not include the process name; the merge adds it as the root frame.
type ProfileData struct {
	Stacks        stack.Collapsed
	Comm          string
	AppID         string
	AppMetadata   map[string]any
	ContainerName string
}

// NewProfileData returns ProfileData carrying only stacks and the display name.
func NewProfileData(comm string, stacks stack.Collapsed) ProfileData {
	return ProfileData{Comm: comm, Stacks: stacks}
}

// ProcessProfileSet maps pid to its ProfileData for one sampler and one cycle.
type ProcessProfileSet map[int]ProfileData

// Add stores pd for pid, accumulating stacks if the pid is already present.
// The set keeps its own copy of the stacks, so pd is never mutated later.
func (s ProcessProfileSet) Add(pid int, pd ProfileData) {
	cur, ok := s[pid]
	if !ok {
		pd.Stacks = maps.Clone(pd.Stacks)
		if pd.Stacks == nil {
			pd.Stacks = stack.Collapsed{}
		}
		s[pid] = pd
		return
	}
	cur.Stacks.Merge(pd.Stacks)
	if cur.Comm == "" {
		cur.Comm = pd.Comm
	}
	if cur.AppID == "" {
		cur.AppID = pd.AppID
	}
	if cur.AppMetadata == nil {
		cur.AppMetadata = pd.AppMetadata
	}
	if cur.ContainerName == "" {
		cur.ContainerName = pd.ContainerName
	}
	s[pid] = cur
}

// Merge adds every entry of other into s.
func (s ProcessProfileSet) Merge(other ProcessProfileSet) {
	for pid, pd := range other {
		s.Add(pid, pd)
	}
}

// Frame is one raw frame of a system-wide sample.
type Frame struct {
	Symbol string
	DSO    string
}

// GlobalSample is one record from the system-wide sampler. Frames are ordered leaf first
// and are nil when the sampler captured no stack.
type GlobalSample struct {
	Comm   string
	Pid    int
	Tid    int
	Frames []Frame
}

// Cycle describes one sampling cycle. All samplers in a cycle share Duration.
type Cycle struct {
	ID        string
	Start     time.Time
	Duration  time.Duration
	Frequency int
}

// NewCycle starts a cycle now. Start carries a monotonic reading for Elapsed.
func NewCycle(d time.Duration, frequency int) Cycle {
	return Cycle{
		ID:        uuid.NewString(),
		Start:     time.Now(),
		Duration:  d,
		Frequency: frequency,
	}
}

// Elapsed is the monotonic time since the cycle started.
func (c Cycle) Elapsed() time.Duration {
	return time.Since(c.Start)
}

// Remaining is the part of the duration that has not elapsed yet, never negative.
func (c Cycle) Remaining() time.Duration {
	return max(c.Duration-c.Elapsed(), 0)
}
