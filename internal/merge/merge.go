// Package merge combines the system-wide sampler's records with per-process profiles
// into one collapsed profile per cycle.
//
// Per-process stacks replace the system-wide samples of the pids they cover. They are
// rescaled so each pid keeps the share of CPU time the system-wide sampler measured for it.
// Pids no runtime sampler covered are folded from the raw system-wide frames.
package merge

import (
	"iter"
	"math"

	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/stack"
)

// Options tunes a merge.
type Options struct {
	// ContainerName, when set, is consulted per pid and its result prepended as the
	// outermost frame of every stack, even when empty.
	ContainerName func(pid int) string
}

// Result is the outcome of a merge.
type Result struct {
	Stacks stack.Collapsed
	// Drift is the per-pid difference between the scaled per-process total and the
	// number of system-wide records, caused by per-key rounding.
	Drift map[int]int64
	// Folded counts system-wide records folded from raw frames.
	Folded int
	// Scaled counts pids whose per-process stacks replaced their system-wide records.
	Scaled int
}

// Merge merges one cycle with default options.
func Merge(global iter.Seq[profile.GlobalSample], sets ...profile.ProcessProfileSet) stack.Collapsed {
	return MergeWith(Options{}, global, sets...).Stacks
}

// MergeWith merges one cycle. global is consumed exactly once and may be nil.
// The sets are not modified.
func MergeWith(opts Options, global iter.Seq[profile.GlobalSample], sets ...profile.ProcessProfileSet) Result {
	union := profile.ProcessProfileSet{}
	for _, s := range sets {
		union.Merge(s)
	}

	res := Result{Stacks: stack.Collapsed{}, Drift: map[int]int64{}}
	counts := map[int]uint64{}
	comms := map[int]string{}

	if global != nil {
		for rec := range global {
			if len(rec.Frames) == 0 {
				continue
			}
			if attributed(union, rec.Pid) {
				counts[rec.Pid]++
				if _, ok := comms[rec.Pid]; !ok {
					comms[rec.Pid] = rec.Comm
				}
				continue
			}
			res.Stacks.Add(prefix(opts, rec.Pid)+Fold(rec), 1)
			res.Folded++
		}
	}

	for pid, pd := range union {
		g := counts[pid]
		p := pd.Stacks.Total()
		if g == 0 || p == 0 {
			continue
		}
		ratio := float64(g) / float64(p)
		root := prefix(opts, pid) + displayName(pd, comms[pid])

		var sum uint64
		for key, count := range pd.Stacks {
			n := uint64(math.RoundToEven(float64(count) * ratio))
			if n == 0 {
				continue
			}
			res.Stacks.Add(root+stack.Separator+key, n)
			sum += n
		}
		res.Drift[pid] = int64(sum) - int64(g)
		res.Scaled++
	}
	return res
}

// Concatenate combines per-process stacks without a system-wide sampler. Counts are kept
// as the runtime samplers reported them.
func Concatenate(opts Options, sets ...profile.ProcessProfileSet) stack.Collapsed {
	union := profile.ProcessProfileSet{}
	for _, s := range sets {
		union.Merge(s)
	}
	out := stack.Collapsed{}
	for pid, pd := range union {
		root := prefix(opts, pid) + displayName(pd, "")
		for key, count := range pd.Stacks {
			out.Add(root+stack.Separator+key, count)
		}
	}
	return out
}

// attributed reports whether a runtime sampler produced stacks for pid.
// Pids the system-wide sampler reports as 0 or negative are never attributed.
func attributed(union profile.ProcessProfileSet, pid int) bool {
	if pid <= 0 {
		return false
	}
	pd, ok := union[pid]
	return ok && len(pd.Stacks) > 0
}

func displayName(pd profile.ProfileData, fallback string) string {
	switch {
	case pd.Comm != "":
		return pd.Comm
	case fallback != "":
		return fallback
	default:
		return "unknown"
	}
}

func prefix(opts Options, pid int) string {
	if opts.ContainerName == nil {
		return ""
	}
	return opts.ContainerName(pid) + stack.Separator
}

// Slice adapts a slice of records into the sequence Merge consumes.
func Slice(records []profile.GlobalSample) iter.Seq[profile.GlobalSample] {
	return func(yield func(profile.GlobalSample) bool) {
		for _, r := range records {
			if !yield(r) {
				return
			}
		}
	}
}
