// Package stack implements the collapsed ("folded") stack model and its text format.
//
// A collapsed stack maps a semicolon-joined list of frames to a sample count.
// Counts only ever grow, by addition.
package stack

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Separator joins frames inside a stack key.
const Separator = ";"

// Collapsed maps a stack key to its sample count. Only keys ValidKey accepts can be
// rendered as text.
type Collapsed map[string]uint64

// Add accumulates n samples on key. The key is created even when n is zero.
func (c Collapsed) Add(key string, n uint64) {
	c[key] += n
}

// Merge adds every entry of other into c.
func (c Collapsed) Merge(other Collapsed) {
	for k, n := range other {
		c[k] += n
	}
}

// Total returns the sum of all counts.
func (c Collapsed) Total() uint64 {
	var total uint64
	for _, n := range c {
		total += n
	}
	return total
}

// DropInvalid removes the keys ValidKey rejects. It returns how many keys were removed and
// the samples they held.
func (c Collapsed) DropInvalid() (keys int, samples uint64) {
	for k, n := range c {
		if !ValidKey(k) {
			delete(c, k)
			keys++
			samples += n
		}
	}
	return keys, samples
}

// Keys returns the stack keys in lexical order.
func (c Collapsed) Keys() []string {
	return slices.Sorted(maps.Keys(c))
}

// WithRoot returns a copy of c with root prepended as the outermost frame of every key.
func (c Collapsed) WithRoot(root string) Collapsed {
	out := make(Collapsed, len(c))
	for k, n := range c {
		out[Join(root, k)] += n
	}
	return out
}

// AverageDepth returns the mean number of frames per distinct key.
func (c Collapsed) AverageDepth() float64 {
	if len(c) == 0 {
		return 0
	}
	var frames int
	for k := range c {
		frames += strings.Count(k, Separator) + 1
	}
	return float64(frames) / float64(len(c))
}

// Join concatenates frames into a stack key, skipping empty frames.
func Join(frames ...string) string {
	var b strings.Builder
	for _, f := range frames {
		if f == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(Separator)
		}
		b.WriteString(f)
	}
	return b.String()
}

// Marker builds a synthetic frame such as "[Profiling error: timeout]".
func Marker(what, reason string) string {
	return fmt.Sprintf("[Profiling %s: %s]", what, reason)
}

// ErrorStack is the single-sample stack recorded when profiling a process failed.
func ErrorStack(reason string) Collapsed {
	return Collapsed{Marker("error", reason): 1}
}

// SkippedStack is the single-sample stack recorded when a process was deliberately not profiled.
func SkippedStack(reason string) Collapsed {
	return Collapsed{Marker("skipped", reason): 1}
}
