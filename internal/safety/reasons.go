package safety

import (
	"fmt"
	"slices"
	"strings"
)

// Reason names a condition that disables a runtime sampler.
type Reason string

const (
	// ProfiledOOM fires when the kernel OOM-kills an instrumented pid.
	ProfiledOOM Reason = "profiled-oom"
	// ProfiledSignaled fires when an instrumented pid dies of a fatal signal.
	ProfiledSignaled Reason = "profiled-signaled"
	// CrashArtifact fires when a profiled runtime left a fatal error log (JVM hs_err).
	CrashArtifact Reason = "hserr"
	// GeneralOOM fires on any OOM kill.
	GeneralOOM Reason = "general-oom"
	// GeneralSignaled fires on any fatal-signal report in the kernel log.
	GeneralSignaled Reason = "general-signaled"
	// PidInKernelMessages fires when an instrumented pid's number appears in any kernel log line.
	PidInKernelMessages Reason = "pid-in-kernel-messages"
)

// AllReasons lists every known reason.
var AllReasons = []Reason{
	ProfiledOOM, ProfiledSignaled, CrashArtifact, GeneralOOM, GeneralSignaled, PidInKernelMessages,
}

// DefaultReasons is the reason set used unless configured otherwise.
const DefaultReasons = "profiled-oom,profiled-signaled,hserr"

// ParseReasons parses a comma-separated reason list. "all" enables every reason.
// An empty value, or a literal `""`, enables none.
func ParseReasons(s string) ([]Reason, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "all":
		return slices.Clone(AllReasons), nil
	case "", `""`:
		return nil, nil
	}

	var out []Reason
	for _, part := range strings.Split(s, ",") {
		r := Reason(strings.TrimSpace(part))
		if r == "" {
			continue
		}
		if !slices.Contains(AllReasons, r) {
			return nil, fmt.Errorf("unknown safemode option %q", r)
		}
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out, nil
}
