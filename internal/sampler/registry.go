package sampler

import (
	"fmt"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/kmsg"
	"github.com/coral-mesh/hostprof/internal/logging"
	"github.com/coral-mesh/hostprof/internal/procevents"
	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/safety"
	"github.com/coral-mesh/hostprof/internal/sys/proc"
)

// Mode values understood by SelectMode besides a definition's own back-end modes.
const (
	ModeAuto     = "auto"
	ModeEnabled  = "enabled"
	ModeDisabled = "disabled"
	ModeNone     = "none"
)

// ErrUnsupported reports a sampler that cannot run on this host or in this profiling mode.
var ErrUnsupported = errors.New("sampler not supported")

// MetadataSource returns the application identity of a process.
type MetadataSource interface {
	Lookup(p *proc.Process, runtime string) (appID string, metadata map[string]any)
}

// Options carries everything a runtime sampler is built from.
type Options struct {
	Frequency     int
	Duration      time.Duration
	Grace         time.Duration
	ProfilingMode profile.Mode
	// Mode is the back-end mode picked by SelectMode.
	Mode string
	// Command overrides the definition's command template.
	Command []string
	// StorageDir holds temporary output files of sampler subprocesses.
	StorageDir string

	Procs          *proc.Inspector
	Events         procevents.Source
	KernelLog      func() kmsg.Provider
	Safemode       []safety.Reason
	MaxTracked     int
	ProfileSpawned bool
	Metadata       MetadataSource
	Limiter        *logging.Limiter
	Logger         zerolog.Logger
}

// Definition registers one runtime sampler.
type Definition struct {
	Name string
	// Modes lists the back-end modes; DefaultMode must be one of them.
	Modes       []string
	DefaultMode string
	// SupportedArchs uses GOARCH names. Empty means every architecture.
	SupportedArchs []string
	// ProfilingModes lists the supported profile kinds. Empty means cpu only.
	ProfilingModes []profile.Mode
	// MaxFrequency clamps the sampling frequency when non-zero.
	MaxFrequency int
	New          func(Options) (Sampler, error)
}

// SupportsArch reports whether the sampler runs on arch.
func (d Definition) SupportsArch(arch string) bool {
	return len(d.SupportedArchs) == 0 || slices.Contains(d.SupportedArchs, arch)
}

// SupportsProfilingMode reports whether the sampler can collect m.
func (d Definition) SupportsProfilingMode(m profile.Mode) bool {
	if len(d.ProfilingModes) == 0 {
		return m == profile.ModeCPU
	}
	return slices.Contains(d.ProfilingModes, m)
}

// PossibleModes lists the mode values accepted for this sampler on arch.
func (d Definition) PossibleModes(arch string) []string {
	if !d.SupportsArch(arch) {
		return nil
	}
	modes := []string{ModeAuto, ModeEnabled}
	modes = append(modes, slices.Sorted(slices.Values(d.Modes))...)
	return append(modes, ModeDisabled, ModeNone)
}

// SelectMode resolves a requested mode. It returns enabled=false for disabled/none, and for
// auto/enabled on an unsupported architecture. An unknown mode, or an explicit mode on an
// unsupported architecture, is an error.
func SelectMode(def Definition, requested, arch string) (mode string, enabled bool, err error) {
	requested = strings.ToLower(strings.TrimSpace(requested))
	switch requested {
	case ModeDisabled, ModeNone:
		return "", false, nil
	case "", ModeAuto, ModeEnabled:
		if !def.SupportsArch(arch) {
			return "", false, nil
		}
		return def.DefaultMode, true, nil
	}
	if !slices.Contains(def.Modes, requested) {
		return "", false, fmt.Errorf("unknown %s mode %q (possible modes: %s)",
			def.Name, requested, strings.Join(def.PossibleModes(arch), ", "))
	}
	if !def.SupportsArch(arch) {
		return "", false, fmt.Errorf("%w: %s mode %q on %s", ErrUnsupported, def.Name, requested, arch)
	}
	return requested, true, nil
}

// ClampFrequency applies def.MaxFrequency to freq, warning when it lowers it.
func ClampFrequency(def Definition, freq int, logger zerolog.Logger) int {
	if def.MaxFrequency > 0 && freq > def.MaxFrequency {
		logger.Warn().Str("sampler", def.Name).Int("requested", freq).Int("max", def.MaxFrequency).
			Msg("Requested frequency is higher than the sampler's maximum, lowering it")
		return def.MaxFrequency
	}
	return freq
}

// Registry holds the known runtime samplers.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns a registry holding defs.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: map[string]Definition{}}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds d. Names are unique and matched case-insensitively.
func (r *Registry) Register(d Definition) error {
	if d.Name == "" {
		return fmt.Errorf("sampler definition without a name")
	}
	if d.New == nil {
		return fmt.Errorf("sampler %s has no constructor", d.Name)
	}
	if !slices.Contains(d.Modes, d.DefaultMode) {
		return fmt.Errorf("sampler %s default mode %q is not one of %v", d.Name, d.DefaultMode, d.Modes)
	}
	key := strings.ToLower(d.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[key]; ok {
		return fmt.Errorf("sampler %s is already registered", d.Name)
	}
	r.defs[key] = d
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[strings.ToLower(name)]
	return d, ok
}

// Definitions returns every definition sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build constructs the named sampler for the requested mode on the running architecture.
// It returns a nil Sampler and nil error when the sampler is disabled.
func (r *Registry) Build(name, requested string, opts Options) (Sampler, error) {
	return r.BuildFor(name, requested, runtime.GOARCH, opts)
}

// BuildFor is Build for an explicit architecture.
func (r *Registry) BuildFor(name, requested, arch string, opts Options) (Sampler, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown sampler %q", name)
	}
	mode, enabled, err := SelectMode(def, requested, arch)
	if err != nil || !enabled {
		return nil, err
	}
	if opts.ProfilingMode == "" {
		opts.ProfilingMode = profile.ModeCPU
	}
	if !def.SupportsProfilingMode(opts.ProfilingMode) {
		return nil, fmt.Errorf("%w: %s does not support %s profiling", ErrUnsupported, def.Name, opts.ProfilingMode)
	}
	opts.Mode = mode
	opts.Frequency = ClampFrequency(def, opts.Frequency, opts.Logger)
	if opts.Grace == 0 {
		opts.Grace = DefaultGrace
	}
	s, err := def.New(opts)
	if err != nil {
		return nil, &errors.StartFailure{Sampler: def.Name, Err: err}
	}
	return s, nil
}
