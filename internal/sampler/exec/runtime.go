// Package exec implements runtime samplers that shell out to a per-process profiler binary
// (async-profiler, py-spy, rbspy, phpspy) and read back its collapsed output.
package exec

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/sampler"
	"github.com/coral-mesh/hostprof/internal/sys/proc"
)

// Output says where a profiler binary leaves its stacks.
type Output int

const (
	// OutputFile means the command writes to the {output} path.
	OutputFile Output = iota
	// OutputStdout means the stacks are read from the command's stdout.
	OutputStdout
)

// Format is the text format a profiler binary produces.
type Format string

const (
	FormatCollapsed Format = "collapsed"
	FormatPhpspy    Format = "phpspy"
)

// Selector decides which processes belong to a runtime.
type Selector struct {
	// Maps matches any mapped file path of the process.
	Maps *regexp.Regexp
	// Comm matches the kernel command name.
	Comm *regexp.Regexp
	// ExcludeCmdline skips processes whose joined command line contains any of these.
	ExcludeCmdline []string
	// ExcludeExe skips processes whose executable base name has any of these prefixes.
	ExcludeExe []string
}

// Match reports whether p is a target. Either pattern matching is enough.
func (s Selector) Match(p *proc.Process) (bool, error) {
	matched := false
	if s.Comm != nil {
		comm, err := p.Comm()
		if err != nil {
			return false, err
		}
		matched = s.Comm.MatchString(comm)
	}
	if !matched && s.Maps != nil {
		ok, err := p.MapsMatch(s.Maps)
		if err != nil {
			return false, err
		}
		matched = ok
	}
	if !matched {
		return false, nil
	}
	return !s.excluded(p), nil
}

func (s Selector) excluded(p *proc.Process) bool {
	if len(s.ExcludeCmdline) > 0 {
		if args, err := p.Cmdline(); err == nil {
			joined := strings.Join(args, " ")
			if slices.ContainsFunc(s.ExcludeCmdline, func(item string) bool { return strings.Contains(joined, item) }) {
				return true
			}
		}
	}
	if len(s.ExcludeExe) > 0 {
		if exe, err := p.Executable(); err == nil {
			base := filepath.Base(exe)
			if slices.ContainsFunc(s.ExcludeExe, func(prefix string) bool { return strings.HasPrefix(base, prefix) }) {
				return true
			}
		}
	}
	return false
}

// Runtime describes one exec-based runtime sampler.
type Runtime struct {
	Name           string
	Modes          []string
	DefaultMode    string
	SupportedArchs []string
	ProfilingModes []profile.Mode
	MaxFrequency   int

	Selector Selector
	// Commands holds the command template per profiling mode. The first element is the
	// binary; the placeholders are listed in Expand.
	Commands map[profile.Mode][]string
	Output   Output
	Format   Format
	// OutputInTarget places {output} under /tmp inside the target's mount namespace, for
	// profilers that write from within the profiled process.
	OutputInTarget bool
	// CrashArtifacts enables the hs_err crash log check after each profiling run.
	CrashArtifacts bool
	// VanishedStderr is the profiler's complaint about a process that exited before it attached.
	VanishedStderr string
}

// Command returns the template for mode.
func (r Runtime) Command(mode profile.Mode) ([]string, error) {
	cmd, ok := r.Commands[mode]
	if !ok || len(cmd) == 0 {
		return nil, fmt.Errorf("%w: %s has no command for %s profiling", sampler.ErrUnsupported, r.Name, mode)
	}
	return cmd, nil
}

// Definition registers r with a sampler registry.
func (r Runtime) Definition() sampler.Definition {
	modes := slices.Sorted(func(yield func(profile.Mode) bool) {
		for m := range r.Commands {
			if !yield(m) {
				return
			}
		}
	})
	return sampler.Definition{
		Name:           r.Name,
		Modes:          r.Modes,
		DefaultMode:    r.DefaultMode,
		SupportedArchs: r.SupportedArchs,
		ProfilingModes: modes,
		MaxFrequency:   r.MaxFrequency,
		New: func(opts sampler.Options) (sampler.Sampler, error) {
			return New(r, opts)
		},
	}
}

// Java profiles JVMs with async-profiler. asprof writes the output from inside the JVM, so the
// file lives in the target's mount namespace.
func Java() Runtime {
	return Runtime{
		Name:           "java",
		Modes:          []string{"ap"},
		DefaultMode:    "ap",
		SupportedArchs: []string{"amd64", "arm64"},
		MaxFrequency:   1000,
		Selector:       Selector{Maps: regexp.MustCompile(`^.+/libjvm\.so`)},
		Commands: map[profile.Mode][]string{
			profile.ModeCPU: {"asprof", "-d", "{duration}", "-e", "cpu", "-i", "{interval}",
				"-o", "collapsed", "-f", "{output}", "{pid}"},
			profile.ModeAllocation: {"asprof", "-d", "{duration}", "-e", "alloc", "--alloc", "{frequency}",
				"-o", "collapsed", "-f", "{output}", "{pid}"},
		},
		Output:         OutputFile,
		Format:         FormatCollapsed,
		OutputInTarget: true,
		CrashArtifacts: true,
	}
}

// Python profiles CPython with py-spy.
func Python() Runtime {
	return Runtime{
		Name:           "python",
		Modes:          []string{"pyspy"},
		DefaultMode:    "pyspy",
		SupportedArchs: []string{"amd64", "arm64"},
		MaxFrequency:   50,
		Selector: Selector{
			Maps: regexp.MustCompile(`(^.+/(lib)?python[^/]*$)|(^.+/site-packages/.+?$)|(^.+/dist-packages/.+?$)`),
			ExcludeCmdline: []string{"unattended-upgrades", "networkd-dispatcher", "supervisord", "tuned"},
			// py-spy only understands CPython.
			ExcludeExe: []string{"pypy"},
		},
		Commands: map[profile.Mode][]string{
			profile.ModeCPU: {"py-spy", "record", "-r", "{frequency}", "-d", "{duration}", "--nonblocking",
				"--format", "raw", "-F", "--gil", "--output", "{output}", "-p", "{pid}", "--full-filenames"},
		},
		Output:         OutputFile,
		Format:         FormatCollapsed,
		VanishedStderr: "Failed to get process executable name",
	}
}

// Ruby profiles MRI with rbspy.
func Ruby() Runtime {
	return Runtime{
		Name:           "ruby",
		Modes:          []string{"rbspy"},
		DefaultMode:    "rbspy",
		SupportedArchs: []string{"amd64", "arm64"},
		MaxFrequency:   100,
		Selector:       Selector{Maps: regexp.MustCompile(`^.+/ruby[^/]*$`)},
		Commands: map[profile.Mode][]string{
			profile.ModeCPU: {"rbspy", "record", "--silent", "-r", "{frequency}", "-d", "{duration}",
				"--nonblocking", "--on-cpu", "--format=collapsed", "--file", "{output}",
				"--raw-file", "/dev/null", "-p", "{pid}"},
		},
		Output: OutputFile,
		Format: FormatCollapsed,
	}
}

// PHP profiles php-fpm and the php CLI with phpspy.
func PHP() Runtime {
	return Runtime{
		Name:           "php",
		Modes:          []string{"phpspy"},
		DefaultMode:    "phpspy",
		SupportedArchs: []string{"amd64"},
		MaxFrequency:   999,
		Selector:       Selector{Comm: regexp.MustCompile(`^php(-fpm.*|-cgi.*|\d.*)?$`)},
		Commands: map[profile.Mode][]string{
			profile.ModeCPU: {"phpspy", "--verbose-fields=p", "-H", "{frequency}", "-i", "{duration_ms}",
				"-o", "{output}", "-p", "{pid}"},
		},
		Output: OutputFile,
		Format: FormatPhpspy,
	}
}

// Builtin returns every runtime shipped with hostprof.
func Builtin() []Runtime {
	return []Runtime{Java(), Python(), Ruby(), PHP()}
}

// Definitions returns registry definitions for runtimes.
func Definitions(runtimes ...Runtime) []sampler.Definition {
	defs := make([]sampler.Definition, len(runtimes))
	for i, r := range runtimes {
		defs[i] = r.Definition()
	}
	return defs
}
