package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/coral-mesh/hostprof/internal/safety"
)

// Frequency bounds.
const (
	MinFrequency = 1
	MaxFrequency = 1000
)

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	p := c.Profiling
	if p.Frequency < MinFrequency || p.Frequency > MaxFrequency {
		add("profiling.frequency", "must be between %d and %d, got %d", MinFrequency, MaxFrequency, p.Frequency)
	}
	if p.Duration < time.Second {
		add("profiling.duration", "must be at least 1s, got %s", p.Duration)
	}
	if p.Continuous && p.Interval < p.Duration {
		add("profiling.interval", "must be at least the duration (%s), got %s", p.Duration, p.Interval)
	}
	if p.Mode != "cpu" && p.Mode != "allocation" {
		add("profiling.mode", "must be 'cpu' or 'allocation', got %q", p.Mode)
	}
	if p.Grace < 0 {
		add("profiling.grace", "must not be negative")
	}
	for _, pid := range p.Pids {
		if pid <= 0 {
			add("profiling.pids", "invalid pid %d", pid)
		}
	}

	if !slices.Contains([]string{"fp", "dwarf", "smart"}, c.System.Mode) {
		add("system.mode", "must be 'fp', 'dwarf' or 'smart', got %q", c.System.Mode)
	}

	if _, err := safety.ParseReasons(c.Safety.Safemode); err != nil {
		add("safety.safemode", "%v", err)
	}
	if c.Safety.TrackedPidsMax < 0 {
		add("safety.tracked_pids_max", "must not be negative")
	}
	for _, name := range slices.Sorted(maps.Keys(c.Runtimes)) {
		rc := c.Runtimes[name]
		if rc.Safemode != "" {
			if _, err := safety.ParseReasons(rc.Safemode); err != nil {
				add("runtimes."+name+".safemode", "%v", err)
			}
		}
	}

	if c.Output.Pprof && c.Output.Dir == "" {
		add("output.pprof", "requires output.dir")
	}
	if c.Output.Retention < 0 {
		add("output.retention", "must not be negative")
	}
	if u := c.Output.Upload.URL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		add("output.upload.url", "must be an http or https URL, got %q", u)
	}

	if len(errs) > 0 {
		return &MultiValidationError{Errors: errs}
	}
	return nil
}
