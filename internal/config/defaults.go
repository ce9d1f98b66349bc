package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/coral-mesh/hostprof/internal/safety"
)

// Defaults.
const (
	DefaultFrequency      = 11
	DefaultDuration       = 60 * time.Second
	DefaultGrace          = 30 * time.Second
	DefaultTrackedPidsMax = 1024
	DefaultUploadTimeout  = 30 * time.Second
	DefaultRetention      = 24 * time.Hour
)

// Default returns the configuration used when no file and no overrides are given.
func Default() *Config {
	return &Config{
		Profiling: ProfilingConfig{
			Frequency:  DefaultFrequency,
			Duration:   DefaultDuration,
			Interval:   DefaultDuration,
			Mode:       "cpu",
			Grace:      DefaultGrace,
			StorageDir: filepath.Join(os.TempDir(), "hostprof"),
		},
		System: SystemConfig{
			PerfPath: "perf",
			Mode:     "fp",
		},
		Runtimes: map[string]RuntimeConfig{},
		Safety: SafetyConfig{
			Safemode:          safety.DefaultReasons,
			KmsgEnabled:       true,
			ProcEventsEnabled: true,
			TrackedPidsMax:    DefaultTrackedPidsMax,
		},
		Output: OutputConfig{
			Retention: DefaultRetention,
			Upload:    UploadConfig{Timeout: DefaultUploadTimeout},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: "auto",
		},
	}
}
