// Package config loads the hostprof configuration: a YAML file, then HOSTPROF_* environment
// overrides, then command line flags applied by the caller.
package config

import "time"

// Config is the complete hostprof configuration.
type Config struct {
	Profiling ProfilingConfig `yaml:"profiling"`
	System    SystemConfig    `yaml:"system"`
	// Runtimes is keyed by runtime sampler name (java, python, ruby, php).
	Runtimes map[string]RuntimeConfig `yaml:"runtimes"`
	Safety   SafetyConfig             `yaml:"safety"`
	Output   OutputConfig             `yaml:"output"`
	Logging  LoggingConfig            `yaml:"logging"`
}

// ProfilingConfig controls the cycle.
type ProfilingConfig struct {
	// Frequency is the sampling frequency in Hz.
	Frequency int           `yaml:"frequency" env:"HOSTPROF_FREQUENCY"`
	Duration  time.Duration `yaml:"duration" env:"HOSTPROF_DURATION"`
	// Interval is the time between cycle starts in continuous mode.
	Interval   time.Duration `yaml:"interval" env:"HOSTPROF_INTERVAL"`
	Continuous bool          `yaml:"continuous" env:"HOSTPROF_CONTINUOUS"`
	// Mode is cpu or allocation.
	Mode                    string        `yaml:"mode" env:"HOSTPROF_PROFILING_MODE"`
	Grace                   time.Duration `yaml:"grace" env:"HOSTPROF_GRACE"`
	RequireSystemSampler    bool          `yaml:"require_system_sampler" env:"HOSTPROF_REQUIRE_SYSTEM_SAMPLER"`
	ProfileSpawnedProcesses bool          `yaml:"profile_spawned_processes" env:"HOSTPROF_PROFILE_SPAWNED_PROCESSES"`
	ContainerNames          bool          `yaml:"container_names" env:"HOSTPROF_CONTAINER_NAMES"`
	// StorageDir holds temporary sampler output.
	StorageDir string `yaml:"storage_dir" env:"HOSTPROF_STORAGE_DIR"`
	// Pids limits the system sampler to these processes.
	Pids []int `yaml:"pids,omitempty" env:"HOSTPROF_PIDS"`
}

// SystemConfig configures the perf system sampler.
type SystemConfig struct {
	PerfPath string `yaml:"perf_path" env:"HOSTPROF_PERF_PATH"`
	// Mode is fp or dwarf.
	Mode           string `yaml:"mode" env:"HOSTPROF_PERF_MODE"`
	DwarfStackSize int    `yaml:"dwarf_stack_size" env:"HOSTPROF_PERF_DWARF_STACK_SIZE"`
	Disabled       bool   `yaml:"disabled" env:"HOSTPROF_PERF_DISABLED"`
}

// RuntimeConfig configures one runtime sampler. Its mode can also be set through
// HOSTPROF_<NAME>_MODE.
type RuntimeConfig struct {
	// Mode is auto, enabled, disabled, none or a back-end mode.
	Mode string `yaml:"mode"`
	// Command overrides the profiler command template.
	Command []string `yaml:"command,omitempty"`
	// Safemode is a comma-separated list of safety reasons. Empty inherits safety.safemode.
	Safemode string `yaml:"safemode,omitempty"`
}

// SafetyConfig configures the safety controller inputs.
type SafetyConfig struct {
	Safemode          string `yaml:"safemode" env:"HOSTPROF_SAFEMODE"`
	KmsgEnabled       bool   `yaml:"kmsg_enabled" env:"HOSTPROF_KMSG_ENABLED"`
	ProcEventsEnabled bool   `yaml:"proc_events_enabled" env:"HOSTPROF_PROC_EVENTS_ENABLED"`
	TrackedPidsMax    int    `yaml:"tracked_pids_max" env:"HOSTPROF_TRACKED_PIDS_MAX"`
}

// OutputConfig selects the output sinks.
type OutputConfig struct {
	// Dir receives collapsed files. Empty disables the file sink.
	Dir      string `yaml:"dir" env:"HOSTPROF_OUTPUT_DIR"`
	Rotating bool   `yaml:"rotating" env:"HOSTPROF_OUTPUT_ROTATING"`
	// Pprof also writes a pprof file per cycle into Dir.
	Pprof      bool          `yaml:"pprof" env:"HOSTPROF_OUTPUT_PPROF"`
	DuckDBPath string        `yaml:"duckdb_path" env:"HOSTPROF_DUCKDB_PATH"`
	Retention  time.Duration `yaml:"retention" env:"HOSTPROF_RETENTION"`
	Upload     UploadConfig  `yaml:"upload"`
}

// UploadConfig configures the HTTP collector sink.
type UploadConfig struct {
	URL         string        `yaml:"url" env:"HOSTPROF_UPLOAD_URL"`
	Token       string        `yaml:"token" env:"HOSTPROF_UPLOAD_TOKEN"`
	ServiceName string        `yaml:"service_name" env:"HOSTPROF_SERVICE_NAME"`
	Timeout     time.Duration `yaml:"timeout" env:"HOSTPROF_UPLOAD_TIMEOUT"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `yaml:"level" env:"HOSTPROF_LOG_LEVEL"`
	// Pretty is true, false or auto.
	Pretty string `yaml:"pretty" env:"HOSTPROF_LOG_PRETTY"`
}

// Runtime returns the configuration of the named runtime, zero when unset.
func (c *Config) Runtime(name string) RuntimeConfig {
	return c.Runtimes[name]
}

// RuntimeSafemode returns the safety reasons for the named runtime.
func (c *Config) RuntimeSafemode(name string) string {
	if rc, ok := c.Runtimes[name]; ok && rc.Safemode != "" {
		return rc.Safemode
	}
	return c.Safety.Safemode
}
