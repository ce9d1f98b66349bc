package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads path over the defaults, then applies environment overrides. A missing file
// at path is not an error; an empty path skips the file. runtimes lists the runtime
// sampler names whose HOSTPROF_<NAME>_MODE variables are honored.
func Load(path string, runtimes ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		//nolint:gosec // G304: path is the operator's config file.
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	if cfg.Runtimes == nil {
		cfg.Runtimes = map[string]RuntimeConfig{}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	for _, name := range runtimes {
		if mode := os.Getenv(RuntimeModeEnv(name)); mode != "" {
			rc := cfg.Runtimes[name]
			rc.Mode = mode
			cfg.Runtimes[name] = rc
		}
	}
	return cfg, nil
}

// RuntimeModeEnv is the environment variable overriding a runtime's mode.
func RuntimeModeEnv(name string) string {
	return "HOSTPROF_" + strings.ToUpper(name) + "_MODE"
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
