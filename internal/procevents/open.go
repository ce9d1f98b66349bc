package procevents

import (
	"github.com/rs/zerolog"
)

// Open starts the netlink monitor. When that is not possible it logs a warning and returns a
// hub that never publishes, so callers can subscribe either way.
func Open(logger zerolog.Logger) (Source, func() error) {
	m, err := StartMonitor(logger)
	if err != nil {
		logger.Warn().Err(err).
			Msg("Process events unavailable, spawned processes and profilee exits will not be tracked")
		return NewHub(), func() error { return nil }
	}
	return m, m.Close
}
