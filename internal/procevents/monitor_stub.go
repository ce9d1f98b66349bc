//go:build !linux

package procevents

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Monitor is only available on Linux.
type Monitor struct {
	*Hub
}

// StartMonitor always fails outside Linux.
func StartMonitor(_ zerolog.Logger) (*Monitor, error) {
	return nil, fmt.Errorf("process events are only supported on linux")
}

// Close is a no-op.
func (m *Monitor) Close() error { return nil }
