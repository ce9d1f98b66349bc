//go:build !linux

package kmsg

import (
	"fmt"

	"github.com/rs/zerolog"
)

// DevKmsg is only available on Linux.
type DevKmsg struct{ Empty }

// OpenDevKmsg always fails outside Linux.
func OpenDevKmsg(_ zerolog.Logger) (*DevKmsg, error) {
	return nil, fmt.Errorf("kernel log is only supported on linux")
}
