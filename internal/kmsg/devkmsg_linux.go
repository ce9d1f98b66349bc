//go:build linux

package kmsg

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// maxRecordSize matches CONSOLE_EXT_LOG_MAX in linux/printk.h.
const maxRecordSize = 8192

// DevKmsg reads /dev/kmsg without blocking, starting at the end of the existing log.
type DevKmsg struct {
	logger zerolog.Logger

	mu  sync.Mutex
	fd  int
	buf []byte
}

// OpenDevKmsg opens /dev/kmsg and skips records logged before the call.
func OpenDevKmsg(logger zerolog.Logger) (*DevKmsg, error) {
	return openDevKmsgAt(logger, "/dev/kmsg")
}

func openDevKmsgAt(logger zerolog.Logger, path string) (*DevKmsg, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := unix.Seek(fd, 0, unix.SEEK_END); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("seeking %s: %w", path, err)
	}
	return &DevKmsg{
		logger: logger.With().Str("component", "kmsg").Logger(),
		fd:     fd,
		buf:    make([]byte, maxRecordSize),
	}, nil
}

// Messages drains every record currently available. Each read returns exactly one record.
func (d *DevKmsg) Messages() ([]Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return nil, nil
	}
	var out []Message
	for {
		n, err := unix.Read(d.fd, d.buf)
		switch {
		case err == unix.EPIPE:
			d.logger.Warn().Msg("Missed some kernel messages")
			continue
		case err == unix.EAGAIN:
			return out, nil
		case err == unix.EINTR:
			continue
		case err != nil:
			return out, fmt.Errorf("reading /dev/kmsg: %w", err)
		case n == 0:
			return out, nil
		}
		msg, perr := ParseRecord(d.buf[:n], time.Now())
		if perr != nil {
			d.logger.Debug().Err(perr).Msg("Skipping kernel record")
			continue
		}
		out = append(out, msg)
	}
}

// Close releases the device. It is safe to call more than once.
func (d *DevKmsg) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
