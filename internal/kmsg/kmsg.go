// Package kmsg reads kernel log records and recognizes OOM-kill and fatal-signal reports.
package kmsg

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Message is one kernel log record.
type Message struct {
	// Time is when the record was read.
	Time time.Time
	// SinceBoot is the kernel's own timestamp for the record.
	SinceBoot time.Duration
	Seq       uint64
	Severity  int
	Facility  int
	Text      string
}

// Provider returns the kernel log records emitted since the previous call.
type Provider interface {
	Messages() ([]Message, error)
	Close() error
}

// Empty is the Provider used when the kernel log cannot be read.
type Empty struct{}

func (Empty) Messages() ([]Message, error) { return nil, nil }
func (Empty) Close() error                 { return nil }

// ParseRecord decodes one /dev/kmsg record: "prio,seq,usec,flags[,...];text".
// Continuation lines carrying key=value dictionaries are dropped.
func ParseRecord(raw []byte, now time.Time) (Message, error) {
	prefix, text, ok := strings.Cut(string(raw), ";")
	if !ok {
		return Message{}, fmt.Errorf("malformed kmsg record %q", raw)
	}
	fields := strings.Split(prefix, ",")
	if len(fields) < 3 {
		return Message{}, fmt.Errorf("malformed kmsg prefix %q", prefix)
	}
	prio, err := strconv.Atoi(fields[0])
	if err != nil {
		return Message{}, fmt.Errorf("malformed kmsg priority %q: %w", fields[0], err)
	}
	seq, _ := strconv.ParseUint(fields[1], 10, 64)
	usec, _ := strconv.ParseInt(fields[2], 10, 64)

	if line, _, found := strings.Cut(text, "\n"); found {
		text = line
	}
	return Message{
		Time:      now,
		SinceBoot: time.Duration(usec) * time.Microsecond,
		Seq:       seq,
		Severity:  prio & 7,
		Facility:  prio >> 3,
		Text:      text,
	}, nil
}

// Open returns a /dev/kmsg provider, or Empty when the device cannot be opened.
// Sampling works either way; only crash detection through the kernel log is lost.
func Open(logger zerolog.Logger) Provider {
	p, err := OpenDevKmsg(logger)
	if err != nil {
		logger.Warn().Err(err).
			Msg("Kernel log unavailable, profilee error monitoring via kernel messages is disabled (this does not prevent profiling)")
		return Empty{}
	}
	return p
}
