//go:build linux

package procevents

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"

	"github.com/coral-mesh/hostprof/internal/safe"
)

// eventBuffer bounds how many kernel events may queue ahead of the dispatcher.
const eventBuffer = 1024

// Monitor listens on the netlink process connector and publishes exec and exit events
// of thread-group leaders.
type Monitor struct {
	*Hub

	logger    zerolog.Logger
	events    chan netlink.ProcEvent
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// StartMonitor subscribes to the process connector. It needs CAP_NET_ADMIN.
func StartMonitor(logger zerolog.Logger) (*Monitor, error) {
	m := &Monitor{
		Hub:    NewHub(),
		logger: logger.With().Str("component", "procevents").Logger(),
		events: make(chan netlink.ProcEvent, eventBuffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	if err := netlink.ProcEventMonitor(m.events, m.done, m.errs); err != nil {
		return nil, fmt.Errorf("subscribing to process events: %w", err)
	}

	m.wg.Add(1)
	go m.dispatch()
	m.logger.Debug().Msg("Process events listener started")
	return m, nil
}

func (m *Monitor) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.events:
			if !ok {
				return
			}
			switch msg := ev.Msg.(type) {
			case *netlink.ExecProcEvent:
				if msg.ProcessPid == msg.ProcessTgid {
					m.PublishExec(pidOf(msg.ProcessTgid))
				}
			case *netlink.ExitProcEvent:
				if msg.ProcessPid == msg.ProcessTgid {
					m.PublishExit(pidOf(msg.ProcessTgid), msg.ExitCode)
				}
			}
		case err, ok := <-m.errs:
			if !ok {
				return
			}
			m.logger.Error().Err(err).Msg("Process events listener failed")
		}
	}
}

func pidOf(v uint32) int {
	pid, _ := safe.Uint32ToInt32(v)
	return int(pid)
}

// Close stops the listener and waits for the dispatcher to exit.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}
