// Package procevents publishes process exec and exit notifications to subscribers.
//
// A single producer delivers events in order. Subscribing and unsubscribing are safe from any
// goroutine, including from inside a callback.
package procevents

import (
	"sync"
)

// ExecFunc receives the pid of a process that called exec.
type ExecFunc func(pid int)

// ExitFunc receives the pid of an exited process and its raw wait status.
type ExitFunc func(pid int, status uint32)

// Source is anything that delivers process events.
type Source interface {
	SubscribeExec(fn ExecFunc) (unsubscribe func())
	SubscribeExit(fn ExitFunc) (unsubscribe func())
}

// Hub fans events out to subscribers. The zero value is not usable; use NewHub.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	execs  map[uint64]ExecFunc
	exits  map[uint64]ExitFunc
}

// NewHub returns an empty hub. A hub nobody publishes to also serves as a no-op Source.
func NewHub() *Hub {
	return &Hub{
		execs: map[uint64]ExecFunc{},
		exits: map[uint64]ExitFunc{},
	}
}

// SubscribeExec registers fn for exec events.
func (h *Hub) SubscribeExec(fn ExecFunc) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.execs[id] = fn
	return h.once(func() { delete(h.execs, id) })
}

// SubscribeExit registers fn for exit events.
func (h *Hub) SubscribeExit(fn ExitFunc) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.exits[id] = fn
	return h.once(func() { delete(h.exits, id) })
}

func (h *Hub) once(remove func()) func() {
	var o sync.Once
	return func() {
		o.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			remove()
		})
	}
}

// PublishExec delivers an exec event to the current exec subscribers.
func (h *Hub) PublishExec(pid int) {
	h.mu.RLock()
	subs := make([]ExecFunc, 0, len(h.execs))
	for _, fn := range h.execs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(pid)
	}
}

// PublishExit delivers an exit event to the current exit subscribers.
func (h *Hub) PublishExit(pid int, status uint32) {
	h.mu.RLock()
	subs := make([]ExitFunc, 0, len(h.exits))
	for _, fn := range h.exits {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(pid, status)
	}
}

// Subscribers returns the number of registered exec and exit callbacks.
func (h *Hub) Subscribers() (execs, exits int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.execs), len(h.exits)
}
