package orchestrator

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// State identifies one hostprof run. The run id is created once per process; every cycle
// gets its own id.
type State struct {
	RunID  string
	cycles atomic.Int64
}

// NewState starts a run.
func NewState() *State {
	return &State{RunID: uuid.NewString()}
}

// NextCycle counts a new cycle and returns its id.
func (s *State) NextCycle() string {
	s.cycles.Add(1)
	return uuid.NewString()
}

// Cycles is the number of cycles started so far.
func (s *State) Cycles() int64 {
	return s.cycles.Load()
}
