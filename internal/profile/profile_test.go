package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coral-mesh/hostprof/internal/stack"
)

func TestProcessProfileSetAdd(t *testing.T) {
	s := ProcessProfileSet{}
	s.Add(1, ProfileData{Comm: "java", Stacks: stack.Collapsed{"a": 1}})
	s.Add(1, ProfileData{Comm: "other", AppID: "svc", Stacks: stack.Collapsed{"a": 2, "b": 1}})
	s.Add(2, ProfileData{Comm: "python"})

	assert.Equal(t, stack.Collapsed{"a": 3, "b": 1}, s[1].Stacks)
	assert.Equal(t, "java", s[1].Comm)
	assert.Equal(t, "svc", s[1].AppID)
	assert.NotNil(t, s[2].Stacks)
}

func TestCycleRemaining(t *testing.T) {
	c := NewCycle(time.Hour, 11)
	assert.NotEmpty(t, c.ID)
	assert.LessOrEqual(t, c.Remaining(), time.Hour)
	assert.Greater(t, c.Remaining(), 59*time.Minute)

	past := Cycle{Start: time.Now().Add(-2 * time.Second), Duration: time.Second}
	assert.Zero(t, past.Remaining())
}

func TestProcessProfileSetCopiesStacks(t *testing.T) {
	first := stack.Collapsed{"a": 1}
	s := ProcessProfileSet{}
	s.Add(1, ProfileData{Stacks: first})
	s.Add(1, ProfileData{Stacks: stack.Collapsed{"a": 5}})

	assert.Equal(t, stack.Collapsed{"a": 1}, first)
	assert.EqualValues(t, 6, s[1].Stacks["a"])
}
