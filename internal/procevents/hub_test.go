package procevents

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDelivers(t *testing.T) {
	h := NewHub()
	var execs []int
	var exits [][2]int

	unsubExec := h.SubscribeExec(func(pid int) { execs = append(execs, pid) })
	unsubExit := h.SubscribeExit(func(pid int, status uint32) { exits = append(exits, [2]int{pid, int(status)}) })

	h.PublishExec(10)
	h.PublishExit(10, 9)

	assert.Equal(t, []int{10}, execs)
	assert.Equal(t, [][2]int{{10, 9}}, exits)

	unsubExec()
	unsubExec()
	unsubExit()
	h.PublishExec(11)
	h.PublishExit(11, 0)

	assert.Equal(t, []int{10}, execs)
	e, x := h.Subscribers()
	assert.Zero(t, e)
	assert.Zero(t, x)
}

func TestHubUnsubscribeFromCallback(t *testing.T) {
	h := NewHub()
	var calls int
	var unsub func()
	unsub = h.SubscribeExec(func(int) {
		calls++
		unsub()
	})

	h.PublishExec(1)
	h.PublishExec(2)

	assert.Equal(t, 1, calls)
}

func TestHubConcurrentSubscribe(t *testing.T) {
	h := NewHub()
	var delivered atomic.Int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 1000 {
			h.PublishExec(i)
		}
	}()
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := h.SubscribeExec(func(int) { delivered.Add(1) })
			unsub()
		}()
	}
	wg.Wait()

	execs, _ := h.Subscribers()
	assert.Zero(t, execs)
}

func TestOpenFallsBack(t *testing.T) {
	src, closeFn := Open(zerolog.Nop())
	require.NotNil(t, src)
	unsub := src.SubscribeExec(func(int) {})
	unsub()
	assert.NoError(t, closeFn())
}
