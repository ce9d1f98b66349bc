package sampler

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/hostprof/internal/cancel"
	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/stack"
	"github.com/coral-mesh/hostprof/internal/sys/proc"
	"github.com/coral-mesh/hostprof/internal/testutil"
)

type profileFunc func(tok *cancel.Token, d time.Duration) (profile.ProfileData, error)

// fakeProfiler profiles pids with canned behavior.
type fakeProfiler struct {
	root      *testutil.ProcRoot
	insp      *proc.Inspector
	selected  []int
	selectErr error
	matches   map[int]bool
	behavior  map[int]profileFunc

	mu    sync.Mutex
	calls map[int][]time.Duration
	spawn map[int]bool
}

func newFakeProfiler(t *testing.T, pids ...int) *fakeProfiler {
	t.Helper()
	root := testutil.NewProcRoot(t)
	for _, pid := range pids {
		root.Add(pid, testutil.FakeProcess{Comm: fmt.Sprintf("app%d", pid)})
	}
	insp, err := proc.NewInspector(root.Path)
	require.NoError(t, err)
	return &fakeProfiler{
		root:     root,
		insp:     insp,
		matches:  map[int]bool{},
		behavior: map[int]profileFunc{},
		calls:    map[int][]time.Duration{},
		spawn:    map[int]bool{},
	}
}

func (f *fakeProfiler) Select() ([]*proc.Process, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	var out []*proc.Process
	for _, pid := range f.selected {
		p, err := f.insp.Open(pid)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeProfiler) Matches(p *proc.Process) (bool, error) {
	return f.matches[p.Pid], nil
}

func (f *fakeProfiler) ProfileProcess(tok *cancel.Token, p *proc.Process, d time.Duration, spawned bool) (profile.ProfileData, error) {
	f.mu.Lock()
	f.calls[p.Pid] = append(f.calls[p.Pid], d)
	f.spawn[p.Pid] = spawned
	fn := f.behavior[p.Pid]
	f.mu.Unlock()
	if fn == nil {
		return profile.ProfileData{Stacks: stack.Collapsed{"main;work": 3}}, nil
	}
	return fn(tok, d)
}

func (f *fakeProfiler) called(pid int) []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[pid]
}

func TestFanOutCollectsResults(t *testing.T) {
	fp := newFakeProfiler(t, 1, 2, 3, 4)
	fp.selected = []int{1, 2, 3, 4}
	fp.behavior[2] = func(*cancel.Token, time.Duration) (profile.ProfileData, error) {
		return profile.ProfileData{}, fmt.Errorf("reading output: %w", errors.ErrProcessVanished)
	}
	fp.behavior[3] = func(*cancel.Token, time.Duration) (profile.ProfileData, error) {
		return profile.ProfileData{}, errors.NewCommandError([]string{"py-spy"}, 1, 0, nil, []byte("boom"))
	}
	fp.behavior[4] = func(*cancel.Token, time.Duration) (profile.ProfileData, error) {
		return profile.ProfileData{Comm: "custom", Stacks: stack.Collapsed{"x": 1}, AppID: "svc"}, nil
	}

	fan := NewFanOut("python", fp, nil, testutil.NewTestLogger(t))
	set, err := fan.Run(cancel.New(), time.Second)
	require.NoError(t, err)

	require.Len(t, set, 4)
	assert.Equal(t, profile.ProfileData{Comm: "app1", Stacks: stack.Collapsed{"main;work": 3}}, set[1])
	assert.Equal(t, stack.Collapsed{"[Profiling error: process went down during profiling]": 1}, set[2].Stacks)
	assert.Equal(t, "app2", set[2].Comm)
	assert.Equal(t, stack.Collapsed{"[Profiling error: command exited 1]": 1}, set[3].Stacks)
	assert.Equal(t, "custom", set[4].Comm)
	assert.Equal(t, "svc", set[4].AppID)
}

func TestFanOutSyntheticErrorIsStable(t *testing.T) {
	fp := newFakeProfiler(t, 7)
	fp.selected = []int{7}
	fp.behavior[7] = func(*cancel.Token, time.Duration) (profile.ProfileData, error) {
		return profile.ProfileData{}, errors.ErrSamplerTimeout
	}
	fan := NewFanOut("ruby", fp, nil, testutil.NewTestLogger(t))

	first, err := fan.Run(cancel.New(), time.Second)
	require.NoError(t, err)
	second, err := fan.Run(cancel.New(), time.Second)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, stack.Collapsed{"[Profiling error: timeout]": 1}, first[7].Stacks)
}

func TestFanOutSkipsVanishedBeforeStart(t *testing.T) {
	fp := newFakeProfiler(t, 1)
	// Pid 2 is listed but has no comm, as if it exited right after selection.
	fp.root.Add(2, testutil.FakeProcess{Cmdline: []string{"ghost"}})
	fp.selected = []int{1, 2}

	set, err := NewFanOut("php", fp, nil, testutil.NewTestLogger(t)).Run(cancel.New(), time.Second)
	require.NoError(t, err)
	assert.Len(t, set, 1)
	assert.Contains(t, set, 1)
	assert.Empty(t, fp.called(2))
}

func TestFanOutPropagatesCancellation(t *testing.T) {
	fp := newFakeProfiler(t, 1, 2)
	fp.selected = []int{1, 2}
	started := make(chan struct{}, 2)
	block := func(tok *cancel.Token, d time.Duration) (profile.ProfileData, error) {
		started <- struct{}{}
		if tok.Wait(d) {
			return profile.ProfileData{}, errors.ErrCancelled
		}
		return profile.ProfileData{Stacks: stack.Collapsed{"a": 1}}, nil
	}
	fp.behavior[1] = block
	fp.behavior[2] = func(*cancel.Token, time.Duration) (profile.ProfileData, error) {
		started <- struct{}{}
		return profile.ProfileData{Stacks: stack.Collapsed{"b": 1}}, nil
	}

	tok := cancel.New()
	fan := NewFanOut("java", fp, nil, testutil.NewTestLogger(t))
	go func() {
		<-started
		<-started
		tok.Set()
	}()

	begin := time.Now()
	set, err := fan.Run(tok, 10*time.Second)
	assert.ErrorIs(t, err, errors.ErrCancelled)
	assert.Nil(t, set)
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestFanOutCancelledBeforeStart(t *testing.T) {
	fp := newFakeProfiler(t, 1)
	fp.selected = []int{1}
	tok := cancel.New()
	tok.Set()

	_, err := NewFanOut("java", fp, nil, testutil.NewTestLogger(t)).Run(tok, time.Second)
	assert.ErrorIs(t, err, errors.ErrCancelled)
	assert.Empty(t, fp.called(1))
}

func TestFanOutSelectionFailure(t *testing.T) {
	fp := newFakeProfiler(t)
	fp.selectErr = fmt.Errorf("listing processes: permission denied")

	set, err := NewFanOut("java", fp, nil, testutil.NewTestLogger(t)).Run(cancel.New(), time.Second)
	require.NoError(t, err)
	assert.Empty(t, set)
}
