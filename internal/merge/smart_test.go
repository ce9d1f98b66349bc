package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/stack"
)

// deep returns n records of pid with depth user frames, outermost last as perf prints them.
func deep(pid int, comm string, depth, n int) []profile.GlobalSample {
	frames := make([]profile.Frame, depth)
	for i := range frames {
		frames[i] = profile.Frame{Symbol: string(rune('a' + i)), DSO: "/usr/bin/app"}
	}
	out := make([]profile.GlobalSample, n)
	for i := range out {
		out[i] = profile.GlobalSample{Comm: comm, Pid: pid, Tid: pid, Frames: frames}
	}
	return out
}

func TestAverageDepth(t *testing.T) {
	kernel := profile.GlobalSample{Comm: "app", Pid: 1, Frames: []profile.Frame{
		{Symbol: "do_syscall_64", DSO: "[kernel.kallsyms]"},
		{Symbol: "entry_SYSCALL_64", DSO: "[kernel.kallsyms]"},
		{Symbol: "read", DSO: "/lib/libc.so.6"},
		{Symbol: "main", DSO: "/usr/bin/app"},
	}}
	unknown := profile.GlobalSample{Comm: "app", Pid: 1, Frames: []profile.Frame{
		{Symbol: "[unknown]", DSO: "[unknown]"},
		{Symbol: "[unknown]", DSO: "[unknown]"},
		{Symbol: "main", DSO: "/usr/bin/app"},
	}}

	assert.Equal(t, 3.0, AverageDepth([]profile.GlobalSample{kernel}), "comm, main and read")
	assert.Equal(t, 2.0, AverageDepth([]profile.GlobalSample{unknown}), "unresolved frames are not counted")
	assert.Equal(t, 2.5, AverageDepth([]profile.GlobalSample{kernel, kernel, kernel, unknown}),
		"each distinct stack counts once")
	assert.Zero(t, AverageDepth(nil))
}

func TestSelectDeepest(t *testing.T) {
	fp := append(deep(10, "java", 2, 6), deep(20, "nginx", 5, 4)...)
	fp = append(fp, deep(30, "bash", 1, 2)...)
	// DWARF saw half as many records overall.
	dwarf := append(deep(10, "java", 4, 3), deep(20, "nginx", 3, 1)...)
	dwarf = append(dwarf, deep(40, "cron", 9, 1)...)

	got, st := SelectDeepest(fp, dwarf)

	assert.Equal(t, 12, st.FP)
	assert.Equal(t, 5, st.Dwarf)
	assert.InDelta(t, 2.4, st.Ratio, 1e-9)
	assert.Equal(t, 1, st.DwarfPids)
	assert.Equal(t, len(got), st.Selected)

	collapsed := stack.Collapsed{}
	for _, rec := range got {
		collapsed.Add(Fold(rec), 1)
	}
	assert.Equal(t, stack.Collapsed{
		"java;d;c;b;a":    7, // DWARF is deeper, 3 records scaled by 2.4
		"nginx;e;d;c;b;a": 4, // FP is deeper
		"bash;a":          2, // only FP saw it
	}, collapsed)
}

func TestSelectDeepestTiePrefersDwarf(t *testing.T) {
	fp := deep(10, "java", 3, 4)
	dwarf := deep(10, "java", 3, 2)
	dwarf[0].Frames = append([]profile.Frame{{Symbol: "leaf", DSO: "/usr/bin/app"}}, dwarf[0].Frames[:2]...)

	got, st := SelectDeepest(fp, dwarf)
	assert.Equal(t, 1, st.DwarfPids)
	assert.Len(t, got, 4, "scaled to the FP total")
}

func TestSelectDeepestOneSideEmpty(t *testing.T) {
	fp := deep(10, "java", 2, 3)

	got, st := SelectDeepest(fp, nil)
	assert.Equal(t, fp, got)
	assert.Zero(t, st.DwarfPids)

	got, _ = SelectDeepest(nil, fp)
	assert.Equal(t, fp, got)
}
