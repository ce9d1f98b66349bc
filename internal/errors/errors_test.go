package errors

import (
	"fmt"
	"io/fs"
	"strings"
	"syscall"
	"testing"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
)

func TestIsVanished(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil},
		{name: "sentinel", err: ErrProcessVanished, want: true},
		{name: "gopsutil not running", err: fmt.Errorf("name: %w", process.ErrorProcessNotRunning), want: true},
		{name: "missing proc file", err: &fs.PathError{Op: "open", Path: "/proc/1/maps", Err: fs.ErrNotExist}, want: true},
		{name: "esrch", err: syscall.ESRCH, want: true},
		{name: "cancelled", err: ErrCancelled},
		{name: "other", err: New("permission denied")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsVanished(tt.err))
		})
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, "process went down during profiling", Kind(fmt.Errorf("wrap: %w", syscall.ESRCH)))
	assert.Equal(t, "timeout", Kind(fmt.Errorf("py-spy: %w", ErrSamplerTimeout)))
	assert.Equal(t, "command exited 2", Kind(NewCommandError([]string{"py-spy"}, 2, 0, nil, nil)))
	assert.Equal(t, "command killed by killed", Kind(NewCommandError([]string{"asprof"}, -1, syscall.SIGKILL, nil, nil)))
	assert.Equal(t, "start failure", Kind(&StartFailure{Sampler: "perf", Err: New("no perf")}))
	assert.Equal(t, "bad output", Kind(fmt.Errorf("parse: %w", New("bad output"))))
	assert.Len(t, Kind(New(strings.Repeat("x", 200))), maxKindLen)
}

func TestCommandErrorTruncates(t *testing.T) {
	big := []byte(strings.Repeat("e", MaxCommandOutput+10))
	err := NewCommandError([]string{"rbspy"}, 1, 0, nil, big)

	assert.Len(t, err.Stderr, MaxCommandOutput+3)
	assert.True(t, strings.HasSuffix(err.Stderr, "..."))
	assert.Contains(t, err.Error(), "exited with code 1")
}

func TestStartFailureUnwraps(t *testing.T) {
	inner := New("missing binary")
	err := fmt.Errorf("start: %w", &StartFailure{Sampler: "java", Err: inner})

	var sf *StartFailure
	assert.True(t, As(err, &sf))
	assert.Equal(t, "java", sf.Sampler)
	assert.True(t, Is(err, inner))
}
