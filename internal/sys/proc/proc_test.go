package proc

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/hostprof/internal/errors"
)

const containerID = "4f3c2b1a0e9d8c7b6a5f4e3d2c1b0a9f8e7d6c5b4a3f2e1d0c9b8a7f6e5d4c3b"

// fakeProc lays out a minimal /proc tree for one pid.
func fakeProc(t *testing.T, pid int, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return root
}

func TestProcessFromFakeRoot(t *testing.T) {
	root := fakeProc(t, 4242, map[string]string{
		"comm":    "java\n",
		"cmdline": "java\x00-jar\x00app.jar\x00",
		"maps": "7f0000000000-7f0000001000 r-xp 00000000 08:01 1234 /usr/lib/jvm/lib/server/libjvm.so\n" +
			"7f0000001000-7f0000002000 r-xp 00000000 08:01 1234 /usr/lib/jvm/lib/server/libjvm.so\n" +
			"7f0000002000-7f0000003000 rw-p 00000000 00:00 0 \n" +
			"7f0000003000-7f0000004000 r-xp 00000000 08:01 99 /lib/x86_64-linux-gnu/libc.so.6\n",
		"cgroup": "12:pids:/docker/" + containerID + "\n0::/system.slice\n",
	})

	insp, err := NewInspector(root)
	require.NoError(t, err)

	pids, err := insp.Pids()
	require.NoError(t, err)
	assert.Equal(t, []int{4242}, pids)

	p, err := insp.Open(4242)
	require.NoError(t, err)

	comm, err := p.Comm()
	require.NoError(t, err)
	assert.Equal(t, "java", comm)

	args, err := p.Cmdline()
	require.NoError(t, err)
	assert.Equal(t, []string{"java", "-jar", "app.jar"}, args)

	files, err := p.MappedFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/lib/jvm/lib/server/libjvm.so", "/lib/x86_64-linux-gnu/libc.so.6"}, files)

	ok, err := p.MapsMatch(regexp.MustCompile(`/libjvm\.so$`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.MapsMatch(regexp.MustCompile(`libpython`))
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := p.ContainerID()
	require.NoError(t, err)
	assert.Equal(t, containerID, id)

	assert.True(t, p.Alive())
	assert.Equal(t, filepath.Join(root, "4242", "root", "tmp/hs_err_pid1.log"), p.HostPath("tmp/hs_err_pid1.log"))
}

func TestOpenMissingPidIsVanished(t *testing.T) {
	insp, err := NewInspector(t.TempDir())
	require.NoError(t, err)

	_, err = insp.Open(999999)
	assert.ErrorIs(t, err, errors.ErrProcessVanished)
}

func TestVanishedDuringRead(t *testing.T) {
	root := fakeProc(t, 77, map[string]string{"comm": "py\n"})
	insp, err := NewInspector(root)
	require.NoError(t, err)
	p, err := insp.Open(77)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "77")))

	_, err = p.Comm()
	assert.ErrorIs(t, err, errors.ErrProcessVanished)
	assert.False(t, p.Alive())
}

func TestDescribeSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	info, err := Describe(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.NotEmpty(t, info.Exe)
	assert.NotEmpty(t, info.Cmdline)
	assert.Positive(t, info.CreateTime)
}

func TestPidsIncludesSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	pids, err := Pids(context.Background())
	require.NoError(t, err)
	assert.Contains(t, pids, os.Getpid())
}

func TestExitCodeToSignal(t *testing.T) {
	tests := []struct {
		name   string
		status uint32
		want   unix.Signal
		ok     bool
	}{
		{name: "segv", status: uint32(unix.SIGSEGV), want: unix.SIGSEGV, ok: true},
		{name: "kill", status: uint32(unix.SIGKILL), want: unix.SIGKILL, ok: true},
		{name: "jvm sigterm exit", status: 0x8F00, want: unix.SIGTERM, ok: true},
		{name: "clean exit", status: 0},
		{name: "exit 1", status: 1 << 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, ok := ExitCodeToSignal(tt.status)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, sig)
		})
	}
}

func TestIsFatalSignal(t *testing.T) {
	assert.True(t, IsFatalSignal(unix.SIGABRT))
	assert.True(t, IsFatalSignal(unix.SIGKILL))
	assert.True(t, IsFatalSignal(unix.SIGSEGV))
	assert.False(t, IsFatalSignal(unix.SIGTERM))
}
