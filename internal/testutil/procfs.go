package testutil

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// ProcRoot is a fake /proc tree in a temporary directory.
type ProcRoot struct {
	t    *testing.T
	Path string
}

// NewProcRoot creates an empty fake /proc tree.
func NewProcRoot(t *testing.T) *ProcRoot {
	t.Helper()
	return &ProcRoot{t: t, Path: t.TempDir()}
}

// FakeProcess describes the files written for one pid. Empty fields are not written.
type FakeProcess struct {
	Comm    string
	Cmdline []string
	Maps    []string
	Cgroup  string
	Status  string
	// Files maps a path relative to the process root (/proc/<pid>/root) to its content.
	Files map[string]string
}

// Add writes the files for pid and returns its directory.
func (r *ProcRoot) Add(pid int, p FakeProcess) string {
	r.t.Helper()
	dir := filepath.Join(r.Path, strconv.Itoa(pid))
	require.NoError(r.t, os.MkdirAll(dir, 0o755))

	write := func(name, content string) {
		require.NoError(r.t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	if p.Comm != "" {
		write("comm", p.Comm+"\n")
	}
	if len(p.Cmdline) > 0 {
		var b []byte
		for _, a := range p.Cmdline {
			b = append(b, a...)
			b = append(b, 0)
		}
		write("cmdline", string(b))
	}
	if len(p.Maps) > 0 {
		var maps string
		for i, path := range p.Maps {
			start := 0x7f0000000000 + i*0x1000
			maps += strconv.FormatInt(int64(start), 16) + "-" + strconv.FormatInt(int64(start+0x1000), 16) +
				" r-xp 00000000 08:01 " + strconv.Itoa(1000+i) + " " + path + "\n"
		}
		write("maps", maps)
	}
	if p.Cgroup != "" {
		write("cgroup", p.Cgroup)
	}
	if p.Status != "" {
		write("status", p.Status)
	}
	for rel, content := range p.Files {
		full := filepath.Join(dir, "root", rel)
		require.NoError(r.t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(r.t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}
