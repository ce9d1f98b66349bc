// Package proc inspects live processes through /proc.
//
// File-backed reads go through prometheus/procfs so a fake root can stand in for /proc in tests.
// Enumeration and process metadata come from gopsutil.
package proc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/coral-mesh/hostprof/internal/errors"
)

// Inspector opens process handles under one procfs mount.
type Inspector struct {
	root string
	fs   procfs.FS
}

// NewInspector returns an Inspector rooted at root, or at /proc when root is empty.
func NewInspector(root string) (*Inspector, error) {
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("opening procfs at %s: %w", root, err)
	}
	return &Inspector{root: root, fs: fs}, nil
}

// Root is the procfs mount point.
func (i *Inspector) Root() string {
	return i.root
}

// Open returns a handle on pid. A missing pid yields an error wrapping errors.ErrProcessVanished.
func (i *Inspector) Open(pid int) (*Process, error) {
	p, err := i.fs.Proc(pid)
	if err != nil {
		return nil, vanished(err)
	}
	return &Process{Pid: pid, root: i.root, proc: p}, nil
}

// Pids lists the pids under the inspector's root in ascending order.
func (i *Inspector) Pids() ([]int, error) {
	procs, err := i.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.PID)
	}
	slices.Sort(pids)
	return pids, nil
}

// Pids lists every pid on the host, ascending.
func Pids(ctx context.Context) ([]int, error) {
	raw, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	pids := make([]int, 0, len(raw))
	for _, p := range raw {
		if p > 0 {
			pids = append(pids, int(p))
		}
	}
	slices.Sort(pids)
	return pids, nil
}

// Process is a handle on one pid. Every accessor reports a vanished process with an error
// wrapping errors.ErrProcessVanished.
type Process struct {
	Pid  int
	root string
	proc procfs.Proc
}

// Comm returns the kernel command name.
func (p *Process) Comm() (string, error) {
	comm, err := p.proc.Comm()
	if err != nil {
		return "", vanished(err)
	}
	return comm, nil
}

// Cmdline returns the process arguments.
func (p *Process) Cmdline() ([]string, error) {
	args, err := p.proc.CmdLine()
	if err != nil {
		return nil, vanished(err)
	}
	return args, nil
}

// Executable returns the resolved /proc/<pid>/exe target.
func (p *Process) Executable() (string, error) {
	exe, err := p.proc.Executable()
	if err != nil {
		return "", vanished(err)
	}
	return exe, nil
}

// Cwd returns the working directory as seen inside the process's mount namespace.
func (p *Process) Cwd() (string, error) {
	cwd, err := p.proc.Cwd()
	if err != nil {
		return "", vanished(err)
	}
	return cwd, nil
}

// MappedFiles returns the distinct file paths mapped into the process.
func (p *Process) MappedFiles() ([]string, error) {
	maps, err := p.proc.ProcMaps()
	if err != nil {
		return nil, vanished(err)
	}
	seen := make(map[string]struct{}, len(maps))
	var files []string
	for _, m := range maps {
		if m.Pathname == "" {
			continue
		}
		if _, ok := seen[m.Pathname]; ok {
			continue
		}
		seen[m.Pathname] = struct{}{}
		files = append(files, m.Pathname)
	}
	return files, nil
}

// MapsMatch reports whether any mapped file path matches re.
func (p *Process) MapsMatch(re *regexp.Regexp) (bool, error) {
	files, err := p.MappedFiles()
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(files, re.MatchString), nil
}

// Cgroups returns the parsed /proc/<pid>/cgroup entries.
func (p *Process) Cgroups() ([]procfs.Cgroup, error) {
	cgs, err := p.proc.Cgroups()
	if err != nil {
		return nil, vanished(err)
	}
	return cgs, nil
}

// NSPid returns the pid as seen from the process's innermost pid namespace.
func (p *Process) NSPid() (int, error) {
	st, err := p.proc.NewStatus()
	if err != nil {
		return 0, vanished(err)
	}
	if len(st.NSpids) == 0 {
		return p.Pid, nil
	}
	return int(st.NSpids[len(st.NSpids)-1]), nil
}

// HostPath translates a path inside the process's mount namespace to one reachable from the host.
func (p *Process) HostPath(path string) string {
	return filepath.Join(p.root, strconv.Itoa(p.Pid), "root", path)
}

// Alive reports whether the pid still exists.
func (p *Process) Alive() bool {
	_, err := os.Stat(filepath.Join(p.root, strconv.Itoa(p.Pid)))
	return err == nil
}

// Info is process metadata gathered through gopsutil.
type Info struct {
	Exe        string
	Cmdline    []string
	CreateTime int64
	Username   string
	Ppid       int
}

// Describe collects Info for a live pid on the host.
func Describe(ctx context.Context, pid int) (Info, error) {
	handle, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return Info{}, vanished(err)
	}
	var info Info
	if info.Exe, err = handle.ExeWithContext(ctx); err != nil {
		return Info{}, vanished(err)
	}
	if info.Cmdline, err = handle.CmdlineSliceWithContext(ctx); err != nil {
		return Info{}, vanished(err)
	}
	if info.CreateTime, err = handle.CreateTimeWithContext(ctx); err != nil {
		return Info{}, vanished(err)
	}
	// Username and parent are best effort; containers often lack a passwd entry.
	info.Username, _ = handle.UsernameWithContext(ctx)
	if ppid, err := handle.PpidWithContext(ctx); err == nil {
		info.Ppid = int(ppid)
	}
	return info, nil
}

func vanished(err error) error {
	if errors.IsVanished(err) && !errors.Is(err, errors.ErrProcessVanished) {
		return fmt.Errorf("%w: %w", errors.ErrProcessVanished, err)
	}
	return err
}
