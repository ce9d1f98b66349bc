// Package privilege checks that hostprof holds the privileges perf and the runtime profilers
// need, and hands output files back to the invoking user when running under sudo.
package privilege

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// Linux capability bit positions (include/uapi/linux/capability.h).
const (
	CapSysPtrace = 19
	CapSysAdmin  = 21
	CapPerfmon   = 38
)

// Capabilities summarizes what the current process may do.
type Capabilities struct {
	Root      bool
	SysAdmin  bool
	SysPtrace bool
	Perfmon   bool
}

// Sufficient reports whether every CPU can be sampled and other users' processes attached to.
func (c Capabilities) Sufficient() bool {
	return c.Root || ((c.SysAdmin || c.Perfmon) && c.SysPtrace)
}

// Detect reads the effective capability set from statusPath, normally /proc/self/status.
func Detect(statusPath string) (Capabilities, error) {
	caps := Capabilities{Root: os.Geteuid() == 0}
	mask, err := readCapabilityBitmask(statusPath, "CapEff")
	if err != nil {
		return caps, err
	}
	caps.SysAdmin = hasCapability(mask, CapSysAdmin)
	caps.SysPtrace = hasCapability(mask, CapSysPtrace)
	caps.Perfmon = hasCapability(mask, CapPerfmon)
	return caps, nil
}

// Require fails unless the process is root or holds the equivalent capabilities.
func Require(statusPath string) error {
	caps, err := Detect(statusPath)
	if err != nil && !caps.Root {
		return fmt.Errorf("reading capabilities: %w", err)
	}
	if !caps.Sufficient() {
		return fmt.Errorf("hostprof must run as root or with CAP_SYS_ADMIN (or CAP_PERFMON) and CAP_SYS_PTRACE")
	}
	return nil
}

func readCapabilityBitmask(path, name string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close() // nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		value, ok := strings.CutPrefix(scanner.Text(), name+":")
		if !ok {
			continue
		}
		mask, err := strconv.ParseUint(strings.TrimSpace(value), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %s: %w", name, err)
		}
		return mask, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s not found in %s", name, path)
}

func hasCapability(mask uint64, bit int) bool {
	return mask&(1<<uint(bit)) != 0
}

// OriginalUser is the identity that invoked sudo.
type OriginalUser struct {
	Username string
	UID      int
	GID      int
}

// SudoUser returns the user that invoked sudo, or nil when not running under sudo.
func SudoUser() (*OriginalUser, error) {
	name := os.Getenv("SUDO_USER")
	if name == "" {
		return nil, nil
	}
	uidStr, gidStr := os.Getenv("SUDO_UID"), os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return nil, fmt.Errorf("SUDO_USER set but SUDO_UID or SUDO_GID missing")
	}
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_UID: %w", err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_GID: %w", err)
	}
	if _, err := user.LookupId(uidStr); err != nil {
		return nil, fmt.Errorf("looking up user %s: %w", name, err)
	}
	return &OriginalUser{Username: name, UID: uid, GID: gid}, nil
}

// FixFileOwnership hands path to the sudo user. It is a no-op unless running as root under sudo.
func FixFileOwnership(path string) error {
	if os.Geteuid() != 0 {
		return nil
	}
	u, err := SudoUser()
	if err != nil || u == nil {
		return err
	}
	if err := os.Lchown(path, u.UID, u.GID); err != nil {
		return fmt.Errorf("chown %s to %d:%d: %w", path, u.UID, u.GID, err)
	}
	return nil
}
