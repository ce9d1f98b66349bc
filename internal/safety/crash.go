package safety

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/coral-mesh/hostprof/internal/safe"
)

// maxCrashLogSize caps how much of a crash log is read.
const maxCrashLogSize = 1 << 20

var (
	hsVMInfo           = regexp.MustCompile(`(?m)^vm_info: ([^\n]*)`)
	hsSigInfo          = regexp.MustCompile(`(?m)^siginfo: ([^\n]*)`)
	hsProblematicFrame = regexp.MustCompile(`(?ms)^# Problematic frame:\n(.*?)\n#\n`)
	hsNativeFrames     = regexp.MustCompile(`(?ms)^Native frames:[^\n]*\n(.*?)\n\n`)
	hsContainerInfo    = regexp.MustCompile(`(?ms)^container \(cgroup\) information:\n(.*?)\n\n`)
)

// CrashExcerpt is the part of a JVM fatal error log worth logging.
type CrashExcerpt struct {
	Path             string
	VMInfo           string
	SigInfo          string
	ProblematicFrame string
	NativeFrames     string
	ContainerInfo    string
}

// ParseCrashLog extracts the interesting sections of an hs_err log.
func ParseCrashLog(path, contents string) CrashExcerpt {
	return CrashExcerpt{
		Path:             path,
		VMInfo:           firstGroup(hsVMInfo, contents),
		SigInfo:          firstGroup(hsSigInfo, contents),
		ProblematicFrame: firstGroup(hsProblematicFrame, contents),
		NativeFrames:     firstGroup(hsNativeFrames, contents),
		ContainerInfo:    firstGroup(hsContainerInfo, contents),
	}
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

// CrashLogCandidates lists where a JVM with the given namespace pid could have written its
// fatal error log, in lookup order. Paths are resolved inside the process's filesystem view:
// hostPath maps a path inside the process to a host path, cwd is the process's working directory.
func CrashLogCandidates(nspid int, cmdline []string, cwd string, hostPath func(string) string) []string {
	pid := strconv.Itoa(nspid)
	var out []string

	for _, arg := range cmdline {
		if file, ok := strings.CutPrefix(arg, "-XX:ErrorFile="); ok && file != "" {
			file = strings.ReplaceAll(file, "%p", pid)
			if !filepath.IsAbs(file) {
				file = filepath.Join(cwd, file)
			}
			out = append(out, file)
		}
	}
	name := "hs_err_pid" + pid + ".log"
	out = append(out, filepath.Join(cwd, name), filepath.Join("/tmp", name))

	if hostPath != nil {
		for i, p := range out {
			out[i] = hostPath(p)
		}
	}
	return out
}

// CheckCrashArtifact looks for a fatal error log left by pid. The first readable candidate is
// logged and trips CrashArtifact; it returns the excerpt when one was found.
func (c *Controller) CheckCrashArtifact(pid int, candidates []string) (CrashExcerpt, bool) {
	for _, path := range candidates {
		data, err := safe.ReadFile(path, &safe.ReadOptions{MaxSize: maxCrashLogSize, Truncate: true})
		if err != nil {
			continue
		}
		ex := ParseCrashLog(path, string(data))
		c.logger.Warn().
			Int("pid", pid).
			Str("path", path).
			Str("vm_info", ex.VMInfo).
			Str("siginfo", ex.SigInfo).
			Str("problematic_frame", ex.ProblematicFrame).
			Str("native_frames", ex.NativeFrames).
			Str("container_info", ex.ContainerInfo).
			Msg("Found hs_err file, disabling profiling")
		c.Trip(CrashArtifact)
		return ex, true
	}
	return CrashExcerpt{}, false
}
