package kmsg

import (
	"regexp"
	"strconv"
)

// commPattern matches a kernel task name, at most TASK_COMM_LEN-1 bytes.
const commPattern = `.{0,15}`

// killedProcess matches the report written by __oom_kill_process, e.g.
// "Out of memory: Killed process 765074 (chrome) total-vm:38565352kB, anon-rss:209356kB, file-rss:1624kB, shmem-rss:0kB".
// Newer kernels append fields such as UID, which the pattern ignores.
var killedProcess = regexp.MustCompile(
	`(?:<\d>)?(?:\[(?P<timestamp>\d+\.\d+)\] )?(?:(?P<message>.*): )?Killed process (?P<pid>\d+) ` +
		`\((?P<comm>` + commPattern + `)\) total-vm:(?P<total_vm>\d+)kB, anon-rss:(?P<anon_rss>\d+)kB, ` +
		`file-rss:(?P<file_rss>\d+)kB, shmem-rss:(?P<shmem_rss>\d+)kB`)

// showSignalX86 matches show_signal() output, e.g.
// "a[613450]: segfault at 0 ip 000056087e9aa136 sp 00007fffab66a9f0 error 6 in a[56087e9aa000+1000]".
var showSignalX86 = regexp.MustCompile(
	`(?:<\d>)?(?:\[(?P<timestamp>\d+\.\d+)\] )?(?:traps: )?(?P<comm>` + commPattern + `)\[(?P<pid>\d+)\]:?` +
		` (?P<desc>.*) ip(?::| )(?P<ip>[0-9a-f]+) sp(?::| )(?P<sp>[0-9a-f]+) error(?::| )` +
		`(?P<error>[0-9a-f]+)(?: in (?P<vma_info>.+\[[0-9a-f]+\+[0-9a-f]+\]))?`)

// showSignalARM64 matches arm64_show_signal() output, e.g.
// "a[160760]: unhandled exception: DABT (lower EL), ESR 0x92000044, level 0 translation fault in a[aaaab0b60000+1000]".
var showSignalARM64 = regexp.MustCompile(
	`(?:<\d>)?(?:\[(?P<timestamp>\d+\.\d+)\] )?(?P<comm>` + commPattern + `)\[(?P<pid>\d+)\]:` +
		` unhandled exception: (?:(?P<desc>.*) )?in (?P<vma_info>.+\[[0-9a-f]+\+[0-9a-f]+\])`)

const kb = 1024

// OOMEntry is a parsed OOM-kill report. Sizes are in bytes.
type OOMEntry struct {
	Message  string
	Pid      int
	Comm     string
	TotalVM  uint64
	AnonRSS  uint64
	FileRSS  uint64
	ShmemRSS uint64
}

// SignalEntry is a parsed fatal-signal report.
type SignalEntry struct {
	Pid       int
	Comm      string
	Desc      string
	ErrorCode string
	VMAInfo   string
}

// ParseOOM returns the OOM-kill report in line, if any.
func ParseOOM(line string) (OOMEntry, bool) {
	g, ok := groups(killedProcess, line)
	if !ok {
		return OOMEntry{}, false
	}
	pid, err := strconv.Atoi(g["pid"])
	if err != nil {
		return OOMEntry{}, false
	}
	return OOMEntry{
		Message:  g["message"],
		Pid:      pid,
		Comm:     g["comm"],
		TotalVM:  kbytes(g["total_vm"]),
		AnonRSS:  kbytes(g["anon_rss"]),
		FileRSS:  kbytes(g["file_rss"]),
		ShmemRSS: kbytes(g["shmem_rss"]),
	}, true
}

// ParseSignal returns the fatal-signal report in line, if any. x86 and arm64 formats are recognized.
func ParseSignal(line string) (SignalEntry, bool) {
	g, ok := groups(showSignalX86, line)
	if !ok {
		if g, ok = groups(showSignalARM64, line); !ok {
			return SignalEntry{}, false
		}
	}
	pid, err := strconv.Atoi(g["pid"])
	if err != nil {
		return SignalEntry{}, false
	}
	return SignalEntry{
		Pid:       pid,
		Comm:      g["comm"],
		Desc:      g["desc"],
		ErrorCode: g["error"],
		VMAInfo:   g["vma_info"],
	}, true
}

func groups(re *regexp.Regexp, line string) (map[string]string, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	out := make(map[string]string, len(m))
	for i, name := range re.SubexpNames() {
		if name != "" {
			out[name] = m[i]
		}
	}
	return out, true
}

func kbytes(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n * kb
}
