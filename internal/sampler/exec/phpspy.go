package exec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/coral-mesh/hostprof/internal/stack"
)

const phpFrameSuffix = "_[php]"

var (
	phpspyFrame = regexp.MustCompile(`^(\d+) (.*)$`)
	phpspyPid   = regexp.MustCompile(`^# pid = (\d+)$`)
)

// ParsePhpspy reads phpspy output produced with --verbose-fields=p. Each trace is a block of
// "<depth> <frame>" lines, leaf first, ending in a "# pid = N" line; blocks are separated by a
// blank line. Corrupted blocks are skipped and counted in the returned error.
func ParsePhpspy(text string) (map[int]stack.Collapsed, error) {
	out := map[int]stack.Collapsed{}
	corrupted := 0
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.Trim(block, "\n")
		if block == "" {
			continue
		}
		pid, key, ok := parsePhpspyTrace(strings.Split(block, "\n"))
		if !ok {
			corrupted++
			continue
		}
		if out[pid] == nil {
			out[pid] = stack.Collapsed{}
		}
		out[pid].Add(key, 1)
	}
	if corrupted > 0 {
		return out, fmt.Errorf("phpspy: %d corrupted stacks", corrupted)
	}
	return out, nil
}

func parsePhpspyTrace(lines []string) (int, string, bool) {
	if len(lines) < 2 {
		return 0, "", false
	}
	m := phpspyPid.FindStringSubmatch(lines[len(lines)-1])
	if m == nil {
		return 0, "", false
	}
	pid, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	lines = lines[:len(lines)-1]
	frames := make([]string, len(lines))
	for i, line := range lines {
		fm := phpspyFrame.FindStringSubmatch(line)
		if fm == nil || fm[1] != strconv.Itoa(i) {
			return 0, "", false
		}
		frames[len(lines)-1-i] = fm[2] + phpFrameSuffix
	}
	return pid, stack.Join(frames...), true
}
