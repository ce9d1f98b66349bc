package perf

import (
	"bytes"
	"iter"
	"regexp"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/profile"
)

// sampleHeader matches the first line of a "perf script -F +pid" record, e.g.
// "java 12345/12350 [003] 1234.567890: 10101010 cycles:".
var sampleHeader = regexp.MustCompile(
	`^\s*(?P<comm>.+?)\s+(?P<pid>[\d-]+)/(?P<tid>[\d-]+)(?:\s+\[(?P<cpu>\d+)\])?\s+(?P<time>\d+\.\d+):\s+` +
		`(?:(?P<freq>\d+)\s+)?(?P<event_family>[\w\-_/]+):(?:(?P<event>[\w-]+):)?(?P<suffix>.*)$`)

// frameLine matches one stack line, e.g.
// "ffffffff81082227 mmput+0x57 ([kernel.kallsyms])" or
// "7fe48f00faff __poll+0x4f (/lib/x86_64-linux-gnu/libc-2.31.so (deleted))".
var frameLine = regexp.MustCompile(
	`^\s*[0-9a-f]+ (?P<symbol>.*) \((?:(?P<dso_brackets>\[[^\]]+\])|(?P<dso_plain>[^)]+(?: \(deleted\))?))\)$`)

var (
	headerComm = sampleHeader.SubexpIndex("comm")
	headerPid  = sampleHeader.SubexpIndex("pid")
	headerTid  = sampleHeader.SubexpIndex("tid")

	frameSymbol   = frameLine.SubexpIndex("symbol")
	frameBrackets = frameLine.SubexpIndex("dso_brackets")
	framePlain    = frameLine.SubexpIndex("dso_plain")
)

// ParseScript yields one sample per record of perf script output. Frames are leaf first, as
// perf prints them. Records that fail to parse are logged and skipped.
func ParseScript(out []byte, logger zerolog.Logger) iter.Seq[profile.GlobalSample] {
	return func(yield func(profile.GlobalSample) bool) {
		for len(out) > 0 {
			var record []byte
			if i := bytes.Index(out, []byte("\n\n")); i >= 0 {
				record, out = out[:i], out[i+2:]
			} else {
				record, out = out, nil
			}
			record = skipComments(record)
			if len(bytes.TrimSpace(record)) == 0 {
				continue
			}
			s, ok := parseRecord(record)
			if !ok {
				logger.Debug().Bytes("record", firstLine(record)).Msg("Skipping unparsable perf record")
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

func parseRecord(record []byte) (profile.GlobalSample, bool) {
	header, rest, _ := bytes.Cut(bytes.TrimLeft(record, "\n"), []byte("\n"))
	m := sampleHeader.FindSubmatch(header)
	if m == nil {
		return profile.GlobalSample{}, false
	}
	pid, err := strconv.Atoi(string(m[headerPid]))
	if err != nil {
		return profile.GlobalSample{}, false
	}
	if !ValidPid(pid) {
		pid = 0
	}
	tid, _ := strconv.Atoi(string(m[headerTid]))
	s := profile.GlobalSample{Comm: string(m[headerComm]), Pid: pid, Tid: tid}

	for line := range bytes.Lines(rest) {
		line = bytes.TrimRight(line, "\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		fm := frameLine.FindSubmatch(line)
		if fm == nil {
			return profile.GlobalSample{}, false
		}
		dso := fm[frameBrackets]
		if len(dso) == 0 {
			dso = fm[framePlain]
		}
		s.Frames = append(s.Frames, profile.Frame{Symbol: string(fm[frameSymbol]), DSO: string(dso)})
	}
	return s, true
}

// skipComments drops the leading "#" lines perf prints before the first record.
func skipComments(record []byte) []byte {
	for len(record) > 0 && record[0] == '#' {
		_, rest, _ := bytes.Cut(record, []byte("\n"))
		record = rest
	}
	return record
}

func firstLine(b []byte) []byte {
	line, _, _ := bytes.Cut(b, []byte("\n"))
	return line
}

// ValidPid reports whether perf reported a real pid. perf uses 0 and -1 for samples it could
// not attribute; the parser maps both to 0.
func ValidPid(pid int) bool {
	return pid != 0 && pid != -1
}
