package stack

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxReportedBadLines caps how many malformed lines a ParseError carries.
const maxReportedBadLines = 8

// ParseError lists malformed lines encountered while parsing. Well-formed lines are still returned.
type ParseError struct {
	Count int
	Lines []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("got %d bad lines when parsing (showing up to %d): %s",
		e.Count, maxReportedBadLines, strings.Join(e.Lines, " | "))
}

func (e *ParseError) add(line string) {
	e.Count++
	if len(e.Lines) < maxReportedBadLines {
		e.Lines = append(e.Lines, line)
	}
}

func (e *ParseError) orNil() error {
	if e.Count == 0 {
		return nil
	}
	return e
}

// Parse reads collapsed text. Blank lines and lines starting with '#' are ignored.
// Malformed lines are skipped and reported through a *ParseError alongside the parsed result.
func Parse(text string) (Collapsed, error) {
	return ParseReader(strings.NewReader(text))
}

// ParseReader is Parse over a stream.
// Lines longer than 16MiB abort parsing with a read error.
func ParseReader(r io.Reader) (Collapsed, error) {
	out := Collapsed{}
	bad := &ParseError{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, n, ok := splitLine(line)
		if !ok {
			bad.add(line)
			continue
		}
		out.Add(key, n)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("reading collapsed stacks: %w", err)
	}
	return out, bad.orNil()
}

// ParseMany reads output whose first frame is "comm-pid/tid" and groups it by pid.
// The first frame of every returned key is rewritten to plain comm.
func ParseMany(text string) (map[int]Collapsed, error) {
	out := map[int]Collapsed{}
	bad := &ParseError{}
	for line := range strings.Lines(text) {
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, n, ok := splitLine(line)
		if !ok {
			bad.add(line)
			continue
		}
		head, rest, ok := strings.Cut(key, Separator)
		if !ok {
			bad.add(line)
			continue
		}
		idx := strings.LastIndexByte(head, '-')
		if idx < 0 {
			bad.add(line)
			continue
		}
		pidPart, _, _ := strings.Cut(head[idx+1:], "/")
		pid, err := strconv.Atoi(pidPart)
		if err != nil {
			bad.add(line)
			continue
		}
		if out[pid] == nil {
			out[pid] = Collapsed{}
		}
		out[pid].Add(Join(head[:idx], rest), n)
	}
	return out, bad.orNil()
}

func splitLine(line string) (string, uint64, bool) {
	idx := strings.LastIndexByte(line, ' ')
	if idx <= 0 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(line[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return line[:idx], n, true
}

// InvalidKeyError is returned for a key that would not parse back.
type InvalidKeyError struct {
	Key string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("stack key %q cannot be rendered as collapsed text", e.Key)
}

// ValidKey reports whether key survives Render and Parse: it is not empty, does not start
// with '#' and has no newline.
func ValidKey(key string) bool {
	return key != "" && !strings.HasPrefix(key, "#") && !strings.ContainsRune(key, '\n')
}

// Render writes c as collapsed text, one "key count" line per stack, keys in lexical order.
// A key ValidKey rejects fails the whole rendering with an *InvalidKeyError.
func Render(c Collapsed) (string, error) {
	var b strings.Builder
	if err := Write(&b, c); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Write streams the rendering of c to w. Keys are checked before anything is written.
func Write(w io.Writer, c Collapsed) error {
	keys := c.Keys()
	for _, k := range keys {
		if !ValidKey(k) {
			return &InvalidKeyError{Key: k}
		}
	}
	bw := bufio.NewWriter(w)
	for _, k := range keys {
		if _, err := fmt.Fprintf(bw, "%s %d\n", k, c[k]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
