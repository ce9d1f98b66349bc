package stack

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HeaderPrefix starts the metadata line of a collapsed file.
const HeaderPrefix = "# "

// Header is the per-cycle metadata written as the first line of a collapsed file.
type Header struct {
	StartTime                     time.Time        `json:"start_time"`
	EndTime                       time.Time        `json:"end_time"`
	RunID                         string           `json:"run_id"`
	CycleID                       string           `json:"cycle_id"`
	Hostname                      string           `json:"hostname"`
	ProfilingMode                 string           `json:"profiling_mode"`
	Frequency                     int              `json:"frequency"`
	Containers                    []string         `json:"containers"`
	ContainerNamesEnabled         bool             `json:"container_names_enabled"`
	ApplicationMetadata           []map[string]any `json:"application_metadata"`
	PidToApplicationMetadataIndex map[int]int      `json:"pid_to_application_metadata_index"`
	Metadata                      map[string]any   `json:"metadata,omitempty"`
}

// Line encodes h as a single '#'-prefixed JSON line without a trailing newline.
func (h Header) Line() (string, error) {
	if h.Containers == nil {
		h.Containers = []string{}
	}
	if h.ApplicationMetadata == nil {
		h.ApplicationMetadata = []map[string]any{}
	}
	if h.PidToApplicationMetadataIndex == nil {
		h.PidToApplicationMetadataIndex = map[int]int{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encoding profile header: %w", err)
	}
	return HeaderPrefix + strings.ReplaceAll(string(b), "\n", " "), nil
}

// ParseHeader decodes the metadata line of a collapsed file.
func ParseHeader(line string) (Header, error) {
	var h Header
	body, ok := strings.CutPrefix(strings.TrimSpace(line), "#")
	if !ok {
		return h, fmt.Errorf("not a header line")
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &h); err != nil {
		return h, fmt.Errorf("decoding profile header: %w", err)
	}
	return h, nil
}

// RenderWithHeader renders c preceded by the header line.
func RenderWithHeader(h Header, c Collapsed) (string, error) {
	line, err := h.Line()
	if err != nil {
		return "", err
	}
	body, err := Render(c)
	if err != nil {
		return "", err
	}
	return line + "\n" + body, nil
}

// SplitHeader returns the header of a rendered profile, if its first line carries one, and the body.
func SplitHeader(text string) (*Header, string) {
	first, rest, _ := strings.Cut(text, "\n")
	if !strings.HasPrefix(first, "#") {
		return nil, text
	}
	h, err := ParseHeader(first)
	if err != nil {
		return nil, text
	}
	return &h, rest
}
