package exec

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var placeholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// Vars are the values substituted into a command template.
type Vars struct {
	Pid       int
	Duration  time.Duration
	Frequency int
	Output    string
}

// Expand substitutes the placeholders of tmpl:
//
//	{pid}          target pid
//	{duration}     whole seconds, at least 1
//	{duration_ms}  milliseconds
//	{frequency}    samples per second
//	{interval}     sampling interval in nanoseconds (1e9 / frequency)
//	{output}       output file path
//
// An unknown placeholder is an error.
func Expand(tmpl []string, v Vars) ([]string, error) {
	values := map[string]string{
		"pid":         strconv.Itoa(v.Pid),
		"duration":    strconv.Itoa(max(1, int(v.Duration.Round(time.Second)/time.Second))),
		"duration_ms": strconv.FormatInt(v.Duration.Milliseconds(), 10),
		"frequency":   strconv.Itoa(v.Frequency),
		"interval":    strconv.Itoa(interval(v.Frequency)),
		"output":      v.Output,
	}
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		var unknown string
		out[i] = placeholder.ReplaceAllStringFunc(arg, func(m string) string {
			name := m[1 : len(m)-1]
			val, ok := values[name]
			if !ok {
				unknown = name
				return m
			}
			return val
		})
		if unknown != "" {
			return nil, fmt.Errorf("unknown placeholder {%s} in %q", unknown, arg)
		}
	}
	return out, nil
}

func interval(frequency int) int {
	if frequency <= 0 {
		return 0
	}
	return int(time.Second) / frequency
}
