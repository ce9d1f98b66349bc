package exec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	tests := []struct {
		name string
		tmpl []string
		vars Vars
		want []string
	}{
		{
			name: "all placeholders",
			tmpl: []string{"prof", "-p", "{pid}", "-d", "{duration}", "-r", "{frequency}", "-o", "{output}"},
			vars: Vars{Pid: 42, Duration: 60 * time.Second, Frequency: 11, Output: "/tmp/out.col"},
			want: []string{"prof", "-p", "42", "-d", "60", "-r", "11", "-o", "/tmp/out.col"},
		},
		{
			name: "embedded in an argument",
			tmpl: []string{"--file={output}", "-i", "{duration_ms}"},
			vars: Vars{Duration: 1500 * time.Millisecond, Output: "x"},
			want: []string{"--file=x", "-i", "1500"},
		},
		{
			name: "interval from frequency",
			tmpl: []string{"{interval}"},
			vars: Vars{Frequency: 100},
			want: []string{"10000000"},
		},
		{
			name: "sub-second duration rounds up to one",
			tmpl: []string{"{duration}"},
			vars: Vars{Duration: 200 * time.Millisecond},
			want: []string{"1"},
		},
		{
			name: "literal braces untouched",
			tmpl: []string{"{}", "{PID}"},
			want: []string{"{}", "{PID}"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.tmpl, tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandUnknownPlaceholder(t *testing.T) {
	_, err := Expand([]string{"prof", "{tid}"}, Vars{})
	assert.ErrorContains(t, err, "{tid}")
}

func TestBuiltinTemplatesExpand(t *testing.T) {
	for _, rt := range Builtin() {
		for mode, cmd := range rt.Commands {
			_, err := Expand(cmd, Vars{Pid: 1, Duration: time.Second, Frequency: 11, Output: "o"})
			assert.NoError(t, err, "%s/%s", rt.Name, mode)
		}
	}
}
