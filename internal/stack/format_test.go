package stack

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		stack Collapsed
	}{
		{name: "empty", stack: Collapsed{}},
		{name: "single", stack: Collapsed{"java;main;run": 7}},
		{name: "zero count", stack: Collapsed{"python;idle": 0}},
		{
			name: "many",
			stack: Collapsed{
				"proc;a;b":                  4,
				"proc;a;c":                  6,
				"nginx;[unknown];(libc.so)": 1,
				"swapper;do_idle_[k]":       18446744073709551615,
				"app;frame with spaces;x":   3,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := Render(tt.stack)
			require.NoError(t, err)
			got, err := Parse(text)
			require.NoError(t, err)
			assert.Equal(t, tt.stack, got)
		})
	}
}

func TestRenderIsSorted(t *testing.T) {
	out, err := Render(Collapsed{"b;x": 1, "a;y": 2})
	require.NoError(t, err)
	assert.Equal(t, "a;y 2\nb;x 1\n", out)
}

func TestRenderRejectsUnparsableKeys(t *testing.T) {
	for _, key := range []string{"", "#comm;main", "a;b\nc;d"} {
		t.Run(key, func(t *testing.T) {
			var b strings.Builder
			err := Write(&b, Collapsed{"ok;a": 1, key: 2})
			var kerr *InvalidKeyError
			require.ErrorAs(t, err, &kerr)
			assert.Equal(t, key, kerr.Key)
			assert.Empty(t, b.String(), "nothing is written")

			_, err = Render(Collapsed{key: 1})
			assert.Error(t, err)
		})
	}
	assert.True(t, ValidKey("comm#1;main"))
	assert.True(t, ValidKey(" "))
}

func TestDropInvalid(t *testing.T) {
	c := Collapsed{"ok;a": 1, "": 2, "#x;y": 3}
	keys, samples := c.DropInvalid()
	assert.Equal(t, 2, keys)
	assert.Equal(t, uint64(5), samples)
	assert.Equal(t, Collapsed{"ok;a": 1}, c)

	text, err := Render(c)
	require.NoError(t, err)
	got, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestParseSkipsCommentsAndBadLines(t *testing.T) {
	text := "# {\"hostname\":\"h\"}\n\nproc;a 3\nnot-a-count x\nproc;a 2\nnocount\n"

	got, err := Parse(text)

	assert.Equal(t, Collapsed{"proc;a": 5}, got)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Count)
	assert.Equal(t, []string{"not-a-count x", "nocount"}, perr.Lines)
}

func TestParseErrorCapsLines(t *testing.T) {
	_, err := Parse(strings.Repeat("bad\n", 20))

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 20, perr.Count)
	assert.Len(t, perr.Lines, maxReportedBadLines)
}

func TestParseMany(t *testing.T) {
	text := "python-100/101;main;loop 3\npython-100/102;main;io 1\nworker-7-200/200;run 2\n"

	got, err := ParseMany(text)
	require.NoError(t, err)

	assert.Equal(t, map[int]Collapsed{
		100: {"python;main;loop": 3, "python;main;io": 1},
		200: {"worker-7;run": 2},
	}, got)
}

func TestHeaderLine(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := Header{
		StartTime:     start,
		EndTime:       start.Add(time.Minute),
		RunID:         "run",
		CycleID:       "cycle",
		Hostname:      "host-1",
		ProfilingMode: "cpu",
		Frequency:     11,
		Metadata:      map[string]any{"note": "multi\nline"},
	}

	line, err := h.Line()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, HeaderPrefix))
	assert.NotContains(t, line, "\n")
	assert.Contains(t, line, `"containers":[]`)

	parsed, err := ParseHeader(line)
	require.NoError(t, err)
	assert.Equal(t, "host-1", parsed.Hostname)

	text, err := RenderWithHeader(h, Collapsed{"proc;a": 1})
	require.NoError(t, err)
	hdr, body := SplitHeader(text)
	require.NotNil(t, hdr)
	assert.Equal(t, "cycle", hdr.CycleID)
	assert.Equal(t, "proc;a 1\n", body)

	stacks, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, Collapsed{"proc;a": 1}, stacks)
}
