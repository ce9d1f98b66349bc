package logging

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level   string
		logged  []string
		dropped []string
	}{
		{level: "trace", logged: []string{"trace msg", "debug msg", "info msg"}},
		{level: "debug", logged: []string{"debug msg", "info msg"}, dropped: []string{"trace msg"}},
		{level: "info", logged: []string{"info msg", "warn msg"}, dropped: []string{"debug msg"}},
		{level: "warn", logged: []string{"warn msg"}, dropped: []string{"info msg"}},
		{level: "error", logged: []string{"error msg"}, dropped: []string{"warn msg"}},
		{level: "bogus", logged: []string{"info msg"}, dropped: []string{"debug msg"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: tt.level, Output: &buf})

			logger.Trace().Msg("trace msg")
			logger.Debug().Msg("debug msg")
			logger.Info().Msg("info msg")
			logger.Warn().Msg("warn msg")
			logger.Error().Msg("error msg")

			for _, m := range tt.logged {
				assert.Contains(t, buf.String(), m)
			}
			for _, m := range tt.dropped {
				assert.NotContains(t, buf.String(), m)
			}
		})
	}
}

func TestNewWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithComponent(Config{Level: "info", Output: &buf}, "merge")

	logger.Info().Msg("Merged cycle")

	assert.Contains(t, buf.String(), `"component":"merge"`)
	assert.Contains(t, buf.String(), "Merged cycle")
}

func TestPrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Pretty: true, Output: &buf})
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestResolvePretty(t *testing.T) {
	assert.True(t, ResolvePretty("true", nil))
	assert.False(t, ResolvePretty("false", os.Stderr))

	f, err := os.CreateTemp(t.TempDir(), "log")
	if assert.NoError(t, err) {
		defer f.Close() //nolint:errcheck
		assert.False(t, ResolvePretty("auto", f), "regular files are not terminals")
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(2, time.Hour)
	var runs []int

	for range 5 {
		l.Do("pid-1", func(suppressed int) { runs = append(runs, suppressed) })
	}
	l.Do("pid-2", func(suppressed int) { runs = append(runs, suppressed) })

	assert.Equal(t, []int{0, 0, 0}, runs, "two for pid-1, one for pid-2")
}

func TestLimiterReportsSuppressed(t *testing.T) {
	l := NewLimiter(1, 10*time.Millisecond)
	var got []int

	l.Do("k", func(s int) { got = append(got, s) })
	l.Do("k", func(s int) { got = append(got, s) })
	l.Do("k", func(s int) { got = append(got, s) })
	time.Sleep(20 * time.Millisecond)
	l.Do("k", func(s int) { got = append(got, s) })

	assert.Equal(t, []int{0, 2}, got)
}
