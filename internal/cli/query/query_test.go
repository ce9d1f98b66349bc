package query

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/hostprof/internal/output"
	"github.com/coral-mesh/hostprof/internal/stack"
	"github.com/coral-mesh/hostprof/internal/testutil"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, dsn string) {
	t.Helper()
	s, err := output.NewDuckDBSink(output.DuckDBConfig{DSN: dsn, Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	write := func(end time.Time, host string, c stack.Collapsed) {
		require.NoError(t, s.Write(context.Background(), output.Profile{
			Start: end.Add(-time.Minute), End: end, Hostname: host, Collapsed: c,
			Header: stack.Header{CycleID: end.String(), Hostname: host},
		}))
	}
	write(now.Add(-3*time.Hour), "web-1", stack.Collapsed{"java;old": 5})
	write(now.Add(-10*time.Minute), "web-1", stack.Collapsed{"java;main;run": 2})
	write(now.Add(-5*time.Minute), "web-2", stack.Collapsed{"python3;serve": 4})
}

func TestRun(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "profiles.duckdb")
	seed(t, dsn)

	ctx, cancel := testutil.NewTestContext()
	defer cancel()

	var buf bytes.Buffer
	require.NoError(t, Run(ctx, &buf, Options{DB: dsn, Since: time.Hour, Now: now}))
	assert.Equal(t, "java;main;run 2\npython3;serve 4\n", buf.String())

	buf.Reset()
	require.NoError(t, Run(ctx, &buf, Options{DB: dsn, Host: "web-1", Now: now}))
	assert.Equal(t, "java;main;run 2\njava;old 5\n", buf.String())
}

func TestQueryCmdRequiresDB(t *testing.T) {
	cmd := NewQueryCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)
	assert.ErrorContains(t, cmd.Execute(), "--db")
}
