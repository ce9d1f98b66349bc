package duckdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	q, args, err := NewQueryBuilder("profile_samples").
		Select("stack_hash", "SUM(sample_count) AS total").
		TimeRange(start, end).
		Eq("hostname", "web-1").
		Eq("service", "").
		GroupBy("stack_hash").
		OrderBy("-total", "stack_hash").
		Limit(10).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "SELECT stack_hash, SUM(sample_count) AS total FROM profile_samples "+
		"WHERE timestamp >= ? AND timestamp <= ? AND hostname = ? "+
		"GROUP BY stack_hash ORDER BY total DESC, stack_hash LIMIT ?", q)
	assert.Equal(t, []any{start, end, "web-1", 10}, args)
}

func TestBuilderOpenRangeAndDefaults(t *testing.T) {
	q, args, err := NewQueryBuilder("t").TimeColumn("cycle_end").TimeRange(time.Time{}, time.Unix(5, 0)).Build()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE cycle_end <= ?", q)
	assert.Len(t, args, 1)

	_, _, err = NewQueryBuilder("").Build()
	assert.Error(t, err)
}

func TestBuildIsRepeatable(t *testing.T) {
	b := NewQueryBuilder("t").Eq("a", 1).Limit(3)
	_, first, _ := b.Build()
	_, second, _ := b.Build()
	assert.Equal(t, first, second)
}

func TestInt64Lists(t *testing.T) {
	assert.Equal(t, "[]", Int64ListLiteral(nil))
	assert.Equal(t, "[1, 22, 333]", Int64ListLiteral([]int64{1, 22, 333}))

	ids, err := Int64s([]any{int64(1), int32(2), 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	ids, err = Int64s(nil)
	require.NoError(t, err)
	assert.Nil(t, ids)

	_, err = Int64s("1,2")
	assert.Error(t, err)
	_, err = Int64s([]any{"x"})
	assert.Error(t, err)
}

func TestWithDefaults(t *testing.T) {
	assert.Equal(t, "", withDefaults(""))
	assert.Equal(t, ":memory:", withDefaults(":memory:"))
	assert.Equal(t, "/var/lib/p.db?access_mode=read_write", withDefaults("/var/lib/p.db"))
	assert.Equal(t, "/p.db?access_mode=read_only", withDefaults("/p.db?access_mode=read_only"))
}

func TestOpenDBRoundTripsLists(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "lists.duckdb"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.Exec(`CREATE TABLE stacks (id INTEGER, frames INTEGER[])`)
	require.NoError(t, err)
	// #nosec G202 - the literal is built from integers.
	_, err = db.Exec(`INSERT INTO stacks VALUES (1, ` + Int64ListLiteral([]int64{4, 5, 6}) + `)`)
	require.NoError(t, err)

	var raw any
	require.NoError(t, db.QueryRow(`SELECT frames FROM stacks WHERE id = 1`).Scan(&raw))
	ids, err := Int64s(raw)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5, 6}, ids)
}
