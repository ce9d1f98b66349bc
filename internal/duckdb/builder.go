package duckdb

import (
	"fmt"
	"strings"
	"time"
)

// Builder constructs SELECT queries.
type Builder struct {
	table      string
	columns    []string
	where      []string
	args       []any
	groupBy    []string
	orderBy    []string
	limit      int
	timeColumn string
}

// NewQueryBuilder starts a query on table. The time column defaults to "timestamp".
func NewQueryBuilder(table string) *Builder {
	return &Builder{table: table, timeColumn: "timestamp"}
}

// Select adds result columns or expressions.
func (b *Builder) Select(columns ...string) *Builder {
	b.columns = append(b.columns, columns...)
	return b
}

// TimeColumn sets the column TimeRange filters on.
func (b *Builder) TimeColumn(name string) *Builder {
	b.timeColumn = name
	return b
}

// TimeRange keeps rows with start <= time column <= end. A zero bound is open.
func (b *Builder) TimeRange(start, end time.Time) *Builder {
	if !start.IsZero() {
		b.Where(b.timeColumn+" >= ?", start)
	}
	if !end.IsZero() {
		b.Where(b.timeColumn+" <= ?", end)
	}
	return b
}

// Where adds a condition. Conditions are joined with AND.
func (b *Builder) Where(expr string, args ...any) *Builder {
	b.where = append(b.where, expr)
	b.args = append(b.args, args...)
	return b
}

// Eq adds column = value. An empty string value matches everything and adds nothing.
func (b *Builder) Eq(column string, value any) *Builder {
	if s, ok := value.(string); ok && s == "" {
		return b
	}
	return b.Where(column+" = ?", value)
}

// GroupBy adds grouping columns.
func (b *Builder) GroupBy(columns ...string) *Builder {
	b.groupBy = append(b.groupBy, columns...)
	return b
}

// OrderBy adds ordering columns. A leading '-' sorts descending.
func (b *Builder) OrderBy(columns ...string) *Builder {
	for _, c := range columns {
		if name, ok := strings.CutPrefix(c, "-"); ok {
			b.orderBy = append(b.orderBy, name+" DESC")
		} else {
			b.orderBy = append(b.orderBy, c)
		}
	}
	return b
}

// Limit caps the number of rows. Zero means no limit.
func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

// Build returns the query and its arguments.
func (b *Builder) Build() (string, []any, error) {
	if b.table == "" {
		return "", nil, fmt.Errorf("table name is required")
	}
	var q strings.Builder
	q.WriteString("SELECT ")
	if len(b.columns) == 0 {
		q.WriteString("*")
	} else {
		q.WriteString(strings.Join(b.columns, ", "))
	}
	q.WriteString(" FROM ")
	q.WriteString(b.table)

	args := append([]any(nil), b.args...)
	if len(b.where) > 0 {
		q.WriteString(" WHERE ")
		q.WriteString(strings.Join(b.where, " AND "))
	}
	if len(b.groupBy) > 0 {
		q.WriteString(" GROUP BY ")
		q.WriteString(strings.Join(b.groupBy, ", "))
	}
	if len(b.orderBy) > 0 {
		q.WriteString(" ORDER BY ")
		q.WriteString(strings.Join(b.orderBy, ", "))
	}
	if b.limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	return q.String(), args, nil
}
