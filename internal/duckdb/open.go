package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net/url"
	"strings"

	duckdbDriver "github.com/marcboeker/go-duckdb"
)

// bootQueries run on every new pooled connection. Failures are ignored: an older DuckDB
// may not know a setting, which only costs performance.
var bootQueries = []string{
	"SET preserve_insertion_order = false",
}

// OpenDB opens a DuckDB database. An empty dsn or ":memory:" is an in-memory database.
func OpenDB(dsn string) (*sql.DB, error) {
	connector, err := duckdbDriver.NewConnector(withDefaults(dsn), func(execer driver.ExecerContext) error {
		ctx := context.Background()
		for _, query := range bootQueries {
			if _, err := execer.ExecContext(ctx, query, nil); err != nil {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(connector), nil
}

// withDefaults adds access_mode=read_write to a file DSN unless the caller set an access mode.
func withDefaults(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}
	path, query, _ := strings.Cut(dsn, "?")
	params, err := url.ParseQuery(query)
	if err != nil {
		return dsn
	}
	if !params.Has("access_mode") {
		params.Set("access_mode", "read_write")
	}
	return path + "?" + params.Encode()
}
