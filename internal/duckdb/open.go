// Package duckdb holds the DuckDB plumbing shared by the profile archive:
// opening databases, list literals and a small SELECT builder.
package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/url"
	"strings"

	duckdbDriver "github.com/marcboeker/go-duckdb"
)

// Open opens the database at path, or an in-memory database when path is
// empty. Every pooled connection runs the given settings first.
func Open(path string, settings ...string) (*sql.DB, error) {
	connector, err := duckdbDriver.NewConnector(withDefaults(path), func(execer driver.ExecerContext) error {
		for _, stmt := range settings {
			if _, err := execer.ExecContext(context.Background(), stmt, nil); err != nil {
				return fmt.Errorf("failed to apply %q: %w", stmt, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb %q: %w", path, err)
	}
	return sql.OpenDB(connector), nil
}

// withDefaults adds access_mode=read_write unless the DSN sets an access
// mode.
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
