package duckdb

import (
	"fmt"
	"strings"
	"time"
)

// Query builds a SELECT statement.
type Query struct {
	table   string
	columns []string
	where   []string
	args    []any
	orderBy []string
	limit   int
}

// Select starts a query over table.
func Select(table string, columns ...string) *Query {
	return &Query{table: table, columns: columns}
}

// Where adds a condition; conditions are joined with AND.
func (q *Query) Where(expr string, args ...any) *Query {
	q.where = append(q.where, expr)
	q.args = append(q.args, args...)
	return q
}

// Eq adds column = value, or nothing when value is the empty string.
func (q *Query) Eq(column string, value any) *Query {
	if s, ok := value.(string); ok && s == "" {
		return q
	}
	return q.Where(column+" = ?", value)
}

// Between adds an inclusive time range on column. Zero bounds are open.
func (q *Query) Between(column string, from, to time.Time) *Query {
	if !from.IsZero() {
		q.Where(column+" >= ?", from)
	}
	if !to.IsZero() {
		q.Where(column+" <= ?", to)
	}
	return q
}

// OrderBy appends sort keys; a leading "-" sorts descending.
func (q *Query) OrderBy(columns ...string) *Query {
	for _, c := range columns {
		if rest, ok := strings.CutPrefix(c, "-"); ok {
			c = rest + " DESC"
		}
		q.orderBy = append(q.orderBy, c)
	}
	return q
}

// Limit caps the number of rows; zero means no limit.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Build returns the statement and its arguments.
func (q *Query) Build() (string, []any, error) {
	if q.table == "" {
		return "", nil, fmt.Errorf("table name is required")
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(q.columns) == 0 {
		sb.WriteString("*")
	} else {
		sb.WriteString(strings.Join(q.columns, ", "))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(q.table)

	args := append([]any(nil), q.args...)
	if len(q.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(q.where, " AND "))
	}
	if len(q.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(q.orderBy, ", "))
	}
	if q.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.limit)
	}
	return sb.String(), args, nil
}
