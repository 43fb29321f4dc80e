package duckdb

import (
	"fmt"
	"strconv"
	"strings"
)

// Int64ArrayToString renders ids as a DuckDB list literal, e.g. [1, 2, 3].
func Int64ArrayToString(ids []int64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.FormatInt(id, 10))
	}
	sb.WriteByte(']')
	return sb.String()
}

// ParseInt64Array parses a list literal produced by Int64ArrayToString.
func ParseInt64Array(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("not a list literal: %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return nil, nil
	}

	parts := strings.Split(body, ",")
	ids := make([]int64, len(parts))
	for i, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid list element %q: %w", p, err)
		}
		ids[i] = id
	}
	return ids, nil
}

// ToInt64Slice converts a scanned LIST column. The driver returns lists as
// []any; older databases may hold the literal as text.
func ToInt64Slice(val any) ([]int64, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case string:
		return ParseInt64Array(v)
	case []any:
		ids := make([]int64, len(v))
		for i, elem := range v {
			switch e := elem.(type) {
			case int64:
				ids[i] = e
			case int32:
				ids[i] = int64(e)
			case int:
				ids[i] = int64(e)
			case float64:
				ids[i] = int64(e)
			default:
				return nil, fmt.Errorf("unexpected list element type %T", elem)
			}
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("unexpected list type %T", val)
	}
}
