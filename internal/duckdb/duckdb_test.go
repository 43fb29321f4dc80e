package duckdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt64Arrays(t *testing.T) {
	assert.Equal(t, "[]", Int64ArrayToString(nil))
	assert.Equal(t, "[1, -2, 30]", Int64ArrayToString([]int64{1, -2, 30}))

	ids, err := ParseInt64Array("[1, -2, 30]")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, -2, 30}, ids)

	ids, err = ParseInt64Array("[]")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = ParseInt64Array("1, 2")
	assert.Error(t, err)
	_, err = ParseInt64Array("[1, x]")
	assert.Error(t, err)
}

func TestToInt64Slice(t *testing.T) {
	ids, err := ToInt64Slice([]any{int64(1), int32(2), 3, float64(4)})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)

	ids, err = ToInt64Slice("[5]")
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids)

	ids, err = ToInt64Slice(nil)
	require.NoError(t, err)
	assert.Nil(t, ids)

	_, err = ToInt64Slice([]any{"a"})
	assert.Error(t, err)
	_, err = ToInt64Slice(12)
	assert.Error(t, err)
}

func TestQuery_Build(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	q, args, err := Select("samples", "a", "b").
		Between("ts", from, to).
		Eq("run_id", "r1").
		Eq("session", "").
		OrderBy("ts", "-count").
		Limit(10).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "SELECT a, b FROM samples WHERE ts >= ? AND ts <= ? AND run_id = ? ORDER BY ts, count DESC LIMIT ?", q)
	assert.Equal(t, []any{from, to, "r1", 10}, args)

	q, args, err = Select("samples").Between("ts", time.Time{}, to).Build()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM samples WHERE ts <= ?", q)
	assert.Equal(t, []any{to}, args)

	_, _, err = Select("").Build()
	assert.Error(t, err)
}

func TestWithDefaults(t *testing.T) {
	assert.Equal(t, "", withDefaults(""))
	assert.Equal(t, "db.duckdb?access_mode=read_write", withDefaults("db.duckdb"))
	assert.Equal(t, "db.duckdb?access_mode=read_only", withDefaults("db.duckdb?access_mode=read_only"))
}

func TestOpen(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.duckdb"), "SET threads = 1")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.Exec(`CREATE TABLE t (ids INTEGER[])`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO t VALUES (` + Int64ArrayToString([]int64{1, 2}) + `)`)
	require.NoError(t, err)

	var raw any
	require.NoError(t, db.QueryRow(`SELECT ids FROM t`).Scan(&raw))
	ids, err := ToInt64Slice(raw)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
}
