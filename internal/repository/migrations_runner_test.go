//go:build unit

package repository

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newBareDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApplyMigrationsFS_AppliesInLexicalOrder(t *testing.T) {
	db := newBareDB(t)
	fsys := fstest.MapFS{
		"002_add_column.sql": {Data: []byte(`ALTER TABLE demo ADD COLUMN name TEXT;`)},
		"001_create.sql":     {Data: []byte(`CREATE TABLE demo (id INTEGER PRIMARY KEY);`)},
	}

	require.NoError(t, applyMigrationsFS(context.Background(), db, fsys))

	_, err := db.Exec(`INSERT INTO demo (id, name) VALUES (1, 'a')`)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	require.Equal(t, 2, count)
}

func TestApplyMigrationsFS_RejectsModifiedMigration(t *testing.T) {
	db := newBareDB(t)
	fsys := fstest.MapFS{
		"001_create.sql": {Data: []byte(`CREATE TABLE demo (id INTEGER PRIMARY KEY);`)},
	}
	require.NoError(t, applyMigrationsFS(context.Background(), db, fsys))

	// 内容被事后修改,checksum 不再匹配
	fsys["001_create.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE demo (id INTEGER PRIMARY KEY, extra TEXT);`)}
	err := applyMigrationsFS(context.Background(), db, fsys)
	require.Error(t, err)
	require.Contains(t, err.Error(), "001_create.sql")
}

func TestApplyMigrationsFS_FailedMigrationRollsBack(t *testing.T) {
	db := newBareDB(t)
	fsys := fstest.MapFS{
		"001_bad.sql": {Data: []byte(`CREATE TABLE syntax error here;`)},
	}
	require.Error(t, applyMigrationsFS(context.Background(), db, fsys))

	// 失败的迁移不留记录,修复后可重新应用
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	require.Equal(t, 0, count)
}
