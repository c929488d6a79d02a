package migration_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"safeagent/internal/migration"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApply_FromScratchThenIncremental(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	files := fstest.MapFS{
		"001_init.sql": {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"002_more.sql": {Data: []byte("ALTER TABLE a ADD COLUMN name TEXT;")},
		"README.md":    {Data: []byte("ignored")},
	}
	r := migration.NewRunner(db, files)

	n, err := r.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	n, err = r.Apply(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second run is a no-op")

	files["003_index.sql"] = &fstest.MapFile{Data: []byte("CREATE INDEX a_name ON a(name);")}
	n, err = r.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApply_FailedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	r := migration.NewRunner(db, fstest.MapFS{
		"001_init.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"002_bad.sql":  {Data: []byte("THIS IS NOT SQL;")},
	})

	n, err := r.Apply(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	v, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestMigrations_Validation(t *testing.T) {
	db := openDB(t)

	_, err := migration.NewRunner(db, fstest.MapFS{"init.sql": {Data: []byte("")}}).Migrations()
	assert.Error(t, err)

	_, err = migration.NewRunner(db, fstest.MapFS{
		"001_a.sql": {Data: []byte("")},
		"1_b.sql":   {Data: []byte("")},
	}).Migrations()
	assert.Error(t, err, "duplicate versions are rejected")

	_, err = migration.NewRunner(db, fstest.MapFS{"000_zero.sql": {Data: []byte("")}}).Migrations()
	assert.Error(t, err)
}

func TestApply_RejectsNewerDatabase(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	r := migration.NewRunner(db, fstest.MapFS{
		"001_init.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")},
	})
	_, err := r.Apply(ctx)
	require.NoError(t, err)

	_, err = db.Exec("UPDATE schema_version SET version = 9")
	require.NoError(t, err)

	_, err = r.Apply(ctx)
	assert.Error(t, err)
}
