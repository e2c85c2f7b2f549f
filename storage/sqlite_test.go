package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sigmadex/corpus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupTestSQLite creates an empty index database in a temp directory
func setupTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sqlite, err := NewSQLite(dbPath, 4, zap.NewNop().Sugar())
	require.NoError(t, err, "Failed to create SQLite database")
	require.NotNil(t, sqlite)
	t.Cleanup(func() { _ = sqlite.Close() })

	return sqlite
}

func testResult() *corpus.Result {
	return &corpus.Result{
		Root:      "/rules",
		Documents: []string{"windows/a.yml", "linux/b.yml"},
		LogSources: []corpus.LogSourceRecord{
			{Category: "process_creation", Product: "windows", Document: "windows/a.yml"},
			{Product: "linux", Service: "auditd", Document: "linux/b.yml"},
		},
		Selections: []corpus.SelectionRecord{
			{FieldName: "EventID", Value: "1", Document: "windows/a.yml"},
			{FieldName: "Image|endswith", Value: `\cmd.exe`, Document: "windows/a.yml"},
			{FieldName: "type", Value: "EXECVE", Document: "linux/b.yml"},
		},
	}
}

func tableCount(t *testing.T, s *SQLite, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.WriteDB.Get(&n, "SELECT COUNT(*) FROM "+table))
	return n
}

func TestNewSQLite_Success(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sqlite, err := NewSQLite(dbPath, 4, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer sqlite.Close()

	assert.Equal(t, dbPath, sqlite.Path)
	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	var tables []string
	require.NoError(t, sqlite.ReadDB.Select(&tables,
		`SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`))
	assert.Equal(t, []string{"index_meta", "logsources", "selections"}, tables)
}

func TestNewSQLite_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	sqlite, err := NewSQLite(dbPath, 0, zap.NewNop().Sugar())
	require.NoError(t, err, "Should create parent directories")
	defer sqlite.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewSQLite_ParentIsFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, err := NewSQLite(filepath.Join(blocker, "test.db"), 4, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))

	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "mkdir", storageErr.Op)
}

func TestRemoveDatabaseFiles(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	for _, name := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		require.NoError(t, os.WriteFile(name, []byte("x"), 0644))
	}

	require.NoError(t, removeDatabaseFiles(dbPath))
	for _, name := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		assert.NoFileExists(t, name)
	}

	// nothing left to remove, and a parent that is a file is left to mkdir
	assert.NoError(t, removeDatabaseFiles(dbPath))
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	assert.NoError(t, removeDatabaseFiles(filepath.Join(blocker, "test.db")))
}

func TestNewSQLite_InvalidPath(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"traversal", "../escape.db"},
		{"nested traversal", "data/../../escape.db"},
		{"null byte", "data/a\x00b.db"},
		{"uri query", "data/index.db?mode=ro"},
		{"reserved name", "data/CON.db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSQLite(tt.path, 4, zap.NewNop().Sugar())
			require.Error(t, err)

			var storageErr *StorageError
			require.True(t, errors.As(err, &storageErr))
			assert.Equal(t, "validate", storageErr.Op)
		})
	}
}

func TestNewSQLite_RemovesExistingIndex(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := zap.NewNop().Sugar()

	first, err := NewSQLite(dbPath, 4, logger)
	require.NoError(t, err)
	_, err = first.BulkInsert(context.Background(), testResult())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLite(dbPath, 4, logger)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, 0, tableCount(t, second, "logsources"))
	assert.Equal(t, 0, tableCount(t, second, "selections"))
	assert.Equal(t, 0, tableCount(t, second, "index_meta"))
}

func TestNewSQLite_ReadPoolIsQueryOnly(t *testing.T) {
	sqlite := setupTestSQLite(t)

	_, err := sqlite.ReadDB.Exec(insertSelectionSQL, "EventID", "1", "a.yml")
	assert.Error(t, err, "Read pool must reject writes")
	assert.Equal(t, 0, tableCount(t, sqlite, "selections"))
}

func TestNewSQLite_WALMode(t *testing.T) {
	sqlite := setupTestSQLite(t)

	var mode string
	require.NoError(t, sqlite.ReadDB.Get(&mode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", mode)
}

func TestNewSQLite_Memory(t *testing.T) {
	sqlite, err := NewSQLite(MemoryPath, 4, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer sqlite.Close()

	index, err := sqlite.BulkInsert(context.Background(), testResult())
	require.NoError(t, err)

	counts, err := index.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts.LogSources)
	assert.Equal(t, 3, counts.Selections)
}

func TestSQLite_HealthCheck(t *testing.T) {
	sqlite := setupTestSQLite(t)
	assert.NoError(t, sqlite.HealthCheck(context.Background()))
}

func TestSQLite_Close(t *testing.T) {
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), 4, zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, sqlite.Close())
	assert.Error(t, sqlite.HealthCheck(context.Background()), "Closed pools must fail health check")
}
