package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigmadex/corpus"
	"sigmadex/storage"

	"go.uber.org/zap"
)

// EnsureDataDirectory creates the directory holding the index database and
// verifies it is writable. In-memory databases need nothing.
func EnsureDataDirectory(sqlitePath string, sugar *zap.SugaredLogger) error {
	if sqlitePath == storage.MemoryPath {
		return nil
	}

	absPath, err := filepath.Abs(filepath.Dir(sqlitePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path for %s: %w", sqlitePath, err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w\n"+
			"  Remediation: Ensure the parent directory exists and is writable\n"+
			"  For Docker: Check volume mount permissions", absPath, err)
	}

	probe, err := os.CreateTemp(absPath, ".sigmadex_write_test*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w\n"+
			"  Remediation: Check file system permissions or set SIGMADEX_SQLITE_PATH", absPath, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	sugar.Infow("Data directory ready", "path", absPath)
	return nil
}

// ClassifySQLiteError provides specific error messages based on the type of SQLite failure.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	var serr *storage.StorageError
	if errors.As(err, &serr) && serr.Op == "validate" {
		return fmt.Sprintf("Refusing to use %q as the index database path: %v\n"+
			"  Remediation:\n"+
			"  - Point storage.sqlite_path or SIGMADEX_SQLITE_PATH at a plain file name\n"+
			"  - Use %q for an in-memory index", dbPath, serr.Err, storage.MemoryPath)
	}

	switch {
	case containsIgnoreCase(errStr, "permission denied") || containsIgnoreCase(errStr, "access denied"):
		return fmt.Sprintf("Permission denied accessing SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check directory permissions: ls -la %s\n"+
			"  - For Docker: Ensure volume is mounted with proper user permissions", absPath, parentDir)

	case containsIgnoreCase(errStr, "database is locked") || containsIgnoreCase(errStr, "SQLITE_BUSY"):
		return fmt.Sprintf("SQLite database at %s is locked by another process.\n"+
			"  The index is rebuilt on every start, so two instances cannot share a path.\n"+
			"  Remediation:\n"+
			"  - Check for running instances: ps aux | grep sigmadex\n"+
			"  - Give each instance its own storage.sqlite_path", absPath)

	case containsIgnoreCase(errStr, "disk full") || containsIgnoreCase(errStr, "no space") || containsIgnoreCase(errStr, "SQLITE_FULL"):
		return fmt.Sprintf("Disk full - cannot write to SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check available disk space: df -h %s\n"+
			"  - Use an in-memory index with storage.sqlite_path: %q", absPath, parentDir, storage.MemoryPath)

	case containsIgnoreCase(errStr, "read-only"):
		return fmt.Sprintf("SQLite database location is on a read-only file system: %s.\n"+
			"  Remediation:\n"+
			"  - Move the database to a writable location via SIGMADEX_SQLITE_PATH", absPath)
	}

	return fmt.Sprintf("Failed to initialize SQLite database at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable\n"+
		"  - Check disk space and permissions", absPath, err, parentDir)
}

// ClassifyCorpusError explains a failure to walk the rule directory.
func ClassifyCorpusError(err error, root string) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, corpus.ErrInvalidRoot) {
		absPath, _ := filepath.Abs(root)
		return fmt.Sprintf("Rule directory %s does not exist or is not a directory.\n"+
			"  Remediation:\n"+
			"  - Set corpus.root in config.yaml or SIGMADEX_CORPUS_DIR\n"+
			"  - Clone a rule set: git clone https://github.com/SigmaHQ/sigma && export SIGMADEX_CORPUS_DIR=sigma/rules", absPath)
	}
	return fmt.Sprintf("Failed to load rules from %s: %v", root, err)
}

// containsIgnoreCase checks if a string contains a substring (case-insensitive).
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
