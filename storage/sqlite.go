package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"

	// MemoryPath selects a private in-memory database shared by both pools.
	MemoryPath = ":memory:"

	// DefaultReadPoolSize is used when a non-positive read pool size is requested.
	DefaultReadPoolSize = 8

	busyTimeoutMillis = 5000
)

// SQLite is the disposable index database.
// Writes go through a single-connection pool; reads use a separate query_only
// pool so that WAL readers never contend with the boot-time writer.
type SQLite struct {
	WriteDB *sqlx.DB
	ReadDB  *sqlx.DB
	Path    string
	Logger  *zap.SugaredLogger

	memory bool

	mu    sync.Mutex
	index *Index
}

// NewSQLite destroys any database at path and creates an empty index schema in its place.
// Every failure is returned as a *StorageError.
func NewSQLite(path string, readPoolSize int, logger *zap.SugaredLogger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if readPoolSize <= 0 {
		readPoolSize = DefaultReadPoolSize
	}

	if err := validateDatabasePath(path); err != nil {
		return nil, &StorageError{Op: "validate", Path: path, Err: err}
	}

	memory := path == MemoryPath
	target := path
	if memory {
		target = "file:sigmadex-" + uuid.NewString() + "?mode=memory&cache=shared"
	} else {
		if err := removeDatabaseFiles(path); err != nil {
			return nil, &StorageError{Op: "remove", Path: path, Err: err}
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
			}
		}
	}

	// the writer opens first so the WAL journal mode is persisted before any reader connects
	writeDB, err := openPool(target, memory, false)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(0) // an in-memory database vanishes with its last connection

	if err := verifyPool(writeDB, memory, false); err != nil {
		_ = writeDB.Close()
		return nil, &StorageError{Op: "open", Path: path, Err: fmt.Errorf("write pool: %w", err)}
	}
	logger.Infow("SQLite write pool configured", "max_open_conns", 1)

	readDB, err := openPool(target, memory, true)
	if err != nil {
		_ = writeDB.Close()
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	readDB.SetMaxOpenConns(readPoolSize)
	readDB.SetMaxIdleConns(readPoolSize)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := verifyPool(readDB, memory, true); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, &StorageError{Op: "open", Path: path, Err: fmt.Errorf("read pool: %w", err)}
	}
	logger.Infow("SQLite read pool configured", "max_open_conns", readPoolSize, "query_only", true)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    path,
		Logger:  logger,
		memory:  memory,
	}

	if err := s.createTables(); err != nil {
		_ = s.Close()
		return nil, &StorageError{Op: "create_tables", Path: path, Err: err}
	}

	logger.Infow("Index database initialized", "path", path)
	return s, nil
}

// openPool applies connection pragmas through the DSN so that every pooled
// connection gets them, not only the one a one-off Exec happens to land on.
func openPool(target string, memory, readOnly bool) (*sqlx.DB, error) {
	pragmas := []string{fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeoutMillis)}
	if !memory && !readOnly {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	if readOnly {
		pragmas = append(pragmas, "_pragma=query_only(1)")
	}

	dsn := target
	if !memory {
		dsn = "file:" + filepath.ToSlash(target)
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + strings.Join(pragmas, "&")

	return sqlx.Open(driverName, dsn)
}

func verifyPool(db *sqlx.DB, memory, readOnly bool) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	var journalMode string
	if err := db.Get(&journalMode, "PRAGMA journal_mode"); err != nil {
		return fmt.Errorf("query journal mode: %w", err)
	}
	// in-memory databases report "memory"
	if !memory && !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("WAL mode not enabled (got: %s)", journalMode)
	}

	if readOnly {
		var queryOnly int
		if err := db.Get(&queryOnly, "PRAGMA query_only"); err != nil {
			return fmt.Errorf("query query_only: %w", err)
		}
		if queryOnly != 1 {
			return fmt.Errorf("query_only not enabled (got: %d)", queryOnly)
		}
	}
	return nil
}

func removeDatabaseFiles(path string) error {
	for _, name := range []string{path, path + "-wal", path + "-shm"} {
		info, err := os.Stat(name)
		// ENOTDIR: a parent is a file, which the mkdir step reports
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			continue
		}
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", name)
		}
		if err := os.Remove(name); err != nil {
			return err
		}
	}
	return nil
}

// WithTransaction runs fn inside a write transaction, rolling back on error or panic.
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.WriteDB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS logsources (
		id INTEGER PRIMARY KEY,
		category TEXT NOT NULL DEFAULT '',
		product TEXT NOT NULL DEFAULT '',
		service TEXT NOT NULL DEFAULT '',
		document TEXT NOT NULL CHECK (document <> '')
	);
	CREATE INDEX IF NOT EXISTS idx_logsources_document ON logsources(document);

	CREATE TABLE IF NOT EXISTS selections (
		id INTEGER PRIMARY KEY,
		fieldName TEXT NOT NULL CHECK (fieldName <> ''),
		value TEXT NOT NULL DEFAULT '',
		document TEXT NOT NULL CHECK (document <> '')
	);
	CREATE INDEX IF NOT EXISTS idx_selections_document ON selections(document);

	-- build id, build time, corpus root and record counts
	CREATE TABLE IF NOT EXISTS index_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes both connection pools. An in-memory index is discarded.
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.ReadDB != nil {
		readErr = s.ReadDB.Close()
	}
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}

	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// HealthCheck verifies both pools are reachable.
func (s *SQLite) HealthCheck(ctx context.Context) error {
	if err := s.WriteDB.PingContext(ctx); err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	if err := s.ReadDB.PingContext(ctx); err != nil {
		return fmt.Errorf("read pool: %w", err)
	}
	return nil
}

// validateDatabasePath rejects paths that cannot safely name a database file.
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == MemoryPath {
		return nil
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	if strings.ContainsAny(dbPath, "?#") {
		return fmt.Errorf("URI query characters not allowed in path: %s", dbPath)
	}
	for _, part := range strings.Split(filepath.ToSlash(dbPath), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
		}
	}

	base := filepath.Base(dbPath)
	if base == "." || base == string(filepath.Separator) {
		return fmt.Errorf("database path must name a file: %s", dbPath)
	}

	// Windows device names
	reserved := []string{"CON", "PRN", "AUX", "NUL", "COM1", "COM2", "COM3", "COM4",
		"COM5", "COM6", "COM7", "COM8", "COM9", "LPT1", "LPT2", "LPT3", "LPT4",
		"LPT5", "LPT6", "LPT7", "LPT8", "LPT9"}
	baseUpper := strings.ToUpper(base)
	for _, r := range reserved {
		if baseUpper == r || strings.HasPrefix(baseUpper, r+".") {
			return fmt.Errorf("reserved name not allowed: %s", base)
		}
	}
	return nil
}
