package bootstrap

import (
	"context"
	"fmt"
	"os"

	"sigmadex/config"
	"sigmadex/corpus"
	"sigmadex/storage"

	"go.uber.org/zap"
)

// IndexComponents holds the store, the sealed index and the corpus it was built from.
type IndexComponents struct {
	Store  *storage.SQLite
	Index  *storage.Index
	Corpus *corpus.Result
}

// Close releases the underlying store.
func (c *IndexComponents) Close() error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.Close()
}

// InitSQLite creates a fresh index database at the configured path.
func InitSQLite(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	path := cfg.Storage.SQLitePath
	if err := EnsureDataDirectory(path, sugar); err != nil {
		return nil, err
	}

	sqlite, err := storage.NewSQLite(path, cfg.Storage.ReadPoolSize, sugar)
	if err != nil {
		printFatal("SQLite Initialization Failed", ClassifySQLiteError(err, path))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Infow("SQLite initialized successfully", "path", path)
	return sqlite, nil
}

// LoadCorpus walks the configured rule directory.
func LoadCorpus(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*corpus.Result, error) {
	loader := corpus.NewLoader(cfg.Corpus.Root, cfg.Corpus.Extensions, sugar)
	result, err := loader.Load(ctx)
	if err != nil {
		printFatal("Rule Corpus Loading Failed", ClassifyCorpusError(err, cfg.Corpus.Root))
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}

	parseErrors, qualityErrors := corpus.CountErrors(result.Errors)
	sugar.Infow("Corpus loaded",
		"root", result.Root,
		"files_scanned", result.FilesScanned,
		"files_loaded", result.FilesLoaded,
		"files_skipped", result.FilesSkipped,
		"parse_errors", parseErrors,
		"quality_issues", qualityErrors,
		"logsources", len(result.LogSources),
		"selections", len(result.Selections),
		"duration", result.Duration)

	if result.FilesLoaded == 0 {
		sugar.Warnw("No rules were loaded; searches will return nothing", "root", result.Root)
	}
	return result, nil
}

// BuildIndex creates the store, loads the corpus and bulk inserts it.
// The returned index is sealed and ready for concurrent readers.
func BuildIndex(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*IndexComponents, error) {
	sqlite, err := InitSQLite(cfg, sugar)
	if err != nil {
		return nil, err
	}

	result, err := LoadCorpus(ctx, cfg, sugar)
	if err != nil {
		sqlite.Close()
		return nil, err
	}

	index, err := sqlite.BulkInsert(ctx, result)
	if err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("failed to build index: %w", err)
	}

	if err := sqlite.HealthCheck(ctx); err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("index health check failed: %w", err)
	}

	info := index.Info()
	sugar.Infow("Index built",
		"build_id", info.BuildID,
		"documents", info.Documents,
		"logsources", info.LogSources,
		"selections", info.Selections,
		"skipped", info.Skipped)

	return &IndexComponents{Store: sqlite, Index: index, Corpus: result}, nil
}

func printFatal(title, detail string) {
	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "FATAL: %s\n", title)
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "%s\n", detail)
	fmt.Fprintf(os.Stderr, "========================================\n\n")
}
