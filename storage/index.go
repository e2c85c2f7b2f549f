package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"sigmadex/corpus"
	"sigmadex/metrics"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	insertLogSourceSQL = `INSERT INTO logsources (category, product, service, document) VALUES (?, ?, ?, ?)`
	insertSelectionSQL = `INSERT INTO selections (fieldName, value, document) VALUES (?, ?, ?)`
	upsertMetaSQL      = `INSERT OR REPLACE INTO index_meta (key, value) VALUES (?, ?)`
)

// Querier is the read surface of a built index.
type Querier interface {
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
}

var _ Querier = (*sqlx.DB)(nil)

// BuildInfo describes one index build.
type BuildInfo struct {
	BuildID    string    `json:"build_id"`
	BuiltAt    time.Time `json:"built_at"`
	CorpusRoot string    `json:"corpus_root"`
	Documents  int       `json:"documents"`
	LogSources int       `json:"logsources"`
	Selections int       `json:"selections"`
	Skipped    int       `json:"skipped"`
}

// TableCounts holds row counts read back from the index tables.
type TableCounts struct {
	LogSources int `db:"logsources" json:"logsources"`
	Selections int `db:"selections" json:"selections"`
	Documents  int `db:"documents" json:"documents"`
}

type metaEntry struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// Index is the read-only view of a fully built index. It can only be
// obtained from BulkInsert, so holding one proves loading has completed.
type Index struct {
	db   *sqlx.DB
	info BuildInfo
}

// Info returns the metadata recorded when the index was built.
func (i *Index) Info() BuildInfo {
	return i.info
}

// Querier returns the query_only read pool.
func (i *Index) Querier() Querier {
	return i.db
}

// Ping checks that the read pool is still usable.
func (i *Index) Ping(ctx context.Context) error {
	return i.db.PingContext(ctx)
}

// Counts returns the current row counts of both record tables.
func (i *Index) Counts(ctx context.Context) (TableCounts, error) {
	var counts TableCounts
	err := i.db.GetContext(ctx, &counts, `
		SELECT
			(SELECT COUNT(*) FROM logsources) AS logsources,
			(SELECT COUNT(*) FROM selections) AS selections,
			(SELECT COUNT(*) FROM (
				SELECT document FROM logsources UNION SELECT document FROM selections
			)) AS documents`)
	if err != nil {
		return TableCounts{}, fmt.Errorf("failed to count index rows: %w", err)
	}
	return counts, nil
}

// Meta returns the raw key/value pairs stored in index_meta.
func (i *Index) Meta(ctx context.Context) (map[string]string, error) {
	var entries []metaEntry
	if err := i.db.SelectContext(ctx, &entries, `SELECT key, value FROM index_meta ORDER BY key`); err != nil {
		return nil, fmt.Errorf("failed to read index metadata: %w", err)
	}
	meta := make(map[string]string, len(entries))
	for _, e := range entries {
		meta[e.Key] = e.Value
	}
	return meta, nil
}

// BulkInsert writes every record of result in a single transaction and
// seals the store. Readers never observe a partially written table.
//
// Records that fail validation or whose insert is rejected by a constraint
// are logged and skipped; SQLite rolls back only the failing statement, so
// the rest of the load proceeds. Any other failure aborts the whole build
// and is returned as a *StorageError.
func (s *SQLite) BulkInsert(ctx context.Context, result *corpus.Result) (*Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index != nil {
		return nil, ErrIndexSealed
	}
	if result == nil {
		return nil, &StorageError{Op: "bulk_insert", Path: s.Path, Err: fmt.Errorf("%w: nil load result", ErrMalformedRecord)}
	}

	start := time.Now()
	info := BuildInfo{
		BuildID:    uuid.NewString(),
		BuiltAt:    start.UTC(),
		CorpusRoot: result.Root,
		Documents:  len(result.Documents),
	}

	err := s.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		inserted, skipped, err := s.insertLogSources(ctx, tx, result.LogSources)
		if err != nil {
			return err
		}
		info.LogSources = inserted
		info.Skipped += skipped
		metrics.IndexRowsSkipped.WithLabelValues("logsources").Add(float64(skipped))

		inserted, skipped, err = s.insertSelections(ctx, tx, result.Selections)
		if err != nil {
			return err
		}
		info.Selections = inserted
		info.Skipped += skipped
		metrics.IndexRowsSkipped.WithLabelValues("selections").Add(float64(skipped))

		return writeMeta(ctx, tx, info)
	})
	if err != nil {
		return nil, &StorageError{Op: "bulk_insert", Path: s.Path, Err: err}
	}

	duration := time.Since(start)
	metrics.IndexBuildDuration.Observe(duration.Seconds())
	metrics.IndexRows.WithLabelValues("logsources").Set(float64(info.LogSources))
	metrics.IndexRows.WithLabelValues("selections").Set(float64(info.Selections))

	s.Logger.Infow("Index built",
		"build_id", info.BuildID,
		"documents", info.Documents,
		"logsources", info.LogSources,
		"selections", info.Selections,
		"skipped", info.Skipped,
		"duration", duration)

	s.index = &Index{db: s.ReadDB, info: info}
	return s.index, nil
}

func (s *SQLite) insertLogSources(ctx context.Context, tx *sqlx.Tx, records []corpus.LogSourceRecord) (inserted, skipped int, err error) {
	stmt, err := tx.PreparexContext(ctx, insertLogSourceSQL)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare logsource insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		if r.Document == "" {
			s.Logger.Warnw("Skipping logsource record", "error", fmt.Errorf("%w: empty document", ErrMalformedRecord))
			skipped++
			continue
		}
		if _, err := stmt.ExecContext(ctx, r.Category, r.Product, r.Service, r.Document); err != nil {
			if ctx.Err() != nil {
				return 0, 0, ctx.Err()
			}
			s.Logger.Warnw("Skipping logsource record", "document", r.Document, "error", err)
			skipped++
			continue
		}
		inserted++
	}
	return inserted, skipped, nil
}

func (s *SQLite) insertSelections(ctx context.Context, tx *sqlx.Tx, records []corpus.SelectionRecord) (inserted, skipped int, err error) {
	stmt, err := tx.PreparexContext(ctx, insertSelectionSQL)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare selection insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		if r.Document == "" || r.FieldName == "" {
			s.Logger.Warnw("Skipping selection record", "document", r.Document,
				"error", fmt.Errorf("%w: empty document or field name", ErrMalformedRecord))
			skipped++
			continue
		}
		if _, err := stmt.ExecContext(ctx, r.FieldName, r.Value, r.Document); err != nil {
			if ctx.Err() != nil {
				return 0, 0, ctx.Err()
			}
			s.Logger.Warnw("Skipping selection record", "document", r.Document, "field", r.FieldName, "error", err)
			skipped++
			continue
		}
		inserted++
	}
	return inserted, skipped, nil
}

func writeMeta(ctx context.Context, tx *sqlx.Tx, info BuildInfo) error {
	entries := []metaEntry{
		{Key: "build_id", Value: info.BuildID},
		{Key: "built_at", Value: info.BuiltAt.Format(time.RFC3339Nano)},
		{Key: "corpus_root", Value: info.CorpusRoot},
		{Key: "documents", Value: strconv.Itoa(info.Documents)},
		{Key: "logsources", Value: strconv.Itoa(info.LogSources)},
		{Key: "selections", Value: strconv.Itoa(info.Selections)},
		{Key: "skipped", Value: strconv.Itoa(info.Skipped)},
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, upsertMetaSQL, e.Key, e.Value); err != nil {
			return fmt.Errorf("failed to write index metadata %s: %w", e.Key, err)
		}
	}
	return nil
}
