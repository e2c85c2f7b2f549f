// Package search answers keyword queries against a built rule index and
// serves the rule documents the index points at.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"sigmadex/corpus"
	"sigmadex/metrics"
	"sigmadex/storage"

	"go.uber.org/zap"
)

// DefaultMaxDocumentBytes caps FetchDocument when no limit is configured.
const DefaultMaxDocumentBytes int64 = 10 << 20

// Row is one result row keyed by column name.
// Rows returned by the service may be shared with the result cache and must not be modified.
type Row map[string]string

// Options tunes a Service.
type Options struct {
	// MaxResults limits rows per search; 0 means unlimited.
	MaxResults int
	// CacheSize is the number of term searches kept in the LRU; 0 disables it.
	CacheSize int
	// Extensions are the file extensions FetchDocument will serve.
	Extensions []string
	// MaxDocumentBytes caps the size of a fetched document.
	MaxDocumentBytes int64
}

// DocumentQuery selects distinct documents matching Term in Source.Column,
// optionally restricted to documents that also match WithinTerm in
// Within.WithinColumn.
type DocumentQuery struct {
	Source       string
	Column       string
	Term         string
	Within       string
	WithinColumn string
	WithinTerm   string
}

// Stats describes the index the service reads from.
type Stats struct {
	Build       storage.BuildInfo   `json:"build"`
	Rows        storage.TableCounts `json:"rows"`
	Meta        map[string]string   `json:"meta"`
	Tables      map[string][]string `json:"tables"`
	CachedTerms int                 `json:"cached_terms"`
}

// Service is a read-only query API over one immutable index.
// It is safe for concurrent use.
type Service struct {
	index    *storage.Index
	querier  storage.Querier
	root     string // absolute corpus root as configured
	realRoot string // corpus root with symlinks resolved
	opts     Options
	cache    *resultCache
	logger   *zap.SugaredLogger
}

// NewService creates a service over index. A nil index yields ErrNotReady.
func NewService(index *storage.Index, corpusRoot string, opts Options, logger *zap.SugaredLogger) (*Service, error) {
	if index == nil {
		return nil, ErrNotReady
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = corpus.DefaultExtensions
	}
	if opts.MaxDocumentBytes <= 0 {
		opts.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	if opts.MaxResults < 0 {
		opts.MaxResults = 0
	}

	root, err := filepath.Abs(corpusRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve corpus root %s: %w", corpusRoot, err)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve corpus root %s: %w", corpusRoot, err)
	}

	cache, err := newResultCache(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	return &Service{
		index:    index,
		querier:  index.Querier(),
		root:     root,
		realRoot: realRoot,
		opts:     opts,
		cache:    cache,
		logger:   logger,
	}, nil
}

// Info returns the build metadata of the underlying index.
func (s *Service) Info() storage.BuildInfo {
	return s.index.Info()
}

// Ready reports whether the index can still be queried.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.index.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return nil
}

// SearchByTerm returns rows of table whose column contains term.
//
// With column set to Wildcard every searchable column of the table is
// matched and returned; otherwise only column and document are returned.
// Matching is a literal, ASCII case-insensitive substring test and an empty
// term matches every row. Rows come back in insertion order.
func (s *Service) SearchByTerm(ctx context.Context, table, column, term string) ([]Row, error) {
	const op = "term"
	start := time.Now()
	defer func() { metrics.SearchDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	sc, err := resolveScope(table, column)
	if err != nil {
		metrics.SearchRequests.WithLabelValues(op, "invalid").Inc()
		return nil, err
	}

	key := cacheKey(table, column, term)
	if rows, ok := s.cache.get(key); ok {
		metrics.SearchRequests.WithLabelValues(op, "ok").Inc()
		return rows, nil
	}

	b := NewSQLBuilder().
		Select(sc.output()...).
		From(sc.table).
		WhereContains(sc.columns, term).
		OrderBy("id", "ASC")
	if s.opts.MaxResults > 0 {
		b.Limit(s.opts.MaxResults)
	}
	query, params := b.Build()

	rows, err := s.queryRows(ctx, query, params)
	if err != nil {
		metrics.SearchRequests.WithLabelValues(op, "error").Inc()
		s.logger.Errorw("Term search failed", "table", table, "column", column, "error", err)
		return nil, fmt.Errorf("search %s.%s: %w", table, column, err)
	}

	s.cache.add(key, rows)
	metrics.SearchRequests.WithLabelValues(op, "ok").Inc()
	return rows, nil
}

// SearchDocuments returns the distinct documents matching q, sorted by document id.
func (s *Service) SearchDocuments(ctx context.Context, q DocumentQuery) ([]string, error) {
	const op = "documents"
	start := time.Now()
	defer func() { metrics.SearchDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	primary, err := resolveScope(q.Source, q.Column)
	if err != nil {
		metrics.SearchRequests.WithLabelValues(op, "invalid").Inc()
		return nil, err
	}

	b := NewSQLBuilder().
		Distinct().
		Select(documentColumn).
		From(primary.table).
		WhereContains(primary.columns, q.Term)

	if q.Within != "" {
		constraint, err := resolveScope(q.Within, q.WithinColumn)
		if err != nil {
			metrics.SearchRequests.WithLabelValues(op, "invalid").Inc()
			return nil, err
		}
		sub := NewSQLBuilder().
			Select(documentColumn).
			From(constraint.table).
			WhereContains(constraint.columns, q.WithinTerm)
		b.WhereIn(documentColumn, sub)
	}

	b.OrderBy(documentColumn, "ASC")
	if s.opts.MaxResults > 0 {
		b.Limit(s.opts.MaxResults)
	}
	query, params := b.Build()

	rows, err := s.queryRows(ctx, query, params)
	if err != nil {
		metrics.SearchRequests.WithLabelValues(op, "error").Inc()
		s.logger.Errorw("Document search failed", "source", q.Source, "within", q.Within, "error", err)
		return nil, fmt.Errorf("search documents in %s: %w", q.Source, err)
	}

	docs := make([]string, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row[documentColumn])
	}
	metrics.SearchRequests.WithLabelValues(op, "ok").Inc()
	return docs, nil
}

// Stats returns row counts and build metadata of the index.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	const op = "stats"
	start := time.Now()
	defer func() { metrics.SearchDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	counts, err := s.index.Counts(ctx)
	if err != nil {
		metrics.SearchRequests.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	meta, err := s.index.Meta(ctx)
	if err != nil {
		metrics.SearchRequests.WithLabelValues(op, "error").Inc()
		return nil, err
	}

	metrics.SearchRequests.WithLabelValues(op, "ok").Inc()
	return &Stats{
		Build:       s.index.Info(),
		Rows:        counts,
		Meta:        meta,
		Tables:      Tables(),
		CachedTerms: s.cache.len(),
	}, nil
}

// FetchDocument returns the contents of a rule document.
//
// doc is resolved relative to the corpus root; an absolute path is accepted
// only when it lies inside the root. Paths escaping the root, directly or
// through a symlink, missing files and files of other extensions yield
// ErrNotFound and are never opened. Read failures yield ErrIO.
func (s *Service) FetchDocument(ctx context.Context, doc string) (string, error) {
	const op = "fetch"
	start := time.Now()
	defer func() { metrics.SearchDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, err := s.resolveDocument(doc)
	if err != nil {
		outcome := "not_found"
		if errors.Is(err, ErrIO) {
			outcome = "error"
		}
		metrics.SearchRequests.WithLabelValues(op, outcome).Inc()
		s.logger.Warnw("Rejected document fetch", "doc", doc, "error", err)
		return "", err
	}

	content, err := s.readDocument(path)
	if err != nil {
		metrics.SearchRequests.WithLabelValues(op, "error").Inc()
		s.logger.Errorw("Failed to read document", "doc", doc, "error", err)
		return "", err
	}

	metrics.SearchRequests.WithLabelValues(op, "ok").Inc()
	return content, nil
}

// resolveDocument maps doc to a real file path inside the corpus root.
func (s *Service) resolveDocument(doc string) (string, error) {
	if doc == "" || strings.ContainsRune(doc, 0) {
		return "", fmt.Errorf("%w: empty or invalid path", ErrNotFound)
	}

	var candidate string
	if filepath.IsAbs(doc) {
		candidate = filepath.Clean(doc)
		if !within(s.root, candidate) && !within(s.realRoot, candidate) {
			return "", fmt.Errorf("%w: %s is outside the corpus", ErrNotFound, doc)
		}
	} else {
		candidate = filepath.Join(s.root, filepath.FromSlash(doc))
		if !within(s.root, candidate) {
			return "", fmt.Errorf("%w: %s is outside the corpus", ErrNotFound, doc)
		}
	}

	if !s.servable(candidate) {
		return "", fmt.Errorf("%w: %s is not a rule document", ErrNotFound, doc)
	}

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, doc)
		}
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !within(s.realRoot, resolved) {
		return "", fmt.Errorf("%w: %s resolves outside the corpus", ErrNotFound, doc)
	}
	if !s.servable(resolved) {
		return "", fmt.Errorf("%w: %s is not a rule document", ErrNotFound, doc)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, doc)
		}
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrNotFound, doc)
	}
	if info.Size() > s.opts.MaxDocumentBytes {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrIO, doc, s.opts.MaxDocumentBytes)
	}
	return resolved, nil
}

func (s *Service) readDocument(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.opts.MaxDocumentBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	if int64(len(data)) > s.opts.MaxDocumentBytes {
		return "", fmt.Errorf("%w: document exceeds %d bytes", ErrIO, s.opts.MaxDocumentBytes)
	}
	return string(data), nil
}

func (s *Service) servable(path string) bool {
	return slices.Contains(s.opts.Extensions, filepath.Ext(path))
}

// within reports whether path is root or lies beneath it. Both must be clean and absolute.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// queryRows runs query on the read pool and converts every row to strings.
func (s *Service) queryRows(ctx context.Context, query string, params []interface{}) ([]Row, error) {
	rows, err := s.querier.QueryxContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Row{}
	for rows.Next() {
		raw := make(map[string]interface{})
		if err := rows.MapScan(raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, toRow(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func toRow(raw map[string]interface{}) Row {
	row := make(Row, len(raw))
	for column, value := range raw {
		switch v := value.(type) {
		case nil:
			row[column] = ""
		case string:
			row[column] = v
		case []byte:
			row[column] = string(v)
		default:
			row[column] = fmt.Sprint(v)
		}
	}
	return row
}
