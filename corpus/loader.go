package corpus

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"sigmadex/metrics"

	"go.uber.org/zap"
)

// DefaultExtensions is the file filter used when none is configured.
var DefaultExtensions = []string{".yml"}

// Loader walks a rule directory and extracts index records from every rule file.
type Loader struct {
	root       string
	extensions []string
	logger     *zap.SugaredLogger
}

// NewLoader creates a loader for the corpus rooted at root. A nil or empty
// extension list falls back to DefaultExtensions.
func NewLoader(root string, extensions []string, logger *zap.SugaredLogger) *Loader {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Loader{
		root:       root,
		extensions: extensions,
		logger:     logger,
	}
}

// Load walks the corpus in lexical order and returns the extracted records.
//
// Unreadable or malformed files and rules missing a section are recorded
// in Result.Errors and logged; they never abort the walk. Only an invalid
// root or context cancellation produce an error.
func (l *Loader) Load(ctx context.Context) (*Result, error) {
	start := time.Now()

	info, err := os.Stat(l.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, l.root)
	}

	result := &Result{Root: l.root}

	err = filepath.WalkDir(l.root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == l.root {
				return walkErr
			}
			// unreadable subtree: report and keep going with its siblings
			l.fail(result, &ParseError{Path: l.documentID(path), Err: walkErr})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !l.matches(path) {
			return nil
		}

		result.FilesScanned++
		l.loadFile(path, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk corpus %s: %w", l.root, err)
	}

	result.Duration = time.Since(start)
	parseErrs, qualityErrs := CountErrors(result.Errors)
	metrics.CorpusLoadIssues.WithLabelValues("parse").Add(float64(parseErrs))
	metrics.CorpusLoadIssues.WithLabelValues("data_quality").Add(float64(qualityErrs))
	metrics.CorpusLoadDuration.Observe(result.Duration.Seconds())

	l.logger.Infow("Corpus loaded",
		"root", l.root,
		"files_scanned", result.FilesScanned,
		"files_loaded", result.FilesLoaded,
		"files_failed", result.FilesFailed,
		"files_skipped", result.FilesSkipped,
		"logsources", len(result.LogSources),
		"selections", len(result.Selections),
		"parse_errors", parseErrs,
		"data_quality_errors", qualityErrs,
		"duration", result.Duration)

	return result, nil
}

func (l *Loader) loadFile(path string, result *Result) {
	id := l.documentID(path)

	data, err := os.ReadFile(path)
	if err != nil {
		l.fail(result, &ParseError{Path: id, Err: err})
		return
	}

	ex, err := Extract(id, data)
	if err != nil {
		l.fail(result, err)
		return
	}

	for _, issue := range ex.Issues {
		l.logger.Warnw("Rule data quality issue", "document", id, "error", issue)
	}
	result.add(ex)
	if !ex.IsRule {
		l.logger.Debugw("Skipping YAML file without logsource or detection", "document", id)
		metrics.CorpusFiles.WithLabelValues("skipped").Inc()
		return
	}
	metrics.CorpusFiles.WithLabelValues("loaded").Inc()
}

func (l *Loader) fail(result *Result, err error) {
	l.logger.Warnw("Skipping rule file", "error", err)
	result.FilesFailed++
	result.Errors = append(result.Errors, err)
	metrics.CorpusFiles.WithLabelValues("failed").Inc()
}

// matches compares extensions exactly, so rule.YML is not a .yml rule.
func (l *Loader) matches(path string) bool {
	return slices.Contains(l.extensions, filepath.Ext(path))
}

// documentID converts a walked path into its corpus-relative identifier.
func (l *Loader) documentID(path string) string {
	rel, err := filepath.Rel(l.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
