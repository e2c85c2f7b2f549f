package search

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"sigmadex/corpus"
	"sigmadex/storage"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	windowsRule = `title: Whoami Execution
logsource:
  category: process_creation
  product: windows
detection:
  selection:
    EventID: 1
    Image|endswith: '\whoami.exe'
  filter:
    CommandLine|contains:
      - '/all'
      - '/priv'
  keywords:
    - whoami
  condition: selection and not filter
`
	linuxRule = `title: Auditd Execve
logsource:
  product: linux
  service: auditd
detection:
  selection:
    type: EXECVE
    a0: 50%_off
  condition: selection
`
)

// recordingQuerier counts queries and optionally delegates to a real pool.
type recordingQuerier struct {
	next  storage.Querier
	calls atomic.Int32
}

func (q *recordingQuerier) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	q.calls.Add(1)
	if q.next == nil {
		return nil, errors.New("unexpected query")
	}
	return q.next.QueryxContext(ctx, query, args...)
}

func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

func buildIndex(t *testing.T, root string) *storage.Index {
	t.Helper()
	logger := zap.NewNop().Sugar()

	result, err := corpus.NewLoader(root, nil, logger).Load(context.Background())
	require.NoError(t, err)

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "index.db"), 4, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	index, err := store.BulkInsert(context.Background(), result)
	require.NoError(t, err)
	return index
}

func setupService(t *testing.T, opts Options) (*Service, string) {
	t.Helper()
	root := writeCorpus(t, map[string]string{
		"windows/whoami.yml": windowsRule,
		"linux/execve.yml":   linuxRule,
	})
	svc, err := NewService(buildIndex(t, root), root, opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	return svc, root
}

func TestNewService_NilIndex(t *testing.T) {
	svc, err := NewService(nil, t.TempDir(), Options{}, zap.NewNop().Sugar())
	assert.Nil(t, svc)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSearchByTerm_RoundTrip(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"a.yml": "logsource:\n  category: process_creation\n  product: windows\ndetection:\n  selection:\n    EventID: 1\n  condition: selection\n",
		"b.yml": "logsource:\n  product: linux\ndetection:\n  selection:\n    type: EXECVE\n  condition: selection\n",
	})
	svc, err := NewService(buildIndex(t, root), root, Options{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	ctx := context.Background()

	rows, err := svc.SearchByTerm(ctx, TableSelections, "fieldName", "EventID")
	require.NoError(t, err)
	assert.Equal(t, []Row{{"fieldName": "EventID", "document": "a.yml"}}, rows)

	rows, err = svc.SearchByTerm(ctx, TableLogSources, "product", "windows")
	require.NoError(t, err)
	assert.Equal(t, []Row{{"product": "windows", "document": "a.yml"}}, rows)
}

func TestSearchByTerm_Wildcard(t *testing.T) {
	svc, _ := setupService(t, Options{})

	rows, err := svc.SearchByTerm(context.Background(), TableLogSources, Wildcard, "auditd")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, Row{
		"category": "",
		"product":  "linux",
		"service":  "auditd",
		"document": "linux/execve.yml",
	}, rows[0])
}

func TestSearchByTerm_EmptyTermReturnsAllRows(t *testing.T) {
	svc, _ := setupService(t, Options{})
	ctx := context.Background()

	rows, err := svc.SearchByTerm(ctx, TableSelections, Wildcard, "")
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, stats.Rows.Selections)
	assert.Equal(t, 5, stats.Rows.Selections)
}

func TestSearchByTerm_InsertionOrder(t *testing.T) {
	svc, _ := setupService(t, Options{})

	rows, err := svc.SearchByTerm(context.Background(), TableSelections, "fieldName", "")
	require.NoError(t, err)

	var fields []string
	for _, row := range rows {
		fields = append(fields, row["fieldName"])
	}
	// linux/ sorts before windows/ in the walk
	assert.Equal(t, []string{"type", "a0", "EventID", "Image|endswith", "CommandLine|contains"}, fields)
}

func TestSearchByTerm_StringifiedValues(t *testing.T) {
	svc, _ := setupService(t, Options{})

	rows, err := svc.SearchByTerm(context.Background(), TableSelections, "fieldName", "CommandLine")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "windows/whoami.yml", rows[0]["document"])

	rows, err = svc.SearchByTerm(context.Background(), TableSelections, Wildcard, "CommandLine")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "[/all, /priv]", rows[0]["value"])
}

func TestSearchByTerm_LikeMetacharactersAreLiteral(t *testing.T) {
	svc, _ := setupService(t, Options{})
	ctx := context.Background()

	rows, err := svc.SearchByTerm(ctx, TableSelections, "value", "%")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "50%_off", rows[0]["value"])

	rows, err = svc.SearchByTerm(ctx, TableSelections, "value", "5_%")
	require.NoError(t, err)
	assert.Empty(t, rows, "Underscore must not match an arbitrary character")

	rows, err = svc.SearchByTerm(ctx, TableSelections, "value", "%_o")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = svc.SearchByTerm(ctx, TableSelections, "value", `\whoami`)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSearchByTerm_CaseInsensitive(t *testing.T) {
	svc, _ := setupService(t, Options{})

	rows, err := svc.SearchByTerm(context.Background(), TableLogSources, "product", "WINDOWS")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSearchByTerm_NoMatchIsEmptyNotNil(t *testing.T) {
	svc, _ := setupService(t, Options{})

	rows, err := svc.SearchByTerm(context.Background(), TableLogSources, "product", "macos")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestSearchByTerm_InvalidInputNeverQueried(t *testing.T) {
	svc, _ := setupService(t, Options{})
	recorder := &recordingQuerier{}
	svc.querier = recorder

	tests := []struct {
		name   string
		table  string
		column string
	}{
		{"unknown table", "rules", "title"},
		{"injected table", "selections; DROP TABLE selections", "value"},
		{"unknown column", TableSelections, "id"},
		{"column from other table", TableLogSources, "fieldName"},
		{"injected column", TableSelections, "value) OR 1=1 --"},
		{"empty column", TableSelections, ""},
		{"wrong case column", TableSelections, "fieldname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := svc.SearchByTerm(context.Background(), tt.table, tt.column, "x")
			assert.Nil(t, rows)
			assert.ErrorIs(t, err, ErrInvalidQuery)
		})
	}
	assert.Equal(t, int32(0), recorder.calls.Load(), "Invalid input must never reach query execution")
}

func TestSearchByTerm_MaxResults(t *testing.T) {
	svc, _ := setupService(t, Options{MaxResults: 2})

	rows, err := svc.SearchByTerm(context.Background(), TableSelections, Wildcard, "")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSearchByTerm_Cache(t *testing.T) {
	svc, _ := setupService(t, Options{CacheSize: 8})
	recorder := &recordingQuerier{next: svc.querier}
	svc.querier = recorder
	ctx := context.Background()

	first, err := svc.SearchByTerm(ctx, TableSelections, "value", "whoami")
	require.NoError(t, err)
	second, err := svc.SearchByTerm(ctx, TableSelections, "value", "whoami")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), recorder.calls.Load())

	_, err = svc.SearchByTerm(ctx, TableSelections, "value", "WHOAMI")
	require.NoError(t, err)
	assert.Equal(t, int32(2), recorder.calls.Load(), "Distinct terms are cached separately")
}

func TestSearchByTerm_ConcurrentReaders(t *testing.T) {
	svc, _ := setupService(t, Options{})
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			rows, err := svc.SearchByTerm(gctx, TableSelections, Wildcard, "")
			if err != nil {
				return err
			}
			if len(rows) != 5 {
				return errors.New("reader observed a partial index")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestSearchDocuments(t *testing.T) {
	svc, _ := setupService(t, Options{})
	ctx := context.Background()

	docs, err := svc.SearchDocuments(ctx, DocumentQuery{Source: TableSelections, Column: Wildcard, Term: ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"linux/execve.yml", "windows/whoami.yml"}, docs)

	docs, err = svc.SearchDocuments(ctx, DocumentQuery{
		Source: TableSelections, Column: "fieldName", Term: "",
		Within: TableLogSources, WithinColumn: "product", WithinTerm: "windows",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"windows/whoami.yml"}, docs)

	docs, err = svc.SearchDocuments(ctx, DocumentQuery{
		Source: TableSelections, Column: "value", Term: "whoami",
		Within: TableLogSources, WithinColumn: Wildcard, WithinTerm: "linux",
	})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSearchDocuments_InvalidConstraint(t *testing.T) {
	svc, _ := setupService(t, Options{})
	recorder := &recordingQuerier{}
	svc.querier = recorder

	_, err := svc.SearchDocuments(context.Background(), DocumentQuery{
		Source: TableSelections, Column: "value", Term: "x",
		Within: "users", WithinColumn: "password", WithinTerm: "x",
	})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	assert.Equal(t, int32(0), recorder.calls.Load())
}

func TestStats(t *testing.T) {
	svc, root := setupService(t, Options{CacheSize: 4})
	ctx := context.Background()

	_, err := svc.SearchByTerm(ctx, TableLogSources, Wildcard, "")
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.TableCounts{LogSources: 2, Selections: 5, Documents: 2}, stats.Rows)
	assert.Equal(t, root, stats.Build.CorpusRoot)
	assert.Equal(t, stats.Build.BuildID, stats.Meta["build_id"])
	assert.Equal(t, 1, stats.CachedTerms)
	assert.Contains(t, stats.Tables, TableSelections)
}

func TestReady(t *testing.T) {
	svc, _ := setupService(t, Options{})
	assert.NoError(t, svc.Ready(context.Background()))
	assert.NotEmpty(t, svc.Info().BuildID)
}

func TestFetchDocument(t *testing.T) {
	svc, root := setupService(t, Options{})
	ctx := context.Background()

	content, err := svc.FetchDocument(ctx, "windows/whoami.yml")
	require.NoError(t, err)
	assert.Equal(t, windowsRule, content)

	content, err = svc.FetchDocument(ctx, filepath.Join(root, "linux", "execve.yml"))
	require.NoError(t, err, "Absolute paths inside the root are served")
	assert.Equal(t, linuxRule, content)
}

func TestFetchDocument_Rejections(t *testing.T) {
	svc, root := setupService(t, Options{})
	ctx := context.Background()

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.yml")
	require.NoError(t, os.WriteFile(secret, []byte("secret: true\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("notes"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "UPPER.YML"), []byte("title: upper\n"), 0644))

	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"missing", "windows/missing.yml"},
		{"parent escape", "../secret.yml"},
		{"nested escape", "windows/../../secret.yml"},
		{"absolute outside", secret},
		{"wrong extension", "notes.txt"},
		{"extension case", "UPPER.YML"},
		{"directory", "windows"},
		{"null byte", "windows/whoami.yml\x00.yml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := svc.FetchDocument(ctx, tt.doc)
			assert.Empty(t, content)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFetchDocument_SymlinkEscape(t *testing.T) {
	svc, root := setupService(t, Options{})

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.yml")
	require.NoError(t, os.WriteFile(secret, []byte("secret: true\n"), 0644))

	link := filepath.Join(root, "windows", "link.yml")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	_, err := svc.FetchDocument(context.Background(), "windows/link.yml")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchDocument_TooLarge(t *testing.T) {
	svc, _ := setupService(t, Options{MaxDocumentBytes: 16})

	_, err := svc.FetchDocument(context.Background(), "windows/whoami.yml")
	assert.ErrorIs(t, err, ErrIO)
}
