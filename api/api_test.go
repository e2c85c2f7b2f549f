package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sigmadex/config"
	"sigmadex/search"
	"sigmadex/storage"
	"sigmadex/util/goroutine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockSearcher is a Searcher whose behaviour is set per test.
type mockSearcher struct {
	mu    sync.Mutex
	calls int

	searchByTerm    func(ctx context.Context, table, column, term string) ([]search.Row, error)
	searchDocuments func(ctx context.Context, q search.DocumentQuery) ([]string, error)
	fetchDocument   func(ctx context.Context, doc string) (string, error)
	stats           func(ctx context.Context) (*search.Stats, error)
	ready           func(ctx context.Context) error
	info            storage.BuildInfo
}

func (m *mockSearcher) record() {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

func (m *mockSearcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockSearcher) SearchByTerm(ctx context.Context, table, column, term string) ([]search.Row, error) {
	m.record()
	if m.searchByTerm != nil {
		return m.searchByTerm(ctx, table, column, term)
	}
	return nil, nil
}

func (m *mockSearcher) SearchDocuments(ctx context.Context, q search.DocumentQuery) ([]string, error) {
	m.record()
	if m.searchDocuments != nil {
		return m.searchDocuments(ctx, q)
	}
	return nil, nil
}

func (m *mockSearcher) FetchDocument(ctx context.Context, doc string) (string, error) {
	m.record()
	if m.fetchDocument != nil {
		return m.fetchDocument(ctx, doc)
	}
	return "", search.ErrNotFound
}

func (m *mockSearcher) Stats(ctx context.Context) (*search.Stats, error) {
	m.record()
	if m.stats != nil {
		return m.stats(ctx)
	}
	return &search.Stats{}, nil
}

func (m *mockSearcher) Ready(ctx context.Context) error {
	if m.ready != nil {
		return m.ready(ctx)
	}
	return nil
}

func (m *mockSearcher) Info() storage.BuildInfo {
	return m.info
}

// newTestConfig returns an API config with rate limiting off
func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 0
	cfg.API.AllowedOrigins = []string{"*"}
	cfg.API.ReadTimeout = 5 * time.Second
	cfg.API.WriteTimeout = 5 * time.Second
	cfg.API.IdleTimeout = 5 * time.Second
	cfg.API.RequestTimeout = 5 * time.Second
	cfg.API.ShutdownTimeout = 5 * time.Second
	return cfg
}

func setupTestAPI(t *testing.T, searcher Searcher, mutate func(cfg *config.Config)) *API {
	t.Helper()
	cfg := newTestConfig()
	if mutate != nil {
		mutate(cfg)
	}
	a := NewAPI(searcher, cfg, zap.NewNop().Sugar())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func doRequest(a *API, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error
}

func TestSearchByTerm(t *testing.T) {
	var gotTable, gotColumn, gotTerm string
	m := &mockSearcher{
		searchByTerm: func(ctx context.Context, table, column, term string) ([]search.Row, error) {
			gotTable, gotColumn, gotTerm = table, column, term
			return []search.Row{
				{"fieldName": "Image|endswith", "document": "windows/a.yml"},
			}, nil
		},
	}
	a := setupTestAPI(t, m, nil)

	rr := doRequest(a, http.MethodGet, "/search?source=selections&column=fieldName&question=image", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, "selections", gotTable)
	assert.Equal(t, "fieldName", gotColumn)
	assert.Equal(t, "image", gotTerm)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	var rows []map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	assert.Equal(t, []map[string]string{{"fieldName": "Image|endswith", "document": "windows/a.yml"}}, rows)
}

func TestSearchByTerm_EmptyResultIsArray(t *testing.T) {
	a := setupTestAPI(t, &mockSearcher{}, nil)

	rr := doRequest(a, http.MethodGet, "/search?source=logsources&column=*&question=nothing", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestSearchByTerm_EmptyQuestionIsAllowed(t *testing.T) {
	called := false
	m := &mockSearcher{
		searchByTerm: func(ctx context.Context, table, column, term string) ([]search.Row, error) {
			called = true
			assert.Equal(t, "", term)
			return nil, nil
		},
	}
	a := setupTestAPI(t, m, nil)

	rr := doRequest(a, http.MethodGet, "/search?source=logsources&column=product&question=", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, called)
}

func TestSearchByTerm_BadParameters(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"missing question", "/search?source=logsources&column=product"},
		{"missing source", "/search?column=product&question=x"},
		{"missing column", "/search?source=logsources&question=x"},
		{"overlong question", "/search?source=logsources&column=product&question=" + strings.Repeat("a", 2000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockSearcher{}
			a := setupTestAPI(t, m, nil)

			rr := doRequest(a, http.MethodGet, tt.target, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, decodeError(t, rr), "invalid query")
			assert.Equal(t, 0, m.callCount(), "Searcher must not be reached")
		})
	}
}

func TestSearchByTerm_ServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid query", fmt.Errorf("%w: unknown table %q", search.ErrInvalidQuery, "users"), http.StatusBadRequest},
		{"not ready", search.ErrNotReady, http.StatusServiceUnavailable},
		{"storage", &storage.StorageError{Op: "query", Path: "/var/lib/sigmadex.db", Err: errors.New("disk I/O error")}, http.StatusInternalServerError},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockSearcher{
				searchByTerm: func(ctx context.Context, table, column, term string) ([]search.Row, error) {
					return nil, tt.err
				},
			}
			a := setupTestAPI(t, m, nil)

			rr := doRequest(a, http.MethodGet, "/search?source=x&column=y&question=z", nil)
			assert.Equal(t, tt.status, rr.Code)
			msg := decodeError(t, rr)
			assert.NotContains(t, msg, "/var/lib", "Internal paths must not leak")
		})
	}
}

func TestGetDocument(t *testing.T) {
	const content = "title: Test\nlogsource:\n  product: windows\n"
	m := &mockSearcher{
		fetchDocument: func(ctx context.Context, doc string) (string, error) {
			if doc == "windows/a.yml" {
				return content, nil
			}
			return "", fmt.Errorf("%w: %s", search.ErrNotFound, doc)
		},
	}
	a := setupTestAPI(t, m, nil)

	rr := doRequest(a, http.MethodGet, "/getDoc?doc=windows/a.yml", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	var got string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got), "Body is a JSON string")
	assert.Equal(t, content, got)
}

func TestGetDocument_Errors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		status int
		msg    string
	}{
		{"missing", "/getDoc?doc=../../etc/passwd", fmt.Errorf("%w: outside root: ../../etc/passwd", search.ErrNotFound), http.StatusNotFound, "document not found"},
		{"read failure", "/getDoc?doc=a.yml", fmt.Errorf("%w: permission denied", search.ErrIO), http.StatusInternalServerError, "document read failed"},
		{"no doc parameter", "/getDoc", nil, http.StatusBadRequest, "invalid query"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockSearcher{
				fetchDocument: func(ctx context.Context, doc string) (string, error) {
					return "", tt.err
				},
			}
			a := setupTestAPI(t, m, nil)

			rr := doRequest(a, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.status, rr.Code)
			msg := decodeError(t, rr)
			assert.Contains(t, msg, tt.msg)
			assert.NotContains(t, msg, "etc/passwd")
		})
	}
}

func TestSearchDocuments(t *testing.T) {
	var got search.DocumentQuery
	m := &mockSearcher{
		searchDocuments: func(ctx context.Context, q search.DocumentQuery) ([]string, error) {
			got = q
			return []string{"a.yml", "b.yml"}, nil
		},
	}
	a := setupTestAPI(t, m, nil)

	rr := doRequest(a, http.MethodGet,
		"/documents?source=selections&column=value&question=cmd&within=logsources&withinColumn=product&withinQuestion=windows", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `["a.yml","b.yml"]`, rr.Body.String())
	assert.Equal(t, search.DocumentQuery{
		Source:       "selections",
		Column:       "value",
		Term:         "cmd",
		Within:       "logsources",
		WithinColumn: "product",
		WithinTerm:   "windows",
	}, got)
}

func TestSearchDocuments_WithinRequiresColumn(t *testing.T) {
	m := &mockSearcher{}
	a := setupTestAPI(t, m, nil)

	rr := doRequest(a, http.MethodGet, "/documents?source=selections&column=value&question=cmd&within=logsources", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr), "WithinColumn")
	assert.Equal(t, 0, m.callCount())
}

func TestGetStats(t *testing.T) {
	m := &mockSearcher{
		stats: func(ctx context.Context) (*search.Stats, error) {
			return &search.Stats{
				Build: storage.BuildInfo{BuildID: "b-1", Documents: 2},
				Rows:  storage.TableCounts{LogSources: 2, Selections: 5, Documents: 2},
			}, nil
		},
	}
	a := setupTestAPI(t, m, nil)

	rr := doRequest(a, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Build storage.BuildInfo   `json:"build"`
		Rows  storage.TableCounts `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "b-1", body.Build.BuildID)
	assert.Equal(t, 5, body.Rows.Selections)
}

func TestHealthCheck(t *testing.T) {
	builtAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &mockSearcher{info: storage.BuildInfo{BuildID: "build-42", BuiltAt: builtAt}}
	a := setupTestAPI(t, m, nil)

	rr := doRequest(a, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "build-42", body["build_id"])
	assert.Equal(t, builtAt.Format(time.RFC3339), body["built_at"])
	assert.NotEmpty(t, body["time"])
}

func TestHealthCheck_NotReady(t *testing.T) {
	m := &mockSearcher{ready: func(ctx context.Context) error {
		return fmt.Errorf("%w: database is closed", search.ErrNotReady)
	}}
	a := setupTestAPI(t, m, nil)

	rr := doRequest(a, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body["status"])
	assert.NotContains(t, body, "build_id")
}

func TestMetricsEndpoint(t *testing.T) {
	a := setupTestAPI(t, &mockSearcher{}, nil)

	doRequest(a, http.MethodGet, "/search?source=logsources&column=product&question=x", nil)
	rr := doRequest(a, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "sigmadex_http_requests_total")
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	a := setupTestAPI(t, &mockSearcher{}, nil)

	rr := doRequest(a, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not found", decodeError(t, rr))

	rr = doRequest(a, http.MethodPost, "/search?source=a&column=b&question=c", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestAPI_ServeAndStop(t *testing.T) {
	goroutine.AssertNoLeaks(t)

	m := &mockSearcher{info: storage.BuildInfo{BuildID: "live"}}
	a := NewAPI(m, newTestConfig(), zap.NewNop().Sugar())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.Serve(l) }()

	transport := &http.Transport{DisableKeepAlives: true}
	client := &http.Client{Transport: transport, Timeout: 5 * time.Second}
	defer transport.CloseIdleConnections()

	resp, err := client.Get("http://" + l.Addr().String() + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"build_id":"live"`)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
	assert.ErrorIs(t, <-serveErr, http.ErrServerClosed)

	assert.NoError(t, a.Stop(ctx), "Stop is idempotent")
}
