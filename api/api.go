// Package api exposes the rule index over HTTP.
//
// Routes:
//
//	GET /search?source=&column=&question=      matching rows
//	GET /getDoc?doc=                           raw rule document as a JSON string
//	GET /documents?source=&column=&question=&within=&withinColumn=&withinQuestion=
//	GET /stats                                 index statistics
//	GET /health                                readiness
//	GET /metrics                               Prometheus exposition
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"sigmadex/config"
	"sigmadex/search"
	"sigmadex/storage"
	"sigmadex/util/goroutine"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Searcher is the query surface the API serves. *search.Service implements it.
type Searcher interface {
	SearchByTerm(ctx context.Context, table, column, term string) ([]search.Row, error)
	SearchDocuments(ctx context.Context, q search.DocumentQuery) ([]string, error)
	FetchDocument(ctx context.Context, doc string) (string, error)
	Stats(ctx context.Context) (*search.Stats, error)
	Ready(ctx context.Context) error
	Info() storage.BuildInfo
}

var _ Searcher = (*search.Service)(nil)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// API holds the API server
type API struct {
	router   *mux.Router
	server   *http.Server
	searcher Searcher
	config   *config.Config
	logger   *zap.SugaredLogger
	validate *validator.Validate

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex

	serverMu sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAPI creates the API and starts its background limiter cleanup. Call Stop to release it.
func NewAPI(searcher Searcher, cfg *config.Config, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &API{
		router:       mux.NewRouter(),
		searcher:     searcher,
		config:       cfg,
		logger:       logger,
		validate:     validator.New(),
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	goroutine.Go(&a.wg, "rate-limiter-cleanup", logger, a.cleanupRateLimiters)
	return a
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.recoveryMiddleware)
	a.router.Use(a.requestIDMiddleware)
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)
	a.router.Use(a.timeoutMiddleware)

	a.router.HandleFunc("/search", a.searchByTerm).Methods(http.MethodGet, http.MethodOptions)
	a.router.HandleFunc("/getDoc", a.getDocument).Methods(http.MethodGet, http.MethodOptions)
	a.router.HandleFunc("/documents", a.searchDocuments).Methods(http.MethodGet, http.MethodOptions)
	a.router.HandleFunc("/stats", a.getStats).Methods(http.MethodGet, http.MethodOptions)
	a.router.HandleFunc("/health", a.healthCheck).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.respondJSON(w, errorResponse{Error: "not found"}, http.StatusNotFound)
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.respondJSON(w, errorResponse{Error: "method not allowed"}, http.StatusMethodNotAllowed)
	})
}

// Handler returns the routed handler with all middleware applied.
func (a *API) Handler() http.Handler {
	return a.router
}

// Start listens on addr and serves until Stop is called.
// It returns http.ErrServerClosed after a graceful stop.
func (a *API) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.Serve(l)
}

// Serve accepts connections on l until Stop is called.
func (a *API) Serve(l net.Listener) error {
	a.serverMu.Lock()
	select {
	case <-a.stopCh:
		a.serverMu.Unlock()
		l.Close()
		return http.ErrServerClosed
	default:
	}
	a.server = &http.Server{
		Handler:      a.router,
		ReadTimeout:  a.config.API.ReadTimeout,
		WriteTimeout: a.config.API.WriteTimeout,
		IdleTimeout:  a.config.API.IdleTimeout,
		ErrorLog:     zap.NewStdLog(a.logger.Desugar()),
	}
	server := a.server
	a.serverMu.Unlock()

	a.logger.Infow("API server listening", "addr", l.Addr().String())
	return server.Serve(l)
}

// Stop shuts the server down gracefully and stops background work.
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })

	a.serverMu.Lock()
	server := a.server
	a.serverMu.Unlock()

	var err error
	if server != nil {
		if err = server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warnw("API server shutdown incomplete", "error", err)
		} else {
			err = nil
		}
	}
	a.wg.Wait()
	return err
}
