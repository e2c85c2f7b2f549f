package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"sigmadex/api"
	"sigmadex/config"
	"sigmadex/search"
	"sigmadex/util/goroutine"

	"go.uber.org/zap"
)

// App represents the sigmadex service with all its components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Index     *IndexComponents
	Search    *search.Service
	APIServer *api.API

	listener     net.Listener
	serviceWg    sync.WaitGroup
	apiErrCh     <-chan error
	shutdownOnce sync.Once
}

// NewApp loads configuration, builds the index and prepares the API.
// Nothing listens until Start.
func NewApp(ctx context.Context, configFile string) (*App, error) {
	// bootstrap logger until the configured level is known
	_, bootSugar, err := InitLogger("info")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := InitConfig(configFile, bootSugar)
	if err != nil {
		return nil, err
	}

	logger, _, err := InitLogger(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig builds the application from an already validated config.
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()
	app := &App{
		Config: cfg,
		Logger: logger,
		Sugar:  sugar,
	}

	sugar.Info("sigmadex starting...")

	components, err := BuildIndex(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Index = components

	svc, err := search.NewService(components.Index, cfg.Corpus.Root, search.Options{
		MaxResults:       cfg.Search.MaxResults,
		CacheSize:        cfg.Search.CacheSize,
		Extensions:       cfg.Corpus.Extensions,
		MaxDocumentBytes: cfg.Search.MaxDocumentBytes,
	}, sugar.Named("search"))
	if err != nil {
		components.Close()
		return nil, fmt.Errorf("failed to initialize search service: %w", err)
	}
	app.Search = svc

	app.APIServer = api.NewAPI(svc, cfg, sugar.Named("api"))
	return app, nil
}

// Start binds the configured address and serves the API in the background.
func (a *App) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l, err := net.Listen("tcp", a.Config.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Config.Address(), err)
	}
	a.listener = l

	a.apiErrCh = goroutine.GoErr(&a.serviceWg, "api-server", a.Sugar, func() error {
		err := a.APIServer.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	a.Sugar.Infow("sigmadex ready",
		"address", l.Addr().String(),
		"build_id", a.Search.Info().BuildID)
	return nil
}

// Addr returns the bound API address, or nil before Start.
func (a *App) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// WaitForShutdown blocks until a shutdown signal arrives, ctx is done or the
// API server fails. A server failure is returned.
func (a *App) WaitForShutdown(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Received shutdown signal", "signal", sig.String())
		return nil
	case <-ctx.Done():
		return nil
	case err, ok := <-a.apiErrCh:
		if ok && err != nil {
			a.Sugar.Errorw("API server failed", "error", err)
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}
}

// Shutdown gracefully shuts down all components. It is safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - Stop API server, draining in-flight requests
	a.Sugar.Info("Phase 1: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.API.ShutdownTimeout)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("API server shutdown error", "error", err)
		}
		cancel()
	}

	// Phase 2 - Wait for service goroutines
	a.Sugar.Info("Phase 2: Waiting for service goroutines to complete...")
	a.serviceWg.Wait()

	// Phase 3 - Close database connections
	a.Sugar.Info("Phase 3: Closing index database...")
	if err := a.Index.Close(); err != nil {
		a.Sugar.Errorw("Failed to close index database", "error", err)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
