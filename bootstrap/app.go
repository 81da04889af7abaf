package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sentinel/api"
	"sentinel/compliance"
	"sentinel/config"
	"sentinel/detect"
	"sentinel/util/goroutine"

	"go.uber.org/zap"
)

// App represents the sentinel service with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	Storage *StorageComponents

	// Detection
	Compliance *compliance.Validator
	Engine     *detect.SecurityEngine

	// Services
	APIServer *api.API

	// Lifecycle
	serviceWg    *sync.WaitGroup
	shutdownOnce sync.Once
}

// NewApp loads configuration from configPath (or the default locations) and
// initializes all components.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := LoadConfig(ctx, configPath)
	if err != nil {
		return nil, err
	}

	logger, sugar, err := InitLogger(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sugar.Info("Sentinel starting...")
	logConfig(cfg, sugar)

	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig initializes all components from an already loaded config.
// Components created before a failure are released before returning.
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...detect.EngineOption) (*App, error) {
	sugar := logger.Sugar()
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		serviceWg: &sync.WaitGroup{},
	}

	components, err := InitStorage(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Storage = components

	validator, err := InitCompliance(cfg, sugar)
	if err != nil {
		_ = app.closeStorage()
		return nil, err
	}
	app.Compliance = validator

	engine, err := InitEngine(cfg, components, validator, sugar, opts...)
	if err != nil {
		_ = app.closeStorage()
		return nil, err
	}
	app.Engine = engine

	if cfg.API.Enabled {
		app.APIServer = api.NewAPI(engine, components.Gateway, cfg, sugar)
	}
	return app, nil
}

// Start starts the persistence writer, rehydrates the engine and starts the
// API server.
func (a *App) Start(ctx context.Context) error {
	a.Storage.Writer.Start()

	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start security engine: %w", err)
	}

	if a.APIServer != nil {
		addr := a.Config.Addr()
		goroutine.Go("api-server", a.serviceWg, a.Sugar, func() {
			a.Sugar.Infof("API server started on %s", addr)
			if err := a.APIServer.Start(addr); err != nil {
				a.Sugar.Errorw("API server error", "error", err)
			}
		})
	}
	return nil
}

// WaitForShutdown blocks until a shutdown signal is received or ctx is done.
func (a *App) WaitForShutdown(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}
}

// Shutdown stops the components in dependency order: the API stops accepting
// events, the engine drains into the writer, the writer drains into the
// gateway and the gateway closes. Shutdown is safe to call more than once.
func (a *App) Shutdown() error {
	var errs []error
	a.shutdownOnce.Do(func() {
		a.Sugar.Info("Shutting down...")
		timeout := a.Config.API.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}

		// Phase 1 - Stop API server
		a.Sugar.Info("Phase 1: Stopping API server...")
		if a.APIServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := a.APIServer.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("api server: %w", err))
			}
			cancel()
		}
		a.waitForServices(timeout)

		// Phase 2 - Stop engine; this flushes its pending writes
		a.Sugar.Info("Phase 2: Stopping security engine...")
		if a.Engine != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := a.Engine.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("security engine: %w", err))
			}
			cancel()
		}

		// Phase 3 - Stop persistence writer and close storage
		a.Sugar.Info("Phase 3: Stopping persistence writer...")
		if err := a.closeStorage(); err != nil {
			errs = append(errs, err)
		}

		for _, err := range errs {
			a.Sugar.Errorw("Shutdown error", "error", err)
		}
		a.Sugar.Info("Shutdown complete")
		_ = a.Logger.Sync()
	})
	return errors.Join(errs...)
}

func (a *App) waitForServices(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}
}

func (a *App) closeStorage() error {
	if a.Storage == nil {
		return nil
	}
	var errs []error
	if a.Storage.Writer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.Storage.Writer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("persistence writer: %w", err))
		}
		cancel()
	}
	if a.Storage.Gateway != nil {
		if err := a.Storage.Gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage gateway: %w", err))
		}
	}
	return errors.Join(errs...)
}
