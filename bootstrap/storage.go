package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sentinel/config"
	"sentinel/core"
	"sentinel/storage"

	"go.uber.org/zap"
)

// StorageComponents holds the durable side of the engine
type StorageComponents struct {
	// Gateway is the primary store, wrapped with the ClickHouse archive when enabled
	Gateway storage.Gateway
	Writer  *storage.AsyncWriter
	Archive *storage.ClickHouseArchive
}

// clickHouseRetryDelays are the waits between connection attempts
var clickHouseRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// InitGateway opens the configured primary backend
func InitGateway(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (storage.Gateway, error) {
	switch cfg.Persistence.Backend {
	case config.BackendMemory:
		sugar.Warn("Using the in-memory gateway: blocks and quarantines are lost on restart")
		return storage.NewMemoryGateway(cfg.Persistence.MaxArchivedEvents), nil

	case config.BackendSQLite:
		if err := EnsureDataDirectory(filepath.Dir(cfg.SQLite.Path), sugar); err != nil {
			return nil, fmt.Errorf("pre-flight check failed: %w", err)
		}
		gateway, err := storage.NewSQLiteGateway(cfg.SQLite.Path, sugar)
		if err != nil {
			printFatal("SQLite Initialization Failed", ClassifySQLiteError(err, cfg.SQLite.Path))
			return nil, fmt.Errorf("failed to open SQLite: %w", err)
		}
		return gateway, nil

	case config.BackendRedis:
		gateway, err := storage.NewRedisGateway(ctx, storage.RedisConfig{
			Addr:              cfg.Redis.Addr,
			Password:          cfg.Redis.Password,
			DB:                cfg.Redis.DB,
			PoolSize:          cfg.Redis.PoolSize,
			KeyPrefix:         cfg.Redis.KeyPrefix,
			MaxArchivedEvents: cfg.Redis.MaxArchivedEvents,
		}, sugar)
		if err != nil {
			printFatal("Redis Connection Failed", ClassifyConnectionError(err, "Redis", cfg.Redis.Addr))
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return gateway, nil

	default:
		return nil, fmt.Errorf("%w: %s", storage.ErrUnsupportedBackend, cfg.Persistence.Backend)
	}
}

// InitClickHouse connects the event archive, retrying while ClickHouse starts up
func InitClickHouse(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*storage.ClickHouseArchive, error) {
	chCfg := storage.ClickHouseConfig{
		Addr:          cfg.ClickHouse.Addr,
		Database:      cfg.ClickHouse.Database,
		Username:      cfg.ClickHouse.Username,
		Password:      cfg.ClickHouse.Password,
		TLS:           cfg.ClickHouse.TLS,
		MaxPoolSize:   cfg.ClickHouse.MaxPoolSize,
		BatchSize:     cfg.ClickHouse.BatchSize,
		FlushInterval: cfg.ClickHouse.FlushInterval,
	}

	var archive *storage.ClickHouseArchive
	var lastErr error
	maxRetries := len(clickHouseRetryDelays)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := clickHouseRetryDelays[attempt-1]
			sugar.Infow("Retrying ClickHouse connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		archive, lastErr = storage.NewClickHouseArchive(ctx, chCfg, sugar)
		if lastErr == nil {
			sugar.Info("Connected to ClickHouse successfully")
			return archive, nil
		}
		sugar.Warnw("ClickHouse connection attempt failed",
			"attempt", attempt+1,
			"error", lastErr)
	}

	printFatal("ClickHouse Connection Failed", ClassifyConnectionError(lastErr, "ClickHouse", cfg.ClickHouse.Addr))
	return nil, fmt.Errorf("failed to connect to ClickHouse after %d attempts: %w", maxRetries+1, lastErr)
}

// WriterConfigFromConfig maps the persistence section onto the async writer
func WriterConfigFromConfig(cfg *config.Config) storage.WriterConfig {
	return storage.WriterConfig{
		QueueSize:    cfg.Persistence.QueueSize,
		Workers:      cfg.Persistence.Workers,
		WriteTimeout: cfg.Persistence.WriteTimeout,
		MaxRetries:   cfg.Persistence.MaxRetries,
		CircuitBreaker: core.CircuitBreakerConfig{
			MaxFailures: cfg.Persistence.Breaker.MaxFailures,
			Cooldown:    cfg.Persistence.Breaker.Cooldown,
			MaxProbes:   cfg.Persistence.Breaker.MaxProbes,
		},
	}
}

// InitStorage opens the gateway, the optional archive and the async writer.
// The writer is created stopped; App.Start starts it.
func InitStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	gateway, err := InitGateway(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	components := &StorageComponents{Gateway: gateway}

	if cfg.ClickHouse.Enabled {
		archive, err := InitClickHouse(ctx, cfg, sugar)
		if err != nil {
			_ = gateway.Close()
			return nil, err
		}
		components.Archive = archive
		components.Gateway = storage.NewArchivingGateway(gateway, archive)
	}

	writer, err := storage.NewAsyncWriter(components.Gateway, WriterConfigFromConfig(cfg), sugar)
	if err != nil {
		_ = components.Gateway.Close()
		return nil, fmt.Errorf("failed to create persistence writer: %w", err)
	}
	components.Writer = writer
	return components, nil
}

func printFatal(title, message string) {
	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "FATAL: %s\n", title)
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "%s\n", message)
	fmt.Fprintf(os.Stderr, "========================================\n\n")
}
