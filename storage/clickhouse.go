package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/util/goroutine"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

var (
	// validDatabaseNameRegex ensures database names are safe from SQL injection
	validDatabaseNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// ClickHouseConfig configures the ClickHouse event archive
type ClickHouseConfig struct {
	Addr          string
	Database      string
	Username      string
	Password      string
	TLS           bool
	MaxPoolSize   int
	BatchSize     int
	FlushInterval time.Duration
}

// ClickHouseArchive archives processed events into ClickHouse in batches.
// A batch is sent when it reaches BatchSize, on every FlushInterval tick, and
// on Close.
type ClickHouseArchive struct {
	conn          driver.Conn
	database      string
	batchSize     int
	flushInterval time.Duration
	logger        *zap.SugaredLogger

	mu    sync.Mutex
	batch []*core.SecurityEvent
	// insert sends one batch; replaced in tests
	insert func(ctx context.Context, events []*core.SecurityEvent) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewClickHouseArchive connects, ensures the schema and starts the flush loop
func NewClickHouseArchive(ctx context.Context, cfg ClickHouseConfig, logger *zap.SugaredLogger) (*ClickHouseArchive, error) {
	if err := validateDatabaseName(cfg.Database); err != nil {
		return nil, fmt.Errorf("invalid database name: %w", err)
	}

	poolSize := cfg.MaxPoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     poolSize,
		MaxIdleConns:     poolSize / 2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			d.Timeout = 10 * time.Second
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}
	if cfg.TLS {
		options.TLS = &tls.Config{MinVersion: tls.VersionTLS13}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if err := ensureSchema(pingCtx, conn, cfg.Database, logger); err != nil {
		_ = conn.Close()
		return nil, err
	}

	a := newClickHouseArchive(ctx, conn, cfg, logger)
	a.insert = a.insertBatch
	a.start()
	logger.Infof("Connected to ClickHouse at %s, archiving events to %s.security_events", cfg.Addr, cfg.Database)
	return a, nil
}

func newClickHouseArchive(parent context.Context, conn driver.Conn, cfg ClickHouseConfig, logger *zap.SugaredLogger) *ClickHouseArchive {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &ClickHouseArchive{
		conn:          conn,
		database:      cfg.Database,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		batch:         make([]*core.SecurityEvent, 0, batchSize),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (a *ClickHouseArchive) start() {
	goroutine.Go("clickhouse-archive-flush", &a.wg, a.logger, a.flushLoop)
}

// validateDatabaseName ensures the database name is safe from SQL injection
func validateDatabaseName(database string) error {
	if database == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if len(database) > 64 {
		return fmt.Errorf("database name too long (max 64 characters)")
	}
	if !validDatabaseNameRegex.MatchString(database) {
		return fmt.Errorf("database name contains invalid characters (only alphanumeric and underscore allowed)")
	}
	return nil
}

func ensureSchema(ctx context.Context, conn driver.Conn, database string, logger *zap.SugaredLogger) error {
	if err := conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database)); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	table := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s`.security_events (\n"+
		"\tid String,\n"+
		"\ttype LowCardinality(String),\n"+
		"\tseverity LowCardinality(String),\n"+
		"\tuser_id String,\n"+
		"\tip_address String,\n"+
		"\tuser_agent String,\n"+
		"\tresource String,\n"+
		"\taction String,\n"+
		"\tdetails String,\n"+
		"\tregion LowCardinality(String),\n"+
		"\tblocked UInt8,\n"+
		"\ttimestamp DateTime64(3, 'UTC')\n"+
		") ENGINE = MergeTree()\n"+
		"PARTITION BY toYYYYMM(timestamp)\n"+
		"ORDER BY (timestamp, ip_address)", database)
	if err := conn.Exec(ctx, table); err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	logger.Infof("ClickHouse database '%s' is ready", database)
	return nil
}

// ArchiveEvent adds the event to the current batch, sending it when full
func (a *ClickHouseArchive) ArchiveEvent(ctx context.Context, event *core.SecurityEvent) error {
	a.mu.Lock()
	a.batch = append(a.batch, event)
	if len(a.batch) < a.batchSize {
		a.mu.Unlock()
		return nil
	}
	full := a.batch
	a.batch = make([]*core.SecurityEvent, 0, a.batchSize)
	a.mu.Unlock()

	return a.send(ctx, full)
}

// Flush sends whatever is buffered
func (a *ClickHouseArchive) Flush(ctx context.Context) error {
	a.mu.Lock()
	pending := a.batch
	a.batch = make([]*core.SecurityEvent, 0, a.batchSize)
	a.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return a.send(ctx, pending)
}

func (a *ClickHouseArchive) send(ctx context.Context, events []*core.SecurityEvent) error {
	if err := a.insert(ctx, events); err != nil {
		metrics.PersistenceWrites.WithLabelValues("archive_batch", "failed").Inc()
		return fmt.Errorf("failed to archive %d events: %w", len(events), err)
	}
	metrics.PersistenceWrites.WithLabelValues("archive_batch", "written").Inc()
	return nil
}

func (a *ClickHouseArchive) flushLoop() {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.Flush(a.ctx); err != nil {
				a.logger.Errorw("Failed to flush event archive batch", "error", err)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *ClickHouseArchive) insertBatch(ctx context.Context, events []*core.SecurityEvent) error {
	batch, err := a.conn.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO `+"`%s`"+`.security_events (
			id, type, severity, user_id, ip_address, user_agent,
			resource, action, details, region, blocked, timestamp
		)`, a.database))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, event := range events {
		details, err := marshalDetails(event.Details)
		if err != nil {
			a.logger.Warnw("Archiving event without details", "event_id", event.ID, "error", err)
		}
		if err := batch.Append(
			event.ID,
			string(event.Type),
			string(event.Severity),
			event.UserID,
			event.IPAddress,
			event.UserAgent,
			event.Resource,
			event.Action,
			details,
			event.Region,
			uint8(boolToInt(event.Blocked)),
			event.Timestamp,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append event %s: %w", event.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Ping checks the ClickHouse connection
func (a *ClickHouseArchive) Ping(ctx context.Context) error {
	if a.conn == nil {
		return ErrDatabaseClosed
	}
	return a.conn.Ping(ctx)
}

// Close stops the flush loop, sends the remaining batch and closes the connection
func (a *ClickHouseArchive) Close() error {
	var err error
	a.once.Do(func() {
		a.cancel()
		a.wg.Wait()

		flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if flushErr := a.Flush(flushCtx); flushErr != nil {
			a.logger.Errorw("Failed to flush event archive on close, events lost", "error", flushErr)
			err = flushErr
		}
		if a.conn != nil {
			if closeErr := a.conn.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	})
	return err
}
