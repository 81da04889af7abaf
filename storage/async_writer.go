package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/util/goroutine"

	"go.uber.org/zap"
)

// WriterConfig configures the asynchronous persistence writer
type WriterConfig struct {
	QueueSize      int
	Workers        int
	WriteTimeout   time.Duration
	MaxRetries     int
	CircuitBreaker core.CircuitBreakerConfig
}

// DefaultWriterConfig returns production defaults
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:      10000,
		Workers:        4,
		WriteTimeout:   5 * time.Second,
		MaxRetries:     3,
		CircuitBreaker: core.DefaultCircuitBreakerConfig(),
	}
}

type writeKind string

const (
	writeBlock writeKind = "block"
	writeAlert writeKind = "alert"
	writeUser  writeKind = "user"
	writeEvent writeKind = "event"
)

type writeOp struct {
	kind    writeKind
	attempt int
	block   *core.BlockRecord
	alert   *core.SecurityAlert
	user    *core.UserRecord
	event   *core.SecurityEvent
}

func (op writeOp) id() string {
	switch op.kind {
	case writeBlock:
		return op.block.ID
	case writeAlert:
		return op.alert.ID
	case writeUser:
		return op.user.UserID
	default:
		return op.event.ID
	}
}

// AsyncWriter queues engine artifacts and writes them to a Gateway from a
// fixed pool of workers. Enqueueing never blocks: when the queue is full the
// write is dropped and counted. A circuit breaker around the gateway makes a
// dead backend fail fast instead of tying up workers until their timeouts.
type AsyncWriter struct {
	gateway Gateway
	config  WriterConfig
	breaker *core.CircuitBreaker
	logger  *zap.SugaredLogger

	// mu guards queue against send-after-close
	mu      sync.RWMutex
	queue   chan writeOp
	stopped bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
	// pending counts writes queued or being written
	pending atomic.Int64
}

// NewAsyncWriter creates a writer for gateway. Call Start to begin writing.
func NewAsyncWriter(gateway Gateway, config WriterConfig, logger *zap.SugaredLogger) (*AsyncWriter, error) {
	if gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if config.QueueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", config.QueueSize)
	}
	if config.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", config.Workers)
	}
	if config.WriteTimeout <= 0 {
		return nil, fmt.Errorf("write timeout must be positive, got %v", config.WriteTimeout)
	}
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative, got %d", config.MaxRetries)
	}
	breaker, err := core.NewCircuitBreaker(config.CircuitBreaker)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter{
		gateway: gateway,
		config:  config,
		breaker: breaker,
		logger:  logger,
		queue:   make(chan writeOp, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers
func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	for i := 0; i < w.config.Workers; i++ {
		goroutine.Go(fmt.Sprintf("persistence-writer-%d", i), &w.wg, w.logger, w.worker)
	}
	w.logger.Infof("Persistence writer started with %d workers, queue size %d", w.config.Workers, w.config.QueueSize)
}

// SaveBlock queues a block record
func (w *AsyncWriter) SaveBlock(rec *core.BlockRecord) {
	w.enqueue(writeOp{kind: writeBlock, block: rec}, true)
}

// SaveAlert queues an alert
func (w *AsyncWriter) SaveAlert(alert *core.SecurityAlert) {
	w.enqueue(writeOp{kind: writeAlert, alert: alert}, true)
}

// SaveUser queues a user record
func (w *AsyncWriter) SaveUser(rec *core.UserRecord) {
	w.enqueue(writeOp{kind: writeUser, user: rec}, true)
}

// ArchiveEvent queues an event for the archive
func (w *AsyncWriter) ArchiveEvent(event *core.SecurityEvent) {
	w.enqueue(writeOp{kind: writeEvent, event: event}, true)
}

// enqueue never blocks. fresh is false for retries, which are already
// counted as pending.
func (w *AsyncWriter) enqueue(op writeOp, fresh bool) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if fresh {
		w.pending.Add(1)
	}
	if w.stopped {
		w.pending.Add(-1)
		w.drop(op, "writer stopped")
		return false
	}
	select {
	case w.queue <- op:
		metrics.PersistenceQueueDepth.Set(float64(len(w.queue)))
		return true
	default:
		w.pending.Add(-1)
		w.drop(op, "queue full")
		return false
	}
}

func (w *AsyncWriter) drop(op writeOp, reason string) {
	w.dropped.Add(1)
	metrics.PersistenceWrites.WithLabelValues(string(op.kind), "dropped").Inc()
	w.logger.Warnw("Dropped persistence write",
		"kind", op.kind,
		"id", op.id(),
		"attempt", op.attempt,
		"reason", reason)
}

func (w *AsyncWriter) worker() {
	for op := range w.queue {
		metrics.PersistenceQueueDepth.Set(float64(len(w.queue)))
		w.process(op)
	}
}

func (w *AsyncWriter) process(op writeOp) {
	err := w.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(w.ctx, w.config.WriteTimeout)
		defer cancel()
		return w.write(ctx, op)
	})
	if err == nil {
		w.pending.Add(-1)
		w.written.Add(1)
		metrics.PersistenceWrites.WithLabelValues(string(op.kind), "written").Inc()
		return
	}

	breakerOpen := errors.Is(err, core.ErrCircuitBreakerOpen) || errors.Is(err, core.ErrTooManyProbes)
	if !breakerOpen && op.attempt < w.config.MaxRetries {
		op.attempt++
		metrics.PersistenceWrites.WithLabelValues(string(op.kind), "retried").Inc()
		// a retry that finds no room is dropped and counted by enqueue
		w.enqueue(op, false)
		return
	}

	w.pending.Add(-1)
	w.failed.Add(1)
	metrics.PersistenceWrites.WithLabelValues(string(op.kind), "failed").Inc()
	w.logger.Errorw("Persistence write failed",
		"kind", op.kind,
		"id", op.id(),
		"attempts", op.attempt+1,
		"error", err)
}

func (w *AsyncWriter) write(ctx context.Context, op writeOp) error {
	switch op.kind {
	case writeBlock:
		return w.gateway.SaveBlock(ctx, op.block)
	case writeAlert:
		return w.gateway.SaveAlert(ctx, op.alert)
	case writeUser:
		return w.gateway.SaveUser(ctx, op.user)
	case writeEvent:
		return w.gateway.ArchiveEvent(ctx, op.event)
	default:
		return fmt.Errorf("unknown write kind %q", op.kind)
	}
}

// Flush waits until every queued write has been written, failed or dropped
func (w *AsyncWriter) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for w.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush interrupted with %d writes pending: %w", w.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Stop closes the queue and waits for the workers to drain it. If ctx ends
// first, in-flight writes are cancelled.
func (w *AsyncWriter) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.queue)
	started := w.started
	w.mu.Unlock()

	if !started {
		for op := range w.queue {
			w.pending.Add(-1)
			w.drop(op, "writer never started")
		}
		w.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancel()
		w.logger.Infow("Persistence writer stopped", "written", w.written.Load(), "failed", w.failed.Load(), "dropped", w.dropped.Load())
		return nil
	case <-ctx.Done():
		w.cancel()
		return fmt.Errorf("persistence writer stop: %w (%d writes pending)", ctx.Err(), w.pending.Load())
	}
}

// Stats returns write counters since the writer was created
func (w *AsyncWriter) Stats() core.PersistenceStats {
	return core.PersistenceStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
		Pending: w.pending.Load(),
	}
}

// BreakerState exposes the gateway circuit breaker state for health checks
func (w *AsyncWriter) BreakerState() core.CircuitBreakerState {
	return w.breaker.State()
}
