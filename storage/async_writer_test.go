package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"sentinel/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyGateway fails the first failures writes, then delegates to memory
type flakyGateway struct {
	*MemoryGateway
	failures atomic.Int64
	calls    atomic.Int64
	block    chan struct{}
}

var errBackendDown = errors.New("backend down")

func (f *flakyGateway) attempt(ctx context.Context) error {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.failures.Add(-1) >= 0 {
		return errBackendDown
	}
	return nil
}

func (f *flakyGateway) SaveBlock(ctx context.Context, rec *core.BlockRecord) error {
	if err := f.attempt(ctx); err != nil {
		return err
	}
	return f.MemoryGateway.SaveBlock(ctx, rec)
}

func (f *flakyGateway) ArchiveEvent(ctx context.Context, event *core.SecurityEvent) error {
	if err := f.attempt(ctx); err != nil {
		return err
	}
	return f.MemoryGateway.ArchiveEvent(ctx, event)
}

func newFlakyGateway(failures int64) *flakyGateway {
	g := &flakyGateway{MemoryGateway: NewMemoryGateway(0)}
	g.failures.Store(failures)
	return g
}

func writerConfig() WriterConfig {
	cfg := DefaultWriterConfig()
	cfg.QueueSize = 64
	cfg.Workers = 2
	cfg.WriteTimeout = time.Second
	cfg.MaxRetries = 2
	cfg.CircuitBreaker = core.CircuitBreakerConfig{MaxFailures: 1000, Cooldown: time.Hour, MaxProbes: 1}
	return cfg
}

func newTestWriter(t *testing.T, g Gateway, cfg WriterConfig) *AsyncWriter {
	t.Helper()
	w, err := NewAsyncWriter(g, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return w
}

func flush(t *testing.T, w *AsyncWriter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Flush(ctx))
}

func TestNewAsyncWriter_Validation(t *testing.T) {
	g := NewMemoryGateway(0)

	_, err := NewAsyncWriter(nil, writerConfig(), testLogger())
	assert.Error(t, err)

	for name, mutate := range map[string]func(*WriterConfig){
		"queue size":      func(c *WriterConfig) { c.QueueSize = 0 },
		"workers":         func(c *WriterConfig) { c.Workers = 0 },
		"write timeout":   func(c *WriterConfig) { c.WriteTimeout = 0 },
		"max retries":     func(c *WriterConfig) { c.MaxRetries = -1 },
		"circuit breaker": func(c *WriterConfig) { c.CircuitBreaker.MaxFailures = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := writerConfig()
			mutate(&cfg)
			_, err := NewAsyncWriter(g, cfg, testLogger())
			assert.Error(t, err)
		})
	}
}

func TestAsyncWriter_WritesEveryKind(t *testing.T) {
	g := NewMemoryGateway(0)
	w := newTestWriter(t, g, writerConfig())
	w.Start()

	event := testEvent("evt-1", "203.0.113.7", testNow)
	w.ArchiveEvent(event)
	w.SaveBlock(core.NewBlockRecord(core.BlockTypeIPAddress, "203.0.113.7", "Brute force", "brute_force_login", testNow, time.Hour))
	w.SaveAlert(core.NewSecurityAlert(core.RuleMatch{Rule: &core.ThreatDetectionRule{ID: "r1", Name: "R1"}, Event: event}, testNow))
	w.SaveUser(&core.UserRecord{UserID: "user-1", Status: core.UserStatusQuarantined, QuarantinedAt: testNow})
	flush(t, w)

	assert.Equal(t, core.PersistenceStats{Written: 4}, w.Stats())
	assert.Len(t, g.Events(), 1)
	assert.Len(t, g.Alerts(), 1)

	blocks, err := g.LoadActiveBlocks(context.Background(), testNow)
	require.NoError(t, err)
	assert.Len(t, blocks, 1)

	_, found, err := g.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestAsyncWriter_DropsWhenQueueFull(t *testing.T) {
	g := NewMemoryGateway(0)
	cfg := writerConfig()
	cfg.QueueSize = 2
	w := newTestWriter(t, g, cfg)

	// not started yet, so nothing drains the queue
	for i := 0; i < 5; i++ {
		w.ArchiveEvent(testEvent("evt", "198.51.100.1", testNow))
	}
	assert.Equal(t, core.PersistenceStats{Dropped: 3, Pending: 2}, w.Stats())

	w.Start()
	flush(t, w)
	assert.Equal(t, core.PersistenceStats{Written: 2, Dropped: 3}, w.Stats())
}

func TestAsyncWriter_RetriesTransientFailures(t *testing.T) {
	g := newFlakyGateway(2)
	w := newTestWriter(t, g, writerConfig())
	w.Start()

	w.ArchiveEvent(testEvent("evt-1", "198.51.100.1", testNow))
	flush(t, w)

	assert.Equal(t, core.PersistenceStats{Written: 1}, w.Stats())
	assert.Equal(t, int64(3), g.calls.Load())
	assert.Len(t, g.Events(), 1)
}

func TestAsyncWriter_GivesUpAfterMaxRetries(t *testing.T) {
	g := newFlakyGateway(1 << 30)
	w := newTestWriter(t, g, writerConfig())
	w.Start()

	w.SaveBlock(core.NewBlockRecord(core.BlockTypeIPAddress, "198.51.100.2", "x", "r", testNow, time.Hour))
	flush(t, w)

	assert.Equal(t, core.PersistenceStats{Failed: 1}, w.Stats())
	assert.Equal(t, int64(3), g.calls.Load(), "one attempt plus two retries")
}

func TestAsyncWriter_CircuitBreakerFailsFast(t *testing.T) {
	g := newFlakyGateway(1 << 30)
	cfg := writerConfig()
	cfg.Workers = 1
	cfg.MaxRetries = 0
	cfg.CircuitBreaker = core.CircuitBreakerConfig{MaxFailures: 3, Cooldown: time.Hour, MaxProbes: 1}
	w := newTestWriter(t, g, cfg)
	w.Start()

	for i := 0; i < 10; i++ {
		w.ArchiveEvent(testEvent("evt", "198.51.100.3", testNow))
	}
	flush(t, w)

	assert.Equal(t, int64(10), w.Stats().Failed)
	assert.Equal(t, int64(3), g.calls.Load(), "an open breaker stops calls to the backend")
	assert.Equal(t, core.CircuitBreakerStateOpen, w.BreakerState())
}

func TestAsyncWriter_WriteTimeout(t *testing.T) {
	g := newFlakyGateway(0)
	g.block = make(chan struct{})
	cfg := writerConfig()
	cfg.WriteTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 0
	w := newTestWriter(t, g, cfg)
	w.Start()

	w.ArchiveEvent(testEvent("evt", "198.51.100.4", testNow))
	flush(t, w)

	assert.Equal(t, core.PersistenceStats{Failed: 1}, w.Stats())
}

func TestAsyncWriter_StopDrainsAndRejectsLateWrites(t *testing.T) {
	g := NewMemoryGateway(0)
	w := newTestWriter(t, g, writerConfig())
	w.Start()

	for i := 0; i < 20; i++ {
		w.ArchiveEvent(testEvent("evt", "198.51.100.5", testNow))
	}
	require.NoError(t, w.Stop(t.Context()))
	assert.Len(t, g.Events(), 20)

	w.ArchiveEvent(testEvent("late", "198.51.100.5", testNow))
	assert.Equal(t, core.PersistenceStats{Written: 20, Dropped: 1}, w.Stats())
	require.NoError(t, w.Stop(t.Context()), "stop is idempotent")
}

func TestAsyncWriter_StopWithoutStart(t *testing.T) {
	w := newTestWriter(t, NewMemoryGateway(0), writerConfig())
	w.SaveUser(&core.UserRecord{UserID: "u", Status: core.UserStatusQuarantined})

	require.NoError(t, w.Stop(t.Context()))
	assert.Equal(t, core.PersistenceStats{Dropped: 1}, w.Stats())
}

func TestAsyncWriter_FlushHonorsContext(t *testing.T) {
	g := newFlakyGateway(0)
	g.block = make(chan struct{})
	w := newTestWriter(t, g, writerConfig())
	w.Start()
	defer close(g.block)

	w.ArchiveEvent(testEvent("evt", "198.51.100.6", testNow))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Flush(ctx), context.DeadlineExceeded)
}
