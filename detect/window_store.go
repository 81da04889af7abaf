package detect

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/util/goroutine"

	"go.uber.org/zap"
)

// WindowStoreConfig configures the windowed correlation store
type WindowStoreConfig struct {
	// Shards is the number of independently locked partitions
	Shards int
	// MaxWindow is how long events are retained; no rule may look further back
	MaxWindow time.Duration
	// MaxEventsPerKey caps the events kept per key and type
	MaxEventsPerKey int
	// SweepInterval is how often the background sweep drops expired events
	SweepInterval time.Duration
}

// DefaultWindowStoreConfig returns production defaults
func DefaultWindowStoreConfig() WindowStoreConfig {
	return WindowStoreConfig{
		Shards:          DefaultShardCount,
		MaxWindow:       core.DefaultMaxWindow,
		MaxEventsPerKey: 10000,
		SweepInterval:   time.Minute,
	}
}

// keyBuffer holds the events of one correlation key, split by type and kept in
// timestamp order
type keyBuffer struct {
	byType map[core.EventType][]*core.SecurityEvent
}

type windowShard struct {
	mu   sync.RWMutex
	keys map[string]*keyBuffer
}

// WindowStore is a per-key sliding-window index of recent security events.
// Every event is indexed under its IP key and, when present, its user key.
//
// Locking is per shard. Query returns copies, so eviction and out-of-order
// inserts never disturb a slice a reader already holds.
type WindowStore struct {
	shards     []*windowShard
	config     WindowStoreConfig
	logger     *zap.SugaredLogger
	totalCount atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWindowStore creates a new correlation store. Call Start to run the background sweep.
func NewWindowStore(config WindowStoreConfig, logger *zap.SugaredLogger) *WindowStore {
	defaults := DefaultWindowStoreConfig()
	if config.Shards <= 0 {
		config.Shards = defaults.Shards
	}
	if config.MaxWindow <= 0 {
		config.MaxWindow = defaults.MaxWindow
	}
	if config.MaxEventsPerKey <= 0 {
		config.MaxEventsPerKey = defaults.MaxEventsPerKey
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}

	ws := &WindowStore{
		shards: make([]*windowShard, config.Shards),
		config: config,
		logger: logger,
	}
	for i := range ws.shards {
		ws.shards[i] = &windowShard{keys: make(map[string]*keyBuffer)}
	}
	return ws
}

// Keys returns the correlation keys an event is indexed under
func Keys(event *core.SecurityEvent) []string {
	keys := make([]string, 0, 2)
	if event.IPAddress != "" {
		keys = append(keys, core.IPKey(event.IPAddress))
	}
	if event.UserID != "" {
		keys = append(keys, core.UserKey(event.UserID))
	}
	return keys
}

// Record appends an event to the buffers of each of its keys
func (ws *WindowStore) Record(event *core.SecurityEvent) {
	for _, key := range Keys(event) {
		ws.recordKey(key, event)
	}
}

func (ws *WindowStore) recordKey(key string, event *core.SecurityEvent) {
	shard := ws.shards[shardIndex(key, len(ws.shards))]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	buf, ok := shard.keys[key]
	if !ok {
		buf = &keyBuffer{byType: make(map[core.EventType][]*core.SecurityEvent)}
		shard.keys[key] = buf
	}

	events := buf.byType[event.Type]
	n := len(events)
	if n == 0 || !event.Timestamp.Before(events[n-1].Timestamp) {
		events = append(events, event)
	} else {
		idx := sort.Search(n, func(i int) bool {
			return events[i].Timestamp.After(event.Timestamp)
		})
		events = append(events, nil)
		copy(events[idx+1:], events[idx:])
		events[idx] = event
	}
	added := int64(1)

	// Piggybacked trim: drop what fell out of retention relative to the newest
	// event, then enforce the per-key cap.
	cutoff := events[len(events)-1].Timestamp.Add(-ws.config.MaxWindow)
	drop := sort.Search(len(events), func(i int) bool {
		return !events[i].Timestamp.Before(cutoff)
	})
	if over := len(events) - drop - ws.config.MaxEventsPerKey; over > 0 {
		drop += over
	}
	if drop > 0 {
		// Clear the dropped prefix so the events can be collected before the
		// backing array is reallocated.
		for i := 0; i < drop; i++ {
			events[i] = nil
		}
		events = events[drop:]
		added -= int64(drop)
		metrics.CorrelationEvictions.Add(float64(drop))
	}

	buf.byType[event.Type] = events
	ws.totalCount.Add(added)
}

// compact copies a trimmed slice into a right-sized backing array
func compact(events []*core.SecurityEvent) []*core.SecurityEvent {
	out := make([]*core.SecurityEvent, len(events), len(events)+len(events)/4+1)
	copy(out, events)
	return out
}

// Query returns events for key and type with timestamps in [now-window, now],
// oldest first. Unknown keys return an empty slice. Cost is O(log n + k).
func (ws *WindowStore) Query(key string, eventType core.EventType, window time.Duration, now time.Time) []*core.SecurityEvent {
	shard := ws.shards[shardIndex(key, len(ws.shards))]
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	buf, ok := shard.keys[key]
	if !ok {
		return []*core.SecurityEvent{}
	}
	events := buf.byType[eventType]
	if len(events) == 0 {
		return []*core.SecurityEvent{}
	}

	start := now.Add(-window)
	lo := sort.Search(len(events), func(i int) bool {
		return !events[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(events), func(i int) bool {
		return events[i].Timestamp.After(now)
	})
	if lo >= hi {
		return []*core.SecurityEvent{}
	}

	out := make([]*core.SecurityEvent, hi-lo)
	copy(out, events[lo:hi])
	return out
}

// Sweep drops events older than the retention window and removes empty keys.
// It returns the number of events evicted.
func (ws *WindowStore) Sweep(now time.Time) int {
	cutoff := now.Add(-ws.config.MaxWindow)
	removed := 0

	for _, shard := range ws.shards {
		shard.mu.Lock()
		for key, buf := range shard.keys {
			for eventType, events := range buf.byType {
				idx := sort.Search(len(events), func(i int) bool {
					return !events[i].Timestamp.Before(cutoff)
				})
				if idx == 0 {
					continue
				}
				removed += idx
				if idx == len(events) {
					delete(buf.byType, eventType)
				} else {
					buf.byType[eventType] = compact(events[idx:])
				}
			}
			if len(buf.byType) == 0 {
				delete(shard.keys, key)
			}
		}
		shard.mu.Unlock()
	}

	if removed > 0 {
		ws.totalCount.Add(-int64(removed))
		metrics.CorrelationEvictions.Add(float64(removed))
	}
	metrics.CorrelationStoreEvents.Set(float64(ws.totalCount.Load()))
	return removed
}

// WindowStoreStats summarizes the store contents
type WindowStoreStats struct {
	Keys   int
	Events int64
}

// Stats returns the number of keys and stored event references. An event with
// both an IP and a user is counted once per key.
func (ws *WindowStore) Stats() WindowStoreStats {
	keys := 0
	for _, shard := range ws.shards {
		shard.mu.RLock()
		keys += len(shard.keys)
		shard.mu.RUnlock()
	}
	return WindowStoreStats{Keys: keys, Events: ws.totalCount.Load()}
}

// Start runs the periodic sweep until Stop is called or ctx is cancelled
func (ws *WindowStore) Start(ctx context.Context, clock func() time.Time) {
	ctx, cancel := context.WithCancel(ctx)
	ws.cancel = cancel

	ticker := time.NewTicker(ws.config.SweepInterval)
	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		defer goroutine.Recover("correlation-store-sweep", ws.logger)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := ws.Sweep(clock()); n > 0 {
					ws.logger.Debugw("Evicted expired correlation events", "evicted", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the background sweep and waits for it to exit
func (ws *WindowStore) Stop() {
	if ws.cancel != nil {
		ws.cancel()
	}
	ws.wg.Wait()
}
