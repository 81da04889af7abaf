package api

import (
	"net/http"
	"sync"
	"time"

	"sentinel/metrics"
	"sentinel/util/goroutine"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiterConfig configures per-client token buckets
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTimeout is how long an unused client bucket is kept
	IdleTimeout time.Duration
}

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client key
type RateLimiter struct {
	config   RateLimiterConfig
	limiters map[string]*rateLimiterEntry
	mu       sync.Mutex
	logger   *zap.SugaredLogger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRateLimiter creates a limiter and starts its idle-bucket cleanup
func NewRateLimiter(config RateLimiterConfig, logger *zap.SugaredLogger) *RateLimiter {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = time.Hour
	}
	rl := &RateLimiter{
		config:   config,
		limiters: make(map[string]*rateLimiterEntry),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	goroutine.Go("api-rate-limiter-cleanup", &rl.wg, logger, rl.cleanup)
	return rl
}

// Allow reports whether a request from key may proceed
func (rl *RateLimiter) Allow(key string) bool {
	return rl.allowAt(key, time.Now())
}

func (rl *RateLimiter) allowAt(key string, now time.Time) bool {
	rl.mu.Lock()
	entry, exists := rl.limiters[key]
	if !exists {
		entry = &rateLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst),
		}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	// Capture limiter while holding the lock; cleanup may delete the entry
	limiter := entry.limiter
	rl.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// evictIdle drops buckets unused since before now-IdleTimeout
func (rl *RateLimiter) evictIdle(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > rl.config.IdleTimeout {
			delete(rl.limiters, key)
			evicted++
		}
	}
	return evicted
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := rl.evictIdle(time.Now()); n > 0 {
				rl.logger.Debugf("Evicted %d idle rate limiters", n)
			}
		case <-rl.stopCh:
			return
		}
	}
}

// Close stops the cleanup goroutine
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
	rl.wg.Wait()
}

// rateLimitMiddleware rejects clients that exceed their request budget
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := getClientIP(r)
		if !a.limiter.Allow(client) {
			metrics.APIRateLimited.Inc()
			a.logger.Warnw("Rate limit exceeded", "client", client, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Too many requests", nil, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
