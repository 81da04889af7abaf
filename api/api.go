// Package api exposes the security engine over HTTP for the rest of the
// platform: event emission, gate checks, compliance validation, metrics and
// runtime rule toggles.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"sentinel/config"
	"sentinel/core"
	"sentinel/detect"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Engine is the detection surface served by the API
type Engine interface {
	ProcessSecurityEvent(ctx context.Context, input core.SecurityEventInput) (*core.SecurityEvent, error)
	IsBlocked(ip string) bool
	IsSuspicious(userID string) bool
	IsQuarantined(userID string) bool
	ValidateCompliance(record core.Record, regulations ...core.Regulation) (core.ComplianceResult, error)
	GetSecurityMetrics(window time.Duration) detect.SecurityMetrics
	Rules() []core.ThreatDetectionRule
	SetRuleEnabled(id string, enabled bool) error
}

// HealthChecker reports whether a backend is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// API holds the API server
type API struct {
	router  *mux.Router
	server  *http.Server
	engine  Engine
	health  HealthChecker
	limiter *RateLimiter
	config  *config.Config
	logger  *zap.SugaredLogger
}

// NewAPI creates the API server. health may be nil.
func NewAPI(engine Engine, health HealthChecker, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router: mux.NewRouter(),
		engine: engine,
		health: health,
		limiter: NewRateLimiter(RateLimiterConfig{
			RequestsPerSecond: cfg.API.RateLimit.RequestsPerSecond,
			Burst:             cfg.API.RateLimit.Burst,
			IdleTimeout:       time.Hour,
		}, logger),
		config: cfg,
		logger: logger,
	}
	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	v1 := a.router.PathPrefix("/api/v1").Subrouter()

	v1.Handle("/events", a.rateLimitMiddleware(http.HandlerFunc(a.emitEvent))).Methods(http.MethodPost)
	v1.HandleFunc("/ips/{ip}/blocked", a.getIPStatus).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/status", a.getUserStatus).Methods(http.MethodGet)
	v1.HandleFunc("/compliance/validate", a.validateCompliance).Methods(http.MethodPost)
	v1.HandleFunc("/security/metrics", a.getSecurityMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/rules", a.getRules).Methods(http.MethodGet)
	v1.HandleFunc("/rules/{id}/enabled", a.setRuleEnabled).Methods(http.MethodPut)
	v1.HandleFunc("/health", a.healthCheck).Methods(http.MethodGet)

	a.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the routed handler, for embedding and tests
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves on addr until Stop is called
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  a.config.API.ReadTimeout,
		WriteTimeout: a.config.API.WriteTimeout,
	}
	a.logger.Infof("API listening on %s", addr)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.limiter.Close()
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
