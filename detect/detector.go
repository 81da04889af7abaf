package detect

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

// StateLoader reads durable actor state at startup
type StateLoader interface {
	LoadActiveBlocks(ctx context.Context, now time.Time) ([]*core.BlockRecord, error)
	LoadQuarantinedUsers(ctx context.Context) ([]*core.UserRecord, error)
}

// ComplianceValidator validates data records against regulatory requirements
type ComplianceValidator interface {
	Validate(record core.Record, regulations ...core.Regulation) (core.ComplianceResult, error)
}

// flusher is implemented by sinks that buffer writes
type flusher interface {
	Flush(ctx context.Context) error
}

// statter is implemented by sinks that count their writes
type statter interface {
	Stats() core.PersistenceStats
}

// EngineConfig configures a SecurityEngine
type EngineConfig struct {
	Store      WindowStoreConfig
	Dispatcher DispatcherConfig
	Rules      RuleOptions
	// CustomRules are evaluated alongside the built-in rules
	CustomRules []core.ThreatDetectionRule
	// DisabledRules lists rule ids to load disabled
	DisabledRules []string
	// ActorSweepInterval is how often expired blocks and flags are reclaimed
	ActorSweepInterval time.Duration
	// RecentEventCapacity bounds the events kept for GetSecurityMetrics. Windows
	// holding more events than this report Truncated.
	RecentEventCapacity int
	// ContinueOnRehydrateError lets Start succeed with empty actor state when the
	// durable store cannot be read
	ContinueOnRehydrateError bool
}

// DefaultEngineConfig returns production defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Store:               DefaultWindowStoreConfig(),
		Dispatcher:          DefaultDispatcherConfig(),
		Rules:               DefaultRuleOptions(),
		ActorSweepInterval:  time.Minute,
		RecentEventCapacity: 100000,
	}
}

// EngineDeps are the collaborators a SecurityEngine is wired to
type EngineDeps struct {
	Loader     StateLoader
	Sink       PersistenceSink
	Compliance ComplianceValidator
}

// EngineOption customizes a SecurityEngine
type EngineOption func(*SecurityEngine)

// WithClock replaces the engine's time source
func WithClock(clock func() time.Time) EngineOption {
	return func(e *SecurityEngine) {
		e.clock = clock
	}
}

// SecurityMetrics aggregates recent activity
type SecurityMetrics struct {
	Window             time.Duration          `json:"window"`
	TotalEvents        int                    `json:"total_events"`
	BlockedEvents      int                    `json:"blocked_events"`
	CriticalEvents     int                    `json:"critical_events"`
	HighSeverityEvents int                    `json:"high_severity_events"`
	BlockedIPs         int                    `json:"blocked_ips"`
	SuspiciousUsers    int                    `json:"suspicious_users"`
	EventsByType       map[core.EventType]int `json:"events_by_type"`
	EventsByRegion     map[string]int         `json:"events_by_region"`
	Persistence        core.PersistenceStats  `json:"persistence"`
	// Truncated is set when events inside the window were already dropped from
	// the recent-event ring, so the event counts are a lower bound
	Truncated          bool                   `json:"truncated"`
}

// EngineStats reports the size of in-memory state
type EngineStats struct {
	StoreKeys   int             `json:"store_keys"`
	StoreEvents int64           `json:"store_events"`
	Actors      ActorStateStats `json:"actors"`
}

// SecurityEngine is the single entry point for event ingestion and gate checks.
//
// It owns the correlation store and actor state for the lifetime of the process.
// Start rehydrates blocks and quarantines from the durable store before events
// are accepted; Stop halts background sweeps and flushes pending writes.
type SecurityEngine struct {
	store      *WindowStore
	rules      *RuleEngine
	state      *ActorState
	dispatcher *ActionDispatcher
	recent     *recentEvents
	loader     StateLoader
	sink       PersistenceSink
	compliance ComplianceValidator
	config     EngineConfig
	clock      func() time.Time
	logger     *zap.SugaredLogger

	started   atomic.Bool
	stopped   atomic.Bool
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// ErrRetentionTooShort is returned when the correlation store would evict events
// a stateful rule still needs
var ErrRetentionTooShort = errors.New("correlation window retention too short")

// NewSecurityEngine builds an engine with the built-in rules plus any custom rules
func NewSecurityEngine(config EngineConfig, deps EngineDeps, logger *zap.SugaredLogger, opts ...EngineOption) (*SecurityEngine, error) {
	if deps.Sink == nil {
		return nil, errors.New("security engine requires a persistence sink")
	}
	if config.ActorSweepInterval <= 0 {
		config.ActorSweepInterval = time.Minute
	}
	if config.RecentEventCapacity <= 0 {
		config.RecentEventCapacity = DefaultEngineConfig().RecentEventCapacity
	}

	builtins, err := DefaultRules(config.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build default rules: %w", err)
	}
	ruleEngine, err := NewRuleEngine(append(builtins, config.CustomRules...), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule engine: %w", err)
	}
	for _, id := range config.DisabledRules {
		if err := ruleEngine.SetRuleEnabled(id, false); err != nil {
			return nil, err
		}
	}

	store := NewWindowStore(config.Store, logger)
	if longest := ruleEngine.MaxWindow(); store.config.MaxWindow < longest {
		return nil, fmt.Errorf("%w: retention %v is shorter than the %v window of the rule set",
			ErrRetentionTooShort, store.config.MaxWindow, longest)
	}

	state := NewActorState(config.Store.Shards)
	dispatcher, err := NewActionDispatcher(state, deps.Sink, config.Dispatcher, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create action dispatcher: %w", err)
	}

	e := &SecurityEngine{
		store:      store,
		rules:      ruleEngine,
		state:      state,
		dispatcher: dispatcher,
		recent:     newRecentEvents(config.RecentEventCapacity, config.Store.Shards),
		loader:     deps.Loader,
		sink:       deps.Sink,
		compliance: deps.Compliance,
		config:     config,
		clock:      time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start rehydrates actor state and starts the background sweeps. Calling Start
// on a running engine is a no-op.
func (e *SecurityEngine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.stopped.Load() {
		return core.ErrEngineStopped
	}
	if e.started.Load() {
		return nil
	}

	if err := e.rehydrate(ctx); err != nil {
		if !e.config.ContinueOnRehydrateError {
			return fmt.Errorf("failed to rehydrate actor state: %w", err)
		}
		e.logger.Errorw("Failed to rehydrate actor state, starting empty", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.store.Start(runCtx, e.clock)
	goroutine.Go("actor-state-sweep", &e.wg, e.logger, func() {
		e.sweepActors(runCtx)
	})

	e.started.Store(true)
	e.logger.Infow("Security engine started",
		"rules", len(e.rules.Rules()),
		"blocked_ips", len(e.state.BlockedIPs(e.clock())))
	return nil
}

func (e *SecurityEngine) rehydrate(ctx context.Context) error {
	if e.loader == nil {
		return nil
	}
	now := e.clock()

	blocks, err := e.loader.LoadActiveBlocks(ctx, now)
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}
	restored := 0
	for _, b := range blocks {
		if e.state.RestoreBlock(b, now) {
			restored++
		}
	}

	users, err := e.loader.LoadQuarantinedUsers(ctx)
	if err != nil {
		return fmt.Errorf("load quarantined users: %w", err)
	}
	quarantined := 0
	for _, u := range users {
		if e.state.RestoreUser(u) {
			quarantined++
		}
	}

	e.refreshGauges(now)
	e.logger.Infow("Rehydrated actor state", "blocks", restored, "quarantined_users", quarantined)
	return nil
}

func (e *SecurityEngine) sweepActors(ctx context.Context) {
	ticker := time.NewTicker(e.config.ActorSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := e.clock()
			if n := e.state.Sweep(now); n > 0 {
				e.logger.Debugw("Expired actor state reclaimed", "removed", n)
			}
			e.refreshGauges(now)
		case <-ctx.Done():
			return
		}
	}
}

func (e *SecurityEngine) refreshGauges(now time.Time) {
	metrics.ActiveBlockedIPs.Set(float64(len(e.state.BlockedIPs(now))))
	metrics.ActiveSuspiciousUsers.Set(float64(len(e.state.SuspiciousUsers(now))))
}

// Stop halts background work and flushes the persistence sink. The engine
// rejects events afterwards.
func (e *SecurityEngine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.stopped.Swap(true) {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.store.Stop()

	if f, ok := e.sink.(flusher); ok {
		if err := f.Flush(ctx); err != nil {
			return fmt.Errorf("failed to flush pending writes: %w", err)
		}
	}
	e.logger.Info("Security engine stopped")
	return nil
}

// ProcessSecurityEvent validates, records and evaluates an emitted event and
// applies the resulting actions. The returned event has Blocked set when its IP
// was already blocked or a block or quarantine fired for it. Persistence
// failures never surface here. The returned event owns its Details.
func (e *SecurityEngine) ProcessSecurityEvent(ctx context.Context, input core.SecurityEventInput) (*core.SecurityEvent, error) {
	if e.stopped.Load() {
		return nil, core.ErrEngineStopped
	}
	if !e.started.Load() {
		return nil, core.ErrEngineNotStarted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := input.Validate(); err != nil {
		metrics.EventsRejected.Inc()
		return nil, err
	}

	start := time.Now()
	event := core.NewSecurityEvent(input, e.clock())
	now := event.Timestamp
	alreadyBlocked := e.state.IsBlocked(event.IPAddress, now)

	e.store.Record(event)
	matches := e.rules.Evaluate(event, e.store, now)
	result := e.dispatcher.ExecuteAll(matches, now)

	final := event.Clone()
	final.Blocked = alreadyBlocked || result.Blocked
	e.recent.add(final)
	e.sink.ArchiveEvent(final)

	metrics.EventsProcessed.WithLabelValues(string(final.Type), string(final.Severity)).Inc()
	metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	if len(matches) > 0 {
		e.logger.Debugw("Event matched rules",
			"event_id", final.ID,
			"matches", len(matches),
			"blocked", final.Blocked,
			"quarantined", result.Quarantined)
	}

	out := final.Clone()
	out.Details = core.CopyDetails(final.Details)
	return out, nil
}

// IsBlocked reports whether ip is currently blocked
func (e *SecurityEngine) IsBlocked(ip string) bool {
	return e.state.IsBlocked(ip, e.clock())
}

// IsSuspicious reports whether userID is flagged suspicious or quarantined
func (e *SecurityEngine) IsSuspicious(userID string) bool {
	return e.state.IsSuspicious(userID, e.clock())
}

// IsQuarantined reports whether userID has been quarantined
func (e *SecurityEngine) IsQuarantined(userID string) bool {
	return e.state.IsQuarantined(userID)
}

// ValidateCompliance checks a record against the enabled requirements,
// optionally limited to the given regulations. It never touches actor state.
func (e *SecurityEngine) ValidateCompliance(record core.Record, regulations ...core.Regulation) (core.ComplianceResult, error) {
	if e.compliance == nil {
		return core.ComplianceResult{}, errors.New("compliance validation not configured")
	}
	return e.compliance.Validate(record, regulations...)
}

// GetSecurityMetrics aggregates events processed within the last window
func (e *SecurityEngine) GetSecurityMetrics(window time.Duration) SecurityMetrics {
	now := e.clock()
	m := SecurityMetrics{
		Window:          window,
		EventsByType:    make(map[core.EventType]int),
		EventsByRegion:  make(map[string]int),
		BlockedIPs:      len(e.state.BlockedIPs(now)),
		SuspiciousUsers: len(e.state.SuspiciousUsers(now)),
	}
	m.Truncated = e.recent.each(now.Add(-window), now, func(s eventSummary) {
		m.TotalEvents++
		if s.Blocked {
			m.BlockedEvents++
		}
		switch s.Severity {
		case core.SeverityCritical:
			m.CriticalEvents++
		case core.SeverityHigh:
			m.HighSeverityEvents++
		}
		m.EventsByType[s.Type]++
		region := s.Region
		if region == "" {
			region = "unknown"
		}
		m.EventsByRegion[region]++
	})
	if st, ok := e.sink.(statter); ok {
		m.Persistence = st.Stats()
	}
	return m
}

// SetRuleEnabled toggles a rule at runtime
func (e *SecurityEngine) SetRuleEnabled(id string, enabled bool) error {
	if err := e.rules.SetRuleEnabled(id, enabled); err != nil {
		return err
	}
	e.logger.Infow("Rule toggled", "rule_id", id, "enabled", enabled)
	return nil
}

// Rules returns the loaded rules in evaluation order
func (e *SecurityEngine) Rules() []core.ThreatDetectionRule {
	return e.rules.Rules()
}

// Stats reports the size of in-memory state
func (e *SecurityEngine) Stats() EngineStats {
	s := e.store.Stats()
	return EngineStats{
		StoreKeys:   s.Keys,
		StoreEvents: s.Events,
		Actors:      e.state.Stats(),
	}
}
