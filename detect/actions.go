package detect

import (
	"fmt"
	"time"

	"sentinel/core"
	"sentinel/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// PersistenceSink accepts durable writes off the hot path. Implementations must
// not block; a write that cannot be queued is dropped and counted.
type PersistenceSink interface {
	SaveBlock(rec *core.BlockRecord)
	SaveAlert(alert *core.SecurityAlert)
	SaveUser(rec *core.UserRecord)
	ArchiveEvent(event *core.SecurityEvent)
}

// DispatcherConfig configures response actions
type DispatcherConfig struct {
	BlockTTL      time.Duration
	SuspiciousTTL time.Duration
	// AlertCacheSize bounds the (event, rule) pairs remembered for alert dedup
	AlertCacheSize int
}

// DefaultDispatcherConfig returns production defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BlockTTL:       core.DefaultBlockTTL,
		SuspiciousTTL:  core.DefaultSuspiciousTTL,
		AlertCacheSize: 10000,
	}
}

// DispatchResult describes what the actions for one event did
type DispatchResult struct {
	// Blocked is set when a block or quarantine action fired for the event
	Blocked     bool
	Quarantined bool
	Alerts      []*core.SecurityAlert
}

// ActionDispatcher turns rule matches into state changes and persistence writes.
// In-memory state is always updated before the write is queued, so a decision is
// visible to IsBlocked before Execute returns.
type ActionDispatcher struct {
	state  *ActorState
	sink   PersistenceSink
	alerts *lru.Cache[string, bool]
	config DispatcherConfig
	logger *zap.SugaredLogger
}

// NewActionDispatcher creates a dispatcher writing to state and sink
func NewActionDispatcher(state *ActorState, sink PersistenceSink, config DispatcherConfig, logger *zap.SugaredLogger) (*ActionDispatcher, error) {
	defaults := DefaultDispatcherConfig()
	if config.BlockTTL <= 0 {
		config.BlockTTL = defaults.BlockTTL
	}
	if config.SuspiciousTTL <= 0 {
		config.SuspiciousTTL = defaults.SuspiciousTTL
	}
	if config.AlertCacheSize <= 0 {
		config.AlertCacheSize = defaults.AlertCacheSize
	}
	if state == nil || sink == nil {
		return nil, fmt.Errorf("action dispatcher requires actor state and a persistence sink")
	}

	cache, err := lru.New[string, bool](config.AlertCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert dedup cache: %w", err)
	}
	return &ActionDispatcher{
		state:  state,
		sink:   sink,
		alerts: cache,
		config: config,
		logger: logger,
	}, nil
}

// ExecuteAll runs the actions of every match in order and merges the results
func (d *ActionDispatcher) ExecuteAll(matches []core.RuleMatch, now time.Time) DispatchResult {
	var result DispatchResult
	for _, m := range matches {
		r := d.Execute(m, now)
		result.Blocked = result.Blocked || r.Blocked
		result.Quarantined = result.Quarantined || r.Quarantined
		result.Alerts = append(result.Alerts, r.Alerts...)
	}
	return result
}

// Execute runs the action declared by the matched rule
func (d *ActionDispatcher) Execute(m core.RuleMatch, now time.Time) DispatchResult {
	action := m.Rule.Action
	if action == core.ActionQuarantine && m.Rule.Severity != core.SeverityCritical {
		d.logger.Warnw("Quarantine reserved for critical rules, downgrading to block",
			"rule_id", m.Rule.ID,
			"severity", m.Rule.Severity)
		action = core.ActionBlock
	}

	metrics.RuleMatches.WithLabelValues(m.Rule.ID, string(action)).Inc()
	metrics.ActionsExecuted.WithLabelValues(string(action)).Inc()

	var result DispatchResult
	switch action {
	case core.ActionLog:
		d.logger.Infow("Rule matched",
			"rule_id", m.Rule.ID,
			"event_id", m.Event.ID,
			"ip", m.Event.IPAddress)
	case core.ActionAlert:
		if alert := d.raiseAlert(m, m.Rule.Severity, now); alert != nil {
			result.Alerts = append(result.Alerts, alert)
		}
	case core.ActionBlock:
		d.block(m, now)
		result.Blocked = true
		if alert := d.raiseAlert(m, m.Rule.Severity, now); alert != nil {
			result.Alerts = append(result.Alerts, alert)
		}
	case core.ActionQuarantine:
		result.Quarantined = d.quarantine(m, now)
		d.block(m, now)
		result.Blocked = true
		if alert := d.raiseAlert(m, core.SeverityCritical, now); alert != nil {
			result.Alerts = append(result.Alerts, alert)
		}
	}
	return result
}

// block sets the IP block and the suspicious flag. Only the caller that wins the
// check-and-set persists a record.
func (d *ActionDispatcher) block(m core.RuleMatch, now time.Time) {
	ev := m.Event
	reason := fmt.Sprintf("rule %s: %s", m.Rule.ID, m.Rule.Name)

	if ev.IPAddress != "" && d.state.BlockIP(ev.IPAddress, now.Add(d.config.BlockTTL), now) {
		d.logger.Warnw("Blocked IP address",
			"ip", ev.IPAddress,
			"rule_id", m.Rule.ID,
			"event_id", ev.ID,
			"ttl", d.config.BlockTTL)
		metrics.ActiveBlockedIPs.Inc()
		d.sink.SaveBlock(core.NewBlockRecord(core.BlockTypeIPAddress, ev.IPAddress, reason, m.Rule.ID, now, d.config.BlockTTL))
	}

	if ev.HasUser() && d.state.FlagSuspicious(ev.UserID, now.Add(d.config.SuspiciousTTL), now) {
		d.logger.Warnw("Flagged user as suspicious",
			"user_id", ev.UserID,
			"rule_id", m.Rule.ID,
			"event_id", ev.ID,
			"ttl", d.config.SuspiciousTTL)
		metrics.ActiveSuspiciousUsers.Inc()
		d.sink.SaveBlock(core.NewBlockRecord(core.BlockTypeUserID, ev.UserID, reason, m.Rule.ID, now, d.config.SuspiciousTTL))
	}
}

// quarantine reports whether the user is quarantined after the call
func (d *ActionDispatcher) quarantine(m core.RuleMatch, now time.Time) bool {
	ev := m.Event
	if !ev.HasUser() {
		d.logger.Warnw("Quarantine rule matched an event without a user, blocking IP only",
			"rule_id", m.Rule.ID,
			"event_id", ev.ID)
		return false
	}

	reason := fmt.Sprintf("rule %s: %s", m.Rule.ID, m.Rule.Name)
	rec, transitioned := d.state.Quarantine(ev.UserID, reason, m.Rule.ID, now)
	if transitioned {
		d.logger.Errorw("Quarantined user",
			"user_id", ev.UserID,
			"rule_id", m.Rule.ID,
			"event_id", ev.ID)
		d.sink.SaveUser(&rec)
	}
	return true
}

// raiseAlert returns nil when an alert for the same event and rule was already raised
func (d *ActionDispatcher) raiseAlert(m core.RuleMatch, severity core.Severity, now time.Time) *core.SecurityAlert {
	alert := core.NewSecurityAlert(m, now)
	alert.Severity = severity
	if seen, _ := d.alerts.ContainsOrAdd(alert.DedupKey(), true); seen {
		return nil
	}
	d.logger.Infow("Security alert raised",
		"alert_id", alert.ID,
		"rule_id", alert.RuleID,
		"severity", alert.Severity,
		"event_id", alert.EventID)
	d.sink.SaveAlert(alert)
	return alert
}
