package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_processed_total",
			Help: "Total number of security events processed",
		},
		[]string{"type", "severity"},
	)

	EventsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_events_rejected_total",
			Help: "Total number of emitted events rejected by validation",
		},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_rule_matches_total",
			Help: "Total number of rule matches",
		},
		[]string{"rule_id", "action"},
	)

	RuleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_rule_errors_total",
			Help: "Total number of rule predicates that failed during evaluation",
		},
		[]string{"rule_id"},
	)

	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_actions_executed_total",
			Help: "Total number of response actions executed",
		},
		[]string{"action"},
	)

	ActiveBlockedIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_blocked_ips",
			Help: "Number of IP addresses currently blocked in memory",
		},
	)

	ActiveSuspiciousUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_suspicious_users",
			Help: "Number of users currently flagged suspicious in memory",
		},
	)

	PersistenceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_persistence_writes_total",
			Help: "Total number of asynchronous persistence writes by outcome",
		},
		[]string{"kind", "outcome"},
	)

	PersistenceQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_persistence_queue_depth",
			Help: "Number of persistence writes waiting in the queue",
		},
	)

	CorrelationStoreEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_correlation_store_events",
			Help: "Number of events retained in the windowed correlation store",
		},
	)

	CorrelationEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_correlation_evictions_total",
			Help: "Total number of events evicted from the windowed correlation store",
		},
	)

	RegexTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_regex_timeouts_total",
			Help: "Total number of pattern rule regex evaluations that hit the match timeout",
		},
		[]string{"rule_id"},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_event_processing_duration_seconds",
			Help:    "Time taken to process a security event on the hot path",
			Buckets: prometheus.DefBuckets,
		},
	)

	ComplianceChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_compliance_checks_total",
			Help: "Total number of compliance validations by outcome",
		},
		[]string{"outcome"},
	)

	APIRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_api_rate_limited_total",
			Help: "Total number of API requests rejected by rate limiting",
		},
	)
)
