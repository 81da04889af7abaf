package detect

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/util/goroutine"

	"go.uber.org/zap"
)

// ErrRuleNotFound is returned when toggling a rule id the engine does not hold
var ErrRuleNotFound = errors.New("rule not found")

// RuleEngine evaluates threat detection rules against events.
//
// Rules are held in evaluation order: severity descending, then Priority
// ascending, then load order. The slice is copy-on-write, so Evaluate works on a
// stable snapshot while rules are toggled concurrently.
type RuleEngine struct {
	mu     sync.RWMutex
	rules  []core.ThreatDetectionRule
	logger *zap.SugaredLogger
}

// NewRuleEngine validates and orders the rules
func NewRuleEngine(rules []core.ThreatDetectionRule, logger *zap.SugaredLogger) (*RuleEngine, error) {
	re := &RuleEngine{logger: logger}
	if err := re.setRules(rules); err != nil {
		return nil, err
	}
	return re, nil
}

func (re *RuleEngine) setRules(rules []core.ThreatDetectionRule) error {
	seen := make(map[string]bool, len(rules))
	ordered := make([]core.ThreatDetectionRule, len(rules))
	copy(ordered, rules)
	for i := range ordered {
		if err := ordered[i].Validate(); err != nil {
			return err
		}
		if seen[ordered[i].ID] {
			return fmt.Errorf("%w: duplicate rule id %s", core.ErrInvalidRule, ordered[i].ID)
		}
		seen[ordered[i].ID] = true
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := ordered[i].Severity.Rank(), ordered[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return ordered[i].Priority < ordered[j].Priority
	})

	re.mu.Lock()
	re.rules = ordered
	re.mu.Unlock()
	return nil
}

func (re *RuleEngine) snapshot() []core.ThreatDetectionRule {
	re.mu.RLock()
	defer re.mu.RUnlock()
	return re.rules
}

// SetRuleEnabled toggles a rule by id
func (re *RuleEngine) SetRuleEnabled(id string, enabled bool) error {
	re.mu.Lock()
	defer re.mu.Unlock()

	for i := range re.rules {
		if re.rules[i].ID != id {
			continue
		}
		updated := make([]core.ThreatDetectionRule, len(re.rules))
		copy(updated, re.rules)
		updated[i].Enabled = enabled
		re.rules = updated
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// Rules returns the rules in evaluation order
func (re *RuleEngine) Rules() []core.ThreatDetectionRule {
	rules := re.snapshot()
	out := make([]core.ThreatDetectionRule, len(rules))
	copy(out, rules)
	return out
}

// MaxWindow returns the longest history window any rule reads. Disabled rules
// count too, since they can be enabled at runtime.
func (re *RuleEngine) MaxWindow() time.Duration {
	var longest time.Duration
	for _, r := range re.snapshot() {
		if r.Predicate.Window() > longest {
			longest = r.Predicate.Window()
		}
	}
	return longest
}

// Evaluate returns the enabled rules whose predicate matches, in evaluation
// order. It never mutates state. A predicate that errors or panics is logged,
// counted and skipped.
func (re *RuleEngine) Evaluate(event *core.SecurityEvent, history core.EventHistory, now time.Time) []core.RuleMatch {
	rules := re.snapshot()
	ec := core.EvalContext{Event: event, History: history, Now: now}

	var matches []core.RuleMatch
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}

		var matched bool
		err := goroutine.Call(func() error {
			var evalErr error
			matched, evalErr = rule.Predicate.Evaluate(ec)
			return evalErr
		})
		if err != nil {
			metrics.RuleErrors.WithLabelValues(rule.ID).Inc()
			if errors.Is(err, ErrRegexTimeout) {
				metrics.RegexTimeouts.WithLabelValues(rule.ID).Inc()
			}
			re.logger.Warnw("Rule evaluation failed, skipping rule",
				"rule_id", rule.ID,
				"event_id", event.ID,
				"error", err)
			continue
		}
		if matched {
			matches = append(matches, core.RuleMatch{Rule: rule, Event: event})
		}
	}
	return matches
}
