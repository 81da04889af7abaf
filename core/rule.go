package core

import (
	"fmt"
	"time"
)

// ActionType is the response a rule declares when it matches
type ActionType string

const (
	ActionLog        ActionType = "log"
	ActionAlert      ActionType = "alert"
	ActionBlock      ActionType = "block"
	ActionQuarantine ActionType = "quarantine"
)

// IsValid checks if the action is known
func (a ActionType) IsValid() bool {
	switch a {
	case ActionLog, ActionAlert, ActionBlock, ActionQuarantine:
		return true
	default:
		return false
	}
}

// EventHistory is the read-only view of the correlation store handed to predicates
type EventHistory interface {
	// Query returns events for key and type with Timestamp in [now-window, now], oldest first.
	// Unknown keys yield an empty slice.
	Query(key string, eventType EventType, window time.Duration, now time.Time) []*SecurityEvent
}

// EvalContext is everything a predicate may look at. Now is the event's ingestion
// time; predicates must not read the wall clock.
type EvalContext struct {
	Event   *SecurityEvent
	History EventHistory
	Now     time.Time
}

// PredicateKind tags the predicate variant
type PredicateKind string

const (
	PredicateKindPattern  PredicateKind = "pattern"
	PredicateKindStateful PredicateKind = "stateful"
)

// Predicate decides whether a rule matches an event. Implementations must be
// side-effect free so that identical history and input always give identical results.
type Predicate interface {
	Kind() PredicateKind
	// Window is the longest history span the predicate reads; zero for stateless predicates.
	Window() time.Duration
	Evaluate(ec EvalContext) (bool, error)
}

// ThreatDetectionRule is a named, independently toggleable policy
type ThreatDetectionRule struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Severity    Severity   `json:"severity" yaml:"severity"`
	Action      ActionType `json:"action" yaml:"action"`
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	// Priority orders rules of equal severity; lower runs first.
	Priority  int       `json:"priority" yaml:"priority"`
	Predicate Predicate `json:"-" yaml:"-"`
}

// Validate checks the rule is well formed
func (r *ThreatDetectionRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: rule %s: name is required", ErrInvalidRule, r.ID)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("%w: rule %s: invalid severity %q", ErrInvalidRule, r.ID, r.Severity)
	}
	if !r.Action.IsValid() {
		return fmt.Errorf("%w: rule %s: invalid action %q", ErrInvalidRule, r.ID, r.Action)
	}
	if r.Predicate == nil {
		return fmt.Errorf("%w: rule %s: predicate is required", ErrInvalidRule, r.ID)
	}
	if r.Predicate.Window() > DefaultMaxWindow {
		return fmt.Errorf("%w: rule %s: window %v exceeds retention %v", ErrInvalidRule, r.ID, r.Predicate.Window(), DefaultMaxWindow)
	}
	return nil
}

// RuleMatch is a rule whose predicate was satisfied by an event
type RuleMatch struct {
	Rule  *ThreatDetectionRule
	Event *SecurityEvent
}
