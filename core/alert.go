package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SecurityAlert is created when a rule's action raises an alert. Acknowledged is
// only ever changed by an operator.
type SecurityAlert struct {
	ID           string     `json:"id"`
	EventID      string     `json:"event_id"`
	RuleID       string     `json:"rule_id"`
	RuleName     string     `json:"rule_name"`
	Severity     Severity   `json:"severity"`
	Action       ActionType `json:"action"`
	IPAddress    string     `json:"ip_address"`
	UserID       string     `json:"user_id,omitempty"`
	Message      string     `json:"message"`
	Acknowledged bool       `json:"acknowledged"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NewSecurityAlert builds an alert for a rule match
func NewSecurityAlert(m RuleMatch, now time.Time) *SecurityAlert {
	return &SecurityAlert{
		ID:        uuid.New().String(),
		EventID:   m.Event.ID,
		RuleID:    m.Rule.ID,
		RuleName:  m.Rule.Name,
		Severity:  m.Rule.Severity,
		Action:    m.Rule.Action,
		IPAddress: m.Event.IPAddress,
		UserID:    m.Event.UserID,
		Message:   fmt.Sprintf("%s triggered by %s/%s from %s", m.Rule.Name, m.Event.Type, m.Event.Action, m.Event.IPAddress),
		CreatedAt: now,
	}
}

// DedupKey identifies an alert by the (event, rule) pair that produced it
func (a *SecurityAlert) DedupKey() string {
	return a.EventID + "|" + a.RuleID
}
