package core

import (
	"time"

	"github.com/google/uuid"
)

// BlockType is the kind of actor a block applies to
type BlockType string

const (
	BlockTypeIPAddress BlockType = "ip_address"
	BlockTypeUserID    BlockType = "user_id"
)

// BlockRecord is the persisted decision artifact for a block or suspicious flag.
// The in-memory actor state is authoritative while the process runs; the record is
// what survives a restart.
type BlockRecord struct {
	ID        string    `json:"id"`
	Type      BlockType `json:"type"`
	Value     string    `json:"value"`
	Reason    string    `json:"reason"`
	RuleID    string    `json:"rule_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewBlockRecord builds an active block that expires after ttl
func NewBlockRecord(blockType BlockType, value, reason, ruleID string, now time.Time, ttl time.Duration) *BlockRecord {
	return &BlockRecord{
		ID:        uuid.New().String(),
		Type:      blockType,
		Value:     value,
		Reason:    reason,
		RuleID:    ruleID,
		Active:    true,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// IsActiveAt treats an expired record as inactive even if the store still marks it active
func (b *BlockRecord) IsActiveAt(now time.Time) bool {
	return b.Active && b.ExpiresAt.After(now)
}

// UserStatus is the quarantine state of a user. The only transition inside the
// engine is active -> quarantined; reinstatement is an operator action.
type UserStatus string

const (
	UserStatusActive      UserStatus = "active"
	UserStatusQuarantined UserStatus = "quarantined"
)

// CanTransitionTo reports whether the engine may move a user from s to next
func (s UserStatus) CanTransitionTo(next UserStatus) bool {
	return (s == UserStatusActive || s == "") && next == UserStatusQuarantined
}

// UserRecord holds the persisted quarantine state of a user
type UserRecord struct {
	UserID        string     `json:"user_id"`
	Status        UserStatus `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	RuleID        string     `json:"rule_id,omitempty"`
	QuarantinedAt time.Time  `json:"quarantined_at,omitempty"`
}
