package detect

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/core"
)

type expiringShard struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// expiringSet is a sharded set whose members lapse at their expiry time.
// Expired members are treated as absent immediately; Sweep reclaims them.
type expiringSet struct {
	shards []*expiringShard
	size   atomic.Int64
}

func newExpiringSet(shards int) *expiringSet {
	s := &expiringSet{shards: make([]*expiringShard, shards)}
	for i := range s.shards {
		s.shards[i] = &expiringShard{entries: make(map[string]time.Time)}
	}
	return s
}

func (s *expiringSet) shard(key string) *expiringShard {
	return s.shards[shardIndex(key, len(s.shards))]
}

// add inserts key until expiresAt. It reports true only when key was absent or
// expired, so exactly one of any number of concurrent callers wins. A later
// expiry extends a live entry without reporting it as new.
func (s *expiringSet) add(key string, expiresAt, now time.Time) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, ok := sh.entries[key]
	if ok && current.After(now) {
		if expiresAt.After(current) {
			sh.entries[key] = expiresAt
		}
		return false
	}
	sh.entries[key] = expiresAt
	if !ok {
		s.size.Add(1)
	}
	return true
}

func (s *expiringSet) contains(key string, now time.Time) bool {
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	expiresAt, ok := sh.entries[key]
	return ok && expiresAt.After(now)
}

func (s *expiringSet) sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, expiresAt := range sh.entries {
			if !expiresAt.After(now) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	s.size.Add(-int64(removed))
	return removed
}

func (s *expiringSet) members(now time.Time) []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key, expiresAt := range sh.entries {
			if expiresAt.After(now) {
				out = append(out, key)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

type quarantineShard struct {
	mu    sync.RWMutex
	users map[string]core.UserRecord
}

// ActorState holds the blocked-IP set, the suspicious-user set and the
// quarantined users. All reads are lock-sharded map lookups with no I/O, so they
// are safe on the request hot path. Writes are visible to every reader as soon
// as the call returns.
type ActorState struct {
	blockedIPs      *expiringSet
	suspiciousUsers *expiringSet
	quarantine      []*quarantineShard
	quarantineCount atomic.Int64
}

// NewActorState creates empty actor state
func NewActorState(shards int) *ActorState {
	if shards <= 0 {
		shards = DefaultShardCount
	}
	st := &ActorState{
		blockedIPs:      newExpiringSet(shards),
		suspiciousUsers: newExpiringSet(shards),
		quarantine:      make([]*quarantineShard, shards),
	}
	for i := range st.quarantine {
		st.quarantine[i] = &quarantineShard{users: make(map[string]core.UserRecord)}
	}
	return st
}

// BlockIP blocks ip until expiresAt, reporting whether this call created the block
func (st *ActorState) BlockIP(ip string, expiresAt, now time.Time) bool {
	return st.blockedIPs.add(ip, expiresAt, now)
}

// IsBlocked reports whether ip has a live block
func (st *ActorState) IsBlocked(ip string, now time.Time) bool {
	return st.blockedIPs.contains(ip, now)
}

// FlagSuspicious flags userID until expiresAt, reporting whether this call created the flag
func (st *ActorState) FlagSuspicious(userID string, expiresAt, now time.Time) bool {
	return st.suspiciousUsers.add(userID, expiresAt, now)
}

// IsSuspicious reports whether userID is flagged or quarantined
func (st *ActorState) IsSuspicious(userID string, now time.Time) bool {
	return st.suspiciousUsers.contains(userID, now) || st.IsQuarantined(userID)
}

// Quarantine moves userID from active to quarantined. It returns the stored
// record and whether this call performed the transition.
func (st *ActorState) Quarantine(userID, reason, ruleID string, now time.Time) (core.UserRecord, bool) {
	sh := st.quarantine[shardIndex(userID, len(st.quarantine))]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.users[userID]; ok && !existing.Status.CanTransitionTo(core.UserStatusQuarantined) {
		return existing, false
	}
	rec := core.UserRecord{
		UserID:        userID,
		Status:        core.UserStatusQuarantined,
		Reason:        reason,
		RuleID:        ruleID,
		QuarantinedAt: now,
	}
	sh.users[userID] = rec
	st.quarantineCount.Add(1)
	return rec, true
}

// IsQuarantined reports whether userID has been quarantined
func (st *ActorState) IsQuarantined(userID string) bool {
	sh := st.quarantine[shardIndex(userID, len(st.quarantine))]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.users[userID]
	return ok && rec.Status == core.UserStatusQuarantined
}

// RestoreBlock loads a persisted block. Records that are inactive or already
// expired are ignored. It reports whether the record was applied.
func (st *ActorState) RestoreBlock(rec *core.BlockRecord, now time.Time) bool {
	if rec == nil || !rec.IsActiveAt(now) {
		return false
	}
	switch rec.Type {
	case core.BlockTypeIPAddress:
		st.blockedIPs.add(rec.Value, rec.ExpiresAt, now)
	case core.BlockTypeUserID:
		st.suspiciousUsers.add(rec.Value, rec.ExpiresAt, now)
	default:
		return false
	}
	return true
}

// RestoreUser loads a persisted quarantine record
func (st *ActorState) RestoreUser(rec *core.UserRecord) bool {
	if rec == nil || rec.Status != core.UserStatusQuarantined {
		return false
	}
	_, applied := st.Quarantine(rec.UserID, rec.Reason, rec.RuleID, rec.QuarantinedAt)
	return applied
}

// Sweep drops expired blocks and flags, returning how many were removed
func (st *ActorState) Sweep(now time.Time) int {
	return st.blockedIPs.sweep(now) + st.suspiciousUsers.sweep(now)
}

// BlockedIPs returns the live blocked IPs, sorted
func (st *ActorState) BlockedIPs(now time.Time) []string {
	return st.blockedIPs.members(now)
}

// SuspiciousUsers returns the live suspicious users, sorted. Quarantined users
// are not included unless they are also flagged.
func (st *ActorState) SuspiciousUsers(now time.Time) []string {
	return st.suspiciousUsers.members(now)
}

// ActorStateStats counts entries held in memory, including expired entries not yet swept
type ActorStateStats struct {
	BlockedIPs       int64
	SuspiciousUsers  int64
	QuarantinedUsers int64
}

// Stats returns entry counts
func (st *ActorState) Stats() ActorStateStats {
	return ActorStateStats{
		BlockedIPs:       st.blockedIPs.size.Load(),
		SuspiciousUsers:  st.suspiciousUsers.size.Load(),
		QuarantinedUsers: st.quarantineCount.Load(),
	}
}
