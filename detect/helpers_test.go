package detect

import (
	"context"
	"sync"
	"time"

	"sentinel/core"

	"go.uber.org/zap"
)

var testStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// testClock is a manually advanced time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testStart}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSink captures persistence writes in memory
type recordingSink struct {
	mu      sync.Mutex
	blocks  []*core.BlockRecord
	alerts  []*core.SecurityAlert
	users   []*core.UserRecord
	events  []*core.SecurityEvent
	flushed bool
}

func (s *recordingSink) SaveBlock(rec *core.BlockRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, rec)
}

func (s *recordingSink) SaveAlert(alert *core.SecurityAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *recordingSink) SaveUser(rec *core.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, rec)
}

func (s *recordingSink) ArchiveEvent(event *core.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = true
	return nil
}

func (s *recordingSink) Stats() core.PersistenceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.PersistenceStats{Written: int64(len(s.blocks) + len(s.alerts) + len(s.users) + len(s.events))}
}

func (s *recordingSink) blocksFor(blockType core.BlockType, value string) []*core.BlockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.BlockRecord
	for _, b := range s.blocks {
		if b.Type == blockType && b.Value == value {
			out = append(out, b)
		}
	}
	return out
}

func (s *recordingSink) alertsFor(ruleID string) []*core.SecurityAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.SecurityAlert
	for _, a := range s.alerts {
		if a.RuleID == ruleID {
			out = append(out, a)
		}
	}
	return out
}

func (s *recordingSink) blockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

func (s *recordingSink) userRecords() []*core.UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.UserRecord, len(s.users))
	copy(out, s.users)
	return out
}

// stubLoader serves fixed startup state
type stubLoader struct {
	blocks []*core.BlockRecord
	users  []*core.UserRecord
	err    error
}

func (l *stubLoader) LoadActiveBlocks(ctx context.Context, now time.Time) ([]*core.BlockRecord, error) {
	return l.blocks, l.err
}

func (l *stubLoader) LoadQuarantinedUsers(ctx context.Context) ([]*core.UserRecord, error) {
	return l.users, l.err
}

// newEvent builds a stored event directly, bypassing the facade
func newEvent(id string, eventType core.EventType, ip, user, action string, ts time.Time) *core.SecurityEvent {
	return &core.SecurityEvent{
		ID:        id,
		Type:      eventType,
		Severity:  core.SeverityLow,
		IPAddress: ip,
		UserID:    user,
		Action:    action,
		Timestamp: ts,
	}
}

func loginFailed(ip string) core.SecurityEventInput {
	return core.SecurityEventInput{
		Type:      core.EventTypeAuthentication,
		Severity:  core.SeverityMedium,
		IPAddress: ip,
		Resource:  "/api/v1/auth/login",
		Action:    core.LoginFailedAction,
	}
}
