package detect

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"sentinel/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, deps EngineDeps, clock *testClock) *SecurityEngine {
	t.Helper()
	if deps.Sink == nil {
		deps.Sink = &recordingSink{}
	}
	engine, err := NewSecurityEngine(DefaultEngineConfig(), deps, testLogger(), WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		_ = engine.Stop(context.Background())
	})
	return engine
}

// stubCompliance fails every record that carries a "violation" key
type stubCompliance struct{}

func (stubCompliance) Validate(record core.Record, regulations ...core.Regulation) (core.ComplianceResult, error) {
	if record.Has("violation") {
		return core.ComplianceResult{Violations: []core.ComplianceViolation{{Requirement: core.ComplianceRequirement{ID: "stub"}}}}, nil
	}
	return core.ComplianceResult{Compliant: true, Violations: []core.ComplianceViolation{}}, nil
}

func TestSecurityEngine_RejectsEventsBeforeStartAndAfterStop(t *testing.T) {
	engine, err := NewSecurityEngine(DefaultEngineConfig(), EngineDeps{Sink: &recordingSink{}}, testLogger())
	require.NoError(t, err)

	_, err = engine.ProcessSecurityEvent(context.Background(), loginFailed("1.2.3.4"))
	assert.ErrorIs(t, err, core.ErrEngineNotStarted)

	require.NoError(t, engine.Start(context.Background()))
	require.NoError(t, engine.Start(context.Background()), "start is idempotent")
	require.NoError(t, engine.Stop(context.Background()))

	_, err = engine.ProcessSecurityEvent(context.Background(), loginFailed("1.2.3.4"))
	assert.ErrorIs(t, err, core.ErrEngineStopped)
	assert.ErrorIs(t, engine.Start(context.Background()), core.ErrEngineStopped)
}

func TestSecurityEngine_RejectsMalformedInput(t *testing.T) {
	engine := newTestEngine(t, EngineDeps{}, newTestClock())

	tests := []struct {
		name  string
		input core.SecurityEventInput
	}{
		{"missing type", core.SecurityEventInput{IPAddress: "1.2.3.4", Action: "x"}},
		{"missing ip", core.SecurityEventInput{Type: core.EventTypeAuthentication, Action: "x"}},
		{"missing action", core.SecurityEventInput{Type: core.EventTypeAuthentication, IPAddress: "1.2.3.4"}},
		{"unknown type", core.SecurityEventInput{Type: "telemetry", IPAddress: "1.2.3.4", Action: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := engine.ProcessSecurityEvent(context.Background(), tt.input)
			assert.Nil(t, ev)
			assert.ErrorIs(t, err, core.ErrInvalidEvent)
		})
	}
}

func TestSecurityEngine_ScenarioA_BruteForce(t *testing.T) {
	clock := newTestClock()
	sink := &recordingSink{}
	engine := newTestEngine(t, EngineDeps{Sink: sink}, clock)

	var last *core.SecurityEvent
	for i := 0; i < 5; i++ {
		ev, err := engine.ProcessSecurityEvent(context.Background(), loginFailed("1.2.3.4"))
		require.NoError(t, err)
		last = ev
		clock.Advance(2 * time.Minute)
	}

	assert.True(t, engine.IsBlocked("1.2.3.4"))
	assert.True(t, last.Blocked)
	assert.Len(t, sink.blocksFor(core.BlockTypeIPAddress, "1.2.3.4"), 1)
	assert.Len(t, sink.alertsFor(RuleBruteForce), 1)
}

func TestSecurityEngine_ThresholdBoundary(t *testing.T) {
	t.Run("four failures do not block", func(t *testing.T) {
		clock := newTestClock()
		engine := newTestEngine(t, EngineDeps{}, clock)
		for i := 0; i < 4; i++ {
			_, err := engine.ProcessSecurityEvent(context.Background(), loginFailed("5.5.5.5"))
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}
		assert.False(t, engine.IsBlocked("5.5.5.5"))
	})

	t.Run("fifth failure inside the window blocks", func(t *testing.T) {
		clock := newTestClock()
		engine := newTestEngine(t, EngineDeps{}, clock)
		for i := 0; i < 5; i++ {
			_, err := engine.ProcessSecurityEvent(context.Background(), loginFailed("5.5.5.5"))
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}
		assert.True(t, engine.IsBlocked("5.5.5.5"))
	})

	t.Run("fifth failure after the window does not block", func(t *testing.T) {
		clock := newTestClock()
		engine := newTestEngine(t, EngineDeps{}, clock)
		for i := 0; i < 4; i++ {
			_, err := engine.ProcessSecurityEvent(context.Background(), loginFailed("5.5.5.5"))
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}
		clock.Advance(12 * time.Minute)
		ev, err := engine.ProcessSecurityEvent(context.Background(), loginFailed("5.5.5.5"))
		require.NoError(t, err)
		assert.Equal(t, testStart.Add(16*time.Minute), ev.Timestamp)
		assert.False(t, ev.Blocked)
		assert.False(t, engine.IsBlocked("5.5.5.5"))
	})
}

func TestSecurityEngine_IdempotentBlocking(t *testing.T) {
	clock := newTestClock()
	sink := &recordingSink{}
	engine := newTestEngine(t, EngineDeps{Sink: sink}, clock)

	for round := 0; round < 2; round++ {
		for i := 0; i < 5; i++ {
			_, err := engine.ProcessSecurityEvent(context.Background(), loginFailed("9.9.9.9"))
			require.NoError(t, err)
			clock.Advance(30 * time.Second)
			if round == 0 && i == 4 {
				assert.True(t, engine.IsBlocked("9.9.9.9"))
			}
		}
		assert.True(t, engine.IsBlocked("9.9.9.9"))
	}

	assert.Len(t, sink.blocksFor(core.BlockTypeIPAddress, "9.9.9.9"), 1)
}

func TestSecurityEngine_ScenarioB_PrivilegeEscalation(t *testing.T) {
	clock := newTestClock()
	sink := &recordingSink{}
	engine := newTestEngine(t, EngineDeps{Sink: sink}, clock)

	ev, err := engine.ProcessSecurityEvent(context.Background(), core.SecurityEventInput{
		Type:      core.EventTypeAuthorization,
		UserID:    "u-42",
		IPAddress: "10.20.30.40",
		Resource:  "/api/v1/admin/roles",
		Action:    "grant_admin",
		Details:   map[string]interface{}{"previousRole": "member"},
	})
	require.NoError(t, err)

	assert.True(t, ev.Blocked)
	assert.True(t, engine.IsQuarantined("u-42"))
	assert.True(t, engine.IsSuspicious("u-42"))
	assert.True(t, engine.IsBlocked("10.20.30.40"))

	alerts := sink.alertsFor(RulePrivilegeEscalation)
	require.Len(t, alerts, 1)
	assert.Equal(t, core.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, ev.ID, alerts[0].EventID)

	users := sink.userRecords()
	require.Len(t, users, 1)
	assert.Equal(t, core.UserStatusQuarantined, users[0].Status)
}

func TestSecurityEngine_ScenarioC_DataExfiltration(t *testing.T) {
	clock := newTestClock()
	sink := &recordingSink{}
	engine := newTestEngine(t, EngineDeps{Sink: sink}, clock)

	for i := 0; i < 101; i++ {
		ev, err := engine.ProcessSecurityEvent(context.Background(), core.SecurityEventInput{
			Type:      core.EventTypeDataAccess,
			UserID:    "u1",
			IPAddress: "172.16.0.5",
			Resource:  fmt.Sprintf("/api/v1/candidates/%d", i),
			Action:    "read",
		})
		require.NoError(t, err)
		assert.False(t, ev.Blocked)
		clock.Advance(30 * time.Second)
	}

	alerts := sink.alertsFor(RuleDataExfiltration)
	require.Len(t, alerts, 1)
	assert.Equal(t, core.ActionAlert, alerts[0].Action)
	assert.Equal(t, core.SeverityMedium, alerts[0].Severity)

	assert.False(t, engine.IsBlocked("172.16.0.5"))
	assert.False(t, engine.IsSuspicious("u1"))
	assert.False(t, engine.IsQuarantined("u1"))
	assert.Zero(t, sink.blockCount())
}

func TestSecurityEngine_AlreadyBlockedIPIsStillRecorded(t *testing.T) {
	clock := newTestClock()
	sink := &recordingSink{}
	engine := newTestEngine(t, EngineDeps{
		Sink:   sink,
		Loader: &stubLoader{blocks: []*core.BlockRecord{core.NewBlockRecord(core.BlockTypeIPAddress, "6.6.6.6", "prior", "x", testStart.Add(-time.Hour), 24*time.Hour)}},
	}, clock)

	ev, err := engine.ProcessSecurityEvent(context.Background(), core.SecurityEventInput{
		Type:      core.EventTypeDataAccess,
		IPAddress: "6.6.6.6",
		Action:    "read",
	})
	require.NoError(t, err)

	assert.True(t, ev.Blocked)
	assert.Equal(t, int64(1), engine.Stats().StoreEvents)
	assert.Zero(t, sink.blockCount(), "no new block record for an existing block")
}

func TestSecurityEngine_RehydratesOnStart(t *testing.T) {
	clock := newTestClock()
	loader := &stubLoader{
		blocks: []*core.BlockRecord{
			core.NewBlockRecord(core.BlockTypeIPAddress, "7.7.7.7", "r", "x", testStart.Add(-time.Hour), 24*time.Hour),
			core.NewBlockRecord(core.BlockTypeIPAddress, "8.8.8.8", "r", "x", testStart.Add(-48*time.Hour), 24*time.Hour),
			core.NewBlockRecord(core.BlockTypeUserID, "u9", "r", "x", testStart.Add(-time.Hour), 24*time.Hour),
		},
		users: []*core.UserRecord{{UserID: "u10", Status: core.UserStatusQuarantined, QuarantinedAt: testStart.Add(-time.Hour)}},
	}
	engine := newTestEngine(t, EngineDeps{Loader: loader}, clock)

	assert.True(t, engine.IsBlocked("7.7.7.7"))
	assert.False(t, engine.IsBlocked("8.8.8.8"), "expired record is not restored")
	assert.True(t, engine.IsSuspicious("u9"))
	assert.True(t, engine.IsQuarantined("u10"))

	clock.Advance(24 * time.Hour)
	assert.False(t, engine.IsBlocked("7.7.7.7"), "block lapses at its expiry")
}

func TestSecurityEngine_RehydrateFailure(t *testing.T) {
	loader := &stubLoader{err: errors.New("connection refused")}

	engine, err := NewSecurityEngine(DefaultEngineConfig(), EngineDeps{Sink: &recordingSink{}, Loader: loader}, testLogger())
	require.NoError(t, err)
	assert.Error(t, engine.Start(context.Background()))

	cfg := DefaultEngineConfig()
	cfg.ContinueOnRehydrateError = true
	tolerant, err := NewSecurityEngine(cfg, EngineDeps{Sink: &recordingSink{}, Loader: loader}, testLogger())
	require.NoError(t, err)
	require.NoError(t, tolerant.Start(context.Background()))
	defer func() { _ = tolerant.Stop(context.Background()) }()

	_, err = tolerant.ProcessSecurityEvent(context.Background(), loginFailed("1.1.1.1"))
	assert.NoError(t, err)
}

func TestSecurityEngine_StopFlushesSink(t *testing.T) {
	sink := &recordingSink{}
	engine, err := NewSecurityEngine(DefaultEngineConfig(), EngineDeps{Sink: sink}, testLogger())
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	require.NoError(t, engine.Stop(context.Background()))

	assert.True(t, sink.flushed)
	require.NoError(t, engine.Stop(context.Background()), "stop is idempotent")
}

func TestSecurityEngine_ArchivesEveryEvent(t *testing.T) {
	sink := &recordingSink{}
	engine := newTestEngine(t, EngineDeps{Sink: sink}, newTestClock())

	ev, err := engine.ProcessSecurityEvent(context.Background(), loginFailed("2.2.2.2"))
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, ev.ID, sink.events[0].ID)
}

func TestSecurityEngine_ValidateComplianceDoesNotMutateState(t *testing.T) {
	clock := newTestClock()
	engine := newTestEngine(t, EngineDeps{Compliance: stubCompliance{}}, clock)

	for i := 0; i < 5; i++ {
		_, err := engine.ProcessSecurityEvent(context.Background(), loginFailed("3.3.3.3"))
		require.NoError(t, err)
	}
	before := engine.Stats()
	blockedBefore := engine.IsBlocked("3.3.3.3")

	result, err := engine.ValidateCompliance(core.Record{"violation": true, "user_id": "u1", "ip_address": "4.4.4.4"})
	require.NoError(t, err)
	assert.False(t, result.Compliant)

	assert.Equal(t, before, engine.Stats())
	assert.Equal(t, blockedBefore, engine.IsBlocked("3.3.3.3"))
	assert.False(t, engine.IsBlocked("4.4.4.4"))
	assert.False(t, engine.IsSuspicious("u1"))
}

func TestSecurityEngine_ValidateComplianceNotConfigured(t *testing.T) {
	engine := newTestEngine(t, EngineDeps{}, newTestClock())
	_, err := engine.ValidateCompliance(core.Record{})
	assert.Error(t, err)
}

func TestSecurityEngine_GetSecurityMetrics(t *testing.T) {
	clock := newTestClock()
	engine := newTestEngine(t, EngineDeps{}, clock)
	ctx := context.Background()

	old := core.SecurityEventInput{Type: core.EventTypeDataAccess, IPAddress: "10.0.0.1", Action: "read", Region: "eu-west"}
	_, err := engine.ProcessSecurityEvent(ctx, old)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	for i := 0; i < 5; i++ {
		_, err := engine.ProcessSecurityEvent(ctx, loginFailed("1.2.3.4"))
		require.NoError(t, err)
	}
	_, err = engine.ProcessSecurityEvent(ctx, core.SecurityEventInput{
		Type: core.EventTypeAuthorization, Severity: core.SeverityCritical, UserID: "u1",
		IPAddress: "10.0.0.2", Action: "grant_admin", Region: "us-east",
		Details: map[string]interface{}{"previousRole": "member"},
	})
	require.NoError(t, err)

	m := engine.GetSecurityMetrics(time.Hour)
	assert.Equal(t, 6, m.TotalEvents)
	assert.Equal(t, 2, m.BlockedEvents, "the fifth failure and the escalation")
	assert.Equal(t, 1, m.CriticalEvents)
	assert.Equal(t, 0, m.HighSeverityEvents)
	assert.Equal(t, 2, m.BlockedIPs)
	assert.Equal(t, 1, m.SuspiciousUsers)
	assert.Equal(t, 5, m.EventsByType[core.EventTypeAuthentication])
	assert.Equal(t, 1, m.EventsByType[core.EventTypeAuthorization])
	assert.Equal(t, 5, m.EventsByRegion["unknown"])
	assert.Equal(t, 1, m.EventsByRegion["us-east"])
	assert.Zero(t, m.EventsByRegion["eu-west"])
	// 7 archived events, 3 block records, 2 alerts and 1 quarantined user
	assert.Equal(t, int64(13), m.Persistence.Written)

	all := engine.GetSecurityMetrics(3 * time.Hour)
	assert.Equal(t, 7, all.TotalEvents)
}

func TestSecurityEngine_SetRuleEnabled(t *testing.T) {
	clock := newTestClock()
	engine := newTestEngine(t, EngineDeps{}, clock)
	require.NoError(t, engine.SetRuleEnabled(RuleBruteForce, false))

	for i := 0; i < 6; i++ {
		_, err := engine.ProcessSecurityEvent(context.Background(), loginFailed("1.2.3.4"))
		require.NoError(t, err)
	}
	assert.False(t, engine.IsBlocked("1.2.3.4"))
	assert.ErrorIs(t, engine.SetRuleEnabled("nope", false), ErrRuleNotFound)
}

func TestSecurityEngine_Concurrency(t *testing.T) {
	clock := newTestClock()
	sink := &recordingSink{}
	engine := newTestEngine(t, EngineDeps{Sink: sink}, clock)

	var inputs []core.SecurityEventInput
	attackers := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		ip := fmt.Sprintf("203.0.113.%d", i)
		attackers = append(attackers, ip)
		for j := 0; j < 26; j++ {
			inputs = append(inputs, loginFailed(ip))
		}
	}
	benign := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		ip := fmt.Sprintf("198.51.100.%d", i)
		benign = append(benign, ip)
		for j := 0; j < 4; j++ {
			inputs = append(inputs, loginFailed(ip))
		}
		for j := 0; j < 12; j++ {
			in := loginFailed(ip)
			in.Action = "login_success"
			inputs = append(inputs, in)
		}
	}
	require.Len(t, inputs, 1000)
	rand.New(rand.NewSource(42)).Shuffle(len(inputs), func(i, j int) {
		inputs[i], inputs[j] = inputs[j], inputs[i]
	})

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, in := range inputs {
		wg.Add(1)
		go func(in core.SecurityEventInput) {
			defer wg.Done()
			<-start
			_, err := engine.ProcessSecurityEvent(context.Background(), in)
			assert.NoError(t, err)
		}(in)
	}
	close(start)
	wg.Wait()

	for _, ip := range attackers {
		assert.True(t, engine.IsBlocked(ip), ip)
		assert.Len(t, sink.blocksFor(core.BlockTypeIPAddress, ip), 1, ip)
	}
	for _, ip := range benign {
		assert.False(t, engine.IsBlocked(ip), ip)
	}
	assert.Equal(t, 20, sink.blockCount())
	assert.Equal(t, int64(1000), engine.Stats().StoreEvents)
}

func TestSecurityEngine_DetailsDetachedFromCaller(t *testing.T) {
	sink := &recordingSink{}
	clock := newTestClock()
	engine := newTestEngine(t, EngineDeps{Sink: sink}, clock)

	details := map[string]interface{}{
		"q":    "quarterly report",
		"meta": map[string]interface{}{"source": "search"},
		"tags": []interface{}{"a"},
	}
	input := core.SecurityEventInput{
		Type:      core.EventTypeDataAccess,
		IPAddress: "7.7.7.7",
		Action:    "search",
		Details:   details,
	}
	ev, err := engine.ProcessSecurityEvent(context.Background(), input)
	require.NoError(t, err)

	details["q"] = "changed"
	details["meta"].(map[string]interface{})["source"] = "changed"
	details["tags"].([]interface{})[0] = "changed"
	ev.Details["q"] = "changed by caller"

	stored := engine.store.Query(core.IPKey("7.7.7.7"), core.EventTypeDataAccess, time.Hour, clock.Now())
	require.Len(t, stored, 1)

	sink.mu.Lock()
	require.Len(t, sink.events, 1)
	archived := sink.events[0]
	sink.mu.Unlock()

	for _, got := range []*core.SecurityEvent{stored[0], archived} {
		assert.Equal(t, "quarterly report", got.Details["q"])
		assert.Equal(t, "search", got.Details["meta"].(map[string]interface{})["source"])
		assert.Equal(t, []interface{}{"a"}, got.Details["tags"])
	}
}

func TestNewSecurityEngine_RejectsRetentionShorterThanRules(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Store.MaxWindow = 5 * time.Minute

	_, err := NewSecurityEngine(cfg, EngineDeps{Sink: &recordingSink{}}, testLogger())
	require.ErrorIs(t, err, ErrRetentionTooShort)

	// disabled rules still count, they can be enabled at runtime
	cfg.DisabledRules = []string{RuleDataExfiltration, RuleImpossibleTravel, RuleBruteForce}
	_, err = NewSecurityEngine(cfg, EngineDeps{Sink: &recordingSink{}}, testLogger())
	assert.ErrorIs(t, err, ErrRetentionTooShort)

	cfg = DefaultEngineConfig()
	cfg.Store.MaxWindow = time.Hour
	_, err = NewSecurityEngine(cfg, EngineDeps{Sink: &recordingSink{}}, testLogger())
	assert.NoError(t, err)
}

func TestSecurityEngine_GetSecurityMetricsReportsTruncation(t *testing.T) {
	clock := newTestClock()
	cfg := DefaultEngineConfig()
	cfg.Store.Shards = 1
	cfg.RecentEventCapacity = 2
	engine, err := NewSecurityEngine(cfg, EngineDeps{Sink: &recordingSink{}}, testLogger(), WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	for i := 0; i < 2; i++ {
		_, err := engine.ProcessSecurityEvent(context.Background(), loginFailed(fmt.Sprintf("9.9.9.%d", i)))
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	m := engine.GetSecurityMetrics(time.Hour)
	assert.Equal(t, 2, m.TotalEvents)
	assert.False(t, m.Truncated)

	_, err = engine.ProcessSecurityEvent(context.Background(), loginFailed("9.9.9.2"))
	require.NoError(t, err)

	m = engine.GetSecurityMetrics(time.Hour)
	assert.Equal(t, 2, m.TotalEvents)
	assert.True(t, m.Truncated)

	// the dropped event is older than a short window
	m = engine.GetSecurityMetrics(90 * time.Second)
	assert.False(t, m.Truncated)
}
