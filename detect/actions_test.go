package detect

import (
	"sync"
	"testing"
	"time"

	"sentinel/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*ActionDispatcher, *ActorState, *recordingSink) {
	t.Helper()
	st := NewActorState(8)
	sink := &recordingSink{}
	d, err := NewActionDispatcher(st, sink, DefaultDispatcherConfig(), testLogger())
	require.NoError(t, err)
	return d, st, sink
}

func ruleWithAction(id string, severity core.Severity, action core.ActionType) *core.ThreatDetectionRule {
	r := constRule(id, severity, 0, true)
	r.Action = action
	return &r
}

func TestActionDispatcher_RequiresCollaborators(t *testing.T) {
	_, err := NewActionDispatcher(nil, &recordingSink{}, DefaultDispatcherConfig(), testLogger())
	assert.Error(t, err)
	_, err = NewActionDispatcher(NewActorState(1), nil, DefaultDispatcherConfig(), testLogger())
	assert.Error(t, err)
}

func TestActionDispatcher_Log(t *testing.T) {
	d, st, sink := newTestDispatcher(t)
	ev := newEvent("e1", core.EventTypeAuthentication, "10.0.0.1", "u1", "x", testStart)

	res := d.Execute(core.RuleMatch{Rule: ruleWithAction("r", core.SeverityLow, core.ActionLog), Event: ev}, testStart)

	assert.False(t, res.Blocked)
	assert.Empty(t, res.Alerts)
	assert.False(t, st.IsBlocked("10.0.0.1", testStart))
	assert.Zero(t, sink.Stats().Written)
}

func TestActionDispatcher_AlertIsIdempotentPerEventAndRule(t *testing.T) {
	d, st, sink := newTestDispatcher(t)
	rule := ruleWithAction("r", core.SeverityMedium, core.ActionAlert)
	ev := newEvent("e1", core.EventTypeDataAccess, "10.0.0.1", "u1", "read", testStart)

	first := d.Execute(core.RuleMatch{Rule: rule, Event: ev}, testStart)
	second := d.Execute(core.RuleMatch{Rule: rule, Event: ev}, testStart)
	other := d.Execute(core.RuleMatch{Rule: rule, Event: newEvent("e2", core.EventTypeDataAccess, "10.0.0.1", "u1", "read", testStart)}, testStart)

	require.Len(t, first.Alerts, 1)
	assert.Empty(t, second.Alerts)
	assert.Len(t, other.Alerts, 1)
	assert.Len(t, sink.alertsFor("r"), 2)

	alert := first.Alerts[0]
	assert.Equal(t, "e1", alert.EventID)
	assert.Equal(t, core.SeverityMedium, alert.Severity)
	assert.Equal(t, core.ActionAlert, alert.Action)
	assert.False(t, alert.Acknowledged)

	assert.False(t, st.IsBlocked("10.0.0.1", testStart))
	assert.False(t, st.IsSuspicious("u1", testStart))
}

func TestActionDispatcher_BlockIsIdempotent(t *testing.T) {
	d, st, sink := newTestDispatcher(t)
	rule := ruleWithAction("r", core.SeverityHigh, core.ActionBlock)

	for i := 0; i < 3; i++ {
		ev := newEvent(string(rune('a'+i)), core.EventTypeAuthentication, "10.0.0.1", "u1", "x", testStart)
		res := d.Execute(core.RuleMatch{Rule: rule, Event: ev}, testStart)
		assert.True(t, res.Blocked)
		assert.Len(t, res.Alerts, 1)
	}

	assert.True(t, st.IsBlocked("10.0.0.1", testStart))
	assert.True(t, st.IsSuspicious("u1", testStart))
	assert.False(t, st.IsQuarantined("u1"))

	ipBlocks := sink.blocksFor(core.BlockTypeIPAddress, "10.0.0.1")
	require.Len(t, ipBlocks, 1)
	assert.Equal(t, testStart.Add(core.DefaultBlockTTL), ipBlocks[0].ExpiresAt)
	assert.True(t, ipBlocks[0].Active)
	assert.Equal(t, "r", ipBlocks[0].RuleID)

	userBlocks := sink.blocksFor(core.BlockTypeUserID, "u1")
	require.Len(t, userBlocks, 1)
	assert.Equal(t, testStart.Add(core.DefaultSuspiciousTTL), userBlocks[0].ExpiresAt)
}

func TestActionDispatcher_ConcurrentBlocksWriteOneRecord(t *testing.T) {
	d, st, sink := newTestDispatcher(t)
	rule := ruleWithAction("r", core.SeverityHigh, core.ActionBlock)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := newEvent(string(rune('A'+i)), core.EventTypeAuthentication, "10.0.0.7", "", "x", testStart)
			d.Execute(core.RuleMatch{Rule: rule, Event: ev}, testStart)
		}(i)
	}
	wg.Wait()

	assert.True(t, st.IsBlocked("10.0.0.7", testStart))
	assert.Len(t, sink.blocksFor(core.BlockTypeIPAddress, "10.0.0.7"), 1)
}

func TestActionDispatcher_Quarantine(t *testing.T) {
	d, st, sink := newTestDispatcher(t)
	rule := ruleWithAction("esc", core.SeverityCritical, core.ActionQuarantine)
	ev := newEvent("e1", core.EventTypeAuthorization, "10.0.0.1", "u1", "grant_admin", testStart)

	res := d.Execute(core.RuleMatch{Rule: rule, Event: ev}, testStart)
	again := d.Execute(core.RuleMatch{Rule: rule, Event: newEvent("e2", core.EventTypeAuthorization, "10.0.0.1", "u1", "grant_admin", testStart)}, testStart)

	assert.True(t, res.Blocked)
	assert.True(t, res.Quarantined)
	assert.True(t, again.Quarantined)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, core.SeverityCritical, res.Alerts[0].Severity)

	assert.True(t, st.IsQuarantined("u1"))
	assert.True(t, st.IsBlocked("10.0.0.1", testStart))

	users := sink.userRecords()
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].UserID)
	assert.Equal(t, core.UserStatusQuarantined, users[0].Status)
	assert.Equal(t, testStart, users[0].QuarantinedAt)
	assert.NotEmpty(t, users[0].Reason)
}

func TestActionDispatcher_QuarantineDowngradedForNonCritical(t *testing.T) {
	d, st, sink := newTestDispatcher(t)
	rule := ruleWithAction("r", core.SeverityHigh, core.ActionQuarantine)
	ev := newEvent("e1", core.EventTypeAuthorization, "10.0.0.1", "u1", "x", testStart)

	res := d.Execute(core.RuleMatch{Rule: rule, Event: ev}, testStart)

	assert.True(t, res.Blocked)
	assert.False(t, res.Quarantined)
	assert.False(t, st.IsQuarantined("u1"))
	assert.True(t, st.IsSuspicious("u1", testStart))
	assert.Empty(t, sink.userRecords())
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, core.SeverityHigh, res.Alerts[0].Severity)
}

func TestActionDispatcher_QuarantineWithoutUserBlocksIP(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	rule := ruleWithAction("esc", core.SeverityCritical, core.ActionQuarantine)
	ev := newEvent("e1", core.EventTypeAuthorization, "10.0.0.1", "", "grant_admin", testStart)

	res := d.Execute(core.RuleMatch{Rule: rule, Event: ev}, testStart)

	assert.True(t, res.Blocked)
	assert.False(t, res.Quarantined)
	assert.True(t, st.IsBlocked("10.0.0.1", testStart))
}

func TestActionDispatcher_ExecuteAllMergesResults(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ev := newEvent("e1", core.EventTypeAuthentication, "10.0.0.1", "", "x", testStart)

	res := d.ExecuteAll([]core.RuleMatch{
		{Rule: ruleWithAction("block", core.SeverityHigh, core.ActionBlock), Event: ev},
		{Rule: ruleWithAction("alert", core.SeverityLow, core.ActionAlert), Event: ev},
		{Rule: ruleWithAction("log", core.SeverityLow, core.ActionLog), Event: ev},
	}, testStart.Add(time.Second))

	assert.True(t, res.Blocked)
	assert.Len(t, res.Alerts, 2)
}
