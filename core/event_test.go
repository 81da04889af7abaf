package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityEventInputValidate(t *testing.T) {
	valid := SecurityEventInput{
		Type:      EventTypeAuthentication,
		IPAddress: "1.2.3.4",
		Action:    LoginFailedAction,
	}

	tests := []struct {
		name    string
		mutate  func(in *SecurityEventInput)
		wantErr string
	}{
		{"valid", func(in *SecurityEventInput) {}, ""},
		{"missing type", func(in *SecurityEventInput) { in.Type = "" }, "type"},
		{"unknown type", func(in *SecurityEventInput) { in.Type = "billing" }, "type"},
		{"missing ip", func(in *SecurityEventInput) { in.IPAddress = "" }, "ipaddress"},
		{"missing action", func(in *SecurityEventInput) { in.Action = "" }, "action"},
		{"bad severity", func(in *SecurityEventInput) { in.Severity = "urgent" }, "severity"},
		{"known severity", func(in *SecurityEventInput) { in.Severity = SeverityHigh }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			err := in.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidEvent)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewSecurityEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := SecurityEventInput{
		Type:      EventTypeDataAccess,
		UserID:    "u1",
		IPAddress: "10.0.0.1",
		Action:    "read",
		Details:   map[string]interface{}{"table": "applications"},
	}

	a := NewSecurityEvent(in, now)
	b := NewSecurityEvent(in, now)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, SeverityLow, a.Severity)
	assert.Equal(t, now, a.Timestamp)
	assert.True(t, a.HasUser())
	assert.Equal(t, "applications", a.DetailString("table"))
	assert.Equal(t, "", a.DetailString("missing"))

	c := a.Clone()
	c.Blocked = true
	assert.False(t, a.Blocked)
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.False(t, Severity("nope").IsValid())
}

func TestBlockRecordExpiry(t *testing.T) {
	now := time.Now()
	b := NewBlockRecord(BlockTypeIPAddress, "1.2.3.4", "brute force", "r1", now, time.Hour)
	assert.True(t, b.IsActiveAt(now))
	assert.False(t, b.IsActiveAt(now.Add(2*time.Hour)))
	b.Active = false
	assert.False(t, b.IsActiveAt(now))
}

func TestUserStatusTransitions(t *testing.T) {
	assert.True(t, UserStatusActive.CanTransitionTo(UserStatusQuarantined))
	assert.True(t, UserStatus("").CanTransitionTo(UserStatusQuarantined))
	assert.False(t, UserStatusQuarantined.CanTransitionTo(UserStatusQuarantined))
	assert.False(t, UserStatusQuarantined.CanTransitionTo(UserStatusActive))
}
