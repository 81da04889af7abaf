package detect

import (
	"os"
	"path/filepath"
	"testing"

	"sentinel/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const customRulesYAML = `
rules:
  - id: ldap_injection
    name: LDAP Injection Attempt
    severity: high
    action: block
    priority: 3
    patterns:
      - '\)\s*\(\s*\|'
      - '\*\)\s*\(\s*uid='
  - id: scanner_user_agent
    name: Known Scanner
    severity: low
    patterns:
      - '\b(sqlmap|nikto|nmap)\b'
  - id: disabled_rule
    name: Disabled
    severity: medium
    action: alert
    enabled: false
    patterns:
      - 'never'
  - id: broken_regex
    name: Broken
    severity: low
    patterns:
      - '(unclosed'
  - id: redos
    name: Catastrophic
    severity: low
    patterns:
      - '(a+)+$'
`

func TestParsePatternRules_YAML(t *testing.T) {
	rules, err := ParsePatternRules([]byte(customRulesYAML), "yaml", DefaultRegexTimeout, testLogger())
	require.NoError(t, err)
	require.Len(t, rules, 3)

	byID := map[string]core.ThreatDetectionRule{}
	for _, r := range rules {
		byID[r.ID] = r
	}

	ldap := byID["ldap_injection"]
	assert.Equal(t, core.SeverityHigh, ldap.Severity)
	assert.Equal(t, core.ActionBlock, ldap.Action)
	assert.Equal(t, 3, ldap.Priority)
	assert.True(t, ldap.Enabled)
	assert.Equal(t, core.PredicateKindPattern, ldap.Predicate.Kind())

	assert.Equal(t, core.ActionAlert, byID["scanner_user_agent"].Action, "action defaults to alert")
	assert.False(t, byID["disabled_rule"].Enabled)
	assert.NotContains(t, byID, "broken_regex")
	assert.NotContains(t, byID, "redos")
}

func TestParsePatternRules_MatchesThroughEngine(t *testing.T) {
	custom, err := ParsePatternRules([]byte(customRulesYAML), "yaml", DefaultRegexTimeout, testLogger())
	require.NoError(t, err)
	re, err := NewRuleEngine(custom, testLogger())
	require.NoError(t, err)

	ev := newEvent("e1", core.EventTypeSuspiciousActivity, "10.0.0.1", "", "request", testStart)
	ev.UserAgent = "sqlmap/1.7.2#stable (https://sqlmap.org)"

	assert.Equal(t, []string{"scanner_user_agent"}, matchedIDs(re.Evaluate(ev, NewWindowStore(DefaultWindowStoreConfig(), testLogger()), testStart)))
}

func TestParsePatternRules_MissingID(t *testing.T) {
	_, err := ParsePatternRules([]byte("rules:\n  - name: nameless\n    severity: low\n    patterns: ['x']\n"), "yaml", DefaultRegexTimeout, testLogger())
	assert.ErrorIs(t, err, core.ErrInvalidRule)
}

func TestLoadPatternRules_JSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rules":[{"id":"j1","name":"JSON rule","severity":"critical","action":"block","patterns":["evil"]}]}`), 0o600))

	rules, err := LoadPatternRules(path, DefaultRegexTimeout, testLogger())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "j1", rules[0].ID)
	assert.Equal(t, core.SeverityCritical, rules[0].Severity)
}

func TestLoadPatternRules_MissingFile(t *testing.T) {
	_, err := LoadPatternRules(filepath.Join(t.TempDir(), "absent.yaml"), DefaultRegexTimeout, testLogger())
	assert.Error(t, err)
}

func TestCheckCustomPattern(t *testing.T) {
	assert.NoError(t, checkCustomPattern(`\bselect\b.+\bfrom\b`))
	assert.Error(t, checkCustomPattern(`(\w+)*@`))
	assert.Error(t, checkCustomPattern(`(a*){2,}`))
	assert.Error(t, checkCustomPattern(string(make([]byte, MaxCustomPatternLength+1))))
}
