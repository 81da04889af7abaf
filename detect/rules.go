package detect

import (
	"fmt"
	"strings"
	"time"

	"sentinel/core"
)

// Built-in rule identifiers
const (
	RuleSQLInjection        = "sql_injection"
	RuleXSS                 = "xss_attack"
	RulePathTraversal       = "path_traversal"
	RuleCommandInjection    = "command_injection"
	RuleBruteForce          = "brute_force_login"
	RuleImpossibleTravel    = "impossible_travel"
	RuleDataExfiltration    = "data_exfiltration"
	RulePrivilegeEscalation = "privilege_escalation"
)

var (
	sqlInjectionPatterns = []string{
		`\bunion\b[\s\S]{0,100}?\bselect\b`,
		`'\s*or\s+'?[\w]+'?\s*=\s*'?[\w]+`,
		`\bor\s+\d+\s*=\s*\d+`,
		`;\s*(drop|delete|truncate|alter)\s+(table|database)\b`,
		`\b(sleep|benchmark|pg_sleep)\s*\(\s*\d+`,
		`\bexec(\s|\+)+(s|x)p\w+`,
		`'\s*;\s*--`,
	}
	xssPatterns = []string{
		`<\s*script\b`,
		`javascript\s*:`,
		`<[^>]+\bon(error|load|click|mouseover|focus|submit)\s*=`,
		`<\s*(iframe|object|embed)\b`,
		`\bdocument\.(cookie|location)\b`,
	}
	pathTraversalPatterns = []string{
		`(\.\./|\.\.\\){2,}`,
		`/etc/(passwd|shadow)\b`,
		`\b[a-z]:\\windows\\system32\b`,
	}
	commandInjectionPatterns = []string{
		"(;|\\||&&|\\$\\(|\x60)\\s*(cat|ls|rm|wget|curl|bash|sh|nc|netcat|python|perl|chmod)\\b",
	}
)

// RuleOptions tunes the built-in rule set
type RuleOptions struct {
	RegexTimeout time.Duration

	BruteForceThreshold int
	BruteForceWindow    time.Duration

	ImpossibleTravelMaxRegions int
	ImpossibleTravelWindow     time.Duration

	ExfiltrationThreshold int
	ExfiltrationWindow    time.Duration
}

// DefaultRuleOptions returns the thresholds the platform ships with
func DefaultRuleOptions() RuleOptions {
	return RuleOptions{
		RegexTimeout:               DefaultRegexTimeout,
		BruteForceThreshold:        core.BruteForceThreshold,
		BruteForceWindow:           core.BruteForceWindow,
		ImpossibleTravelMaxRegions: core.ImpossibleTravelMaxRegions,
		ImpossibleTravelWindow:     core.ImpossibleTravelWindow,
		ExfiltrationThreshold:      core.ExfiltrationThreshold,
		ExfiltrationWindow:         core.ExfiltrationWindow,
	}
}

// DefaultRules builds the built-in rule set
func DefaultRules(opts RuleOptions) ([]core.ThreatDetectionRule, error) {
	patternRule := func(id, name, desc string, sev core.Severity, patterns []string) (core.ThreatDetectionRule, error) {
		pred, err := NewPatternPredicate(patterns, opts.RegexTimeout)
		if err != nil {
			return core.ThreatDetectionRule{}, fmt.Errorf("rule %s: %w", id, err)
		}
		return core.ThreatDetectionRule{
			ID:          id,
			Name:        name,
			Description: desc,
			Severity:    sev,
			Action:      core.ActionBlock,
			Enabled:     true,
			Predicate:   pred,
		}, nil
	}

	rules := make([]core.ThreatDetectionRule, 0, 8)
	for _, def := range []struct {
		id, name, desc string
		sev            core.Severity
		patterns       []string
	}{
		{RuleSQLInjection, "SQL Injection Attempt", "SQL injection signature in request payload", core.SeverityCritical, sqlInjectionPatterns},
		{RuleCommandInjection, "Command Injection Attempt", "Shell metacharacters followed by a command in request payload", core.SeverityCritical, commandInjectionPatterns},
		{RuleXSS, "Cross-Site Scripting Attempt", "Script injection signature in request payload", core.SeverityHigh, xssPatterns},
		{RulePathTraversal, "Path Traversal Attempt", "Directory traversal sequence in request payload", core.SeverityHigh, pathTraversalPatterns},
	} {
		r, err := patternRule(def.id, def.name, def.desc, def.sev, def.patterns)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	rules = append(rules,
		core.ThreatDetectionRule{
			ID:          RulePrivilegeEscalation,
			Name:        "Privilege Escalation",
			Description: "An authorization event grants an elevated role the actor did not already hold",
			Severity:    core.SeverityCritical,
			Action:      core.ActionQuarantine,
			Enabled:     true,
			Predicate:   NewStatefulPredicate(0, privilegeEscalation),
		},
		core.ThreatDetectionRule{
			ID:          RuleBruteForce,
			Name:        "Brute Force Login",
			Description: fmt.Sprintf("%d or more failed logins from one IP within %v", opts.BruteForceThreshold, opts.BruteForceWindow),
			Severity:    core.SeverityHigh,
			Action:      core.ActionBlock,
			Enabled:     true,
			Predicate:   NewStatefulPredicate(opts.BruteForceWindow, bruteForce(opts.BruteForceThreshold, opts.BruteForceWindow)),
		},
		core.ThreatDetectionRule{
			ID:          RuleImpossibleTravel,
			Name:        "Impossible Travel",
			Description: fmt.Sprintf("Authentication from more than %d regions within %v", opts.ImpossibleTravelMaxRegions, opts.ImpossibleTravelWindow),
			Severity:    core.SeverityHigh,
			Action:      core.ActionAlert,
			Enabled:     true,
			Predicate:   NewStatefulPredicate(opts.ImpossibleTravelWindow, impossibleTravel(opts.ImpossibleTravelMaxRegions, opts.ImpossibleTravelWindow)),
		},
		core.ThreatDetectionRule{
			ID:          RuleDataExfiltration,
			Name:        "Abnormal Data Access Volume",
			Description: fmt.Sprintf("More than %d data access events by one actor within %v", opts.ExfiltrationThreshold, opts.ExfiltrationWindow),
			Severity:    core.SeverityMedium,
			Action:      core.ActionAlert,
			Enabled:     true,
			Predicate:   NewStatefulPredicate(opts.ExfiltrationWindow, dataExfiltration(opts.ExfiltrationThreshold, opts.ExfiltrationWindow)),
		},
	)
	return rules, nil
}

func bruteForce(threshold int, window time.Duration) StatefulFunc {
	return func(ec core.EvalContext) (bool, error) {
		ev := ec.Event
		if ev.Type != core.EventTypeAuthentication || ev.Action != core.LoginFailedAction || ev.IPAddress == "" {
			return false, nil
		}
		failures := 0
		for _, past := range ec.History.Query(core.IPKey(ev.IPAddress), core.EventTypeAuthentication, window, ec.Now) {
			if past.Action == core.LoginFailedAction {
				failures++
			}
		}
		return failures >= threshold, nil
	}
}

func impossibleTravel(maxRegions int, window time.Duration) StatefulFunc {
	return func(ec core.EvalContext) (bool, error) {
		ev := ec.Event
		if ev.Type != core.EventTypeAuthentication || !ev.HasUser() || ev.Region == "" {
			return false, nil
		}
		regions := make(map[string]struct{})
		for _, past := range ec.History.Query(core.UserKey(ev.UserID), core.EventTypeAuthentication, window, ec.Now) {
			if past.Region != "" {
				regions[past.Region] = struct{}{}
			}
		}
		return len(regions) > maxRegions, nil
	}
}

func dataExfiltration(threshold int, window time.Duration) StatefulFunc {
	return func(ec core.EvalContext) (bool, error) {
		ev := ec.Event
		if ev.Type != core.EventTypeDataAccess {
			return false, nil
		}
		key := core.IPKey(ev.IPAddress)
		if ev.HasUser() {
			key = core.UserKey(ev.UserID)
		}
		return len(ec.History.Query(key, core.EventTypeDataAccess, window, ec.Now)) > threshold, nil
	}
}

// privilegeEscalation needs details.previousRole and details.newRole. Emitters
// that predate newRole are still covered by reading the role from a grant_<role>
// action.
func privilegeEscalation(ec core.EvalContext) (bool, error) {
	ev := ec.Event
	if ev.Type != core.EventTypeAuthorization {
		return false, nil
	}
	previous := strings.ToLower(strings.TrimSpace(ev.DetailString("previousRole")))
	if previous == "" {
		return false, nil
	}
	granted := strings.ToLower(strings.TrimSpace(ev.DetailString("newRole")))
	if granted == "" {
		action := strings.ToLower(ev.Action)
		if !strings.HasPrefix(action, "grant_") {
			return false, nil
		}
		granted = strings.TrimPrefix(action, "grant_")
	}
	return core.ElevatedRoles[granted] && previous != granted, nil
}
