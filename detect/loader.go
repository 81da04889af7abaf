package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"sentinel/core"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// MaxCustomPatternLength bounds the size of a custom rule pattern
const MaxCustomPatternLength = 1000

// nestedQuantifier finds a quantified group that itself contains a quantifier,
// e.g. (a+)+ or (\w*){2,}
var nestedQuantifier = regexp.MustCompile(`\([^()]*[+*][^()]*\)[+*{]`)

// checkCustomPattern rejects patterns prone to catastrophic backtracking. The
// match timeout still applies to anything that passes.
func checkCustomPattern(pattern string) error {
	if len(pattern) > MaxCustomPatternLength {
		return fmt.Errorf("pattern exceeds %d characters", MaxCustomPatternLength)
	}
	if nestedQuantifier.MatchString(pattern) {
		return fmt.Errorf("pattern %q has nested quantifiers", pattern)
	}
	return nil
}

// PatternRuleDefinition is the file form of a custom signature rule
type PatternRuleDefinition struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	Severity    core.Severity   `json:"severity" yaml:"severity"`
	Action      core.ActionType `json:"action" yaml:"action"`
	Enabled     *bool           `json:"enabled" yaml:"enabled"`
	Priority    int             `json:"priority" yaml:"priority"`
	Patterns    []string        `json:"patterns" yaml:"patterns"`
}

// PatternRuleFile is the top-level document of a custom rules file
type PatternRuleFile struct {
	Rules []PatternRuleDefinition `json:"rules" yaml:"rules"`
}

// ParsePatternRules builds rules from a YAML or JSON document. Definitions whose
// patterns fail to compile are logged and skipped; a definition without an id
// fails the whole document.
func ParsePatternRules(data []byte, format string, regexTimeout time.Duration, logger *zap.SugaredLogger) ([]core.ThreatDetectionRule, error) {
	var file PatternRuleFile
	var err error
	if format == "json" {
		err = json.Unmarshal(data, &file)
	} else {
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}

	rules := make([]core.ThreatDetectionRule, 0, len(file.Rules))
	for _, def := range file.Rules {
		if def.ID == "" {
			return nil, fmt.Errorf("%w: rule missing id", core.ErrInvalidRule)
		}
		var patternErr error
		for _, pattern := range def.Patterns {
			if patternErr = checkCustomPattern(pattern); patternErr != nil {
				break
			}
		}
		if patternErr != nil {
			logger.Errorw("Unsafe custom rule pattern, skipping", "rule_id", def.ID, "error", patternErr)
			continue
		}
		pred, err := NewPatternPredicate(def.Patterns, regexTimeout)
		if err != nil {
			logger.Errorw("Invalid custom rule, skipping", "rule_id", def.ID, "error", err)
			continue
		}
		enabled := true
		if def.Enabled != nil {
			enabled = *def.Enabled
		}
		action := def.Action
		if action == "" {
			action = core.ActionAlert
		}
		rule := core.ThreatDetectionRule{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			Severity:    def.Severity,
			Action:      action,
			Enabled:     enabled,
			Priority:    def.Priority,
			Predicate:   pred,
		}
		if err := rule.Validate(); err != nil {
			logger.Errorw("Invalid custom rule, skipping", "rule_id", def.ID, "error", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadPatternRules reads custom signature rules from a .yaml, .yml or .json file
func LoadPatternRules(filename string, regexTimeout time.Duration, logger *zap.SugaredLogger) ([]core.ThreatDetectionRule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	format := "yaml"
	if strings.HasSuffix(filename, ".json") {
		format = "json"
	}
	rules, err := ParsePatternRules(data, format, regexTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	logger.Infof("Loaded %d custom rules from %s", len(rules), filename)
	return rules, nil
}
