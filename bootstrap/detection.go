package bootstrap

import (
	"fmt"

	"sentinel/compliance"
	"sentinel/config"
	"sentinel/core"
	"sentinel/detect"

	"go.uber.org/zap"
)

// EngineConfigFromConfig maps the engine and rules sections onto the engine
func EngineConfigFromConfig(cfg *config.Config, customRules []core.ThreatDetectionRule) detect.EngineConfig {
	ec := detect.DefaultEngineConfig()

	ec.Store.Shards = cfg.Engine.Shards
	ec.Store.MaxWindow = cfg.Engine.MaxWindow
	ec.Store.MaxEventsPerKey = cfg.Engine.MaxEventsPerKey
	ec.Store.SweepInterval = cfg.Engine.StoreSweepInterval

	ec.Dispatcher.BlockTTL = cfg.Engine.BlockTTL
	ec.Dispatcher.SuspiciousTTL = cfg.Engine.SuspiciousTTL
	ec.Dispatcher.AlertCacheSize = cfg.Engine.AlertCacheSize

	ec.Rules.RegexTimeout = cfg.Rules.RegexTimeout
	ec.Rules.BruteForceThreshold = cfg.Rules.BruteForceThreshold
	ec.Rules.BruteForceWindow = cfg.Rules.BruteForceWindow
	ec.Rules.ImpossibleTravelMaxRegions = cfg.Rules.ImpossibleTravelMaxRegions
	ec.Rules.ImpossibleTravelWindow = cfg.Rules.ImpossibleTravelWindow
	ec.Rules.ExfiltrationThreshold = cfg.Rules.ExfiltrationThreshold
	ec.Rules.ExfiltrationWindow = cfg.Rules.ExfiltrationWindow

	ec.CustomRules = customRules
	ec.DisabledRules = cfg.Rules.Disabled
	ec.ActorSweepInterval = cfg.Engine.ActorSweepInterval
	ec.RecentEventCapacity = cfg.Engine.RecentEventCapacity
	ec.ContinueOnRehydrateError = cfg.Engine.ContinueOnRehydrateError
	return ec
}

// LoadCustomRules reads the custom pattern rule file, if one is configured
func LoadCustomRules(cfg *config.Config, sugar *zap.SugaredLogger) ([]core.ThreatDetectionRule, error) {
	if cfg.Rules.CustomRulesFile == "" {
		return nil, nil
	}
	rules, err := detect.LoadPatternRules(cfg.Rules.CustomRulesFile, cfg.Rules.RegexTimeout, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to load custom rules: %w", err)
	}
	return rules, nil
}

// InitCompliance builds the validator from the built-in requirements plus
// any declared in the requirements file
func InitCompliance(cfg *config.Config, sugar *zap.SugaredLogger) (*compliance.Validator, error) {
	requirements := compliance.BuiltinRequirements(compliance.BuiltinOptions{
		MaxRetentionDays: cfg.Compliance.MaxRetentionDays,
	})

	if cfg.Compliance.RequirementsFile != "" {
		extra, err := compliance.LoadRequirements(cfg.Compliance.RequirementsFile, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to load compliance requirements: %w", err)
		}
		requirements = append(requirements, extra...)
	}

	validator, err := compliance.NewValidator(sugar, requirements...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compliance validator: %w", err)
	}
	sugar.Infow("Compliance validator ready",
		"requirements", len(requirements),
		"regulations", validator.Regulations())
	return validator, nil
}

// InitEngine builds the security engine over the given storage
func InitEngine(cfg *config.Config, components *StorageComponents, validator *compliance.Validator, sugar *zap.SugaredLogger, opts ...detect.EngineOption) (*detect.SecurityEngine, error) {
	customRules, err := LoadCustomRules(cfg, sugar)
	if err != nil {
		return nil, err
	}

	engine, err := detect.NewSecurityEngine(EngineConfigFromConfig(cfg, customRules), detect.EngineDeps{
		Loader:     components.Gateway,
		Sink:       components.Writer,
		Compliance: validator,
	}, sugar, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create security engine: %w", err)
	}
	sugar.Infow("Security engine created", "rules", len(engine.Rules()), "custom_rules", len(customRules))
	return engine, nil
}

// BuildRuleSet returns the rules an engine built from cfg would run, without
// starting one
func BuildRuleSet(cfg *config.Config, sugar *zap.SugaredLogger) ([]core.ThreatDetectionRule, error) {
	customRules, err := LoadCustomRules(cfg, sugar)
	if err != nil {
		return nil, err
	}
	ec := EngineConfigFromConfig(cfg, customRules)

	builtins, err := detect.DefaultRules(ec.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build default rules: %w", err)
	}
	ruleEngine, err := detect.NewRuleEngine(append(builtins, customRules...), sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule engine: %w", err)
	}
	for _, id := range ec.DisabledRules {
		if err := ruleEngine.SetRuleEnabled(id, false); err != nil {
			return nil, err
		}
	}
	return ruleEngine.Rules(), nil
}
