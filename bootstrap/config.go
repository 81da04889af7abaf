package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"sentinel/config"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output at the
// given level ("debug", "info", "warn", "error").
func InitLogger(level string) (*zap.Logger, *zap.SugaredLogger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		lvl,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// LoadConfig reads path when set, otherwise config.yaml from the default
// locations, then resolves backend passwords from the secrets provider.
func LoadConfig(ctx context.Context, path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadConfigFile(path)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	manager, err := config.NewSecretManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager: %w", err)
	}
	secretsCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := config.LoadSecrets(secretsCtx, cfg, manager); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logConfig records where the configuration came from and the main choices
func logConfig(cfg *config.Config, sugar *zap.SugaredLogger) {
	if file := viper.ConfigFileUsed(); file != "" {
		sugar.Infow("Config loaded", "file", file)
	} else {
		sugar.Info("No config file found, using defaults and env vars")
	}

	sugar.Infow("Persistence configuration",
		"backend", cfg.Persistence.Backend,
		"queue_size", cfg.Persistence.QueueSize,
		"workers", cfg.Persistence.Workers,
		"clickhouse_archive", cfg.ClickHouse.Enabled)

	sugar.Infow("Engine configuration",
		"shards", cfg.Engine.Shards,
		"max_window", cfg.Engine.MaxWindow,
		"custom_rules_file", cfg.Rules.CustomRulesFile,
		"disabled_rules", cfg.Rules.Disabled,
		"secrets_provider", cfg.Secrets.Provider)
}
