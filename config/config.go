package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported persistence backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// EngineConfig tunes the correlation store and response actions
type EngineConfig struct {
	Shards                   int           `mapstructure:"shards"`
	MaxWindow                time.Duration `mapstructure:"max_window"`
	MaxEventsPerKey          int           `mapstructure:"max_events_per_key"`
	StoreSweepInterval       time.Duration `mapstructure:"store_sweep_interval"`
	ActorSweepInterval       time.Duration `mapstructure:"actor_sweep_interval"`
	RecentEventCapacity      int           `mapstructure:"recent_event_capacity"`
	BlockTTL                 time.Duration `mapstructure:"block_ttl"`
	SuspiciousTTL            time.Duration `mapstructure:"suspicious_ttl"`
	AlertCacheSize           int           `mapstructure:"alert_cache_size"`
	ContinueOnRehydrateError bool          `mapstructure:"continue_on_rehydrate_error"`
}

// PersistenceConfig selects the durable store and tunes the async writer
type PersistenceConfig struct {
	Backend      string        `mapstructure:"backend"` // memory, sqlite, redis
	QueueSize    int           `mapstructure:"queue_size"`
	Workers      int           `mapstructure:"workers"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	// MaxArchivedEvents caps the in-memory event archive
	MaxArchivedEvents int `mapstructure:"max_archived_events"`
	Breaker           struct {
		MaxFailures uint32        `mapstructure:"max_failures"`
		Cooldown    time.Duration `mapstructure:"cooldown"`
		MaxProbes   uint32        `mapstructure:"max_probes"`
	} `mapstructure:"breaker"`
}

// Config holds the application configuration
type Config struct {
	Engine      EngineConfig      `mapstructure:"engine"`
	Persistence PersistenceConfig `mapstructure:"persistence"`

	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	Redis struct {
		Addr              string `mapstructure:"addr"`
		Password          string `mapstructure:"password"`
		DB                int    `mapstructure:"db"`
		PoolSize          int    `mapstructure:"pool_size"`
		KeyPrefix         string `mapstructure:"key_prefix"`
		MaxArchivedEvents int64  `mapstructure:"max_archived_events"`
	} `mapstructure:"redis"`

	ClickHouse struct {
		Enabled       bool          `mapstructure:"enabled"`
		Addr          string        `mapstructure:"addr"`
		Database      string        `mapstructure:"database"`
		Username      string        `mapstructure:"username"`
		Password      string        `mapstructure:"password"`
		TLS           bool          `mapstructure:"tls"`
		MaxPoolSize   int           `mapstructure:"max_pool_size"`
		BatchSize     int           `mapstructure:"batch_size"`
		FlushInterval time.Duration `mapstructure:"flush_interval"`
	} `mapstructure:"clickhouse"`

	API struct {
		Enabled         bool          `mapstructure:"enabled"`
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
		RateLimit       struct {
			RequestsPerSecond float64 `mapstructure:"requests_per_second"`
			Burst             int     `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Rules struct {
		CustomRulesFile            string        `mapstructure:"custom_rules_file"`
		Disabled                   []string      `mapstructure:"disabled"`
		RegexTimeout               time.Duration `mapstructure:"regex_timeout"`
		BruteForceThreshold        int           `mapstructure:"brute_force_threshold"`
		BruteForceWindow           time.Duration `mapstructure:"brute_force_window"`
		ImpossibleTravelMaxRegions int           `mapstructure:"impossible_travel_max_regions"`
		ImpossibleTravelWindow     time.Duration `mapstructure:"impossible_travel_window"`
		ExfiltrationThreshold      int           `mapstructure:"exfiltration_threshold"`
		ExfiltrationWindow         time.Duration `mapstructure:"exfiltration_window"`
	} `mapstructure:"rules"`

	Compliance struct {
		RequirementsFile string `mapstructure:"requirements_file"`
		MaxRetentionDays int    `mapstructure:"max_retention_days"`
	} `mapstructure:"compliance"`

	Secrets struct {
		Provider string `mapstructure:"provider"` // env, vault, aws
		Vault    struct {
			Address string `mapstructure:"address"`
			Token   string `mapstructure:"token"`
			Path    string `mapstructure:"path"`
		} `mapstructure:"vault"`
		AWS struct {
			Region    string `mapstructure:"region"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
			SecretID  string `mapstructure:"secret_id"`
		} `mapstructure:"aws"`
	} `mapstructure:"secrets"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// Addr returns the listen address of the HTTP API
func (c *Config) Addr() string {
	return net.JoinHostPort(c.API.Host, fmt.Sprint(c.API.Port))
}

func setDefaults() {
	viper.SetDefault("engine.shards", 64)
	viper.SetDefault("engine.max_window", 24*time.Hour)
	viper.SetDefault("engine.max_events_per_key", 10000)
	viper.SetDefault("engine.store_sweep_interval", time.Minute)
	viper.SetDefault("engine.actor_sweep_interval", time.Minute)
	viper.SetDefault("engine.recent_event_capacity", 100000)
	viper.SetDefault("engine.block_ttl", 24*time.Hour)
	viper.SetDefault("engine.suspicious_ttl", 7*24*time.Hour)
	viper.SetDefault("engine.alert_cache_size", 10000)
	viper.SetDefault("engine.continue_on_rehydrate_error", false)

	viper.SetDefault("persistence.backend", BackendSQLite)
	viper.SetDefault("persistence.queue_size", 10000)
	viper.SetDefault("persistence.workers", 4)
	viper.SetDefault("persistence.write_timeout", 5*time.Second)
	viper.SetDefault("persistence.max_retries", 3)
	viper.SetDefault("persistence.max_archived_events", 100000)
	viper.SetDefault("persistence.breaker.max_failures", 5)
	viper.SetDefault("persistence.breaker.cooldown", 30*time.Second)
	viper.SetDefault("persistence.breaker.max_probes", 1)

	viper.SetDefault("sqlite.path", "data/sentinel.db")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.key_prefix", "sentinel")
	viper.SetDefault("redis.max_archived_events", 100000)

	viper.SetDefault("clickhouse.enabled", false)
	viper.SetDefault("clickhouse.addr", "localhost:9000")
	viper.SetDefault("clickhouse.database", "sentinel")
	viper.SetDefault("clickhouse.username", "default")
	viper.SetDefault("clickhouse.password", "")
	viper.SetDefault("clickhouse.tls", false)
	viper.SetDefault("clickhouse.max_pool_size", 10)
	viper.SetDefault("clickhouse.batch_size", 1000)
	viper.SetDefault("clickhouse.flush_interval", 5*time.Second)

	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8081)
	viper.SetDefault("api.read_timeout", 15*time.Second)
	viper.SetDefault("api.write_timeout", 15*time.Second)
	viper.SetDefault("api.shutdown_timeout", 30*time.Second)
	viper.SetDefault("api.max_body_bytes", 1<<20)
	viper.SetDefault("api.rate_limit.requests_per_second", 100)
	viper.SetDefault("api.rate_limit.burst", 200)

	viper.SetDefault("rules.custom_rules_file", "")
	viper.SetDefault("rules.disabled", []string{})
	viper.SetDefault("rules.regex_timeout", 100*time.Millisecond)
	viper.SetDefault("rules.brute_force_threshold", 5)
	viper.SetDefault("rules.brute_force_window", 15*time.Minute)
	viper.SetDefault("rules.impossible_travel_max_regions", 2)
	viper.SetDefault("rules.impossible_travel_window", 30*time.Minute)
	viper.SetDefault("rules.exfiltration_threshold", 100)
	viper.SetDefault("rules.exfiltration_window", time.Hour)

	viper.SetDefault("compliance.requirements_file", "")
	viper.SetDefault("compliance.max_retention_days", 365)

	viper.SetDefault("secrets.provider", "env")
	viper.SetDefault("secrets.vault.path", "secret/sentinel")
	viper.SetDefault("secrets.aws.secret_id", "sentinel/secrets")

	viper.SetDefault("logging.level", "info")
}

func loadFromEnv() {
	viper.SetEnvPrefix("SENTINEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Shorter names for the settings most often overridden in containers
	_ = viper.BindEnv("persistence.backend", "SENTINEL_BACKEND")
	_ = viper.BindEnv("sqlite.path", "SENTINEL_SQLITE_PATH")
	_ = viper.BindEnv("redis.addr", "SENTINEL_REDIS_ADDR")
	_ = viper.BindEnv("api.port", "SENTINEL_API_PORT")
}

// LoadConfig reads config.yaml from . or ./config, then applies SENTINEL_*
// environment overrides
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	return load(false)
}

// LoadConfigFile reads the configuration from an explicit file. Unlike
// LoadConfig, a missing file is an error.
func LoadConfigFile(path string) (*Config, error) {
	viper.SetConfigFile(path)
	return load(true)
}

func load(required bool) (*Config, error) {
	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if required || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file, defaults and env vars only
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validateConfig(config *Config) error {
	var errs []error

	switch config.Persistence.Backend {
	case BackendMemory:
	case BackendSQLite:
		if config.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite.path is required for the sqlite backend"))
		}
	case BackendRedis:
		if config.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("persistence.backend must be one of memory, sqlite, redis, got %q", config.Persistence.Backend))
	}

	if config.Persistence.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("persistence.queue_size must be positive, got %d", config.Persistence.QueueSize))
	}
	if config.Persistence.Workers <= 0 {
		errs = append(errs, fmt.Errorf("persistence.workers must be positive, got %d", config.Persistence.Workers))
	}
	if config.Persistence.WriteTimeout <= 0 {
		errs = append(errs, errors.New("persistence.write_timeout must be positive"))
	}
	if config.Persistence.MaxRetries < 0 {
		errs = append(errs, errors.New("persistence.max_retries cannot be negative"))
	}
	if config.Persistence.Breaker.MaxFailures == 0 || config.Persistence.Breaker.MaxProbes == 0 {
		errs = append(errs, errors.New("persistence.breaker max_failures and max_probes must be positive"))
	}
	if config.Persistence.Breaker.Cooldown <= 0 {
		errs = append(errs, errors.New("persistence.breaker.cooldown must be positive"))
	}

	if config.Engine.Shards <= 0 {
		errs = append(errs, fmt.Errorf("engine.shards must be positive, got %d", config.Engine.Shards))
	}
	if config.Engine.MaxWindow <= 0 {
		errs = append(errs, errors.New("engine.max_window must be positive"))
	}
	for name, window := range map[string]time.Duration{
		"rules.brute_force_window":       config.Rules.BruteForceWindow,
		"rules.impossible_travel_window": config.Rules.ImpossibleTravelWindow,
		"rules.exfiltration_window":      config.Rules.ExfiltrationWindow,
	} {
		if window <= 0 || window > config.Engine.MaxWindow {
			errs = append(errs, fmt.Errorf("%s must be positive and no longer than engine.max_window (%v), got %v", name, config.Engine.MaxWindow, window))
		}
	}
	if config.Engine.BlockTTL <= 0 || config.Engine.SuspiciousTTL <= 0 {
		errs = append(errs, errors.New("engine.block_ttl and engine.suspicious_ttl must be positive"))
	}
	if config.Rules.RegexTimeout <= 0 {
		errs = append(errs, errors.New("rules.regex_timeout must be positive"))
	}

	if config.ClickHouse.Enabled && config.ClickHouse.Addr == "" {
		errs = append(errs, errors.New("clickhouse.addr is required when clickhouse is enabled"))
	}

	if config.API.Enabled {
		if config.API.Port < 1 || config.API.Port > 65535 {
			errs = append(errs, fmt.Errorf("api.port must be between 1 and 65535, got %d", config.API.Port))
		}
		if config.API.RateLimit.RequestsPerSecond <= 0 || config.API.RateLimit.Burst <= 0 {
			errs = append(errs, errors.New("api.rate_limit requests_per_second and burst must be positive"))
		}
	}

	if config.Compliance.MaxRetentionDays <= 0 {
		errs = append(errs, errors.New("compliance.max_retention_days must be positive"))
	}

	switch config.Secrets.Provider {
	case "", "env", "vault", "aws":
	default:
		errs = append(errs, fmt.Errorf("unsupported secret provider: %s", config.Secrets.Provider))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
