// Package config loads service configuration from yaml and environment
// variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the wherefrom services.
type Config struct {
	Resolver      ResolverConfig      `mapstructure:"resolver"`
	Store         StoreConfig         `mapstructure:"store"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	CacheServer   CacheServerConfig   `mapstructure:"cacheserver"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Notifier      NotifierConfig      `mapstructure:"notifier"`
	AWS           AWSConfig           `mapstructure:"aws"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

// ResolverConfig holds the lookup-chain settings.
type ResolverConfig struct {
	Local  LocalCacheConfig `mapstructure:"local"`
	Remote RemoteConfig     `mapstructure:"remote"`
	Queue  QueueConfig      `mapstructure:"queue"`
}

// LocalCacheConfig holds the durable local tier settings.
type LocalCacheConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	FlushDebounce time.Duration `mapstructure:"flush_debounce"`
}

// RemoteConfig holds shared-cache client settings.
type RemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MemoTTL        time.Duration `mapstructure:"memo_ttl"`
	UpsertInterval time.Duration `mapstructure:"upsert_interval"`
}

// QueueConfig holds dispatch queue settings.
type QueueConfig struct {
	MaxConcurrent    int64         `mapstructure:"max_concurrent"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	ItemTimeout      time.Duration `mapstructure:"item_timeout"`
	RedispatchDelay  time.Duration `mapstructure:"redispatch_delay"`
	RecheckMax       time.Duration `mapstructure:"recheck_max"`
	DefaultFreeze    time.Duration `mapstructure:"default_freeze"`
}

// StoreConfig selects and configures the durable store backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"` // badger or dynamodb
	Badger   BadgerConfig   `mapstructure:"badger"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
}

// BadgerConfig holds embedded store settings.
type BadgerConfig struct {
	Path string `mapstructure:"path"`
}

// DynamoDBConfig holds DynamoDB store settings.
type DynamoDBConfig struct {
	Table    string `mapstructure:"table"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// UpstreamConfig holds the authoritative source settings.
type UpstreamConfig struct {
	BaseURL   string          `mapstructure:"base_url"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig holds token-bucket settings.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// CacheServerConfig holds shared cache server settings.
type CacheServerConfig struct {
	CacheTTL time.Duration  `mapstructure:"cache_ttl"`
	Provider UpstreamConfig `mapstructure:"provider"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NotifierConfig holds the rate-limit side channel settings.
type NotifierConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Channel string `mapstructure:"channel"`
}

// AWSConfig holds AWS settings.
type AWSConfig struct {
	Region string `mapstructure:"region"`
}

// AlertsConfig holds SNS alerting settings.
type AlertsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	SNSTopicARN string `mapstructure:"sns_topic_arn"`
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TracingConfig holds tracing settings.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// Load loads configuration from file and environment variables.
// Environment overrides use the WHEREFROM_ prefix with underscores, e.g.
// WHEREFROM_REDIS_ADDRESS.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WHEREFROM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal if env vars are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Resolver defaults
	v.SetDefault("resolver.local.retention", "720h") // 30 days
	v.SetDefault("resolver.local.flush_debounce", "5s")
	v.SetDefault("resolver.remote.base_url", "http://localhost:8081")
	v.SetDefault("resolver.remote.timeout", "5s")
	v.SetDefault("resolver.remote.memo_ttl", "15m")
	v.SetDefault("resolver.remote.upsert_interval", "3m")
	v.SetDefault("resolver.queue.max_concurrent", 4)
	v.SetDefault("resolver.queue.dispatch_interval", "500ms")
	v.SetDefault("resolver.queue.item_timeout", "10s")
	v.SetDefault("resolver.queue.redispatch_delay", "200ms")
	v.SetDefault("resolver.queue.recheck_max", "60s")
	v.SetDefault("resolver.queue.default_freeze", "15m")

	// Store defaults
	v.SetDefault("store.backend", "badger")
	v.SetDefault("store.badger.path", "./data/wherefrom")
	v.SetDefault("store.dynamodb.table", "wherefrom-locations")
	v.SetDefault("store.dynamodb.region", "us-east-1")

	// Upstream defaults
	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.timeout", "8s")
	v.SetDefault("upstream.rate_limit.requests_per_minute", 60)
	v.SetDefault("upstream.rate_limit.burst", 5)

	// Cache server defaults
	v.SetDefault("cacheserver.cache_ttl", "168h") // 7 days
	v.SetDefault("cacheserver.provider.timeout", "8s")
	v.SetDefault("cacheserver.provider.rate_limit.requests_per_minute", 30)
	v.SetDefault("cacheserver.provider.rate_limit.burst", 3)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Notifier defaults
	v.SetDefault("notifier.enabled", false)
	v.SetDefault("notifier.channel", "wherefrom:ratelimit")

	// AWS defaults
	v.SetDefault("aws.region", "us-east-1")

	// Alerts defaults
	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.sns_topic_arn", "")

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 9091)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")

	// HTTP defaults
	v.SetDefault("http.port", 8080)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "badger":
		if c.Store.Badger.Path == "" {
			return fmt.Errorf("badger store path is required")
		}
	case "dynamodb":
		if c.Store.DynamoDB.Table == "" {
			return fmt.Errorf("dynamodb table is required")
		}
		if c.Store.DynamoDB.Region == "" {
			return fmt.Errorf("dynamodb region is required")
		}
	default:
		return fmt.Errorf("invalid store backend: %s", c.Store.Backend)
	}

	if c.Resolver.Remote.BaseURL == "" {
		return fmt.Errorf("remote cache base URL is required")
	}

	if c.Redis.Address == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Alerts.Enabled && c.Alerts.SNSTopicARN == "" {
		return fmt.Errorf("SNS topic ARN is required when alerts are enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	return nil
}
