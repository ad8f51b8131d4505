package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Listener  ListenerConfig  `mapstructure:"listener"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	DLQ       DLQConfig       `mapstructure:"dlq"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DispatchConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig selects the authoriser. A non-empty URL uses the remote token
// service; otherwise Token is sent as is.
type AuthConfig struct {
	Token    string        `mapstructure:"token"`
	URL      string        `mapstructure:"url"`
	ClientID string        `mapstructure:"client_id"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type IdentityConfig struct {
	UserID    int64  `mapstructure:"user_id"`
	SessionID string `mapstructure:"session_id"`
}

type ListenerConfig struct {
	Address         string        `mapstructure:"address"`
	MaxPayloadBytes int64         `mapstructure:"max_payload_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	Concurrent      bool          `mapstructure:"concurrent"`
	MaxConnections  int           `mapstructure:"max_connections"`
	LoopbackOnly    bool          `mapstructure:"loopback_only"`
}

type CacheConfig struct {
	Backend    string `mapstructure:"backend"`
	MaxEntries int    `mapstructure:"max_entries"`
	RedisURL   string `mapstructure:"redis_url"`
	Key        string `mapstructure:"key"`
	PageSize   int    `mapstructure:"page_size"`
	Compress   bool   `mapstructure:"compress"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	RedisURL string        `mapstructure:"redis_url"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type DLQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NATSURL string `mapstructure:"nats_url"`
	Stream  string `mapstructure:"stream"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("dispatch.endpoint", "http://localhost:8088/events")
	v.SetDefault("dispatch.timeout", "10s")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.url", "")
	v.SetDefault("auth.client_id", "telhawk-warehouse")
	v.SetDefault("auth.cache_ttl", "5m")
	v.SetDefault("identity.user_id", -1)
	v.SetDefault("identity.session_id", "")
	v.SetDefault("listener.address", "127.0.0.1:62666")
	v.SetDefault("listener.max_payload_bytes", 1048576)
	v.SetDefault("listener.read_timeout", "30s")
	v.SetDefault("listener.concurrent", false)
	v.SetDefault("listener.max_connections", 64)
	v.SetDefault("listener.loopback_only", true)
	v.SetDefault("cache.backend", CacheBackendMemory)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("cache.key", "warehouse:events")
	v.SetDefault("cache.page_size", 256)
	v.SetDefault("cache.compress", false)
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.redis_url", "redis://localhost:6379/0")
	v.SetDefault("ratelimit.requests", 1000)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("dlq.enabled", false)
	v.SetDefault("dlq.nats_url", "nats://localhost:4222")
	v.SetDefault("dlq.stream", "WAREHOUSE_DLQ")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", "127.0.0.1:9464")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telhawk/warehouse")
	}

	// Environment variables override, e.g. WAREHOUSE_DISPATCH_ENDPOINT
	v.SetEnvPrefix("WAREHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendRedis:
	default:
		return fmt.Errorf("invalid cache.backend %q: want %q or %q", c.Cache.Backend, CacheBackendMemory, CacheBackendRedis)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Listener.MaxPayloadBytes <= 0 {
		return fmt.Errorf("listener.max_payload_bytes must be positive, got %d", c.Listener.MaxPayloadBytes)
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be positive, got %s", c.Dispatch.Timeout)
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("ratelimit requires positive requests and window")
	}
	return nil
}
