package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/dustin/sitepulse/internal/logging"
)

// ConfigPathEnvVar names an optional YAML file layered between defaults and env.
const ConfigPathEnvVar = "CONFIG_PATH"

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"

	QueueDriverNATS   = "nats"
	QueueDriverMemory = "memory"
)

// Config keys match the lowercased environment variable names, so
// LISTEN_ADDR and a YAML "listen_addr" set the same field.
type Config struct {
	ListenAddr          string        `koanf:"listen_addr"`
	DBPath              string        `koanf:"db_path"`
	DBMaxConnections    int           `koanf:"db_max_connections"`
	DBQueryTimeout      time.Duration `koanf:"db_query_timeout"`
	LogLevelName        string        `koanf:"log_level"`
	LogFormat           string        `koanf:"log_format"`
	RateLimitPerMinute  int           `koanf:"rate_limit_per_minute"`
	MaxRequestBodyBytes int64         `koanf:"max_request_body_bytes"`
	ActorHeader         string        `koanf:"actor_header"`
	CountryHeader       string        `koanf:"country_header"`
	CORSOrigin          string        `koanf:"cors_origin"`
	ShutdownTimeout     time.Duration `koanf:"shutdown_timeout"`

	CacheBackend      string        `koanf:"cache_backend"`
	RedisAddr         string        `koanf:"redis_addr"`
	RedisPassword     string        `koanf:"redis_password"`
	RedisDB           int           `koanf:"redis_db"`
	NegativeCacheSize int           `koanf:"negative_cache_size"`
	NegativeCacheTTL  time.Duration `koanf:"negative_cache_ttl"`
	ReconcileWorkers  int           `koanf:"reconcile_workers"`

	QueueDriver          string        `koanf:"queue_driver"`
	QueueURL             string        `koanf:"queue_url"`
	QueueTopic           string        `koanf:"queue_topic"`
	QueueEmbedded        bool          `koanf:"queue_embedded"`
	QueueStoreDir        string        `koanf:"queue_store_dir"`
	QueueDurable         string        `koanf:"queue_durable"`
	ConsumerEnabled      bool          `koanf:"consumer_enabled"`
	BreakerFailures      uint32        `koanf:"breaker_failures"`
	BreakerOpenTimeout   time.Duration `koanf:"breaker_open_timeout"`
	ReconnectMaxInterval time.Duration `koanf:"reconnect_max_interval"`

	SpoolPath          string        `koanf:"spool_path"`
	SessionIdleTimeout time.Duration `koanf:"session_idle_timeout"`
	FingerprintSalt    string        `koanf:"fingerprint_salt"`
	DefaultCountry     string        `koanf:"default_country"`
}

func defaults() Config {
	return Config{
		ListenAddr:          ":8404",
		DBPath:              "./data/sitepulse.db",
		DBMaxConnections:    1,
		DBQueryTimeout:      30 * time.Second,
		LogLevelName:        "INFO",
		LogFormat:           string(logging.FormatJSON),
		RateLimitPerMinute:  0,
		MaxRequestBodyBytes: 1 << 20, // 1MB default
		ActorHeader:         "X-Actor-ID",
		CountryHeader:       "CF-IPCountry",
		CORSOrigin:          "",
		ShutdownTimeout:     5 * time.Second,

		CacheBackend:      CacheBackendMemory,
		RedisAddr:         "127.0.0.1:6379",
		NegativeCacheSize: 10000,
		NegativeCacheTTL:  30 * time.Second,
		ReconcileWorkers:  4,

		QueueDriver:          QueueDriverNATS,
		QueueURL:             "nats://127.0.0.1:4222",
		QueueTopic:           "all_requests",
		QueueEmbedded:        true,
		QueueStoreDir:        "./data/nats",
		QueueDurable:         "rollup",
		ConsumerEnabled:      true,
		BreakerFailures:      5,
		BreakerOpenTimeout:   10 * time.Second,
		ReconnectMaxInterval: 30 * time.Second,

		SpoolPath:          "./data/spool.jsonl",
		SessionIdleTimeout: 30 * time.Minute,
		FingerprintSalt:    "sitepulse",
		DefaultCountry:     "US",
	}
}

// Load layers struct defaults, the optional CONFIG_PATH YAML file and the
// environment, in that order of increasing priority.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	known := make(map[string]struct{}, len(k.Keys()))
	for _, key := range k.Keys() {
		known[key] = struct{}{}
	}
	envProvider := env.Provider("", ".", func(key string) string {
		key = strings.ToLower(key)
		if _, ok := known[key]; !ok {
			return ""
		}
		return key
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LogLevel parses LOG_LEVEL; unknown names fall back to INFO.
func (c Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.LogLevelName)
}

// RedisEnabled reports whether caches should be backed by Redis.
func (c Config) RedisEnabled() bool {
	return c.CacheBackend == CacheBackendRedis
}

// SpoolEnabled reports whether rejected events are written to a local spool.
func (c Config) SpoolEnabled() bool {
	return c.SpoolPath != ""
}

func (c Config) Validate() error {
	var errs []error
	switch c.CacheBackend {
	case CacheBackendMemory, CacheBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("cache_backend %q: want %q or %q", c.CacheBackend, CacheBackendMemory, CacheBackendRedis))
	}
	switch c.QueueDriver {
	case QueueDriverNATS, QueueDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("queue_driver %q: want %q or %q", c.QueueDriver, QueueDriverNATS, QueueDriverMemory))
	}
	if c.QueueTopic == "" {
		errs = append(errs, errors.New("queue_topic must not be empty"))
	}
	if c.DBMaxConnections < 1 {
		errs = append(errs, fmt.Errorf("db_max_connections %d: must be at least 1", c.DBMaxConnections))
	}
	if c.DBQueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("db_query_timeout %v: must be positive", c.DBQueryTimeout))
	}
	if c.ReconcileWorkers < 1 {
		errs = append(errs, fmt.Errorf("reconcile_workers %d: must be at least 1", c.ReconcileWorkers))
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("rate_limit_per_minute %d: must not be negative", c.RateLimitPerMinute))
	}
	if c.SessionIdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session_idle_timeout %v: must be positive", c.SessionIdleTimeout))
	}
	if c.BreakerFailures == 0 {
		errs = append(errs, errors.New("breaker_failures must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
