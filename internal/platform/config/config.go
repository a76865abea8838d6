package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	pstrings "nullifier/pkg/platform/strings"
)

// EnvPrefix is prepended to every environment variable, e.g. NULLIFIER_SERVER_ADDR.
const EnvPrefix = "NULLIFIER"

// Cache backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	Server   Server         `mapstructure:"server"`
	Log      Log            `mapstructure:"log"`
	Registry Registry       `mapstructure:"registry"`
	Mirror   Mirror         `mapstructure:"mirror"`
	Cache    Cache          `mapstructure:"cache"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Kafka    Kafka          `mapstructure:"kafka"`
	Admin    Admin          `mapstructure:"admin"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Log selects level and handler format (json or text).
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Registry points at the authoritative registry.
type Registry struct {
	URL             string        `mapstructure:"url"`
	Address         string        `mapstructure:"address"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Retries         int           `mapstructure:"retries"`
	BearerToken     string        `mapstructure:"bearer_token"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// Mirror tunes syncing.
type Mirror struct {
	PageSize    int           `mapstructure:"page_size"`
	PageRate    float64       `mapstructure:"page_rate"`
	PageBurst   int           `mapstructure:"page_burst"`
	AutoRefresh time.Duration `mapstructure:"auto_refresh"`
}

// Cache selects and tunes the snapshot store.
type Cache struct {
	Backend   string        `mapstructure:"backend"`
	Dir       string        `mapstructure:"dir"`
	MaxAge    time.Duration `mapstructure:"max_age"`
	Retention time.Duration `mapstructure:"retention"`
}

// RedisConfig configures the Redis connection used by the redis cache backend.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PostgresConfig configures the postgres cache backend.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Kafka enables mirror event publishing when brokers are set.
type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Admin configures the admin token check. Admin routes are not mounted without a key.
type Admin struct {
	SigningKey string `mapstructure:"signing_key"`
	Issuer     string `mapstructure:"issuer"`
}

var defaults = map[string]any{
	"server.addr":               ":8080",
	"server.shutdown_timeout":   10 * time.Second,
	"log.level":                 "info",
	"log.format":                "json",
	"registry.url":              "",
	"registry.address":          "",
	"registry.timeout":          10 * time.Second,
	"registry.retries":          2,
	"registry.bearer_token":     "",
	"registry.breaker_failures": 5,
	"registry.breaker_cooldown": 30 * time.Second,
	"mirror.page_size":          50,
	"mirror.page_rate":          0.0,
	"mirror.page_burst":         1,
	"mirror.auto_refresh":       5 * time.Minute,
	"cache.backend":             BackendMemory,
	"cache.dir":                 "./data",
	"cache.max_age":             5 * time.Minute,
	"cache.retention":           24 * time.Hour,
	"redis.url":                 "",
	"redis.pool_size":           10,
	"redis.min_idle_conns":      2,
	"redis.dial_timeout":        5 * time.Second,
	"redis.read_timeout":        3 * time.Second,
	"redis.write_timeout":       3 * time.Second,
	"postgres.dsn":              "",
	"kafka.brokers":             []string{},
	"kafka.topic":               "nullifier.mirror.events",
	"admin.signing_key":         "",
	"admin.issuer":              "nullifier",
}

// Load reads configuration from the environment and, when path is non-empty, a config
// file. Environment variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = pstrings.DedupeAndTrim(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects incomplete or contradictory settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Registry.URL == "" {
		errs = append(errs, errors.New("registry.url is required"))
	} else if u, err := url.Parse(c.Registry.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("registry.url %q is not an absolute URL", c.Registry.URL))
	}
	if c.Registry.Address == "" {
		errs = append(errs, errors.New("registry.address is required"))
	}
	if c.Mirror.PageSize <= 0 {
		errs = append(errs, errors.New("mirror.page_size must be positive"))
	}
	if c.Cache.MaxAge <= 0 {
		errs = append(errs, errors.New("cache.max_age must be positive"))
	}
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Cache.Dir == "" {
			errs = append(errs, errors.New("cache.dir is required for the file backend"))
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
