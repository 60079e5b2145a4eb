// Package config provides configuration management for the file store.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LockBackend enumerates supported tenant lock implementations.
type LockBackend string

const (
	// LockBackendMemory serializes writers inside one process.
	LockBackendMemory LockBackend = "memory"
	// LockBackendRedis shares tenant locks between replicas through Redis.
	LockBackendRedis LockBackend = "redis"
)

// Config holds all configuration for the file store.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Git         GitConfig         `mapstructure:"git"`
	Lock        LockConfig        `mapstructure:"lock"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	CORS        CORSConfig        `mapstructure:"cors"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// StorageConfig locates tenant repositories and bounds uploads.
type StorageConfig struct {
	Root               string `mapstructure:"root"`
	ExtractConcurrency int    `mapstructure:"extract_concurrency"`
	MaxUploadBytes     int64  `mapstructure:"max_upload_bytes"`
	MaxExtractBytes    int64  `mapstructure:"max_extract_bytes"`
}

// GitConfig selects the git executable and the author of anonymous commits.
type GitConfig struct {
	Binary             string `mapstructure:"binary"`
	DefaultAuthorName  string `mapstructure:"default_author_name"`
	DefaultAuthorEmail string `mapstructure:"default_author_email"`
}

// LockConfig selects the tenant lock backend.
type LockConfig struct {
	Backend       LockBackend   `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// RedisConfig holds the connection used by the redis lock backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds the key bearer tokens are verified against.
type AuthConfig struct {
	PublicKey       string `mapstructure:"public_key"`
	PublicKeyFile   string `mapstructure:"public_key_file"`
	ProtectListings bool   `mapstructure:"protect_listings"`
}

// CORSConfig lists the origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. An empty
// configPath falls back to $CONFIG_PATH and then to config.yaml in the
// working directory or /etc/gitstore.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gitstore/")
	}

	// SERVER_PORT, STORAGE_ROOT, AUTH_PUBLIC_KEY_FILE, ...
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "5m")

	v.SetDefault("storage.root", "sspt-data")
	v.SetDefault("storage.extract_concurrency", 5)
	v.SetDefault("storage.max_upload_bytes", int64(512<<20))
	v.SetDefault("storage.max_extract_bytes", int64(2<<30))

	v.SetDefault("git.binary", "git")
	v.SetDefault("git.default_author_name", "gitstore")
	v.SetDefault("git.default_author_email", "gitstore@localhost")

	v.SetDefault("lock.backend", string(LockBackendMemory))
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("lock.retry_interval", "50ms")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.public_key", "")
	v.SetDefault("auth.public_key_file", "")
	v.SetDefault("auth.protect_listings", false)

	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("rate_limiter.enabled", false)
	v.SetDefault("rate_limiter.requests_per_second", 100.0)
	v.SetDefault("rate_limiter.burst_size", 50)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative")
	}

	if strings.TrimSpace(c.Storage.Root) == "" {
		return fmt.Errorf("storage root is required")
	}
	if c.Storage.ExtractConcurrency <= 0 {
		return fmt.Errorf("extract concurrency must be positive")
	}

	switch c.Lock.Backend {
	case LockBackendMemory:
	case LockBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis lock backend")
		}
		if c.Lock.TTL <= 0 {
			return fmt.Errorf("lock ttl must be positive")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}

	if strings.TrimSpace(c.Auth.PublicKey) == "" && c.Auth.PublicKeyFile == "" {
		return fmt.Errorf("auth public key or public key file is required")
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}

	return nil
}
