package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. JSBOX_SERVER_PORT.
const EnvPrefix = "JSBOX"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	Pool     PoolConfig     `yaml:"pool"`
	TLS      TLSConfig      `yaml:"tls"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes" split_words:"true"`
}

type SandboxConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout" split_words:"true"`
	MaxTimeout      time.Duration `yaml:"max_timeout" split_words:"true"`
	DefaultMemoryMB uint          `yaml:"default_memory_mb" split_words:"true"`
	MaxMemoryMB     uint          `yaml:"max_memory_mb" split_words:"true"`
	MaxConcurrent   int           `yaml:"max_concurrent" split_words:"true"`
	MaxCodeBytes    int           `yaml:"max_code_bytes" split_words:"true"`

	// Grace is how long an interrupted script may take to yield before its
	// isolate is declared faulted.
	Grace              time.Duration `yaml:"grace"`
	MaxCallStack       int           `yaml:"max_call_stack" split_words:"true"`
	HeapSampleInterval time.Duration `yaml:"heap_sample_interval" split_words:"true"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" split_words:"true"`
	MaxIdleConns    int           `yaml:"max_idle_conns" split_words:"true"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" split_words:"true"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls span export. Endpoint is an OTLP/HTTP collector,
// either host:port or a full URL.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" split_words:"true"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header" split_words:"true"`
	AllowedKeys          []string `yaml:"allowed_keys" split_words:"true"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated" split_words:"true"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps" split_words:"true"`
	RateLimitBurst       int      `yaml:"rate_limit_burst" split_words:"true"`

	// BlockCritical rejects submissions with a critical escape detection
	// before they reach an isolate.
	BlockCritical bool `yaml:"block_critical" split_words:"true"`
}

// PoolConfig controls pre-warmed execution services for the default limits.
type PoolConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinIdle     int           `yaml:"min_idle" split_words:"true"`
	MaxIdle     int           `yaml:"max_idle" split_words:"true"`
	RefillDelay time.Duration `yaml:"refill_delay" split_words:"true"`
	MaxAge      time.Duration `yaml:"max_age" split_words:"true"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file" split_words:"true"`
	KeyFile  string `yaml:"key_file" split_words:"true"`
}

// CacheConfig controls caching of successful results by code and limits.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RedisAddr     string        `yaml:"redis_addr" split_words:"true"`
	RedisPassword string        `yaml:"redis_password" split_words:"true"`
	RedisDB       int           `yaml:"redis_db" split_words:"true"`
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries" split_words:"true"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Load reads configuration from a YAML file, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or env
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > max sandbox timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			DefaultTimeout:     5 * time.Second,
			MaxTimeout:         60 * time.Second,
			DefaultMemoryMB:    128,
			MaxMemoryMB:        1024,
			MaxConcurrent:      64,
			MaxCodeBytes:       256 * 1024,
			Grace:              500 * time.Millisecond,
			MaxCallStack:       4096,
			HeapSampleInterval: 5 * time.Millisecond,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			SampleRate: 0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			BlockCritical:  true,
		},
		Pool: PoolConfig{
			Enabled:     true,
			MinIdle:     2,
			MaxIdle:     8,
			RefillDelay: 500 * time.Millisecond,
			MaxAge:      5 * time.Minute,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Cache: CacheConfig{
			Enabled:    false,
			TTL:        10 * time.Minute,
			MaxEntries: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.DefaultTimeout <= 0 {
		return fmt.Errorf("sandbox.default_timeout must be > 0")
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.DefaultMemoryMB < 8 {
		return fmt.Errorf("sandbox.default_memory_mb must be >= 8")
	}
	if c.Sandbox.DefaultMemoryMB > c.Sandbox.MaxMemoryMB {
		return fmt.Errorf("sandbox.default_memory_mb (%d) must be <= max_memory_mb (%d)",
			c.Sandbox.DefaultMemoryMB, c.Sandbox.MaxMemoryMB)
	}
	if c.Sandbox.MaxMemoryMB > 4096 {
		return fmt.Errorf("sandbox.max_memory_mb must be <= 4096")
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.MaxCodeBytes < 1 {
		return fmt.Errorf("sandbox.max_code_bytes must be >= 1")
	}
	if c.Sandbox.Grace <= 0 {
		return fmt.Errorf("sandbox.grace must be > 0")
	}
	if c.Pool.Enabled && c.Pool.MaxIdle < c.Pool.MinIdle {
		return fmt.Errorf("pool.max_idle (%d) must be >= min_idle (%d)", c.Pool.MaxIdle, c.Pool.MinIdle)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %g", c.Tracing.SampleRate)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0 when the cache is enabled")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if !c.Security.AllowUnauthenticated && len(c.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured and unauthenticated access disabled: every execution request will be rejected")
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
