package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxConcurrent != 64 {
		t.Errorf("Sandbox.MaxConcurrent = %d, want 64", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.DefaultTimeout != 5*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 5s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.DefaultMemoryMB != 128 {
		t.Errorf("Sandbox.DefaultMemoryMB = %d, want 128", cfg.Sandbox.DefaultMemoryMB)
	}
	if cfg.Sandbox.Grace != 500*time.Millisecond {
		t.Errorf("Sandbox.Grace = %s, want 500ms", cfg.Sandbox.Grace)
	}
	if cfg.Cache.Enabled {
		t.Error("Cache.Enabled = true, want false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Sandbox.DefaultTimeout = 2 * time.Minute
			c.Sandbox.MaxTimeout = 1 * time.Minute
		}, true},
		{"default_timeout 0", func(c *Config) { c.Sandbox.DefaultTimeout = 0 }, true},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"default_memory_mb < 8", func(c *Config) { c.Sandbox.DefaultMemoryMB = 4 }, true},
		{"default_memory_mb > max", func(c *Config) {
			c.Sandbox.DefaultMemoryMB = 512
			c.Sandbox.MaxMemoryMB = 256
		}, true},
		{"max_memory_mb over ceiling", func(c *Config) { c.Sandbox.MaxMemoryMB = 8192 }, true},
		{"sample_rate above 1", func(c *Config) { c.Tracing.SampleRate = 1.5 }, true},
		{"sample_rate negative", func(c *Config) { c.Tracing.SampleRate = -0.1 }, true},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, true},
		{"tracing with endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Endpoint = "localhost:4318"
		}, false},
		{"max_code_bytes 0", func(c *Config) { c.Sandbox.MaxCodeBytes = 0 }, true},
		{"grace 0", func(c *Config) { c.Sandbox.Grace = 0 }, true},
		{"pool max_idle < min_idle", func(c *Config) {
			c.Pool.MinIdle = 4
			c.Pool.MaxIdle = 2
		}, true},
		{"pool disabled ignores idle bounds", func(c *Config) {
			c.Pool.Enabled = false
			c.Pool.MinIdle = 4
			c.Pool.MaxIdle = 2
		}, false},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
		{"cache enabled without ttl", func(c *Config) {
			c.Cache.Enabled = true
			c.Cache.TTL = 0
		}, true},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"json log format", func(c *Config) { c.Log.Format = "json" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
sandbox:
  max_concurrent: 50
  default_timeout: 15s
  max_timeout: 120s
  default_memory_mb: 256
security:
  allowed_keys: ["k1"]
cache:
  enabled: true
  redis_addr: "localhost:6379"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxConcurrent != 50 {
		t.Errorf("Sandbox.MaxConcurrent = %d, want 50", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.DefaultTimeout != 15*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 15s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.DefaultMemoryMB != 256 {
		t.Errorf("Sandbox.DefaultMemoryMB = %d, want 256", cfg.Sandbox.DefaultMemoryMB)
	}
	if !cfg.Cache.Enabled || cfg.Cache.RedisAddr != "localhost:6379" {
		t.Errorf("Cache = %+v, want enabled with redis addr", cfg.Cache)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Sandbox.Grace != 500*time.Millisecond {
		t.Errorf("Sandbox.Grace = %s, want 500ms", cfg.Sandbox.Grace)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JSBOX_SERVER_PORT", "7070")
	t.Setenv("JSBOX_SANDBOX_DEFAULT_TIMEOUT", "2s")
	t.Setenv("JSBOX_SECURITY_ALLOWED_KEYS", "a,b")
	t.Setenv("JSBOX_LOG_LEVEL", "debug")
	t.Setenv("JSBOX_TRACING_SAMPLE_RATE", "0.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Sandbox.DefaultTimeout != 2*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 2s", cfg.Sandbox.DefaultTimeout)
	}
	if len(cfg.Security.AllowedKeys) != 2 || cfg.Security.AllowedKeys[1] != "b" {
		t.Errorf("Security.AllowedKeys = %v, want [a b]", cfg.Security.AllowedKeys)
	}
	if cfg.Tracing.SampleRate != 0.5 {
		t.Errorf("Tracing.SampleRate = %g, want 0.5", cfg.Tracing.SampleRate)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("JSBOX_SERVER_PORT", "0")

	if _, err := Load(""); err == nil {
		t.Error("expected validation error for port 0 from env, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
