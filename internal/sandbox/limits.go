package sandbox

import (
	"fmt"
	"time"
)

const (
	DefaultMemoryLimitMB = 128
	DefaultTimeout       = 5 * time.Second

	// DefaultGrace is how long a run may overstay its deadline after the
	// engine has been interrupted before the isolate is declared faulted.
	DefaultGrace = 500 * time.Millisecond

	// DefaultMaxCallStack bounds script recursion depth.
	DefaultMaxCallStack = 4096
)

// Config holds the immutable resource limits of one Service.
type Config struct {
	MemoryLimitMB uint          `json:"memory_limit_mb" yaml:"memory_limit_mb"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		MemoryLimitMB: DefaultMemoryLimitMB,
		Timeout:       DefaultTimeout,
	}
}

// WithDefaults fills zero fields with the package defaults.
func (c Config) WithDefaults() Config {
	if c.MemoryLimitMB == 0 {
		c.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

func (c Config) Validate() error {
	if c.MemoryLimitMB < 8 || c.MemoryLimitMB > 4096 {
		return fmt.Errorf("%w: memory_limit_mb must be 8-4096, got %d", ErrInvalidRequest, c.MemoryLimitMB)
	}
	if c.Timeout < time.Millisecond || c.Timeout > 5*time.Minute {
		return fmt.Errorf("%w: timeout must be 1ms-5m, got %s", ErrInvalidRequest, c.Timeout)
	}
	return nil
}

// MemoryLimitBytes returns the heap ceiling in bytes.
func (c Config) MemoryLimitBytes() uint64 {
	return uint64(c.MemoryLimitMB) * 1024 * 1024
}
