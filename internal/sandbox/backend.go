package sandbox

import (
	"context"

	"github.com/rs/zerolog/log"

	"agent-js-sandbox/internal/config"
)

type Backend interface {
	Execute(ctx context.Context, req ExecutionRequest) (*Execution, error)
	Kill(id string) bool
	ActiveCount() int64
	Close() error
}

// NewBackend builds the executor described by cfg, starting a warm pool for
// the default limits when pooling is enabled.
func NewBackend(ctx context.Context, cfg *config.Config) (*Executor, error) {
	ecfg := ExecutorConfigFrom(cfg)

	defaults := Config{
		MemoryLimitMB: ecfg.DefaultMemoryMB,
		Timeout:       ecfg.DefaultTimeout,
	}
	if err := defaults.Validate(); err != nil {
		return nil, err
	}

	var pool *Pool
	if cfg.Pool.Enabled {
		pool = NewPool(defaults, PoolConfig{
			MinIdle:     cfg.Pool.MinIdle,
			MaxIdle:     cfg.Pool.MaxIdle,
			RefillDelay: cfg.Pool.RefillDelay,
			MaxAge:      cfg.Pool.MaxAge,
		}, ecfg.Options()...)
		pool.Start(ctx)
	}

	log.Info().
		Int("max_concurrent", ecfg.MaxConcurrent).
		Bool("pool", pool != nil).
		Msg("js executor ready")

	return NewExecutor(ecfg, pool), nil
}

func ExecutorConfigFrom(cfg *config.Config) ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout:     cfg.Sandbox.DefaultTimeout,
		MaxTimeout:         cfg.Sandbox.MaxTimeout,
		DefaultMemoryMB:    cfg.Sandbox.DefaultMemoryMB,
		MaxMemoryMB:        cfg.Sandbox.MaxMemoryMB,
		MaxConcurrent:      cfg.Sandbox.MaxConcurrent,
		MaxCodeBytes:       cfg.Sandbox.MaxCodeBytes,
		Grace:              cfg.Sandbox.Grace,
		MaxCallStack:       cfg.Sandbox.MaxCallStack,
		HeapSampleInterval: cfg.Sandbox.HeapSampleInterval,
	}
}
