package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Pool keeps pre-warmed Services for one limit configuration so the first
// Execute skips isolate and context creation. Services are single-use:
// Acquire hands one out and it is never returned.
type Pool struct {
	cfg  Config
	opts []Option

	idle    chan *pooledService
	minIdle int
	maxIdle int
	refill  time.Duration
	maxAge  time.Duration

	mu      sync.Mutex
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

type pooledService struct {
	svc     *Service
	created time.Time
}

type PoolConfig struct {
	MinIdle     int           // Minimum warm services
	MaxIdle     int           // Maximum warm services
	RefillDelay time.Duration // How often to top-up the pool
	MaxAge      time.Duration // Max service age before recycling
}

func NewPool(cfg Config, pcfg PoolConfig, opts ...Option) *Pool {
	if pcfg.MinIdle < 1 {
		pcfg.MinIdle = 2
	}
	if pcfg.MaxIdle < pcfg.MinIdle {
		pcfg.MaxIdle = pcfg.MinIdle * 2
	}
	if pcfg.RefillDelay == 0 {
		pcfg.RefillDelay = 500 * time.Millisecond
	}
	if pcfg.MaxAge == 0 {
		pcfg.MaxAge = 5 * time.Minute
	}

	return &Pool{
		cfg:     cfg.WithDefaults(),
		opts:    opts,
		idle:    make(chan *pooledService, pcfg.MaxIdle),
		minIdle: pcfg.MinIdle,
		maxIdle: pcfg.MaxIdle,
		refill:  pcfg.RefillDelay,
		maxAge:  pcfg.MaxAge,
		done:    make(chan struct{}),
	}
}

// Config returns the limits every pooled Service is created with.
func (p *Pool) Config() Config {
	return p.cfg
}

func (p *Pool) Start(ctx context.Context) {
	p.fill(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.refillLoop(ctx)
	}()

	log.Info().
		Int("min_idle", p.minIdle).
		Int("max_idle", p.maxIdle).
		Uint("memory_limit_mb", p.cfg.MemoryLimitMB).
		Dur("timeout", p.cfg.Timeout).
		Msg("service pool started")
}

// Acquire returns a warm Service, or nil when none is ready.
func (p *Pool) Acquire() *Service {
	for {
		select {
		case ps, ok := <-p.idle:
			if !ok {
				return nil
			}
			if time.Since(ps.created) > p.maxAge || ps.svc.Disposed() {
				ps.svc.Dispose()
				continue
			}
			log.Debug().Dur("age", time.Since(ps.created)).Msg("acquired warm service from pool")
			return ps.svc
		default:
			return nil
		}
	}
}

func (p *Pool) Size() int {
	return len(p.idle)
}

func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	close(p.idle)
	p.mu.Unlock()

	var count int
	for ps := range p.idle {
		ps.svc.Dispose()
		count++
	}
	if count > 0 {
		log.Info().Int("count", count).Msg("drained pooled services")
	}
}

func (p *Pool) refillLoop(ctx context.Context) {
	ticker := time.NewTicker(p.refill)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evictExpired()
			p.fill(ctx)
		}
	}
}

// evictExpired disposes idle services past their max age. It only inspects
// as many entries as were queued when it started.
func (p *Pool) evictExpired() {
	for range len(p.idle) {
		select {
		case ps := <-p.idle:
			if time.Since(ps.created) > p.maxAge {
				ps.svc.Dispose()
				continue
			}
			select {
			case p.idle <- ps:
			default:
				ps.svc.Dispose()
			}
		default:
			return
		}
	}
}

func (p *Pool) fill(ctx context.Context) {
	current := len(p.idle)
	if current >= p.minIdle {
		return
	}

	for range p.minIdle - current {
		select {
		case <-p.done:
			return
		default:
		}

		svc, err := NewService(p.cfg, p.opts...)
		if err != nil {
			log.Warn().Err(err).Msg("failed to create pooled service")
			return
		}
		if err := svc.Warm(ctx); err != nil {
			svc.Dispose()
			log.Warn().Err(err).Msg("failed to warm pooled service")
			return
		}

		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			svc.Dispose()
			return
		}
		select {
		case p.idle <- &pooledService{svc: svc, created: time.Now()}:
		default:
			svc.Dispose()
		}
		p.mu.Unlock()
	}
}
