package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

type ExecutionRequest struct {
	// ID is assigned by the Executor when empty. Callers that want to Kill
	// an execution while it runs set it up front.
	ID            string        `json:"id,omitempty"`
	Code          string        `json:"code"`
	Timeout       time.Duration `json:"timeout"`
	MemoryLimitMB uint          `json:"memory_limit_mb"`

	// OnConsole receives each console line as the script writes it.
	OnConsole func(line string) `json:"-"`
}

// Execution is the record of one completed Execute call.
type Execution struct {
	ID       string        `json:"id"`
	CodeHash string        `json:"code_hash"`
	Result   *Result       `json:"result"`
	Duration time.Duration `json:"duration"`
	Limits   Config        `json:"limits"`
	Pooled   bool          `json:"pooled"`
}

// ExecutorConfig bounds what callers may request.
type ExecutorConfig struct {
	DefaultTimeout     time.Duration
	MaxTimeout         time.Duration
	DefaultMemoryMB    uint
	MaxMemoryMB        uint
	MaxConcurrent      int
	MaxCodeBytes       int
	Grace              time.Duration
	MaxCallStack       int
	HeapSampleInterval time.Duration
}

// Options returns the Service options implied by the config.
func (c ExecutorConfig) Options() []Option {
	var opts []Option
	if c.Grace > 0 {
		opts = append(opts, WithGrace(c.Grace))
	}
	if c.MaxCallStack > 0 {
		opts = append(opts, WithMaxCallStack(c.MaxCallStack))
	}
	if c.HeapSampleInterval > 0 {
		opts = append(opts, WithHeapSampleInterval(c.HeapSampleInterval))
	}
	return opts
}

// Executor runs each request in a fresh Service and disposes it afterwards.
type Executor struct {
	cfg  ExecutorConfig
	pool *Pool
	sem  *semaphore.Weighted

	active atomic.Int64

	mu       sync.Mutex
	inflight map[string]*Service
	closed   bool
}

// NewExecutor creates an executor. pool may be nil.
func NewExecutor(cfg ExecutorConfig, pool *Pool) *Executor {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 64
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.DefaultMemoryMB == 0 {
		cfg.DefaultMemoryMB = DefaultMemoryLimitMB
	}
	if cfg.MaxMemoryMB < cfg.DefaultMemoryMB {
		cfg.MaxMemoryMB = cfg.DefaultMemoryMB
	}
	if cfg.MaxCodeBytes < 1 {
		cfg.MaxCodeBytes = 1 << 20
	}

	return &Executor{
		cfg:      cfg,
		pool:     pool,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		inflight: make(map[string]*Service),
	}
}

// HashCode returns the hex SHA-256 of code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Execute runs one request. A failure of the submitted code is reported in
// the Execution's Result; the error is reserved for infrastructure failures.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (*Execution, error) {
	execID := req.ID
	if execID == "" {
		execID = uuid.New().String()
	}
	codeHash := HashCode(req.Code)

	logger := log.With().
		Str("exec_id", execID).
		Str("code_hash", codeHash[:16]).
		Logger()

	logger.Info().Msg("execution requested")

	limits, err := e.resolveLimits(req)
	if err != nil {
		return nil, &InfraError{ExecID: execID, Op: "validate", Kind: KindExecutionError, Err: err}
	}

	if e.isClosed() {
		return nil, &InfraError{ExecID: execID, Op: "execute", Kind: KindExecutionError, Err: ErrBackendClosed}
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, &InfraError{ExecID: execID, Op: "acquire_slot", Kind: KindExecutionError, Err: err}
	}
	defer e.sem.Release(1)

	e.active.Add(1)
	defer e.active.Add(-1)

	svc, pooled, err := e.service(limits, logger)
	if err != nil {
		return nil, &InfraError{ExecID: execID, Op: "create_service", Kind: KindExecutionError, Err: err}
	}
	// Always dispose, even on panic
	defer svc.Dispose()

	if err := e.track(execID, svc); err != nil {
		return nil, &InfraError{ExecID: execID, Op: "track", Kind: KindExecutionError, Err: err}
	}
	defer e.untrack(execID)

	start := time.Now()
	res, err := svc.Execute(ctx, Request{Code: req.Code, OnConsole: req.OnConsole})
	duration := time.Since(start)
	if err != nil {
		logger.Warn().Err(err).Dur("duration", duration).Msg("execution aborted")
		return nil, &InfraError{ExecID: execID, Op: "execute", Kind: KindExecutionError, Err: err}
	}

	ev := logger.Info().
		Str("status", string(res.Status)).
		Bool("pooled", pooled).
		Dur("duration", duration)
	if res.Failure != nil {
		ev = ev.Str("error_kind", string(res.Failure.Kind))
	}
	ev.Msg("execution completed")

	return &Execution{
		ID:       execID,
		CodeHash: codeHash,
		Result:   res,
		Duration: duration,
		Limits:   limits,
		Pooled:   pooled,
	}, nil
}

func (e *Executor) resolveLimits(req ExecutionRequest) (Config, error) {
	if req.Code == "" {
		return Config{}, fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if len(req.Code) > e.cfg.MaxCodeBytes {
		return Config{}, fmt.Errorf("%w: code exceeds %d byte limit", ErrInvalidRequest, e.cfg.MaxCodeBytes)
	}

	limits := Config{
		MemoryLimitMB: req.MemoryLimitMB,
		Timeout:       req.Timeout,
	}
	if limits.Timeout <= 0 {
		limits.Timeout = e.cfg.DefaultTimeout
	}
	if limits.MemoryLimitMB == 0 {
		limits.MemoryLimitMB = e.cfg.DefaultMemoryMB
	}

	if limits.Timeout > e.cfg.MaxTimeout {
		return Config{}, fmt.Errorf("%w: timeout exceeds %s maximum", ErrInvalidRequest, e.cfg.MaxTimeout)
	}
	if limits.MemoryLimitMB > e.cfg.MaxMemoryMB {
		return Config{}, fmt.Errorf("%w: memory limit exceeds %dMB maximum", ErrInvalidRequest, e.cfg.MaxMemoryMB)
	}
	if err := limits.Validate(); err != nil {
		return Config{}, err
	}
	return limits, nil
}

// service takes a warm Service when the limits match the pool, otherwise it
// creates one.
func (e *Executor) service(limits Config, logger zerolog.Logger) (*Service, bool, error) {
	if e.pool != nil && e.pool.Config() == limits {
		if svc := e.pool.Acquire(); svc != nil {
			return svc, true, nil
		}
	}
	opts := append(e.cfg.Options(), WithLogger(logger))
	svc, err := NewService(limits, opts...)
	return svc, false, err
}

func (e *Executor) track(id string, svc *Service) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrBackendClosed
	}
	if _, dup := e.inflight[id]; dup {
		return fmt.Errorf("%w: execution %s already running", ErrInvalidRequest, id)
	}
	e.inflight[id] = svc
	return nil
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// Kill disposes the Service running execution id. It reports whether the
// execution was found.
func (e *Executor) Kill(id string) bool {
	e.mu.Lock()
	svc, ok := e.inflight[id]
	e.mu.Unlock()
	if !ok {
		return false
	}

	svc.Dispose()
	log.Info().Str("exec_id", id).Msg("execution killed")
	return true
}

// ActiveCount returns the number of currently running executions.
func (e *Executor) ActiveCount() int64 {
	return e.active.Load()
}

// PoolSize returns the number of warm services ready, or 0 without a pool.
func (e *Executor) PoolSize() int {
	if e.pool == nil {
		return 0
	}
	return e.pool.Size()
}

func (e *Executor) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close rejects new executions, terminates running ones and drains the pool.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	running := make([]*Service, 0, len(e.inflight))
	for _, svc := range e.inflight {
		running = append(running, svc)
	}
	e.mu.Unlock()

	for _, svc := range running {
		svc.Dispose()
	}
	if e.pool != nil {
		e.pool.Stop()
	}
	return nil
}
