package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Request is one submission to a Service.
type Request struct {
	Code string

	// OnConsole, if set, receives each console line as it is written.
	OnConsole func(line string)
}

type serviceOptions struct {
	logger       zerolog.Logger
	grace        time.Duration
	maxCallStack int
	heapInterval time.Duration
}

type Option func(*serviceOptions)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *serviceOptions) { o.logger = logger }
}

// WithGrace sets how long an interrupted script may take to yield before the
// isolate is declared faulted.
func WithGrace(d time.Duration) Option {
	return func(o *serviceOptions) { o.grace = d }
}

func WithMaxCallStack(n int) Option {
	return func(o *serviceOptions) { o.maxCallStack = n }
}

// WithHeapSampleInterval sets how often the heap ceiling is checked.
func WithHeapSampleInterval(d time.Duration) Option {
	return func(o *serviceOptions) { o.heapInterval = d }
}

// Service executes submitted JavaScript inside one isolate and one context.
// Calls on a Service are serialized. A Service that faults disposes itself
// and is never reused.
type Service struct {
	cfg     Config
	logger  zerolog.Logger
	isolate *Isolate
	console *ConsoleBuffer
	runner  *scriptRunner

	initMu   sync.Mutex
	initDone chan struct{}
	initErr  error
	sctx     *Context

	execMu   sync.Mutex
	disposed atomic.Bool

	faultMu  sync.Mutex
	faultErr error
}

// NewService validates cfg and creates the isolate. The context is created
// lazily on first use.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := serviceOptions{
		logger:       log.Logger,
		grace:        DefaultGrace,
		maxCallStack: DefaultMaxCallStack,
		heapInterval: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		cfg:     cfg,
		logger:  o.logger.With().Str("component", "js_service").Logger(),
		console: NewConsoleBuffer(),
		runner:  &scriptRunner{timeout: cfg.Timeout},
		isolate: newIsolate(isolateOptions{
			memoryLimit:  cfg.MemoryLimitBytes(),
			maxCallStack: o.maxCallStack,
			grace:        o.grace,
			heapInterval: o.heapInterval,
		}),
	}
	s.isolate.OnFault(s.handleFault)

	return s, nil
}

func (s *Service) Config() Config {
	return s.cfg
}

// Warm creates the context ahead of the first Execute.
func (s *Service) Warm(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	_, err := s.context(ctx)
	return err
}

// Execute runs code and returns its Result. Faults in the code are reported
// in the Result; the error is reserved for infrastructure failures.
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Code == "" {
		return nil, &InfraError{Op: "validate", Kind: KindExecutionError, Err: fmt.Errorf("%w: code is empty", ErrInvalidRequest)}
	}
	if err := s.usable(); err != nil {
		return nil, err
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()

	if _, err := s.context(ctx); err != nil {
		return nil, err
	}
	if err := s.usable(); err != nil {
		return nil, err
	}

	s.console.Reset()
	s.console.setSink(req.OnConsole)
	defer s.console.setSink(nil)

	res, err := s.runner.run(ctx, s.isolate, req.Code)
	if err != nil {
		if fault := s.fault(); fault != nil {
			return nil, faultedError(fault)
		}
		return nil, err
	}
	if s.disposed.Load() && s.fault() == nil {
		// Disposed by the owner while running; the result is discarded.
		return nil, infraError("execute", ErrDisposed)
	}

	res.ConsoleOutput = s.console.Snapshot()
	s.console.Reset()

	ev := s.logger.Debug().Str("status", string(res.Status))
	if res.Failure != nil {
		ev = ev.Str("error_kind", string(res.Failure.Kind))
	}
	ev.Int("console_lines", len(res.ConsoleOutput)).Msg("execution finished")

	return res, nil
}

func (s *Service) usable() error {
	if fault := s.fault(); fault != nil {
		return faultedError(fault)
	}
	if s.disposed.Load() {
		return infraError("execute", ErrDisposed)
	}
	return nil
}

func faultedError(fault error) error {
	return &InfraError{Op: "execute", Kind: KindExecutionError, Err: fmt.Errorf("%w: %v", ErrIsolateFaulted, fault)}
}

// context returns the Service's context, creating it on first use. Concurrent
// first callers wait on the same initialization.
func (s *Service) context(ctx context.Context) (*Context, error) {
	s.initMu.Lock()
	if s.initDone == nil {
		s.initDone = make(chan struct{})
		go s.initialize(s.initDone)
	}
	done := s.initDone
	s.initMu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, infraError("init_context", ctx.Err())
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initErr != nil {
		return nil, infraError("init_context", s.initErr)
	}
	return s.sctx, nil
}

func (s *Service) initialize(done chan struct{}) {
	defer close(done)

	var sctx *Context
	err := s.isolate.withVM(func(vm *goja.Runtime) error {
		var err error
		sctx, err = newContext(vm, s.console)
		return err
	})

	s.initMu.Lock()
	defer s.initMu.Unlock()

	switch {
	case err != nil:
		s.initErr = fmt.Errorf("%w: %w", ErrContextInit, err)
	case s.disposed.Load():
		sctx.Release()
		s.initErr = ErrDisposed
	default:
		s.sctx = sctx
		s.logger.Debug().Msg("context initialized")
	}
}

// Dispose releases the context and then the isolate. It is idempotent, safe
// before any Execute, and terminates a script in flight.
func (s *Service) Dispose() {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}

	s.initMu.Lock()
	sctx := s.sctx
	s.initMu.Unlock()

	if sctx != nil {
		sctx.Release()
	}
	s.isolate.Dispose()

	s.logger.Debug().Msg("service disposed")
}

func (s *Service) Disposed() bool {
	return s.disposed.Load()
}

func (s *Service) handleFault(err error) {
	s.faultMu.Lock()
	if s.faultErr == nil {
		s.faultErr = err
	}
	s.faultMu.Unlock()

	s.logger.Error().Err(err).Msg("isolate fault, disposing service")
	s.Dispose()
}

func (s *Service) fault() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.faultErr
}

// Faulted reports the catastrophic fault that disposed this Service, if any.
func (s *Service) Faulted() error {
	return s.fault()
}

// HeapStatistics returns the isolate's heap snapshot from the last run.
func (s *Service) HeapStatistics() HeapStats {
	return s.isolate.HeapStatistics()
}

// CPUTime returns CPU time accumulated across all calls.
func (s *Service) CPUTime() time.Duration {
	return s.isolate.CPUTime()
}
