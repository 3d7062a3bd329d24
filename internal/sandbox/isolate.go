package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

var errIsolateBusy = errors.New("isolate is already running a script")

// limitInterrupt is passed to vm.Interrupt when a resource limit is hit.
type limitInterrupt struct {
	kind    ErrorKind
	message string
}

type cancelInterrupt struct {
	err error
}

type disposeInterrupt struct{}

type isolateOptions struct {
	memoryLimit  uint64
	maxCallStack int
	grace        time.Duration
	heapInterval time.Duration
}

// Isolate is a goja runtime with its own bounded heap budget. It is owned by
// exactly one Service.
type Isolate struct {
	opts isolateOptions

	mu       sync.Mutex
	vm       *goja.Runtime
	running  bool
	disposed bool
	faultErr error
	onFault  func(error)
	lastHeap HeapStats

	gen       atomic.Uint64
	cpuTotal  atomic.Int64
	wallTotal atomic.Int64
}

// runOutcome is the raw outcome of one script run, before reduction.
type runOutcome struct {
	envelope string

	err      error
	errText  string
	errStack *string

	abandoned bool
	fault     error

	cpu  time.Duration
	wall time.Duration
	heap HeapStats
}

func newIsolate(opts isolateOptions) *Isolate {
	vm := goja.New()
	if opts.maxCallStack > 0 {
		vm.SetMaxCallStackSize(opts.maxCallStack)
	}
	return &Isolate{opts: opts, vm: vm}
}

// OnFault registers the catastrophic-failure hook. It runs at most once,
// outside the isolate lock.
func (iso *Isolate) OnFault(fn func(error)) {
	iso.mu.Lock()
	iso.onFault = fn
	iso.mu.Unlock()
}

// acquire marks the isolate busy and hands out its runtime.
func (iso *Isolate) acquire() (*goja.Runtime, uint64, error) {
	iso.mu.Lock()
	defer iso.mu.Unlock()

	if iso.faultErr != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrIsolateFaulted, iso.faultErr)
	}
	if iso.disposed {
		return nil, 0, ErrDisposed
	}
	if iso.running {
		return nil, 0, errIsolateBusy
	}
	iso.running = true
	// Cleared under the lock so an interrupt from Dispose cannot be lost.
	iso.vm.ClearInterrupt()
	return iso.vm, iso.gen.Add(1), nil
}

// release ends a busy period. A runtime disposed while busy is dropped here.
func (iso *Isolate) release() {
	iso.mu.Lock()
	defer iso.mu.Unlock()

	iso.running = false
	if iso.disposed {
		iso.vm = nil
	}
}

// interrupt stops the run identified by gen and reports whether it was
// delivered. The check and the delivery share the lock with acquire, so a
// timer from an earlier run cannot land after the next run cleared its
// interrupt.
func (iso *Isolate) interrupt(vm *goja.Runtime, gen uint64, reason any) bool {
	iso.mu.Lock()
	defer iso.mu.Unlock()

	if !iso.running || iso.gen.Load() != gen {
		return false
	}
	vm.Interrupt(reason)
	return true
}

// withVM runs fn on the runtime while holding it busy. Used for setup work
// that must not overlap a script run or disposal.
func (iso *Isolate) withVM(fn func(vm *goja.Runtime) error) error {
	vm, _, err := iso.acquire()
	if err != nil {
		return err
	}
	defer iso.release()
	return fn(vm)
}

// run executes program under the isolate's limits. The deadline interrupts
// the engine preemptively; if it still has not yielded after the grace
// period the run is abandoned and the isolate is faulted. The deadline starts
// once the heap lease is granted.
func (iso *Isolate) run(ctx context.Context, program *goja.Program, timeout time.Duration) (runOutcome, error) {
	if err := heapLease.Acquire(ctx, 1); err != nil {
		return runOutcome{}, err
	}
	vm, gen, err := iso.acquire()
	if err != nil {
		heapLease.Release(1)
		return runOutcome{}, err
	}

	watchdog := startHeapWatchdog(iso.opts.memoryLimit, iso.opts.heapInterval, func(used uint64) {
		iso.interrupt(vm, gen, &limitInterrupt{
			kind:    KindMemoryError,
			message: fmt.Sprintf("Memory limit of %dMB exceeded (%d bytes in use)", iso.opts.memoryLimit/(1024*1024), used),
		})
	})
	timer := time.AfterFunc(timeout, func() {
		iso.interrupt(vm, gen, &limitInterrupt{
			kind:    KindTimeoutError,
			message: fmt.Sprintf("Execution timed out after %dms", timeout.Milliseconds()),
		})
	})

	done := make(chan runOutcome, 1)
	go iso.execute(vm, program, done)

	hard := time.NewTimer(timeout + iso.opts.grace)
	defer hard.Stop()

	ctxDone := ctx.Done()
	for {
		select {
		case out := <-done:
			timer.Stop()
			out.heap = watchdog.Stop()
			heapLease.Release(1)
			iso.record(out)
			iso.release()
			if out.fault != nil {
				iso.fault(out.fault)
			}
			return out, nil

		case <-ctxDone:
			ctxDone = nil
			iso.interrupt(vm, gen, &cancelInterrupt{err: ctx.Err()})
			hard.Reset(iso.opts.grace)

		case <-hard.C:
			timer.Stop()
			heap := watchdog.Stop()
			heapLease.Release(1)
			fault := fmt.Errorf("engine did not yield within %s of its deadline", iso.opts.grace)
			// The abandoned goroutine still owns the runtime; hand it back
			// only when it finally returns.
			go func() {
				<-done
				iso.release()
			}()
			iso.fault(fault)
			return runOutcome{abandoned: true, fault: fault, heap: heap}, nil
		}
	}
}

// execute runs on its own locked OS thread so thread CPU time is attributable
// to the script.
func (iso *Isolate) execute(vm *goja.Runtime, program *goja.Program, done chan<- runOutcome) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var out runOutcome
	defer func() {
		if rec := recover(); rec != nil {
			out.err = fmt.Errorf("engine panic: %v", rec)
			out.errText = out.err.Error()
			out.fault = out.err
		}
		done <- out
	}()

	cpuStart, cpuOK := threadCPUTime()
	start := time.Now()

	value, err := vm.RunProgram(program)

	out.wall = time.Since(start)
	out.cpu = out.wall
	if cpuOK {
		if cpuEnd, ok := threadCPUTime(); ok {
			out.cpu = cpuEnd - cpuStart
		}
	}

	if err != nil {
		out.err = err
		out.errText, out.errStack = describeEngineError(err)
		return
	}
	out.envelope, out.err = settle(value)
	if out.err != nil {
		out.errText = out.err.Error()
	}
}

// describeEngineError renders an engine error while still on the runtime's
// goroutine; goja values must not be touched after the run is released.
func describeEngineError(err error) (string, *string) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return err.Error(), nil
	}
	var ex *goja.Exception
	if errors.As(err, &ex) && ex.Value() != nil {
		stack := ex.String()
		return ex.Value().String(), &stack
	}
	return err.Error(), nil
}

var (
	errUnsettled = errors.New("script returned a promise that never settled")
	errRejected  = errors.New("script promise rejected")
)

// settle unwraps the promise returned by the async wrapper. Pending jobs
// have already been drained by RunProgram.
func settle(value goja.Value) (string, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return "", errUnsettled
	}
	if promise, ok := value.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			value = promise.Result()
		case goja.PromiseStateRejected:
			return "", fmt.Errorf("%w: %s", errRejected, promise.Result().String())
		default:
			return "", errUnsettled
		}
	}
	return value.String(), nil
}

func (iso *Isolate) record(out runOutcome) {
	iso.cpuTotal.Add(int64(out.cpu))
	iso.wallTotal.Add(int64(out.wall))

	iso.mu.Lock()
	iso.lastHeap = out.heap
	iso.mu.Unlock()
}

// fault marks the isolate unusable and fires the hook once.
func (iso *Isolate) fault(err error) {
	iso.mu.Lock()
	if iso.faultErr != nil {
		iso.mu.Unlock()
		return
	}
	iso.faultErr = err
	hook := iso.onFault
	iso.mu.Unlock()

	if hook != nil {
		hook(err)
	}
}

// Faulted returns the fault that made the isolate unusable, if any.
func (iso *Isolate) Faulted() error {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	return iso.faultErr
}

// Dispose frees the runtime. A script still running is interrupted and the
// runtime is dropped once it returns. Safe to call more than once.
func (iso *Isolate) Dispose() {
	iso.mu.Lock()
	defer iso.mu.Unlock()

	if iso.disposed {
		return
	}
	iso.disposed = true
	if iso.running {
		iso.vm.Interrupt(&disposeInterrupt{})
		return
	}
	iso.vm = nil
}

// Disposed reports whether Dispose has been called.
func (iso *Isolate) Disposed() bool {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	return iso.disposed
}

// CPUTime is the CPU time accumulated over every run of this isolate.
func (iso *Isolate) CPUTime() time.Duration {
	return time.Duration(iso.cpuTotal.Load())
}

// WallTime is the wall-clock time accumulated over every run of this isolate.
func (iso *Isolate) WallTime() time.Duration {
	return time.Duration(iso.wallTotal.Load())
}

// HeapStatistics returns the snapshot taken at the end of the last run.
func (iso *Isolate) HeapStatistics() HeapStats {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	stats := iso.lastHeap
	stats.LimitBytes = iso.opts.memoryLimit
	return stats
}
