package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"
)

// FaultMessagePrefix starts the failure message of a run that left its
// isolate unusable.
const FaultMessagePrefix = "isolate fault: "

// scriptRunner compiles, runs and reduces one submission against an isolate.
type scriptRunner struct {
	timeout time.Duration
}

func (r *scriptRunner) run(ctx context.Context, iso *Isolate, code string) (*Result, error) {
	script, err := compileScript(code)
	if err != nil {
		return compileFailure(err), nil
	}
	defer script.Release()

	out, err := iso.run(ctx, script.program, r.timeout)
	if err != nil {
		return nil, infraError("run", err)
	}
	return reduce(out)
}

// compileFailure reports a compilation error of the submitted code. Anything
// the compiler rejects is a SyntaxError unless it names another kind.
func compileFailure(err error) *Result {
	name, message := splitErrorText(firstLine(err.Error()))
	message = unwrapPosition(message)
	kind := classify(name, message)
	if kind == KindExecutionError || kind == KindMemoryError {
		kind = KindSyntaxError
	}
	return failure(kind, message, nil)
}

// reduce turns a raw run outcome into a Result, or an error when the run was
// stopped for reasons outside the script.
func reduce(out runOutcome) (*Result, error) {
	if out.abandoned || out.fault != nil {
		cause := out.fault
		if cause == nil {
			cause = ErrIsolateFaulted
		}
		return failure(KindExecutionError, FaultMessagePrefix+cause.Error(), nil), nil
	}
	if out.err != nil {
		return reduceEngineError(out)
	}

	env, err := decodeEnvelope(out.envelope)
	if err != nil {
		return failure(KindExecutionError, err.Error(), nil), nil
	}
	if env.Error != nil {
		return failure(classify(env.Error.Name, env.Error.Message), env.Error.Message, env.Error.Stack), nil
	}

	return success(env.Returned, Stats{
		CPUTimeMS:       durationMS(out.cpu),
		WallTimeMS:      durationMS(out.wall),
		MemoryUsedBytes: out.heap.UsedBytes,
	}), nil
}

func reduceEngineError(out runOutcome) (*Result, error) {
	var interrupted *goja.InterruptedError
	if errors.As(out.err, &interrupted) {
		switch reason := interrupted.Value().(type) {
		case *limitInterrupt:
			return failure(reason.kind, reason.message, nil), nil
		case *cancelInterrupt:
			return nil, infraError("run", reason.err)
		case *disposeInterrupt:
			return nil, infraError("run", ErrDisposed)
		}
		return failure(KindExecutionError, firstLine(out.errText), nil), nil
	}

	if errors.Is(out.err, errUnsettled) || errors.Is(out.err, errRejected) {
		return failure(KindExecutionError, out.errText, nil), nil
	}

	name, message := splitErrorText(firstLine(out.errText))
	return failure(classify(name, message), message, out.errStack), nil
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
