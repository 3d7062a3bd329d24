package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. These describe infrastructure
// failures only; faults in the submitted code are reported through Result.
var (
	ErrDisposed       = errors.New("execution service disposed")
	ErrIsolateFaulted = errors.New("isolate faulted and is unusable")
	ErrContextInit    = errors.New("context initialization failed")
	ErrInvalidRequest = errors.New("invalid execution request")
	ErrBackendClosed  = errors.New("sandbox backend closed")
)

// InfraError wraps infrastructure errors with execution context.
type InfraError struct {
	ExecID string
	Op     string // The operation that failed
	Kind   ErrorKind
	Err    error
}

func (e *InfraError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// IsDisposed returns true if the error comes from using a disposed service.
func IsDisposed(err error) bool {
	return errors.Is(err, ErrDisposed)
}

// IsFaulted returns true if the error comes from an isolate that hit a
// catastrophic fault.
func IsFaulted(err error) bool {
	return errors.Is(err, ErrIsolateFaulted)
}

// IsInvalidRequest returns true if the request was rejected before running.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

func infraError(op string, err error) *InfraError {
	return &InfraError{Op: op, Kind: KindExecutionError, Err: err}
}
