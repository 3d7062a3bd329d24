package sandbox

import "encoding/json"

// ErrorKind classifies a failed execution.
type ErrorKind string

const (
	KindSyntaxError    ErrorKind = "SyntaxError"
	KindReferenceError ErrorKind = "ReferenceError"
	KindTypeError      ErrorKind = "TypeError"
	KindTimeoutError   ErrorKind = "TimeoutError"
	KindMemoryError    ErrorKind = "MemoryError"
	KindExecutionError ErrorKind = "ExecutionError"
)

// Status is the tag of a Result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is the outcome of one Execute call. Exactly one of the success
// fields (ReturnedValue, Stats) or Failure is meaningful, selected by Status.
type Result struct {
	Status Status `json:"status"`

	// ReturnedValue holds the JSON encoding of the value returned by the
	// script. Nil means the script returned undefined.
	ReturnedValue json.RawMessage `json:"returned_value,omitempty"`
	Stats         *Stats          `json:"stats,omitempty"`

	Failure *Failure `json:"error,omitempty"`

	ConsoleOutput []string `json:"console_output"`
}

// Stats reports resource usage of a successful execution.
type Stats struct {
	CPUTimeMS       float64 `json:"cpu_time_ms"`
	WallTimeMS      float64 `json:"wall_time_ms"`
	MemoryUsedBytes uint64  `json:"memory_used_bytes"`
}

// Failure describes why an execution did not succeed.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Stack   *string   `json:"stack,omitempty"`
}

// OK reports whether the result is a success.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// Returned reports whether the script returned something other than undefined.
func (r *Result) Returned() bool {
	return r.OK() && r.ReturnedValue != nil
}

// Decode unmarshals the returned value into v.
func (r *Result) Decode(v any) error {
	if !r.Returned() {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(r.ReturnedValue, v)
}

func success(value json.RawMessage, stats Stats) *Result {
	return &Result{
		Status:        StatusSuccess,
		ReturnedValue: value,
		Stats:         &stats,
	}
}

func failure(kind ErrorKind, message string, stack *string) *Result {
	return &Result{
		Status:  StatusFailure,
		Failure: &Failure{Kind: kind, Message: message, Stack: stack},
	}
}
