package api

import (
	"encoding/json"
	"strconv"
	"time"

	"agent-js-sandbox/internal/sandbox"
)

// ExecutionRequest is the API-level request to run JavaScript.
type ExecutionRequest struct {
	Code     string   `json:"code"`
	Timeout  Duration `json:"timeout,omitempty"`
	MemoryMB uint     `json:"memory_mb,omitempty"`
}

// Duration wraps time.Duration for JSON as a string like "10s". A bare
// number is read as milliseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		d.Duration = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		dur, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		d.Duration = dur
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	d.Duration = time.Duration(ms) * time.Millisecond
	return nil
}

// ExecutionResponse is the API-level outcome of one execution.
type ExecutionResponse struct {
	ID             string           `json:"id"`
	Status         sandbox.Status   `json:"status"`
	ReturnedValue  json.RawMessage  `json:"returned_value,omitempty"`
	ConsoleOutput  []string         `json:"console_output"`
	Stats          *sandbox.Stats   `json:"stats,omitempty"`
	Error          *sandbox.Failure `json:"error,omitempty"`
	Duration       string           `json:"duration"`
	Cached         bool             `json:"cached"`
	SecurityEvents []SecurityEvent  `json:"security_events,omitempty"`
}

// SecurityEvent records a suspicious pattern found in code or output.
type SecurityEvent struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Backend          bool   `json:"backend"`
	Database         bool   `json:"database"`
	ActiveExecutions int64  `json:"active_executions"`
	Uptime           string `json:"uptime"`
}

// KillResponse acknowledges a kill request.
type KillResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}
