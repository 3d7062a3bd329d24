package storage

import "time"

// Execution represents a stored execution record.
type Execution struct {
	ID              string     `json:"id" db:"id"`
	CodeHash        string     `json:"code_hash" db:"code_hash"`
	Status          string     `json:"status" db:"status"` // success, failure, error, blocked, killed
	ErrorKind       string     `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage    string     `json:"error_message,omitempty" db:"error_message"`
	ReturnedValue   *string    `json:"returned_value,omitempty" db:"returned_value"`
	ConsoleOutput   []string   `json:"console_output,omitempty" db:"console_output"`
	CPUTimeMS       float64    `json:"cpu_time_ms" db:"cpu_time_ms"`
	WallTimeMS      float64    `json:"wall_time_ms" db:"wall_time_ms"`
	MemoryUsedBytes int64      `json:"memory_used_bytes" db:"memory_used_bytes"`
	DurationMS      int64      `json:"duration_ms" db:"duration_ms"`
	TimeoutMS       int64      `json:"timeout_ms" db:"timeout_ms"`
	MemoryLimitMB   int        `json:"memory_limit_mb" db:"memory_limit_mb"`
	SecurityEvents  int        `json:"security_events" db:"security_events"`
	Cached          bool       `json:"cached" db:"cached"`
	RequestIP       string     `json:"request_ip" db:"request_ip"`
	APIKeyHash      string     `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// Detections are written to security_events alongside the execution.
	Detections []SecurityEventRecord `json:"-" db:"-"`
}

// SecurityEventRecord stores security event details for audit.
type SecurityEventRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Type        string    `json:"type" db:"type"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	Line        int       `json:"line,omitempty" db:"line"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Status    string
	ErrorKind string
	CodeHash  string
	Limit     int
	Offset    int
}
