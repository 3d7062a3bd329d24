package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when an execution does not exist.
var ErrNotFound = errors.New("execution not found")

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id                TEXT PRIMARY KEY,
	code_hash         TEXT NOT NULL,
	status            TEXT NOT NULL,
	error_kind        TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	returned_value    TEXT,
	console_output    TEXT[] NOT NULL DEFAULT '{}',
	cpu_time_ms       DOUBLE PRECISION NOT NULL DEFAULT 0,
	wall_time_ms      DOUBLE PRECISION NOT NULL DEFAULT 0,
	memory_used_bytes BIGINT NOT NULL DEFAULT 0,
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	timeout_ms        BIGINT NOT NULL DEFAULT 0,
	memory_limit_mb   INTEGER NOT NULL DEFAULT 0,
	security_events   INTEGER NOT NULL DEFAULT 0,
	cached            BOOLEAN NOT NULL DEFAULT FALSE,
	request_ip        TEXT NOT NULL DEFAULT '',
	api_key_hash      TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	completed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS executions_created_at_idx ON executions (created_at DESC);
CREATE INDEX IF NOT EXISTS executions_code_hash_idx ON executions (code_hash);

CREATE TABLE IF NOT EXISTS security_events (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	type         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	detail       TEXT NOT NULL,
	line         INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS security_events_execution_idx ON security_events (execution_id);
`

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// Options tunes the connection pool. Zero fields keep the defaults.
type Options struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, opts Options) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute
	if opts.MaxConns > 0 {
		config.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 && opts.MinConns <= opts.MaxConns {
		config.MinConns = int32(opts.MinConns)
	}
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// EnsureSchema creates the audit tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution record and its detections in one
// transaction.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, code_hash, status, error_kind, error_message,
			returned_value, console_output, cpu_time_ms, wall_time_ms, memory_used_bytes,
			duration_ms, timeout_ms, memory_limit_mb, security_events, cached,
			request_ip, api_key_hash, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING`

	console := exec.ConsoleOutput
	if console == nil {
		console = []string{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, query,
		exec.ID, exec.CodeHash, exec.Status, exec.ErrorKind,
		truncateForDB(exec.ErrorMessage, 4096),
		truncatePtr(exec.ReturnedValue, 65535),
		truncateLines(console, 65535),
		exec.CPUTimeMS, exec.WallTimeMS, exec.MemoryUsedBytes,
		exec.DurationMS, exec.TimeoutMS, exec.MemoryLimitMB,
		exec.SecurityEvents, exec.Cached,
		exec.RequestIP, exec.APIKeyHash,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	for i := range exec.Detections {
		event := &exec.Detections[i]
		event.ExecutionID = exec.ID
		if err := insertSecurityEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing execution: %w", err)
	}
	return nil
}

// LogSecurityEvent inserts a security event record.
func (db *DB) LogSecurityEvent(ctx context.Context, event *SecurityEventRecord) error {
	return insertSecurityEvent(ctx, db.pool, event)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertSecurityEvent(ctx context.Context, q execer, event *SecurityEventRecord) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO security_events (id, execution_id, type, severity, detail, line, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := q.Exec(ctx, query,
		event.ID, event.ExecutionID, event.Type, event.Severity,
		event.Detail, event.Line, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

const executionColumns = `id, code_hash, status, error_kind, error_message,
	returned_value, console_output, cpu_time_ms, wall_time_ms, memory_used_bytes,
	duration_ms, timeout_ms, memory_limit_mb, security_events, cached,
	request_ip, api_key_hash, created_at, completed_at`

func scanExecution(row pgx.Row) (*Execution, error) {
	var exec Execution
	err := row.Scan(
		&exec.ID, &exec.CodeHash, &exec.Status, &exec.ErrorKind, &exec.ErrorMessage,
		&exec.ReturnedValue, &exec.ConsoleOutput,
		&exec.CPUTimeMS, &exec.WallTimeMS, &exec.MemoryUsedBytes,
		&exec.DurationMS, &exec.TimeoutMS, &exec.MemoryLimitMB,
		&exec.SecurityEvents, &exec.Cached,
		&exec.RequestIP, &exec.APIKeyHash,
		&exec.CreatedAt, &exec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	exec, err := scanExecution(db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return exec, nil
}

// ListExecutions queries executions with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR error_kind = $2)
		  AND ($3 = '' OR code_hash = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Status, filter.ErrorKind, filter.CodeHash, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, *exec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func truncatePtr(s *string, maxLen int) *string {
	if s == nil {
		return nil
	}
	t := truncateForDB(*s, maxLen)
	return &t
}

// truncateLines keeps whole lines until the byte budget is spent.
func truncateLines(lines []string, budget int) []string {
	total := 0
	for i, line := range lines {
		total += len(line)
		if total > budget {
			return append(lines[:i:i], "... [output truncated]")
		}
	}
	return lines
}
