package storage

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// ExecutionLogger persists execution records. *DB implements it.
type ExecutionLogger interface {
	LogExecution(ctx context.Context, exec *Execution) error
}

// AuditWriter buffers execution records and writes them in the background
// with retry, so request handling never waits on the database.
type AuditWriter struct {
	db      ExecutionLogger
	ch      chan *Execution
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	backoff time.Duration
	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64
}

func NewAuditWriter(db ExecutionLogger, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:      db,
		ch:      make(chan *Execution, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *AuditWriter) Log(exec *Execution) {
	select {
	case w.ch <- exec:
	default:
		w.dropped.Add(1)
		log.Warn().Str("exec_id", exec.ID).Msg("audit buffer full, dropping log entry")
	}
}

// Dropped returns how many records were dropped because the buffer was full.
func (w *AuditWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Written returns how many records reached the database.
func (w *AuditWriter) Written() int64 {
	return w.written.Load()
}

// Failed returns how many records were given up on after their retries.
func (w *AuditWriter) Failed() int64 {
	return w.failed.Load()
}

func (w *AuditWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.ch:
			w.writeWithRetry(exec)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case exec := <-w.ch:
					w.writeWithRetry(exec)
				default:
					return
				}
			}
		}
	}
}

// retryBudget is how many times a failed write of exec is retried. Blocked
// submissions arrive in bursts during an attack and carry no run data, so
// they get a single attempt.
func retryBudget(exec *Execution) int {
	switch {
	case exec.Status == "blocked":
		return 0
	case exec.Cached:
		return 1
	default:
		return 3
	}
}

// writeOutcome classifies a failed insert. A unique violation means an earlier
// attempt committed after its context expired; data and integrity errors will
// fail the same way on every retry.
func writeOutcome(err error) (stored, permanent bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false, false
	}
	if pgErr.Code == pgerrcode.UniqueViolation {
		return true, false
	}
	return false, pgerrcode.IsDataException(pgErr.Code) || pgerrcode.IsIntegrityConstraintViolation(pgErr.Code)
}

func (w *AuditWriter) writeWithRetry(exec *Execution) {
	maxRetries := retryBudget(exec)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.LogExecution(ctx, exec)
		cancel()

		if err == nil {
			w.written.Add(1)
			return
		}

		stored, permanent := writeOutcome(err)
		if stored {
			w.written.Add(1)
			return
		}
		if permanent || attempt == maxRetries {
			w.failed.Add(1)
			log.Error().
				Err(err).
				Str("exec_id", exec.ID).
				Str("status", exec.Status).
				Int("attempts", attempt+1).
				Bool("permanent", permanent).
				Msg("audit write failed, record lost")
			return
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
		log.Warn().
			Err(err).
			Str("exec_id", exec.ID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("audit write failed, retrying")
		time.Sleep(backoff)
	}
}
