package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"github.com/markstefanovic/ppe/internal/job"
	"github.com/markstefanovic/ppe/internal/task"
	"github.com/rs/zerolog/log"
)

// ErrDb wraps any failure surfaced by a ppe.* stored procedure call. A
// DbError is batch-fatal for the caller (runner or scheduler), per the
// error taxonomy: it is never swallowed, only logged and re-raised.
type ErrDb struct {
	Op  string
	Err error
}

func (e *ErrDb) Error() string { return fmt.Sprintf("db: %s: %v", e.Op, e.Err) }
func (e *ErrDb) Unwrap() error { return e.Err }

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ErrDb{Op: op, Err: err}
}

// Adapter is the handle bound to (pool, batch_id, days_logs_to_keep)
// described in the component design. get_ready_job, update_queue,
// update_task_issues, delete_old_logs and cancel_running_jobs are
// internally serialized by mu so that two goroutines never share a
// transaction, per the concurrency model's mutex option.
type Adapter struct {
	pool           *sql.DB
	batchID        int
	daysLogsToKeep int
	mu             sync.Mutex
}

// NewAdapter constructs an Adapter bound to an already-created batch.
func NewAdapter(pool *sql.DB, batchID int, daysLogsToKeep int) *Adapter {
	return &Adapter{pool: pool, batchID: batchID, daysLogsToKeep: daysLogsToKeep}
}

// BatchID returns the id this adapter was constructed with.
func (a *Adapter) BatchID() int { return a.batchID }

// CreateBatch calls ppe.create_batch() and returns the fresh batch_id. It
// is a free function because it runs before any Adapter exists.
func CreateBatch(ctx context.Context, pool *sql.DB) (int, error) {
	row := pool.QueryRowContext(ctx, `SELECT * FROM ppe.create_batch()`)
	var batchID int
	if err := row.Scan(&batchID); err != nil {
		sentry.CaptureException(err)
		return 0, dbErr("create_batch", fmt.Errorf("ppe.create_batch returned no row: %w", err))
	}
	return batchID, nil
}

// execute runs fn inside a committed transaction, rolling back on any
// error and releasing the connection on every exit path.
func (a *Adapter) execute(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	tx, err := a.pool.BeginTx(ctx, nil)
	if err != nil {
		sentry.CaptureException(err)
		return dbErr(op, fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		_ = tx.Rollback() // safe to call after a successful commit
	}()

	if err := fn(tx); err != nil {
		return dbErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		sentry.CaptureException(err)
		return dbErr(op, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// CancelRunningJobs calls ppe.cancel_running_jobs. It is idempotent with
// respect to already-terminal jobs. Implemented as a normal committing
// transaction per the resolved open question in the design notes.
func (a *Adapter) CancelRunningJobs(ctx context.Context, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.execute(ctx, "cancel_running_jobs", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CALL ppe.cancel_running_jobs(p_reason := $1)`, reason)
		return err
	})
}

// GetReadyJob atomically claims one ready task and mints a job for it by
// calling ppe.get_ready_task() and ppe.create_job() in the same
// transaction. Returns (nil, nil) when no task is ready. mu guarantees
// this method never shares its transaction with a concurrent caller,
// giving the at-most-once claim property even before any DB-side
// locking in ppe.get_ready_task() is considered.
func (a *Adapter) GetReadyJob(ctx context.Context) (*job.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var result *job.Job
	err := a.execute(ctx, "get_ready_job", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT
				t.task_id
			,	t.task_name
			,	t.tool
			,	t.tool_args
			,	t.task_sql
			,	t.retries
			,	t.timeout_seconds
			FROM ppe.get_ready_task() AS t
		`)

		var (
			taskID     int
			name       string
			tool       sql.NullString
			toolArgs   pq.StringArray
			taskSQL    sql.NullString
			retries    int
			timeoutSec sql.NullInt64
		)
		if err := row.Scan(&taskID, &name, &tool, &toolArgs, &taskSQL, &retries, &timeoutSec); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("query ready task: %w", err)
		}

		tk, err := toTask(taskID, name, retries, timeoutSec, tool, toolArgs, taskSQL)
		if err != nil {
			return fmt.Errorf("ready task violated invariants: %w", err)
		}

		jobRow := tx.QueryRowContext(ctx, `SELECT * FROM ppe.create_job(p_batch_id := $1, p_task_id := $2)`, a.batchID, taskID)
		var jobID int
		if err := jobRow.Scan(&jobID); err != nil {
			return fmt.Errorf("ppe.create_job returned no row: %w", err)
		}

		result = &job.Job{JobID: jobID, BatchID: a.batchID, Task: tk}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func toTask(id int, name string, retries int, timeoutSec sql.NullInt64, tool sql.NullString, toolArgs []string, taskSQL sql.NullString) (task.Task, error) {
	var timeout *int
	if timeoutSec.Valid {
		v := int(timeoutSec.Int64)
		timeout = &v
	}

	switch {
	case taskSQL.Valid && taskSQL.String != "":
		return task.NewSqlTask(id, name, retries, timeout, taskSQL.String)
	case tool.Valid && tool.String != "":
		var args []string
		if len(toolArgs) > 0 {
			args = toolArgs
		}
		return task.NewCommandLineTask(id, name, retries, timeout, tool.String, args)
	default:
		return nil, fmt.Errorf("ready task %d has neither task_sql nor tool set", id)
	}
}

// LogJobSuccess calls ppe.job_completed_successfully.
func (a *Adapter) LogJobSuccess(ctx context.Context, jobID int, executionMillis int64) error {
	return a.execute(ctx, "log_job_success", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CALL ppe.job_completed_successfully(p_job_id := $1, p_execution_millis := $2)`, jobID, executionMillis)
		return err
	})
}

// LogJobError calls ppe.job_failed.
func (a *Adapter) LogJobError(ctx context.Context, jobID int, returnCode int, message string) error {
	return a.execute(ctx, "log_job_error", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CALL ppe.job_failed(p_job_id := $1, p_message := $2)`, jobID, message)
		return err
	})
}

// LogBatchInfo calls ppe.log_batch_info.
func (a *Adapter) LogBatchInfo(ctx context.Context, message string) error {
	return a.execute(ctx, "log_batch_info", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CALL ppe.log_batch_info(p_batch_id := $1, p_message := $2)`, a.batchID, message)
		return err
	})
}

// LogBatchError calls ppe.log_batch_error.
func (a *Adapter) LogBatchError(ctx context.Context, errorMessage string) error {
	return a.execute(ctx, "log_batch_error", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CALL ppe.log_batch_error(p_batch_id := $1, p_message := $2)`, a.batchID, errorMessage)
		return err
	})
}

// UpdateQueue calls ppe.update_queue().
func (a *Adapter) UpdateQueue(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	log.Debug().Msg("Updating queue...")
	err := a.execute(ctx, "update_queue", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CALL ppe.update_queue()`)
		return err
	})
	if err == nil {
		log.Debug().Msg("Finished updating queue.")
	}
	return err
}

// UpdateTaskIssues calls ppe.update_task_issues().
func (a *Adapter) UpdateTaskIssues(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	log.Debug().Msg("Updating task issues...")
	err := a.execute(ctx, "update_task_issues", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CALL ppe.update_task_issues()`)
		return err
	})
	if err == nil {
		log.Debug().Msg("Finished updating task issues.")
	}
	return err
}

// DeleteOldLogs calls ppe.delete_old_log_entries(current_batch_id, days_to_keep).
func (a *Adapter) DeleteOldLogs(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	log.Debug().Msg("Deleting old logs...")
	err := a.execute(ctx, "delete_old_logs", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CALL ppe.delete_old_log_entries(p_current_batch_id := $1, p_days_to_keep := $2)`, a.batchID, a.daysLogsToKeep)
		return err
	})
	if err == nil {
		log.Debug().Msg("Finished deleting old logs.")
	}
	return err
}
