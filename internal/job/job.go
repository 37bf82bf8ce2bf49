// Package job defines a single attempt at executing a task within a
// batch, and the outcome of that attempt.
package job

import "github.com/markstefanovic/ppe/internal/task"

// Job is one attempt descriptor. JobID and BatchID are assigned by the
// database when a task is claimed; this package never mints either.
type Job struct {
	JobID   int
	BatchID int
	Task    task.Task
}

// Result is the outcome of running a Job: either a success with its
// execution time, or an error with a return code and message. Retries
// always records the number of additional attempts used beyond the
// first, regardless of outcome.
type Result struct {
	Job             Job
	Success         bool
	ExecutionMillis int64
	ReturnCode      int
	ErrorMessage    string
	Retries         int
}

// NewSuccess builds a successful Result.
func NewSuccess(j Job, executionMillis int64, retries int) Result {
	return Result{Job: j, Success: true, ExecutionMillis: executionMillis, Retries: retries}
}

// NewError builds a failed Result. A returnCode of -1 denotes an
// internal or timeout failure rather than a subprocess exit code.
func NewError(j Job, returnCode int, message string, retries int) Result {
	return Result{Job: j, Success: false, ReturnCode: returnCode, ErrorMessage: message, Retries: retries}
}

// NewTimeout builds a failed Result representing a timed-out attempt.
func NewTimeout(j Job, message string, retries int) Result {
	return NewError(j, -1, message, retries)
}
