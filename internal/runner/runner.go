// Package runner implements the worker loop: claim a ready job, execute
// it with bounded retry, and record the outcome, repeating until the
// shared cancellation signal fires.
package runner

import (
	"context"
	"strings"
	"time"

	"github.com/markstefanovic/ppe/internal/job"
	"github.com/markstefanovic/ppe/internal/observability"
	"github.com/markstefanovic/ppe/internal/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
)

// DB is the subset of the database adapter a runner needs.
type DB interface {
	GetReadyJob(ctx context.Context) (*job.Job, error)
	LogJobSuccess(ctx context.Context, jobID int, executionMillis int64) error
	LogJobError(ctx context.Context, jobID int, returnCode int, message string) error
	LogBatchError(ctx context.Context, message string) error
}

// Executor runs a single job attempt.
type Executor interface {
	Run(ctx context.Context, j job.Job, retriesSoFar int) job.Result
}

const pollInterval = time.Second

// Runner is one worker: its own goroutine, its own claim-execute-record
// loop, sharing only the adapter, executor and cancel signal with its
// siblings.
type Runner struct {
	Name     string
	DB       DB
	Executor Executor
	Cancel   context.CancelFunc
}

// Run executes the worker loop until ctx is cancelled. An unexpected
// error (as opposed to a job.Result carrying a failure) is batch-fatal:
// it is logged via LogBatchError and the shared cancel func is invoked
// so the supervisor tears the whole batch down.
func (r *Runner) Run(ctx context.Context) {
	logger := log.With().Str("runner", r.Name).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := r.tick(ctx, logger); err != nil {
			logger.Error().Err(err).Msg("Runner hit a fatal error; cancelling batch")
			if logErr := r.DB.LogBatchError(ctx, err.Error()); logErr != nil {
				logger.Error().Err(logErr).Msg("Failed to log batch error")
			}
			r.Cancel()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

func (r *Runner) tick(ctx context.Context, logger zerolog.Logger) error {
	j, err := r.DB.GetReadyJob(ctx)
	if err != nil {
		return err
	}
	if j == nil {
		logger.Debug().Msg("Queue is empty")
		return nil
	}

	logger.Info().Str("task", j.Task.Name()).Msg("Starting job")
	observability.RecordJobClaimed(ctx)

	spanCtx, span := observability.StartJobSpan(ctx, observability.JobSpanInfo{
		JobID:    j.JobID,
		TaskName: j.Task.Name(),
		BatchID:  j.BatchID,
	})
	defer span.End()
	ctx = spanCtx

	result := retry.Run(ctx, *j, func(ctx context.Context, retriesSoFar int) job.Result {
		if retriesSoFar > 0 {
			observability.RecordJobRetry(ctx, j.Task.Name())
		}
		return r.Executor.Run(ctx, *j, retriesSoFar)
	}, j.Task.Retries())

	timedOut := !result.Success && strings.Contains(result.ErrorMessage, "timed out")
	observability.RecordJobResult(ctx, j.Task.Name(), result.Success, timedOut, result.ExecutionMillis)

	if result.Success {
		span.SetStatus(codes.Ok, "")
		logger.Info().Str("task", j.Task.Name()).Msg("Job completed successfully")
		return r.DB.LogJobSuccess(ctx, j.JobID, result.ExecutionMillis)
	}

	span.SetStatus(codes.Error, result.ErrorMessage)
	logger.Info().Str("task", j.Task.Name()).Str("error", result.ErrorMessage).Msg("Job failed")
	return r.DB.LogJobError(ctx, j.JobID, result.ReturnCode, result.ErrorMessage)
}
