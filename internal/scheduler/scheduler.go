// Package scheduler runs the single control loop that periodically
// invokes the database's maintenance procedures: queue materialization,
// task-issue recomputation, and log retention, each on its own cadence.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/markstefanovic/ppe/internal/observability"
	"github.com/rs/zerolog/log"
)

// DB is the subset of the database adapter the scheduler needs.
type DB interface {
	UpdateQueue(ctx context.Context) error
	UpdateTaskIssues(ctx context.Context) error
	DeleteOldLogs(ctx context.Context) error
	LogBatchError(ctx context.Context, message string) error
}

const pollInterval = time.Second

// Scheduler owns the three independent maintenance cadences, all
// measured against a single 1-second poll tick.
type Scheduler struct {
	DB DB

	SecondsBetweenUpdates          int
	SecondsBetweenCleanups         int
	SecondsBetweenTaskIssueUpdates int

	Cancel context.CancelFunc

	done    chan struct{}
	errOnce sync.Once
	err     error
}

// New constructs a Scheduler ready to Run.
func New(db DB, secondsBetweenUpdates, secondsBetweenCleanups, secondsBetweenTaskIssueUpdates int, cancel context.CancelFunc) *Scheduler {
	return &Scheduler{
		DB:                             db,
		SecondsBetweenUpdates:          secondsBetweenUpdates,
		SecondsBetweenCleanups:         secondsBetweenCleanups,
		SecondsBetweenTaskIssueUpdates: secondsBetweenTaskIssueUpdates,
		Cancel:                         cancel,
		done:                           make(chan struct{}),
	}
}

// Run performs one immediate round of every maintenance call, then
// polls every second until ctx is cancelled, firing each maintenance
// call once its cadence has elapsed. Any error is saved, logged via
// LogBatchError, and triggers Cancel; Join then re-surfaces it. An error
// returned after ctx was already cancelled is not treated as a failure:
// Run returns without saving or logging it.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	now := time.Now()
	lastCleanup := now
	lastTaskIssues := now
	lastQueueUpdate := now

	if err := s.runOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.fail(ctx, err)
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if time.Since(lastCleanup) > time.Duration(s.SecondsBetweenCleanups)*time.Second {
				if err := s.DB.DeleteOldLogs(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.fail(ctx, err)
					return
				}
				observability.RecordMaintenanceCall(ctx, "delete_old_logs")
				lastCleanup = now
			}
			if time.Since(lastTaskIssues) > time.Duration(s.SecondsBetweenTaskIssueUpdates)*time.Second {
				if err := s.DB.UpdateTaskIssues(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.fail(ctx, err)
					return
				}
				observability.RecordMaintenanceCall(ctx, "update_task_issues")
				lastTaskIssues = now
			}
			if time.Since(lastQueueUpdate) > time.Duration(s.SecondsBetweenUpdates)*time.Second {
				if err := s.DB.UpdateQueue(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.fail(ctx, err)
					return
				}
				observability.RecordMaintenanceCall(ctx, "update_queue")
				lastQueueUpdate = now
			}
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) error {
	if err := s.DB.DeleteOldLogs(ctx); err != nil {
		return err
	}
	observability.RecordMaintenanceCall(ctx, "delete_old_logs")
	if err := s.DB.UpdateTaskIssues(ctx); err != nil {
		return err
	}
	observability.RecordMaintenanceCall(ctx, "update_task_issues")
	if err := s.DB.UpdateQueue(ctx); err != nil {
		return err
	}
	observability.RecordMaintenanceCall(ctx, "update_queue")
	return nil
}

func (s *Scheduler) fail(ctx context.Context, err error) {
	s.errOnce.Do(func() {
		s.err = err
		log.Error().Err(err).Msg("Scheduler hit a fatal error; cancelling batch")
		if logErr := s.DB.LogBatchError(ctx, err.Error()); logErr != nil {
			log.Error().Err(logErr).Msg("Failed to log batch error")
		}
		s.Cancel()
	})
}

// Join blocks until Run has returned and re-surfaces any saved error.
func (s *Scheduler) Join() error {
	<-s.done
	return s.err
}
