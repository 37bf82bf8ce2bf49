// Package supervisor owns the top-level batch lifecycle: opening the
// pool, creating the batch, starting the scheduler and runner pool,
// and tearing everything down on cancellation or user shutdown.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/markstefanovic/ppe/internal/config"
	"github.com/markstefanovic/ppe/internal/db"
	"github.com/markstefanovic/ppe/internal/executor"
	"github.com/markstefanovic/ppe/internal/runner"
	"github.com/markstefanovic/ppe/internal/scheduler"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrUserShutdown marks a shutdown requested by an OS interrupt signal,
// distinguishing it from a batch-fatal error for the outer retry loop.
var ErrUserShutdown = fmt.Errorf("ppe: shutdown requested by user")

// Notifier is the subset of the notifications package the supervisor
// uses to surface batch-fatal errors and user shutdowns externally.
type Notifier interface {
	NotifyBatchFatal(batchID int, err error)
	NotifyUserShutdown(batchID int, user string)
}

// Supervisor runs one batch: everything from opening the pool to
// closing it belongs to a single call to Run.
type Supervisor struct {
	Config   *config.Config
	ToolDir  string
	Notifier Notifier

	// ShutdownRequested is waited on by Run alongside the batch
	// context; the caller (cmd/ppe) closes it on SIGINT/SIGTERM.
	ShutdownRequested <-chan struct{}
}

// Run executes one full batch lifecycle and returns when the batch has
// ended, either because of ShutdownRequested (ErrUserShutdown) or a
// batch-fatal error from the scheduler or a runner.
func (s *Supervisor) Run(ctx context.Context) error {
	pool, err := db.Open(ctx, db.Config{
		ConnectionString: s.Config.ConnectionString,
		MaxConnections:   s.Config.MaxConnections,
	})
	if err != nil {
		return fmt.Errorf("opening pool: %w", err)
	}
	defer func() {
		if closeErr := pool.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Failed to close connection pool")
		}
	}()

	batchID, err := db.CreateBatch(ctx, pool)
	if err != nil {
		return fmt.Errorf("creating batch: %w", err)
	}
	log.Info().Int("batch_id", batchID).Msg("Batch created")

	adapter := db.NewAdapter(pool, batchID, s.Config.DaysLogsToKeep)

	if err := adapter.LogBatchInfo(ctx, "batch started"); err != nil {
		return fmt.Errorf("logging batch started: %w", err)
	}
	if err := adapter.CancelRunningJobs(ctx, "A new batch was started."); err != nil {
		return fmt.Errorf("cancelling stale jobs: %w", err)
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := scheduler.New(adapter,
		s.Config.SecondsBetweenUpdates,
		s.Config.SecondsBetweenCleanups,
		s.Config.SecondsBetweenTaskIssueUpdates,
		cancel,
	)

	exec := executor.New(s.Config.ConnectionString, s.ToolDir)

	runners := make([]*runner.Runner, s.Config.MaxSimultaneousJobs)
	for i := range runners {
		runners[i] = &runner.Runner{
			Name:     fmt.Sprintf("runner-%d", i),
			DB:       adapter,
			Executor: exec,
			Cancel:   cancel,
		}
	}

	var g errgroup.Group
	g.Go(func() error { sched.Run(batchCtx); return nil })
	for _, r := range runners {
		r := r
		g.Go(func() error { r.Run(batchCtx); return nil })
	}

	userShutdown := false
	select {
	case <-batchCtx.Done():
	case <-s.ShutdownRequested:
		userShutdown = true
		cancel()
	}

	_ = g.Wait()

	if userShutdown {
		user := actingUser()
		if logErr := adapter.LogBatchInfo(ctx, fmt.Sprintf("ppe exited at the request of the user, %s", user)); logErr != nil {
			log.Error().Err(logErr).Msg("Failed to log user shutdown")
		}
		if s.Notifier != nil {
			s.Notifier.NotifyUserShutdown(batchID, user)
		}
		return ErrUserShutdown
	}

	if schedErr := sched.Join(); schedErr != nil {
		if s.Notifier != nil {
			s.Notifier.NotifyBatchFatal(batchID, schedErr)
		}
		return fmt.Errorf("scheduler failed: %w", schedErr)
	}

	fatal := fmt.Errorf("a runner hit a fatal error; see batch %d logs", batchID)
	if s.Notifier != nil {
		s.Notifier.NotifyBatchFatal(batchID, fatal)
	}
	return fatal
}

func actingUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "Unknown"
}

// batchRunner is the single method RunForever depends on, letting tests
// substitute a fake in place of a real *Supervisor.
type batchRunner interface {
	Run(ctx context.Context) error
}

// RunForever wraps Run in the outer restart loop: on any non-user
// error it sleeps secondsBetweenRetries and starts a fresh batch. It
// returns nil when Run reports a user-initiated shutdown or returns nil,
// and ctx's error if ctx is cancelled while waiting to restart.
func RunForever(ctx context.Context, s batchRunner, secondsBetweenRetries int) error {
	for {
		err := s.Run(ctx)
		if err == nil || err == ErrUserShutdown {
			return nil
		}

		log.Error().Err(err).Msgf("ppe exited abnormally, restarting in %d seconds...", secondsBetweenRetries)
		sentry.CaptureException(err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(secondsBetweenRetries) * time.Second):
		}
	}
}
