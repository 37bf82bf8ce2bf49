// Package executor runs a single job attempt in isolation from the
// runner that claims it: command-line tasks launch a child process
// under a hard timeout, SQL tasks open a dedicated non-pooled
// connection, and both report their outcome as a job.Result.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/markstefanovic/ppe/internal/job"
	"github.com/markstefanovic/ppe/internal/task"
	"github.com/rs/zerolog/log"
)

// ErrToolNotFound is returned when a CommandLineTask's tool cannot be
// located at either probed path.
var ErrToolNotFound = errors.New("tool not found")

// ErrUnsupportedTaskVariant names task variants the executor does not
// dispatch, currently CondaProjectTask. Run does not return it as an
// error: its text prefixes the ErrorMessage of the failed job.Result.
var ErrUnsupportedTaskVariant = errors.New("unsupported task variant")

// Executor runs one job at a time, given a connection string for SQL
// tasks and a tool directory for command-line tasks.
type Executor struct {
	ConnectionString string
	ToolDir          string
}

// New constructs an Executor.
func New(connectionString, toolDir string) *Executor {
	return &Executor{ConnectionString: connectionString, ToolDir: toolDir}
}

// Run dispatches j by its task variant and returns the resulting
// job.Result. retriesSoFar is carried through unchanged into the result
// so the caller (internal/retry) can report how many attempts preceded
// this one.
func (e *Executor) Run(ctx context.Context, j job.Job, retriesSoFar int) job.Result {
	switch t := j.Task.(type) {
	case *task.SqlTask:
		return e.runSQL(ctx, j, t, retriesSoFar)
	case *task.CommandLineTask:
		return e.runCommand(ctx, j, t, retriesSoFar)
	case *task.CondaProjectTask:
		return job.NewError(j, -1, fmt.Sprintf("%v: conda project tasks are not implemented", ErrUnsupportedTaskVariant), retriesSoFar)
	default:
		return job.NewError(j, -1, fmt.Sprintf("%v: %T", ErrUnsupportedTaskVariant, t), retriesSoFar)
	}
}

// runSQL opens a fresh, non-pooled connection, executes the task's
// statement with autocommit, and closes it. Wall time is measured from
// just before connecting to just after the statement completes.
func (e *Executor) runSQL(ctx context.Context, j job.Job, t *task.SqlTask, retriesSoFar int) job.Result {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if seconds, ok := t.TimeoutSeconds(); ok {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
		defer cancel()
	}

	conn, err := pgx.Connect(runCtx, e.ConnectionString)
	if err != nil {
		return job.NewError(j, -1, fmt.Sprintf("connecting for sql task: %v", err), retriesSoFar)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(runCtx, t.SQL); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			seconds, _ := t.TimeoutSeconds()
			return job.NewTimeout(j, fmt.Sprintf("[%s] timed out after %d seconds.", t.Name(), seconds), retriesSoFar)
		}
		return job.NewError(j, -1, fmt.Sprintf("executing sql task: %v", err), retriesSoFar)
	}

	millis := time.Since(start).Milliseconds()
	return job.NewSuccess(j, millis, retriesSoFar)
}

// resolveTool probes tool_dir/tool, then tool_dir/stem(tool)/tool, per
// the two-path rule: a flat layout or a one-level nesting by filename
// stem (e.g. tools/build/build.sh).
func resolveTool(toolDir, tool string) (string, error) {
	flat := filepath.Join(toolDir, tool)
	if _, err := os.Stat(flat); err == nil {
		return flat, nil
	}

	stem := tool
	if ext := filepath.Ext(tool); ext != "" {
		stem = tool[:len(tool)-len(ext)]
	}
	nested := filepath.Join(toolDir, stem, tool)
	if _, err := os.Stat(nested); err == nil {
		return nested, nil
	}

	return "", fmt.Errorf("%w: tried %s and %s", ErrToolNotFound, flat, nested)
}

// runCommand resolves the tool's path, launches it as a child process in
// its own process group so a timeout can kill the whole subtree, and
// maps its exit status onto a job.Result.
func (e *Executor) runCommand(ctx context.Context, j job.Job, t *task.CommandLineTask, retriesSoFar int) job.Result {
	path, err := resolveTool(e.ToolDir, t.Tool)
	if err != nil {
		return job.NewError(j, -1, err.Error(), retriesSoFar)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if seconds, ok := t.TimeoutSeconds(); ok {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, path, t.ToolArgs...)
	cmd.Dir = filepath.Dir(path)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	millis := time.Since(start).Milliseconds()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		seconds, _ := t.TimeoutSeconds()
		log.Error().Str("task", t.Name()).Int("timeout_seconds", seconds).Msg("Task timed out")
		return job.NewTimeout(j, fmt.Sprintf("[%s] timed out after %d seconds.", t.Name(), seconds), retriesSoFar)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return job.NewError(j, exitErr.ExitCode(), stderr.String(), retriesSoFar)
	}
	if err != nil {
		return job.NewError(j, -1, err.Error(), retriesSoFar)
	}

	return job.NewSuccess(j, millis, retriesSoFar)
}
