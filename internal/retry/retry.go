// Package retry turns a single job attempt into a bounded-retry
// execution: attempt 0 is the first run, and each subsequent failure is
// retried until task.Retries additional attempts have been used.
package retry

import (
	"context"
	"fmt"

	"github.com/markstefanovic/ppe/internal/job"
)

// Attempt runs one execution of a job, given how many retries have
// already been used.
type Attempt func(ctx context.Context, retriesSoFar int) job.Result

// Run executes attempt at least once, retrying on failure up to
// maxRetries additional times. The loop is the iterative rendition of
// the original's unbounded recursion; maxRetries is caller-controlled
// (task.Retries), so depth here is bounded by that value, not by the
// call stack. A panicking attempt is treated the same as a thrown
// exception in the original: retried while budget remains, else
// synthesized into an error result.
func Run(ctx context.Context, baseJob job.Job, attempt Attempt, maxRetries int) job.Result {
	var last job.Result
	for retriesSoFar := 0; ; retriesSoFar++ {
		last = safeAttempt(ctx, attempt, baseJob, retriesSoFar)
		if last.Success || retriesSoFar >= maxRetries {
			return last
		}
	}
}

func safeAttempt(ctx context.Context, attempt Attempt, baseJob job.Job, retriesSoFar int) (result job.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = job.NewError(baseJob, -1, fmt.Sprintf("%v", r), retriesSoFar)
		}
	}()
	return attempt(ctx, retriesSoFar)
}
