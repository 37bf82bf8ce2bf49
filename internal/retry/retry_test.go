package retry

import (
	"context"
	"testing"

	"github.com/markstefanovic/ppe/internal/job"
	"github.com/markstefanovic/ppe/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(t *testing.T, retries int) job.Job {
	tk, err := task.NewSqlTask(1, "t", retries, nil, "SELECT 1")
	require.NoError(t, err)
	return job.Job{JobID: 1, BatchID: 1, Task: tk}
}

func TestRun_SucceedsFirstTry(t *testing.T) {
	j := testJob(t, 2)
	calls := 0
	result := Run(context.Background(), j, func(ctx context.Context, retriesSoFar int) job.Result {
		calls++
		return job.NewSuccess(j, 10, retriesSoFar)
	}, j.Task.Retries())

	assert.Equal(t, 1, calls)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.Retries)
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	j := testJob(t, 2)
	calls := 0
	result := Run(context.Background(), j, func(ctx context.Context, retriesSoFar int) job.Result {
		calls++
		if calls < 3 {
			return job.NewError(j, 1, "fail", retriesSoFar)
		}
		return job.NewSuccess(j, 10, retriesSoFar)
	}, j.Task.Retries())

	assert.Equal(t, 3, calls)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Retries)
}

func TestRun_ExhaustsRetries(t *testing.T) {
	j := testJob(t, 1)
	calls := 0
	result := Run(context.Background(), j, func(ctx context.Context, retriesSoFar int) job.Result {
		calls++
		return job.NewError(j, 1, "still failing", retriesSoFar)
	}, j.Task.Retries())

	assert.Equal(t, 2, calls) // attempt 0 + 1 retry
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Retries)
}

func TestRun_PanicSynthesizesError(t *testing.T) {
	j := testJob(t, 0)
	result := Run(context.Background(), j, func(ctx context.Context, retriesSoFar int) job.Result {
		panic("boom")
	}, j.Task.Retries())

	assert.False(t, result.Success)
	assert.Equal(t, -1, result.ReturnCode)
	assert.Contains(t, result.ErrorMessage, "boom")
}
