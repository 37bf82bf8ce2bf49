package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/markstefanovic/ppe/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewAdapter(mockDB, 42, 30), mock
}

func TestCreateBatch(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	t.Run("returns batch id", func(t *testing.T) {
		mock.ExpectQuery(`SELECT \* FROM ppe.create_batch\(\)`).
			WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(7))

		batchID, err := CreateBatch(context.Background(), mockDB)
		require.NoError(t, err)
		assert.Equal(t, 7, batchID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no row is a DbError", func(t *testing.T) {
		mock.ExpectQuery(`SELECT \* FROM ppe.create_batch\(\)`).
			WillReturnRows(sqlmock.NewRows([]string{"batch_id"}))

		_, err := CreateBatch(context.Background(), mockDB)
		require.Error(t, err)
		var dbErr *ErrDb
		assert.ErrorAs(t, err, &dbErr)
	})
}

func TestAdapter_CancelRunningJobs(t *testing.T) {
	a, mock := newMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CALL ppe.cancel_running_jobs`).
		WithArgs("A new batch was started.").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := a.CancelRunningJobs(context.Background(), "A new batch was started.")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_CancelRunningJobs_RollsBackOnError(t *testing.T) {
	a, mock := newMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CALL ppe.cancel_running_jobs`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := a.CancelRunningJobs(context.Background(), "reason")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_GetReadyJob_SqlTask(t *testing.T) {
	a, mock := newMockAdapter(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"task_id", "task_name", "tool", "tool_args", "task_sql", "retries", "timeout_seconds"}).
		AddRow(1, "refresh", nil, nil, "SELECT 1", 2, 30)
	mock.ExpectQuery(`FROM ppe.get_ready_task`).WillReturnRows(rows)
	mock.ExpectQuery(`ppe.create_job`).
		WithArgs(42, 1).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow(99))
	mock.ExpectCommit()

	j, err := a.GetReadyJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 99, j.JobID)
	assert.Equal(t, 42, j.BatchID)
	sqlTask, ok := j.Task.(*task.SqlTask)
	require.True(t, ok)
	assert.Equal(t, "SELECT 1", sqlTask.SQL)
	assert.Equal(t, 2, sqlTask.Retries())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_GetReadyJob_CommandLineTask(t *testing.T) {
	a, mock := newMockAdapter(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"task_id", "task_name", "tool", "tool_args", "task_sql", "retries", "timeout_seconds"}).
		AddRow(2, "run-tool", "build.sh", "{--flag}", nil, 0, nil)
	mock.ExpectQuery(`FROM ppe.get_ready_task`).WillReturnRows(rows)
	mock.ExpectQuery(`ppe.create_job`).
		WithArgs(42, 2).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow(100))
	mock.ExpectCommit()

	j, err := a.GetReadyJob(context.Background())
	require.NoError(t, err)
	cmdTask, ok := j.Task.(*task.CommandLineTask)
	require.True(t, ok)
	assert.Equal(t, "build.sh", cmdTask.Tool)
	assert.Equal(t, []string{"--flag"}, cmdTask.ToolArgs)
	_, hasTimeout := cmdTask.TimeoutSeconds()
	assert.False(t, hasTimeout)
}

func TestAdapter_GetReadyJob_NoRowsReturnsNil(t *testing.T) {
	a, mock := newMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM ppe.get_ready_task`).WillReturnRows(
		sqlmock.NewRows([]string{"task_id", "task_name", "tool", "tool_args", "task_sql", "retries", "timeout_seconds"}),
	)
	mock.ExpectCommit()

	j, err := a.GetReadyJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestAdapter_LogJobSuccess(t *testing.T) {
	a, mock := newMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CALL ppe.job_completed_successfully`).
		WithArgs(99, int64(150)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := a.LogJobSuccess(context.Background(), 99, 150)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_LogJobError(t *testing.T) {
	a, mock := newMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CALL ppe.job_failed`).
		WithArgs(99, "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := a.LogJobError(context.Background(), 99, 1, "boom")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_MaintenanceCalls(t *testing.T) {
	t.Run("update queue", func(t *testing.T) {
		a, mock := newMockAdapter(t)
		mock.ExpectBegin()
		mock.ExpectExec(`CALL ppe.update_queue`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		require.NoError(t, a.UpdateQueue(context.Background()))
	})

	t.Run("update task issues", func(t *testing.T) {
		a, mock := newMockAdapter(t)
		mock.ExpectBegin()
		mock.ExpectExec(`CALL ppe.update_task_issues`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		require.NoError(t, a.UpdateTaskIssues(context.Background()))
	})

	t.Run("delete old logs", func(t *testing.T) {
		a, mock := newMockAdapter(t)
		mock.ExpectBegin()
		mock.ExpectExec(`CALL ppe.delete_old_log_entries`).
			WithArgs(42, 30).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		require.NoError(t, a.DeleteOldLogs(context.Background()))
	})
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(sql.ErrNoRows))
}
