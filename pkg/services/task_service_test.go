package services

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prompthub/evalengine/pkg/config"
	"github.com/prompthub/evalengine/pkg/models"
)

func newMockTaskService(t *testing.T) (*TaskService, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	return NewTaskService(sqlx.NewDb(mockDB, "sqlmock"), cfg), mock
}

func taskRowWith(id int64, status string, currentRetry, maxRetries int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "pipeline_id", "result_id", "column_id", "user_id", "task_type",
		"status", "priority", "max_retries", "current_retry",
		"total_items", "completed_items", "failed_items", "config",
		"error_message", "started_at", "completed_at", "next_retry_at",
		"created_at", "updated_at",
	}).AddRow(id, 1, 1, 2, 1, models.TaskTypeColumnEvaluation,
		status, 1, maxRetries, currentRetry, 4, 0, 4, []byte(`{}`),
		nil, nil, nil, nil, time.Now(), time.Now())
}

func TestRetryTaskReArmsFailedTask(t *testing.T) {
	s, mock := newMockTaskService(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM eval_tasks WHERE id = $1`)).
		WithArgs(int64(5)).
		WillReturnRows(taskRowWith(5, models.TaskStatusFailed, 1, 3))
	// A manual retry carries no error message: the column stays NULL.
	mock.ExpectExec(regexp.QuoteMeta(`current_retry = current_retry + 1, next_retry_at = $2`)).
		WithArgs(models.TaskStatusRetrying, sqlmock.AnyArg(), nil, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.RetryTask(context.Background(), 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryTaskRejectsNonRetryable(t *testing.T) {
	s, mock := newMockTaskService(t)

	// Terminal-but-successful tasks have nothing to retry.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM eval_tasks WHERE id = $1`)).
		WithArgs(int64(5)).
		WillReturnRows(taskRowWith(5, models.TaskStatusCompleted, 0, 3))
	assert.ErrorIs(t, s.RetryTask(context.Background(), 5), ErrInvalidInput)

	// Exhausted retry budget.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM eval_tasks WHERE id = $1`)).
		WithArgs(int64(6)).
		WillReturnRows(taskRowWith(6, models.TaskStatusFailed, 3, 3))
	assert.ErrorIs(t, s.RetryTask(context.Background(), 6), ErrInvalidInput)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultStatsRollupDefersWhileTasksLive(t *testing.T) {
	s, mock := newMockTaskService(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM eval_tasks WHERE id = $1`)).
		WithArgs(int64(5)).
		WillReturnRows(taskRowWith(5, models.TaskStatusCompleted, 0, 3))
	mock.ExpectQuery(`SELECT id FROM eval_columns`).
		WithArgs(int64(1), models.ColumnTypeDatasetVariable, models.ColumnTypeHumanInput, models.ColumnTypeStaticValue).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))

	// A live task of any column of the result defers the rollup.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM eval_tasks`)).
		WithArgs(int64(1), models.TaskStatusPending, models.TaskStatusRunning,
			models.TaskStatusRetrying, models.TaskStatusPaused).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	require.NoError(t, s.maybeUpdateResultStats(context.Background(), 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultStatsRollupCompletesResult(t *testing.T) {
	s, mock := newMockTaskService(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM eval_tasks WHERE id = $1`)).
		WithArgs(int64(5)).
		WillReturnRows(taskRowWith(5, models.TaskStatusCompleted, 0, 3))
	mock.ExpectQuery(`SELECT id FROM eval_columns`).
		WithArgs(int64(1), models.ColumnTypeDatasetVariable, models.ColumnTypeHumanInput, models.ColumnTypeStaticValue).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM eval_tasks`)).
		WithArgs(int64(1), models.TaskStatusPending, models.TaskStatusRunning,
			models.TaskStatusRetrying, models.TaskStatusPaused).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM eval_cells`)).
		WithArgs(int64(1), int64(2), models.CellStatusCompleted).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "pipeline_id", "dataset_item_id", "eval_column_id", "result_id",
			"value", "display_value", "error_message", "status", "created_at", "updated_at",
		}).AddRow(100, 1, 10, 2, 1, []byte(`{"value": true}`), nil, nil,
			models.CellStatusCompleted, time.Now(), time.Now()).
			AddRow(101, 1, 11, 2, 1, []byte(`{"value": false}`), nil, nil,
				models.CellStatusCompleted, time.Now(), time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM eval_cells`)).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	mock.ExpectExec(`UPDATE eval_results`).
		WithArgs(2, 1, 1, 0.5, models.ResultStatusCompleted, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.maybeUpdateResultStats(context.Background(), 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultStatsRollupSkipsNonVerdictColumn(t *testing.T) {
	s, mock := newMockTaskService(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM eval_tasks WHERE id = $1`)).
		WithArgs(int64(5)).
		WillReturnRows(taskRowWith(5, models.TaskStatusCompleted, 0, 3))
	// The finished task's column is not the verdict column: no rollup.
	mock.ExpectQuery(`SELECT id FROM eval_columns`).
		WithArgs(int64(1), models.ColumnTypeDatasetVariable, models.ColumnTypeHumanInput, models.ColumnTypeStaticValue).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))

	require.NoError(t, s.maybeUpdateResultStats(context.Background(), 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}
