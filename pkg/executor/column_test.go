package executor

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
	"github.com/prompthub/evalengine/pkg/services"
	"github.com/prompthub/evalengine/pkg/strategy"
)

func newMockColumnExecutor(t *testing.T) (*ColumnExecutor, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	db := sqlx.NewDb(mockDB, "sqlmock")
	e := NewColumnExecutor(db, strategy.NewEngine(nil), nil, cfg, services.NewTaskService(db, cfg))
	return e, mock
}

func taskRow(id int64, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "pipeline_id", "result_id", "column_id", "user_id", "task_type",
		"status", "priority", "max_retries", "current_retry",
		"total_items", "completed_items", "failed_items", "config",
		"error_message", "started_at", "completed_at", "next_retry_at",
		"created_at", "updated_at",
	}).AddRow(id, 1, 1, 2, 1, models.TaskTypeColumnEvaluation,
		status, 1, 3, 0, 2, 0, 0, []byte(`{}`),
		nil, nil, nil, nil, time.Now(), time.Now())
}

// A cancel landing mid-task stops item dispatch before the next item
// starts: no item is touched once the re-read status says cancelled.
func TestExecuteTaskStopsWhenCancelled(t *testing.T) {
	e, mock := newMockColumnExecutor(t)
	taskID := int64(5)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM eval_tasks WHERE id = $1`)).
		WithArgs(taskID).
		WillReturnRows(taskRow(taskID, models.TaskStatusPending))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE eval_tasks SET status = $1, started_at = now()`)).
		WithArgs(models.TaskStatusRunning, taskID, models.TaskStatusPending, models.TaskStatusRetrying).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO eval_task_logs`).
		WithArgs(taskID, nil, models.LogLevelInfo, "开始执行任务", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM eval_columns WHERE id = $1`)).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "pipeline_id", "name", "column_type", "position", "config", "created_at", "updated_at",
		}).AddRow(2, 1, "精确匹配", models.ColumnTypeExact, 1, []byte(`{}`), time.Now(), time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM eval_pipelines WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "description", "project_id", "dataset_id", "user_id", "created_at", "updated_at",
		}).AddRow(1, "管线", nil, 1, 1, 1, time.Now(), time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM eval_task_items WHERE task_id = $1`)).
		WithArgs(taskID, models.TaskItemStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "task_id", "cell_id", "dataset_item_id", "status", "retry_count",
			"input_data", "output_data", "error_message", "execution_time_ms",
			"started_at", "completed_at", "created_at", "updated_at",
		}).AddRow(31, taskID, 100, 10, models.TaskItemStatusPending, 0,
			nil, nil, nil, nil, nil, nil, time.Now(), time.Now()).
			AddRow(32, taskID, 101, 11, models.TaskItemStatusPending, 0,
				nil, nil, nil, nil, nil, nil, time.Now(), time.Now()))

	// The status poll before the first item already reads cancelled.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM eval_tasks WHERE id = $1`)).
		WithArgs(taskID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.TaskStatusCancelled))

	mock.ExpectExec(regexp.QuoteMeta(`completed_items = (SELECT COUNT(*) FROM eval_task_items`)).
		WithArgs(taskID, models.TaskItemStatusCompleted, models.TaskItemStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO eval_task_logs`).
		WithArgs(taskID, nil, models.LogLevelWarn, "任务已停止，剩余任务项未执行", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, e.ExecuteTask(context.Background(), taskID))
	assert.NoError(t, mock.ExpectationsWereMet())
}
