package executor

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prompthub/evalengine/pkg/models"
	"github.com/prompthub/evalengine/pkg/services"
	"github.com/prompthub/evalengine/pkg/strategy"
)

func newMockRowExecutor(t *testing.T) (*RowExecutor, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	e := NewRowExecutor(db, strategy.NewEngine(nil), nil, nil, services.NewRowTaskService(db))
	return e, mock
}

func datasetItemRows(id int64, variables string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "dataset_id", "variables_values", "is_enabled", "created_at", "updated_at",
	}).AddRow(id, 1, []byte(variables), true, time.Now(), time.Now())
}

func cellRows(id, columnID int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "pipeline_id", "dataset_item_id", "eval_column_id", "result_id",
		"value", "display_value", "error_message", "status", "created_at", "updated_at",
	}).AddRow(id, 1, 10, columnID, 1, []byte(`{}`), nil, nil, models.CellStatusNew, time.Now(), time.Now())
}

func testRowContext(columns ...models.Column) *rowContext {
	return &rowContext{
		result:   &models.Result{ID: 1, PipelineID: 1},
		pipeline: &models.Pipeline{ID: 1, ProjectID: 1},
		columns:  columns,
	}
}

// expectRowColumns scripts the per-column statements of one row: the
// position update and the cell upsert for the dataset_variable column,
// then the same pair for the judgment column at position 1.
func expectRowColumns(mock sqlmock.Sqlmock, taskID int64) {
	mock.ExpectExec(regexp.QuoteMeta(`SET current_column_position = $1`)).
		WithArgs(0, taskID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO eval_cells`).
		WithArgs(int64(1), int64(10), int64(1), int64(1), models.CellStatusNew).
		WillReturnRows(cellRows(100, 1))

	mock.ExpectExec(regexp.QuoteMeta(`SET current_column_position = $1`)).
		WithArgs(1, taskID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO eval_cells`).
		WithArgs(int64(1), int64(10), int64(2), int64(1), models.CellStatusNew).
		WillReturnRows(cellRows(101, 2))
}

func TestExecuteRowPassedVerdict(t *testing.T) {
	e, mock := newMockRowExecutor(t)
	task := &models.RowTask{ID: 7, ResultID: 1, DatasetItemID: 10}
	rc := testRowContext(
		models.Column{ID: 1, PipelineID: 1, Name: "问题", ColumnType: models.ColumnTypeDatasetVariable, Position: 0},
		models.Column{ID: 2, PipelineID: 1, Name: "精确匹配", ColumnType: models.ColumnTypeExact, Position: 1,
			Config: models.JSONMap{"reference_column": "answer", "expected_value": "hi"}},
	)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM dataset_items WHERE id = $1`)).
		WithArgs(int64(10)).
		WillReturnRows(datasetItemRows(10, `{"question": "greet", "answer": "hi"}`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT prompt_versions FROM eval_results WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"prompt_versions"}).AddRow([]byte(`{}`)))

	expectRowColumns(mock, task.ID)
	mock.ExpectExec(regexp.QuoteMeta(`SET status = $1, value = $2`)).
		WithArgs(models.CellStatusCompleted, []byte(`{"value":true}`), []byte(`true`), int64(101)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(regexp.QuoteMeta(`row_result = $2, execution_variables = $3`)).
		WithArgs(models.RowTaskStatusCompleted, models.RowResultPassed,
			sqlmock.AnyArg(), sqlmock.AnyArg(), task.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.executeRow(context.Background(), rc, task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRowUnpassedVerdict(t *testing.T) {
	e, mock := newMockRowExecutor(t)
	task := &models.RowTask{ID: 7, ResultID: 1, DatasetItemID: 10}
	rc := testRowContext(
		models.Column{ID: 1, PipelineID: 1, Name: "问题", ColumnType: models.ColumnTypeDatasetVariable, Position: 0},
		models.Column{ID: 2, PipelineID: 1, Name: "精确匹配", ColumnType: models.ColumnTypeExact, Position: 1,
			Config: models.JSONMap{"reference_column": "answer", "expected_value": "bye"}},
	)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM dataset_items WHERE id = $1`)).
		WithArgs(int64(10)).
		WillReturnRows(datasetItemRows(10, `{"question": "greet", "answer": "hi"}`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT prompt_versions FROM eval_results WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"prompt_versions"}).AddRow([]byte(`{}`)))

	expectRowColumns(mock, task.ID)
	mock.ExpectExec(regexp.QuoteMeta(`SET status = $1, value = $2`)).
		WithArgs(models.CellStatusCompleted, []byte(`{"value":false}`), []byte(`false`), int64(101)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// A false judgment column completes the row as unpassed, not failed.
	mock.ExpectExec(regexp.QuoteMeta(`row_result = $2, execution_variables = $3`)).
		WithArgs(models.RowTaskStatusCompleted, models.RowResultUnpassed,
			sqlmock.AnyArg(), sqlmock.AnyArg(), task.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.executeRow(context.Background(), rc, task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRowColumnErrorLandsOnCell(t *testing.T) {
	e, mock := newMockRowExecutor(t)
	task := &models.RowTask{ID: 7, ResultID: 1, DatasetItemID: 10}
	rc := testRowContext(
		models.Column{ID: 1, PipelineID: 1, Name: "问题", ColumnType: models.ColumnTypeDatasetVariable, Position: 0},
		models.Column{ID: 2, PipelineID: 1, Name: "正则", ColumnType: models.ColumnTypeRegex, Position: 1,
			Config: models.JSONMap{"reference_column": "answer", "pattern": "["}},
	)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM dataset_items WHERE id = $1`)).
		WithArgs(int64(10)).
		WillReturnRows(datasetItemRows(10, `{"question": "greet", "answer": "hi"}`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT prompt_versions FROM eval_results WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"prompt_versions"}).AddRow([]byte(`{}`)))

	expectRowColumns(mock, task.ID)

	// The bad pattern fails the cell with the error message before the
	// row itself is marked failed.
	mock.ExpectExec(regexp.QuoteMeta(`SET status = $1, error_message = $2`)).
		WithArgs(models.CellStatusFailed, sqlmock.AnyArg(), sqlmock.AnyArg(), int64(101)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`row_result = $2, error_message = $3`)).
		WithArgs(models.RowTaskStatusFailed, models.RowResultFailed,
			sqlmock.AnyArg(), sqlmock.AnyArg(), task.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Result statistics refresh sees the failed row.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM eval_result_row_tasks WHERE result_id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "result_id", "dataset_item_id", "status", "row_result",
			"current_column_position", "execution_variables", "error_message",
			"execution_time_ms", "started_at", "completed_at", "created_at", "updated_at",
		}).AddRow(task.ID, 1, 10, models.RowTaskStatusFailed, models.RowResultFailed,
			nil, nil, nil, nil, nil, nil, time.Now(), time.Now()))
	mock.ExpectExec(`UPDATE eval_results`).
		WithArgs(1, 0, 0, 1, 0.0, models.ResultStatusCompleted, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.Error(t, e.executeRow(context.Background(), rc, task))
	assert.NoError(t, mock.ExpectationsWereMet())
}
