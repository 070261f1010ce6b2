package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/prompthub/evalengine/pkg/llm"
	"github.com/prompthub/evalengine/pkg/models"
	"github.com/prompthub/evalengine/pkg/services"
	"github.com/prompthub/evalengine/pkg/strategy"
)

// ErrUnsupportedColumnType reports a column type the row executor
// cannot evaluate.
var ErrUnsupportedColumnType = errors.New("不支持的评估类型")

// RowExecutor runs row tasks: all columns of one dataset item left to
// right, with the final boolean column deciding the row verdict.
type RowExecutor struct {
	db       *sqlx.DB
	engine   *strategy.Engine
	invoker  PromptInvoker
	limiter  *llm.RateLimiter
	rowTasks *services.RowTaskService
}

// NewRowExecutor creates the executor.
func NewRowExecutor(db *sqlx.DB, engine *strategy.Engine, invoker PromptInvoker, limiter *llm.RateLimiter, rowTasks *services.RowTaskService) *RowExecutor {
	return &RowExecutor{
		db:       db,
		engine:   engine,
		invoker:  invoker,
		limiter:  limiter,
		rowTasks: rowTasks,
	}
}

// limiterEnabled reports whether provider throttling applies to this
// result: it does when the result snapshotted any prompt versions.
// A lookup failure enables throttling, the conservative choice.
func (e *RowExecutor) limiterEnabled(ctx context.Context, resultID int64) bool {
	var snapshot models.JSONMap
	err := e.db.GetContext(ctx, &snapshot,
		`SELECT prompt_versions FROM eval_results WHERE id = $1`, resultID)
	if err != nil {
		slog.Warn("Could not probe prompt versions, enabling rate limiting",
			"result_id", resultID, "error", err)
		return true
	}
	return len(snapshot) > 0
}

// ExecuteBatch runs the result's pending row tasks, optionally limited
// to specific dataset items. Rows run serially when rate limiting is
// active, concurrently otherwise. Result statistics are refreshed
// afterwards regardless of row failures.
func (e *RowExecutor) ExecuteBatch(ctx context.Context, resultID int64, itemIDs []int64) error {
	result, err := e.loadResult(ctx, resultID)
	if err != nil {
		return err
	}

	var tasks []models.RowTask
	if len(itemIDs) > 0 {
		query, args, err := sqlx.In(
			`SELECT * FROM eval_result_row_tasks
			 WHERE result_id = ? AND status = ? AND dataset_item_id IN (?)
			 ORDER BY id`,
			resultID, models.RowTaskStatusPending, itemIDs)
		if err != nil {
			return fmt.Errorf("building row task query: %w", err)
		}
		if err := e.db.SelectContext(ctx, &tasks, e.db.Rebind(query), args...); err != nil {
			return fmt.Errorf("loading row tasks: %w", err)
		}
	} else {
		if err := e.db.SelectContext(ctx, &tasks,
			`SELECT * FROM eval_result_row_tasks
			 WHERE result_id = $1 AND status = $2 ORDER BY id`,
			resultID, models.RowTaskStatusPending); err != nil {
			return fmt.Errorf("loading row tasks: %w", err)
		}
	}
	if len(tasks) == 0 {
		return nil
	}

	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	query, args, err := sqlx.In(
		`UPDATE eval_result_row_tasks
		 SET status = ?, started_at = now(), updated_at = now() WHERE id IN (?)`,
		models.RowTaskStatusRunning, ids)
	if err != nil {
		return fmt.Errorf("building start query: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, e.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("starting row tasks: %w", err)
	}

	throttled := e.limiterEnabled(ctx, resultID)
	slog.Info("Executing row batch",
		"result_id", resultID, "rows", len(tasks), "rate_limited", throttled)

	failures := 0
	if throttled {
		// Serial execution keeps provider pressure predictable when the
		// rows will call prompt templates. Shutdown is observed between
		// rows; untouched rows stay running for orphan recovery.
		for i := range tasks {
			if ctx.Err() != nil {
				slog.Warn("Row batch interrupted",
					"result_id", resultID, "remaining", len(tasks)-i)
				break
			}
			if err := e.executeRow(ctx, result, &tasks[i]); err != nil {
				failures++
			}
		}
	} else {
		var wg sync.WaitGroup
		var mu sync.Mutex
		for i := range tasks {
			task := &tasks[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.executeRow(ctx, result, task); err != nil {
					mu.Lock()
					failures++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
	}

	if err := e.rowTasks.UpdateResultStats(ctx, resultID); err != nil {
		slog.Error("Failed to update result stats", "result_id", resultID, "error", err)
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d rows failed", failures, len(tasks))
	}
	return nil
}

type rowContext struct {
	result   *models.Result
	pipeline *models.Pipeline
	columns  []models.Column
}

func (e *RowExecutor) loadResult(ctx context.Context, resultID int64) (*rowContext, error) {
	var result models.Result
	if err := e.db.GetContext(ctx, &result,
		`SELECT * FROM eval_results WHERE id = $1`, resultID); err != nil {
		return nil, fmt.Errorf("loading result: %w", err)
	}
	var pipeline models.Pipeline
	if err := e.db.GetContext(ctx, &pipeline,
		`SELECT * FROM eval_pipelines WHERE id = $1`, result.PipelineID); err != nil {
		return nil, fmt.Errorf("loading pipeline: %w", err)
	}
	var columns []models.Column
	if err := e.db.SelectContext(ctx, &columns,
		`SELECT * FROM eval_columns WHERE pipeline_id = $1 ORDER BY position`,
		result.PipelineID); err != nil {
		return nil, fmt.Errorf("loading columns: %w", err)
	}
	return &rowContext{result: &result, pipeline: &pipeline, columns: columns}, nil
}

// executeRow evaluates every column for one dataset item. Columns feed
// later ones through the accumulated execution variables; the last
// column's type decides the verdict.
func (e *RowExecutor) executeRow(ctx context.Context, rc *rowContext, task *models.RowTask) error {
	start := time.Now()

	var item models.DatasetItem
	if err := e.db.GetContext(ctx, &item,
		`SELECT * FROM dataset_items WHERE id = $1`, task.DatasetItemID); err != nil {
		e.failRow(ctx, task, fmt.Sprintf("loading dataset item: %v", err), start)
		return err
	}

	variables := map[string]any{}
	for k, v := range item.VariablesValues {
		variables[k] = v
	}

	throttled := e.limiterEnabled(ctx, rc.result.ID)

	var lastValue any
	var lastColumn *models.Column
	for i := range rc.columns {
		column := &rc.columns[i]

		if _, err := e.db.ExecContext(ctx,
			`UPDATE eval_result_row_tasks
			 SET current_column_position = $1, updated_at = now() WHERE id = $2`,
			column.Position, task.ID); err != nil {
			slog.Error("Failed to update row position", "row_task_id", task.ID, "error", err)
		}

		value, err := e.executeColumnForRow(ctx, rc, column, &item, variables, throttled)
		if err != nil {
			e.failRow(ctx, task, err.Error(), start)
			if serr := e.rowTasks.UpdateResultStats(ctx, rc.result.ID); serr != nil {
				slog.Error("Failed to update result stats", "result_id", rc.result.ID, "error", serr)
			}
			return err
		}

		if column.ColumnType == models.ColumnTypeDatasetVariable {
			// Variables are already seeded from the item.
			continue
		}
		variables[column.Name] = value
		lastValue = value
		lastColumn = column
	}

	verdict := models.RowResultPassed
	if lastColumn != nil && lastColumn.IsBoolean() && !models.TruthyCellValue(lastValue) {
		verdict = models.RowResultUnpassed
	}

	elapsed := time.Since(start).Milliseconds()
	if _, err := e.db.ExecContext(ctx,
		`UPDATE eval_result_row_tasks
		 SET status = $1, row_result = $2, execution_variables = $3,
		     execution_time_ms = $4, completed_at = now(), updated_at = now()
		 WHERE id = $5`,
		models.RowTaskStatusCompleted, verdict, models.JSONMap(variables),
		elapsed, task.ID); err != nil {
		return fmt.Errorf("completing row task: %w", err)
	}
	return nil
}

func (e *RowExecutor) failRow(ctx context.Context, task *models.RowTask, message string, start time.Time) {
	elapsed := time.Since(start).Milliseconds()
	if _, err := e.db.ExecContext(ctx,
		`UPDATE eval_result_row_tasks
		 SET status = $1, row_result = $2, error_message = $3,
		     execution_time_ms = $4, completed_at = now(), updated_at = now()
		 WHERE id = $5`,
		models.RowTaskStatusFailed, models.RowResultFailed, message, elapsed, task.ID); err != nil {
		slog.Error("Failed to mark row task failed", "row_task_id", task.ID, "error", err)
	}
}

// getOrCreateCell returns the cell for (result, item, column), creating
// it on first touch.
func (e *RowExecutor) getOrCreateCell(ctx context.Context, rc *rowContext, column *models.Column, itemID int64) (*models.Cell, error) {
	var cell models.Cell
	err := e.db.GetContext(ctx, &cell,
		`INSERT INTO eval_cells (pipeline_id, dataset_item_id, eval_column_id, result_id, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (result_id, dataset_item_id, eval_column_id)
		 DO UPDATE SET updated_at = now()
		 RETURNING *`,
		rc.pipeline.ID, itemID, column.ID, rc.result.ID, models.CellStatusNew)
	if err != nil {
		return nil, fmt.Errorf("ensuring cell: %w", err)
	}
	return &cell, nil
}

func (e *RowExecutor) completeCell(ctx context.Context, cellID int64, value any) error {
	_, err := e.db.ExecContext(ctx,
		`UPDATE eval_cells
		 SET status = $1, value = $2, display_value = $3, error_message = NULL, updated_at = now()
		 WHERE id = $4`,
		models.CellStatusCompleted, models.JSONMap{"value": value},
		models.JSONValue{V: value}, cellID)
	if err != nil {
		return fmt.Errorf("completing cell: %w", err)
	}
	return nil
}

func (e *RowExecutor) failCell(ctx context.Context, cellID int64, message string) {
	if _, err := e.db.ExecContext(ctx,
		`UPDATE eval_cells
		 SET status = $1, error_message = $2, display_value = $3, updated_at = now()
		 WHERE id = $4`,
		models.CellStatusFailed, message,
		models.JSONValue{V: map[string]any{"value": message}}, cellID); err != nil {
		slog.Error("Failed to mark cell failed", "cell_id", cellID, "error", err)
	}
}

// executeColumnForRow evaluates one column within a row. The returned
// value feeds later columns via the execution variables; an evaluation
// error lands on the cell before it propagates to the row.
func (e *RowExecutor) executeColumnForRow(ctx context.Context, rc *rowContext, column *models.Column, item *models.DatasetItem, variables map[string]any, throttled bool) (any, error) {
	cell, err := e.getOrCreateCell(ctx, rc, column, item.ID)
	if err != nil {
		return nil, err
	}
	value, err := e.evaluateCell(ctx, rc, column, cell, variables, throttled)
	if err != nil {
		e.failCell(ctx, cell.ID, err.Error())
		return nil, err
	}
	return value, nil
}

func (e *RowExecutor) evaluateCell(ctx context.Context, rc *rowContext, column *models.Column, cell *models.Cell, variables map[string]any, throttled bool) (any, error) {
	cfg := map[string]any{}
	for k, v := range column.Config {
		cfg[k] = v
	}

	switch column.ColumnType {
	case models.ColumnTypeDatasetVariable:
		// Nothing to compute; the item's variables are the value.
		return nil, nil

	case models.ColumnTypePromptTemplate:
		promptID, ok := numericValue(cfg["prompt_id"])
		if !ok {
			return nil, fmt.Errorf("prompt_template 列缺少 prompt_id 配置")
		}
		if throttled {
			if err := e.limiter.Acquire(ctx); err != nil {
				return nil, err
			}
		}
		result, err := e.invoker.Invoke(ctx, llm.InvokeRequest{
			ProjectID: rc.pipeline.ProjectID,
			PromptID:  promptID,
			Variables: applyVariableMappings(cfg, variables),
			Source:    "evaluation",
		})
		if err != nil {
			return nil, err
		}
		if err := e.completeCell(ctx, cell.ID, result.Output); err != nil {
			return nil, err
		}
		return result.Output, nil

	case models.ColumnTypeHumanInput:
		// Reuse an already-filled cell; fall back to the default value.
		if cell.Status == models.CellStatusCompleted {
			return cell.Value["value"], nil
		}
		value := cfg["default_value"]
		if err := e.completeCell(ctx, cell.ID, value); err != nil {
			return nil, err
		}
		return value, nil
	}

	canonical := strategy.Canonical(column.ColumnType)
	switch canonical {
	case models.ColumnTypeExactMulti:
		cfg["variables"] = variables
	case models.ColumnTypeLLMAssertion:
		cfg["project_id"] = float64(rc.pipeline.ProjectID)
		if throttled {
			if err := e.limiter.Acquire(ctx); err != nil {
				return nil, err
			}
		}
	case models.ColumnTypeExact, models.ColumnTypeContains, models.ColumnTypeRegex,
		models.ColumnTypeKeywords, models.ColumnTypeJSONStructure,
		models.ColumnTypeNumericDistance, models.ColumnTypeCosineSimilarity,
		models.ColumnTypeJSONExtraction, models.ColumnTypeParseValue,
		models.ColumnTypeStaticValue, models.ColumnTypeTypeValidation,
		models.ColumnTypeCoalesce, models.ColumnTypeCount:
		// Plain strategies need no extra wiring.
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedColumnType, column.ColumnType)
	}

	output, expected := referenceValues(cfg, variables)
	outcome, err := e.engine.Evaluate(ctx, canonical, output, expected, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.completeCell(ctx, cell.ID, outcome.Value); err != nil {
		return nil, err
	}
	return outcome.Value, nil
}

// SingleColumnRequest asks for a synchronous one-cell evaluation
// against the staging grid, with caller-supplied upstream values.
type SingleColumnRequest struct {
	ColumnID       int64
	DatasetItemID  int64
	PreviousValues map[string]any
	ValueOverride  map[string]any
}

// EvaluateSingleColumn evaluates one column for one item synchronously
// and persists the outcome to the staging cell. The caller's previous
// values stand in for upstream columns; a value override is merged last.
func (e *RowExecutor) EvaluateSingleColumn(ctx context.Context, req SingleColumnRequest) (any, error) {
	var column models.Column
	if err := e.db.GetContext(ctx, &column,
		`SELECT * FROM eval_columns WHERE id = $1`, req.ColumnID); err != nil {
		return nil, fmt.Errorf("loading column: %w", err)
	}
	var pipeline models.Pipeline
	if err := e.db.GetContext(ctx, &pipeline,
		`SELECT * FROM eval_pipelines WHERE id = $1`, column.PipelineID); err != nil {
		return nil, fmt.Errorf("loading pipeline: %w", err)
	}
	var staging models.Result
	if err := e.db.GetContext(ctx, &staging,
		`SELECT * FROM eval_results WHERE pipeline_id = $1 AND run_type = $2
		 ORDER BY id LIMIT 1`, pipeline.ID, models.RunTypeStaging); err != nil {
		return nil, fmt.Errorf("loading staging result: %w", err)
	}

	var item models.DatasetItem
	if err := e.db.GetContext(ctx, &item,
		`SELECT * FROM dataset_items WHERE id = $1`, req.DatasetItemID); err != nil {
		return nil, fmt.Errorf("loading dataset item: %w", err)
	}

	variables := map[string]any{}
	for k, v := range item.VariablesValues {
		variables[k] = v
	}
	for k, v := range req.PreviousValues {
		variables[k] = v
	}
	for k, v := range req.ValueOverride {
		variables[k] = v
	}

	rc := &rowContext{result: &staging, pipeline: &pipeline}
	return e.executeColumnForRow(ctx, rc, &column, &item, variables, e.limiterEnabled(ctx, staging.ID))
}
