package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/prompthub/evalengine/pkg/config"
	"github.com/prompthub/evalengine/pkg/llm"
	"github.com/prompthub/evalengine/pkg/models"
	"github.com/prompthub/evalengine/pkg/services"
	"github.com/prompthub/evalengine/pkg/strategy"
)

// PromptInvoker invokes a prompt version. Satisfied by llm.Invoker.
type PromptInvoker interface {
	Invoke(ctx context.Context, req llm.InvokeRequest) (*llm.InvokeResult, error)
}

// ColumnExecutor runs column tasks: every pending item of the task's
// column, concurrently under a per-task semaphore.
type ColumnExecutor struct {
	db      *sqlx.DB
	engine  *strategy.Engine
	invoker PromptInvoker
	cfg     *config.Store
	tasks   *services.TaskService

	mu      sync.Mutex
	running map[int64]struct{}
}

// NewColumnExecutor creates the executor.
func NewColumnExecutor(db *sqlx.DB, engine *strategy.Engine, invoker PromptInvoker, cfg *config.Store, tasks *services.TaskService) *ColumnExecutor {
	return &ColumnExecutor{
		db:      db,
		engine:  engine,
		invoker: invoker,
		cfg:     cfg,
		tasks:   tasks,
		running: make(map[int64]struct{}),
	}
}

// tryClaim guards against the same task running twice in this process.
func (e *ColumnExecutor) tryClaim(taskID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[taskID]; busy {
		return false
	}
	e.running[taskID] = struct{}{}
	return true
}

func (e *ColumnExecutor) release(taskID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, taskID)
}

// ExecuteTask runs one column task to completion. The task completes
// successfully when at least one item succeeded; an all-failed task
// with retryable failures and remaining budget is scheduled for retry.
func (e *ColumnExecutor) ExecuteTask(ctx context.Context, taskID int64) error {
	if !e.tryClaim(taskID) {
		slog.Warn("Task already executing in this process", "task_id", taskID)
		return nil
	}
	defer e.release(taskID)

	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusRetrying {
		slog.Warn("Task not in an executable status", "task_id", taskID, "status", task.Status)
		return nil
	}

	if err := e.tasks.StartTask(ctx, taskID); err != nil {
		return err
	}
	e.tasks.Log(ctx, taskID, nil, models.LogLevelInfo, "开始执行任务", models.JSONMap{
		"column_id": task.ColumnID,
		"retry":     task.CurrentRetry,
	})

	var column models.Column
	if err := e.db.GetContext(ctx, &column,
		`SELECT * FROM eval_columns WHERE id = $1`, task.ColumnID); err != nil {
		return fmt.Errorf("loading column: %w", err)
	}
	var pipeline models.Pipeline
	if err := e.db.GetContext(ctx, &pipeline,
		`SELECT * FROM eval_pipelines WHERE id = $1`, task.PipelineID); err != nil {
		return fmt.Errorf("loading pipeline: %w", err)
	}

	var items []models.TaskItem
	if err := e.db.SelectContext(ctx, &items,
		`SELECT * FROM eval_task_items WHERE task_id = $1 AND status = $2 ORDER BY id`,
		taskID, models.TaskItemStatusPending); err != nil {
		return fmt.Errorf("loading task items: %w", err)
	}

	sem := make(chan struct{}, e.cfg.MaxConcurrentItemsPerTask())
	var wg sync.WaitGroup
	var resultMu sync.Mutex
	completed := 0
	hadRetryable := false
	var lastErr error

	// Cancellation is cooperative: the task status is re-read between
	// item dispatches, so a cancel lands before the next item starts.
	halted := ""
	for i := range items {
		if status, stop := e.taskHalted(ctx, taskID); stop {
			halted = status
			break
		}
		item := items[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := e.executeItem(ctx, task, &column, &pipeline, &item)

			resultMu.Lock()
			defer resultMu.Unlock()
			if err == nil {
				completed++
				return
			}
			lastErr = err
			if IsRetryable(err) {
				hadRetryable = true
			}
		}()
	}
	wg.Wait()

	if err := e.tasks.UpdateProgress(ctx, taskID); err != nil {
		slog.Error("Failed to update task progress", "task_id", taskID, "error", err)
	}

	if halted != "" {
		e.tasks.Log(ctx, taskID, nil, models.LogLevelWarn, "任务已停止，剩余任务项未执行", models.JSONMap{
			"status":    halted,
			"completed": completed,
		})
		return nil
	}

	if completed > 0 {
		e.tasks.Log(ctx, taskID, nil, models.LogLevelInfo, "任务执行完成", models.JSONMap{
			"completed": completed,
			"failed":    len(items) - completed,
		})
		return e.tasks.CompleteTask(ctx, taskID, true, "")
	}

	errMessage := "all items failed"
	if lastErr != nil {
		errMessage = lastErr.Error()
	}

	// Reload for the current retry counter before deciding.
	task, err = e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if hadRetryable && task.CurrentRetry < task.MaxRetries {
		return e.tasks.ScheduleRetry(ctx, task, errMessage)
	}

	e.tasks.Log(ctx, taskID, nil, models.LogLevelError, "任务执行失败", models.JSONMap{
		"error": errMessage,
	})
	return e.tasks.CompleteTask(ctx, taskID, false, errMessage)
}

// taskHalted re-reads the task status and reports whether execution
// should stop: cancelled and paused tasks stop dispatching items.
func (e *ColumnExecutor) taskHalted(ctx context.Context, taskID int64) (string, bool) {
	var status string
	if err := e.db.GetContext(ctx, &status,
		`SELECT status FROM eval_tasks WHERE id = $1`, taskID); err != nil {
		slog.Error("Failed to poll task status", "task_id", taskID, "error", err)
		return "", false
	}
	stop := status == models.TaskStatusCancelled || status == models.TaskStatusPaused
	return status, stop
}

// executeItem evaluates one cell and records the outcome on both the
// task item and the cell.
func (e *ColumnExecutor) executeItem(ctx context.Context, task *models.Task, column *models.Column, pipeline *models.Pipeline, item *models.TaskItem) error {
	start := time.Now()

	if _, err := e.db.ExecContext(ctx,
		`UPDATE eval_task_items SET status = $1, started_at = now(), updated_at = now() WHERE id = $2`,
		models.TaskItemStatusRunning, item.ID); err != nil {
		return fmt.Errorf("marking item running: %w", err)
	}

	previous, err := e.loadPreviousData(ctx, task.ResultID, item.DatasetItemID, column.Position)
	if err != nil {
		e.failItem(ctx, item, err.Error(), start)
		return err
	}

	value, details, evalErr := e.evaluate(ctx, column, pipeline, previous)
	if evalErr != nil {
		e.failItem(ctx, item, evalErr.Error(), start)
		e.tasks.Log(ctx, task.ID, &item.ID, models.LogLevelError, "任务项执行失败", models.JSONMap{
			"cell_id": item.CellID,
			"error":   evalErr.Error(),
		})
		return evalErr
	}

	elapsed := time.Since(start).Milliseconds()
	output := models.JSONMap{"value": value, "details": details}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting item transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE eval_task_items
		 SET status = $1, output_data = $2, execution_time_ms = $3, completed_at = now(), updated_at = now()
		 WHERE id = $4`,
		models.TaskItemStatusCompleted, output, elapsed, item.ID); err != nil {
		return fmt.Errorf("completing item: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE eval_cells
		 SET status = $1, value = $2, display_value = $3, error_message = NULL, updated_at = now()
		 WHERE id = $4`,
		models.CellStatusCompleted, models.JSONMap{"value": value},
		models.JSONValue{V: value}, item.CellID); err != nil {
		return fmt.Errorf("completing cell: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing item: %w", err)
	}

	e.tasks.Log(ctx, task.ID, &item.ID, models.LogLevelInfo, "任务项执行完成", models.JSONMap{
		"cell_id":    item.CellID,
		"elapsed_ms": elapsed,
	})
	return nil
}

func (e *ColumnExecutor) failItem(ctx context.Context, item *models.TaskItem, message string, start time.Time) {
	elapsed := time.Since(start).Milliseconds()

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		slog.Error("Failed to open failure transaction", "item_id", item.ID, "error", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE eval_task_items
		 SET status = $1, error_message = $2, execution_time_ms = $3, completed_at = now(), updated_at = now()
		 WHERE id = $4`,
		models.TaskItemStatusFailed, message, elapsed, item.ID); err != nil {
		slog.Error("Failed to mark item failed", "item_id", item.ID, "error", err)
		return
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE eval_cells
		 SET status = $1, error_message = $2, display_value = $3, updated_at = now()
		 WHERE id = $4`,
		models.CellStatusFailed, message,
		models.JSONValue{V: map[string]any{"value": message}}, item.CellID); err != nil {
		slog.Error("Failed to mark cell failed", "cell_id", item.CellID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		slog.Error("Failed to commit item failure", "item_id", item.ID, "error", err)
	}
}

// loadPreviousData merges the completed cells of earlier columns for
// the same (result, dataset item). The dataset_variable cell merges its
// whole variable map; other columns contribute {name: value}.
func (e *ColumnExecutor) loadPreviousData(ctx context.Context, resultID, datasetItemID int64, position int) (map[string]any, error) {
	rows, err := e.db.QueryxContext(ctx,
		`SELECT col.name, col.column_type, c.value
		 FROM eval_cells c
		 JOIN eval_columns col ON col.id = c.eval_column_id
		 WHERE c.result_id = $1 AND c.dataset_item_id = $2
		   AND col.position < $3 AND c.status = $4
		 ORDER BY col.position`,
		resultID, datasetItemID, position, models.CellStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("loading previous cells: %w", err)
	}
	defer rows.Close()

	previous := map[string]any{}
	for rows.Next() {
		var name, columnType string
		var value models.JSONMap
		if err := rows.Scan(&name, &columnType, &value); err != nil {
			return nil, fmt.Errorf("scanning previous cell: %w", err)
		}
		if columnType == models.ColumnTypeDatasetVariable {
			for k, v := range value {
				previous[k] = v
			}
		} else {
			previous[name] = value["value"]
		}
	}
	return previous, rows.Err()
}

// evaluate dispatches a column evaluation against the merged previous
// data and returns the produced cell value.
func (e *ColumnExecutor) evaluate(ctx context.Context, column *models.Column, pipeline *models.Pipeline, previous map[string]any) (any, map[string]any, error) {
	cfg := map[string]any{}
	for k, v := range column.Config {
		cfg[k] = v
	}

	switch column.ColumnType {
	case models.ColumnTypePromptTemplate:
		return e.evaluatePromptTemplate(ctx, cfg, pipeline, previous)

	case models.ColumnTypeExactMulti, "exact_multi_match":
		cfg["variables"] = previous
		outcome, err := e.engine.Evaluate(ctx, models.ColumnTypeExactMulti, "", "", cfg)
		if err != nil {
			return nil, nil, NonRetryable(err)
		}
		return outcome.Value, outcome.Details, nil

	case models.ColumnTypeLLMAssertion:
		cfg["project_id"] = float64(pipeline.ProjectID)
		output, expected := referenceValues(cfg, previous)
		outcome, err := e.engine.Evaluate(ctx, column.ColumnType, output, expected, cfg)
		if err != nil {
			return nil, nil, ClassifyProviderError(err)
		}
		return outcome.Value, outcome.Details, nil

	default:
		output, expected := referenceValues(cfg, previous)
		outcome, err := e.engine.Evaluate(ctx, column.ColumnType, output, expected, cfg)
		if err != nil {
			return nil, nil, NonRetryable(err)
		}
		return outcome.Value, outcome.Details, nil
	}
}

func (e *ColumnExecutor) evaluatePromptTemplate(ctx context.Context, cfg map[string]any, pipeline *models.Pipeline, previous map[string]any) (any, map[string]any, error) {
	promptID, ok := numericValue(cfg["prompt_id"])
	if !ok {
		return nil, nil, NonRetryablef("prompt_template 列缺少 prompt_id 配置")
	}

	variables := applyVariableMappings(cfg, previous)

	result, err := e.invoker.Invoke(ctx, llm.InvokeRequest{
		ProjectID: pipeline.ProjectID,
		PromptID:  promptID,
		Variables: variables,
		Source:    "evaluation",
	})
	if err != nil {
		return nil, nil, ClassifyProviderError(err)
	}

	return result.Output, map[string]any{
		"tokens":            result.Tokens,
		"execution_time_ms": result.ExecutionTimeMS,
		"version_id":        result.VersionID,
	}, nil
}

// referenceValues resolves the strategy's input and expectation from the
// merged previous data: reference_column names the produced output,
// expected_column (or expected_value) names the expectation.
func referenceValues(cfg map[string]any, previous map[string]any) (output, expected string) {
	if ref, ok := cfg["reference_column"].(string); ok && ref != "" {
		output = stringifyValue(previous[ref])
	}
	if exp, ok := cfg["expected_column"].(string); ok && exp != "" {
		expected = stringifyValue(previous[exp])
	} else if exp, ok := cfg["expected_value"]; ok {
		expected = stringifyValue(exp)
	}
	return output, expected
}

// applyVariableMappings renames previous-data keys per the column's
// variable_mappings ({prompt variable: source column}) and otherwise
// passes the merged data through.
func applyVariableMappings(cfg map[string]any, previous map[string]any) map[string]any {
	variables := map[string]any{}
	for k, v := range previous {
		variables[k] = v
	}
	mappings, _ := cfg["variable_mappings"].(map[string]any)
	for target, source := range mappings {
		if sourceName, ok := source.(string); ok {
			if v, exists := previous[sourceName]; exists {
				variables[target] = v
			}
		}
	}
	return variables
}

func numericValue(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func stringifyValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
