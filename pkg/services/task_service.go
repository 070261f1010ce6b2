package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/prompthub/evalengine/pkg/config"
	"github.com/prompthub/evalengine/pkg/models"
)

// TaskService manages the column-task lifecycle: creation, state
// transitions, retry bookkeeping, progress, logging, and the rollup of
// result statistics once the final column finishes.
type TaskService struct {
	db  *sqlx.DB
	cfg *config.Store
}

// NewTaskService creates the service.
func NewTaskService(db *sqlx.DB, cfg *config.Store) *TaskService {
	return &TaskService{db: db, cfg: cfg}
}

// GetTask loads a task by id.
func (s *TaskService) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var t models.Task
	err := s.db.GetContext(ctx, &t, `SELECT * FROM eval_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}
	return &t, nil
}

// CreateTaskForColumn creates a column task over the result's cells for
// that column. Rejected with ErrTaskAlreadyActive while a previous task
// for the same (result, column) is still live, and with ErrInvalidInput
// when there are no cells to evaluate.
func (s *TaskService) CreateTaskForColumn(ctx context.Context, resultID, columnID, userID int64) (*models.Task, error) {
	var active int
	err := s.db.GetContext(ctx, &active,
		`SELECT COUNT(*) FROM eval_tasks
		 WHERE result_id = $1 AND column_id = $2 AND status IN ($3, $4, $5)`,
		resultID, columnID,
		models.TaskStatusPending, models.TaskStatusRunning, models.TaskStatusRetrying)
	if err != nil {
		return nil, fmt.Errorf("checking active tasks: %w", err)
	}
	if active > 0 {
		return nil, ErrTaskAlreadyActive
	}

	var column models.Column
	err = s.db.GetContext(ctx, &column, `SELECT * FROM eval_columns WHERE id = $1`, columnID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading column: %w", err)
	}

	var cells []models.Cell
	err = s.db.SelectContext(ctx, &cells,
		`SELECT * FROM eval_cells
		 WHERE result_id = $1 AND eval_column_id = $2 AND status = $3`,
		resultID, columnID, models.CellStatusNew)
	if err != nil {
		return nil, fmt.Errorf("loading cells: %w", err)
	}
	if len(cells) == 0 {
		return nil, fmt.Errorf("%w: no cells to evaluate", ErrInvalidInput)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var t models.Task
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO eval_tasks
		 (pipeline_id, result_id, column_id, user_id, task_type, status, priority, total_items)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING *`,
		column.PipelineID, resultID, columnID, userID, models.TaskTypeColumnEvaluation,
		models.TaskStatusPending, column.Position, len(cells),
	).StructScan(&t)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO eval_task_items (task_id, cell_id, dataset_item_id, status, input_data)
		 SELECT $1, c.id, c.dataset_item_id, $2,
		        jsonb_build_object('variables', di.variables_values)
		 FROM eval_cells c
		 JOIN dataset_items di ON di.id = c.dataset_item_id
		 WHERE c.result_id = $3 AND c.eval_column_id = $4 AND c.status = $5`,
		t.ID, models.TaskItemStatusPending, resultID, columnID, models.CellStatusNew); err != nil {
		return nil, fmt.Errorf("creating task items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing task: %w", err)
	}

	slog.Info("Column task created", "task_id", t.ID, "column_id", columnID, "items", len(cells))
	return &t, nil
}

// StartTask transitions a pending or retrying task to running.
func (s *TaskService) StartTask(ctx context.Context, taskID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE eval_tasks SET status = $1, started_at = now(), updated_at = now()
		 WHERE id = $2 AND status IN ($3, $4)`,
		models.TaskStatusRunning, taskID, models.TaskStatusPending, models.TaskStatusRetrying)
	if err != nil {
		return fmt.Errorf("starting task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: task %d is not startable", ErrInvalidInput, taskID)
	}
	return nil
}

// PauseTask pauses a pending or running task.
func (s *TaskService) PauseTask(ctx context.Context, taskID int64) error {
	return s.transition(ctx, taskID, models.TaskStatusPaused,
		models.TaskStatusPending, models.TaskStatusRunning)
}

// ResumeTask moves a paused task back to pending.
func (s *TaskService) ResumeTask(ctx context.Context, taskID int64) error {
	return s.transition(ctx, taskID, models.TaskStatusPending, models.TaskStatusPaused)
}

// CancelTask cancels any non-terminal task.
func (s *TaskService) CancelTask(ctx context.Context, taskID int64) error {
	return s.transition(ctx, taskID, models.TaskStatusCancelled,
		models.TaskStatusPending, models.TaskStatusRunning,
		models.TaskStatusPaused, models.TaskStatusRetrying)
}

func (s *TaskService) transition(ctx context.Context, taskID int64, to string, from ...string) error {
	query, args, err := sqlx.In(
		`UPDATE eval_tasks SET status = ?, updated_at = now() WHERE id = ? AND status IN (?)`,
		to, taskID, from)
	if err != nil {
		return fmt.Errorf("building transition query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("transitioning task to %s: %w", to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: task %d cannot move to %s", ErrInvalidInput, taskID, to)
	}
	return nil
}

// CompleteTask finishes a task. A task that produced at least one
// successful item completes; otherwise it fails with errMessage.
func (s *TaskService) CompleteTask(ctx context.Context, taskID int64, success bool, errMessage string) error {
	status := models.TaskStatusCompleted
	var msg *string
	if !success {
		status = models.TaskStatusFailed
		if errMessage != "" {
			msg = &errMessage
		}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE eval_tasks
		 SET status = $1, error_message = $2, completed_at = now(), updated_at = now()
		 WHERE id = $3`, status, msg, taskID)
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}

	if err := s.maybeUpdateResultStats(ctx, taskID); err != nil {
		slog.Error("Result stats rollup failed", "task_id", taskID, "error", err)
	}
	return nil
}

// ScheduleRetry moves a failed-but-retryable task to retrying, bumping
// the retry counter and computing next_retry_at from the configured
// delay table (clamped to its last entry).
func (s *TaskService) ScheduleRetry(ctx context.Context, task *models.Task, errMessage string) error {
	delays := s.cfg.RetryDelays()
	idx := task.CurrentRetry
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	delay := time.Duration(delays[idx]) * time.Second
	nextRetry := time.Now().Add(delay)

	var msg *string
	if errMessage != "" {
		msg = &errMessage
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE eval_tasks
		 SET status = $1, current_retry = current_retry + 1, next_retry_at = $2,
		     error_message = $3, updated_at = now()
		 WHERE id = $4`,
		models.TaskStatusRetrying, nextRetry, msg, task.ID)
	if err != nil {
		return fmt.Errorf("scheduling retry: %w", err)
	}

	slog.Info("Task retry scheduled",
		"task_id", task.ID, "retry", task.CurrentRetry+1, "delay", delay)
	return nil
}

// RetryTask manually re-arms a failed task that still has retry budget.
// The scheduler picks it up once next_retry_at elapses.
func (s *TaskService) RetryTask(ctx context.Context, taskID int64) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.CanRetry() {
		return fmt.Errorf("%w: task %d cannot retry (status %s, retry %d/%d)",
			ErrInvalidInput, taskID, task.Status, task.CurrentRetry, task.MaxRetries)
	}
	return s.ScheduleRetry(ctx, task, "")
}

// ResetFailedItems returns a retrying task's failed items to pending,
// incrementing their retry counters.
func (s *TaskService) ResetFailedItems(ctx context.Context, taskID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE eval_task_items
		 SET status = $1, retry_count = retry_count + 1, error_message = NULL, updated_at = now()
		 WHERE task_id = $2 AND status = $3`,
		models.TaskItemStatusPending, taskID, models.TaskItemStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("resetting failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpdateProgress recomputes the task's completed and failed item counts.
func (s *TaskService) UpdateProgress(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE eval_tasks SET
		   completed_items = (SELECT COUNT(*) FROM eval_task_items
		                      WHERE task_id = $1 AND status = $2),
		   failed_items = (SELECT COUNT(*) FROM eval_task_items
		                   WHERE task_id = $1 AND status = $3),
		   updated_at = now()
		 WHERE id = $1`,
		taskID, models.TaskItemStatusCompleted, models.TaskItemStatusFailed)
	if err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	return nil
}

// TaskProgress is a progress report for one task.
type TaskProgress struct {
	TaskID             int64    `json:"task_id"`
	Status             string   `json:"status"`
	TotalItems         int      `json:"total_items"`
	CompletedItems     int      `json:"completed_items"`
	FailedItems        int      `json:"failed_items"`
	ProgressPercent    float64  `json:"progress_percent"`
	EstimatedRemaining *float64 `json:"estimated_remaining_seconds,omitempty"`
}

// GetProgress reports task progress with a naive ETA from the average
// per-item elapsed time so far.
func (s *TaskService) GetProgress(ctx context.Context, taskID int64) (*TaskProgress, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	p := &TaskProgress{
		TaskID:          task.ID,
		Status:          task.Status,
		TotalItems:      task.TotalItems,
		CompletedItems:  task.CompletedItems,
		FailedItems:     task.FailedItems,
		ProgressPercent: task.ProgressPercentage(),
	}

	finished := task.CompletedItems + task.FailedItems
	if task.StartedAt != nil && finished > 0 && finished < task.TotalItems {
		elapsed := time.Since(*task.StartedAt).Seconds()
		perItem := elapsed / float64(finished)
		remaining := perItem * float64(task.TotalItems-finished)
		p.EstimatedRemaining = &remaining
	}
	return p, nil
}

// Log writes a task log line. itemID may be nil for task-level entries.
func (s *TaskService) Log(ctx context.Context, taskID int64, itemID *int64, level, message string, details models.JSONMap) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO eval_task_logs (task_id, task_item_id, level, message, details)
		 VALUES ($1, $2, $3, $4, $5)`,
		taskID, itemID, level, message, details)
	if err != nil {
		slog.Error("Failed to write task log", "task_id", taskID, "error", err)
	}
}

// CleanupCompletedTasks deletes completed and cancelled tasks (plus
// their items and logs) older than the cutoff.
func (s *TaskService) CleanupCompletedTasks(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM eval_task_logs WHERE task_id IN (
		   SELECT id FROM eval_tasks WHERE status IN ($1, $2) AND completed_at < $3)`,
		models.TaskStatusCompleted, models.TaskStatusCancelled, cutoff); err != nil {
		return 0, fmt.Errorf("deleting task logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM eval_task_items WHERE task_id IN (
		   SELECT id FROM eval_tasks WHERE status IN ($1, $2) AND completed_at < $3)`,
		models.TaskStatusCompleted, models.TaskStatusCancelled, cutoff); err != nil {
		return 0, fmt.Errorf("deleting task items: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM eval_tasks WHERE status IN ($1, $2) AND completed_at < $3`,
		models.TaskStatusCompleted, models.TaskStatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneLogs deletes task logs older than the retention window,
// regardless of task state.
func (s *TaskService) PruneLogs(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM eval_task_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// maybeUpdateResultStats rolls the result statistics up once the last
// executable non-static column has no live tasks left. Cells count as
// passed when their stored value is truthy.
func (s *TaskService) maybeUpdateResultStats(ctx context.Context, taskID int64) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	// The verdict column is the highest-position executable column that
	// is not static_value.
	var lastColumnID int64
	err = s.db.GetContext(ctx, &lastColumnID,
		`SELECT id FROM eval_columns
		 WHERE pipeline_id = $1
		   AND column_type NOT IN ($2, $3, $4)
		 ORDER BY position DESC LIMIT 1`,
		task.PipelineID,
		models.ColumnTypeDatasetVariable, models.ColumnTypeHumanInput, models.ColumnTypeStaticValue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding verdict column: %w", err)
	}
	if task.ColumnID != lastColumnID {
		return nil
	}

	// Any non-terminal task of the result, for any column, defers the
	// rollup; an earlier column may still be producing cells.
	var live int
	err = s.db.GetContext(ctx, &live,
		`SELECT COUNT(*) FROM eval_tasks
		 WHERE result_id = $1 AND status IN ($2, $3, $4, $5)`,
		task.ResultID,
		models.TaskStatusPending, models.TaskStatusRunning,
		models.TaskStatusRetrying, models.TaskStatusPaused)
	if err != nil {
		return fmt.Errorf("counting live tasks: %w", err)
	}
	if live > 0 {
		return nil
	}

	var cells []models.Cell
	err = s.db.SelectContext(ctx, &cells,
		`SELECT * FROM eval_cells
		 WHERE result_id = $1 AND eval_column_id = $2 AND status = $3`,
		task.ResultID, lastColumnID, models.CellStatusCompleted)
	if err != nil {
		return fmt.Errorf("loading verdict cells: %w", err)
	}

	var total int
	err = s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM eval_cells WHERE result_id = $1 AND eval_column_id = $2`,
		task.ResultID, lastColumnID)
	if err != nil {
		return fmt.Errorf("counting verdict cells: %w", err)
	}

	passed := 0
	for _, cell := range cells {
		if models.TruthyCellValue(cell.Value["value"]) {
			passed++
		}
	}
	failed := total - passed
	successRate := 0.0
	if total > 0 {
		successRate = float64(passed) / float64(total)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE eval_results
		 SET total_count = $1, passed_count = $2, failed_count = $3,
		     success_rate = $4, status = $5, updated_at = now()
		 WHERE id = $6`,
		total, passed, failed, successRate, models.ResultStatusCompleted, task.ResultID)
	if err != nil {
		return fmt.Errorf("updating result stats: %w", err)
	}

	slog.Info("Result statistics updated",
		"result_id", task.ResultID, "total", total, "passed", passed, "failed", failed)
	return nil
}
