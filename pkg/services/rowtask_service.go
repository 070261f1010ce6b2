package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/jmoiron/sqlx"

	"github.com/prompthub/evalengine/pkg/models"
)

// BatchScheduler dispatches a row-task batch immediately, outside the
// regular scheduling tick. Implemented by the scheduler.
type BatchScheduler interface {
	ForceScheduleRowBatch(ctx context.Context, resultID int64, itemIDs []int64) error
}

// RowTaskService manages row-mode tasks: creation, batch kickoff,
// progress, and result statistics.
type RowTaskService struct {
	db *sqlx.DB
}

// NewRowTaskService creates the service.
func NewRowTaskService(db *sqlx.DB) *RowTaskService {
	return &RowTaskService{db: db}
}

// CreateRowTasks ensures one row task per enabled dataset item of the
// result's pipeline (or per explicitly selected item). Existing
// (result, item) tasks are left untouched. Returns the number created.
func (s *RowTaskService) CreateRowTasks(ctx context.Context, resultID int64, itemIDs []int64) (int64, error) {
	var datasetID int64
	err := s.db.GetContext(ctx, &datasetID,
		`SELECT p.dataset_id FROM eval_results r
		 JOIN eval_pipelines p ON p.id = r.pipeline_id
		 WHERE r.id = $1`, resultID)
	if err != nil {
		return 0, fmt.Errorf("resolving dataset for result %d: %w", resultID, err)
	}

	var items []models.DatasetItem
	if len(itemIDs) > 0 {
		query, args, err := sqlx.In(
			`SELECT * FROM dataset_items
			 WHERE dataset_id = ? AND is_enabled = TRUE AND id IN (?)`,
			datasetID, itemIDs)
		if err != nil {
			return 0, fmt.Errorf("building item query: %w", err)
		}
		if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
			return 0, fmt.Errorf("loading selected items: %w", err)
		}
	} else {
		err := s.db.SelectContext(ctx, &items,
			`SELECT * FROM dataset_items WHERE dataset_id = $1 AND is_enabled = TRUE`, datasetID)
		if err != nil {
			return 0, fmt.Errorf("loading enabled items: %w", err)
		}
	}
	if len(items) == 0 {
		return 0, ErrNoEnabledItems
	}

	var created int64
	for _, item := range items {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO eval_result_row_tasks
			 (result_id, dataset_item_id, status, execution_variables)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (result_id, dataset_item_id) DO NOTHING`,
			resultID, item.ID, models.RowTaskStatusPending, item.VariablesValues)
		if err != nil {
			return created, fmt.Errorf("creating row task for item %d: %w", item.ID, err)
		}
		n, _ := res.RowsAffected()
		created += n
	}

	slog.Info("Row tasks created", "result_id", resultID, "created", created, "items", len(items))
	return created, nil
}

// ExecuteBatch ensures row tasks exist, marks the result running, and
// hands the batch to the scheduler. A scheduling rejection flips the
// result to failed.
func (s *RowTaskService) ExecuteBatch(ctx context.Context, sched BatchScheduler, resultID int64, itemIDs []int64) error {
	if _, err := s.CreateRowTasks(ctx, resultID, itemIDs); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE eval_results SET status = $1, updated_at = now() WHERE id = $2`,
		models.ResultStatusRunning, resultID); err != nil {
		return fmt.Errorf("marking result running: %w", err)
	}

	if err := sched.ForceScheduleRowBatch(ctx, resultID, itemIDs); err != nil {
		if _, uerr := s.db.ExecContext(ctx,
			`UPDATE eval_results SET status = $1, updated_at = now() WHERE id = $2`,
			models.ResultStatusFailed, resultID); uerr != nil {
			slog.Error("Failed to mark result failed", "result_id", resultID, "error", uerr)
		}
		return err
	}
	return nil
}

// RowTaskProgress is a batch progress report.
type RowTaskProgress struct {
	Total           int `json:"total"`
	Pending         int `json:"pending"`
	Running         int `json:"running"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	ProgressPercent int `json:"progress_percent"`
}

// GetProgress reports row-task counts for a result.
func (s *RowTaskService) GetProgress(ctx context.Context, resultID int64) (*RowTaskProgress, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM eval_result_row_tasks
		 WHERE result_id = $1 GROUP BY status`, resultID)
	if err != nil {
		return nil, fmt.Errorf("loading row task progress: %w", err)
	}
	defer rows.Close()

	p := &RowTaskProgress{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning progress row: %w", err)
		}
		p.Total += count
		switch status {
		case models.RowTaskStatusPending:
			p.Pending = count
		case models.RowTaskStatusRunning:
			p.Running = count
		case models.RowTaskStatusCompleted:
			p.Completed = count
		case models.RowTaskStatusFailed:
			p.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating progress rows: %w", err)
	}

	if p.Total > 0 {
		p.ProgressPercent = (p.Completed + p.Failed) * 100 / p.Total
	}
	return p, nil
}

// ExecutionStats are the verdict counts of a result's row tasks.
type ExecutionStats struct {
	Total       int     `json:"total"`
	Passed      int     `json:"passed"`
	Unpassed    int     `json:"unpassed"`
	Failed      int     `json:"failed"`
	Completed   int     `json:"completed"`
	Pending     int     `json:"pending"`
	Running     int     `json:"running"`
	SuccessRate float64 `json:"success_rate"`
}

// GetExecutionStats aggregates the verdicts of a result's row tasks.
// The success rate counts rows that reached a verdict (passed or
// unpassed) over all rows, rounded to two decimals.
func (s *RowTaskService) GetExecutionStats(ctx context.Context, resultID int64) (*ExecutionStats, error) {
	var tasks []models.RowTask
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM eval_result_row_tasks WHERE result_id = $1`, resultID)
	if err != nil {
		return nil, fmt.Errorf("loading row tasks: %w", err)
	}

	stats := &ExecutionStats{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case models.RowTaskStatusPending:
			stats.Pending++
		case models.RowTaskStatusRunning:
			stats.Running++
		case models.RowTaskStatusCompleted:
			stats.Completed++
		case models.RowTaskStatusFailed:
			stats.Failed++
		}
		if t.RowResult == nil {
			continue
		}
		switch *t.RowResult {
		case models.RowResultPassed:
			stats.Passed++
		case models.RowResultUnpassed:
			stats.Unpassed++
		case models.RowResultFailed:
			// Already counted via status failed for unfinished rows;
			// completed-with-failure rows land here.
			if t.Status != models.RowTaskStatusFailed {
				stats.Failed++
			}
		}
	}

	if stats.Total > 0 {
		rate := float64(stats.Passed+stats.Unpassed) / float64(stats.Total)
		stats.SuccessRate = math.Round(rate*100) / 100
	}
	return stats, nil
}

// UpdateResultStats writes the row-task verdict counts onto the result.
// The result completes once every row has finished.
func (s *RowTaskService) UpdateResultStats(ctx context.Context, resultID int64) error {
	stats, err := s.GetExecutionStats(ctx, resultID)
	if err != nil {
		return err
	}

	status := models.ResultStatusRunning
	if stats.Pending == 0 && stats.Running == 0 && stats.Total > 0 {
		status = models.ResultStatusCompleted
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE eval_results
		 SET total_count = $1, passed_count = $2, unpassed_count = $3, failed_count = $4,
		     success_rate = $5, status = $6, updated_at = now()
		 WHERE id = $7`,
		stats.Total, stats.Passed, stats.Unpassed, stats.Failed,
		stats.SuccessRate, status, resultID)
	if err != nil {
		return fmt.Errorf("updating result stats: %w", err)
	}
	return nil
}
