// Package scheduler runs the periodic dispatch loop: it picks pending
// column tasks and row batches up to the concurrency budget, re-arms
// tasks whose retry delay has elapsed, and sweeps hung tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/prompthub/evalengine/pkg/config"
	"github.com/prompthub/evalengine/pkg/models"
)

// ColumnRunner executes one column task end to end.
type ColumnRunner interface {
	ExecuteTask(ctx context.Context, taskID int64) error
}

// RowBatchRunner executes the pending row tasks of one result.
type RowBatchRunner interface {
	ExecuteBatch(ctx context.Context, resultID int64, itemIDs []int64) error
}

const (
	errorBackoff = 10 * time.Second

	// A running task without a log line for this long is considered hung
	// even before its overall timeout trips.
	logStaleness = 5 * time.Minute
)

// Scheduler is the unified dispatch loop. One instance runs per
// process; the active-key registry caps in-flight work.
type Scheduler struct {
	db      *sqlx.DB
	cfg     *config.Store
	columns ColumnRunner
	rows    RowBatchRunner

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	active  map[string]struct{}
	paused  bool
	started bool

	// Depths observed on the last tick, for Status reporting.
	pendingColumnTasks int
	pendingRowTasks    int
}

// New creates a scheduler.
func New(db *sqlx.DB, cfg *config.Store, columns ColumnRunner, rows RowBatchRunner) *Scheduler {
	return &Scheduler{
		db:      db,
		cfg:     cfg,
		columns: columns,
		rows:    rows,
		stopCh:  make(chan struct{}),
		active:  map[string]struct{}{},
	}
}

func columnKey(taskID int64) string { return fmt.Sprintf("column_task:%d", taskID) }

func rowBatchKey(resultID int64) string { return fmt.Sprintf("row_batch:%d", resultID) }

// Start launches the dispatch loop. Safe to call once; duplicate calls
// are ignored.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		slog.Warn("Scheduler already started, ignoring duplicate Start call")
		return
	}
	s.started = true
	s.mu.Unlock()

	slog.Info("Starting scheduler",
		"interval_seconds", s.cfg.SchedulerIntervalSeconds(),
		"max_concurrent_tasks", s.cfg.MaxConcurrentTasks())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop signals the loop to exit and waits for in-flight dispatch
// goroutines to finish.
func (s *Scheduler) Stop() {
	slog.Info("Stopping scheduler")
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	interval := time.Duration(s.cfg.SchedulerIntervalSeconds()) * time.Second
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
		}

		next := interval
		if err := s.Tick(ctx); err != nil {
			slog.Error("Scheduler tick failed", "error", err)
			next = errorBackoff
		}
		// Re-read the interval so config updates take effect without a
		// restart.
		if d := time.Duration(s.cfg.SchedulerIntervalSeconds()) * time.Second; d > 0 && next == interval {
			next = d
			interval = d
		}
		timer.Reset(next)
	}
}

// Tick runs one scheduling pass: timeout sweep, retry re-arm, then
// pending dispatch up to the free capacity.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return nil
	}

	if err := s.sweepTimeouts(ctx); err != nil {
		return fmt.Errorf("timeout sweep: %w", err)
	}
	if err := s.dispatchRetries(ctx); err != nil {
		return fmt.Errorf("retry dispatch: %w", err)
	}
	if err := s.refreshDepths(ctx); err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	return s.dispatchPending(ctx)
}

func (s *Scheduler) refreshDepths(ctx context.Context) error {
	var columns, rows int
	if err := s.db.GetContext(ctx, &columns,
		`SELECT COUNT(*) FROM eval_tasks WHERE status = $1`,
		models.TaskStatusPending); err != nil {
		return fmt.Errorf("counting pending tasks: %w", err)
	}
	if err := s.db.GetContext(ctx, &rows,
		`SELECT COUNT(*) FROM eval_result_row_tasks WHERE status = $1`,
		models.RowTaskStatusPending); err != nil {
		return fmt.Errorf("counting pending row tasks: %w", err)
	}
	s.mu.Lock()
	s.pendingColumnTasks = columns
	s.pendingRowTasks = rows
	s.mu.Unlock()
	return nil
}

// Pause stops dispatching new work. Running work is unaffected.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		slog.Info("Scheduler paused")
	}
}

// Resume re-enables dispatching.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		slog.Info("Scheduler resumed")
	}
}

// Status is a snapshot of the scheduler state. Queue depths are the
// pending counts observed on the last tick.
type Status struct {
	Paused             bool     `json:"paused"`
	ActiveKeys         []string `json:"active_keys"`
	Capacity           int      `json:"capacity"`
	Available          int      `json:"available"`
	PendingColumnTasks int      `json:"pending_column_tasks"`
	PendingRowTasks    int      `json:"pending_row_tasks"`
}

// GetStatus reports the current dispatch state.
func (s *Scheduler) GetStatus() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.active))
	for k := range s.active {
		keys = append(keys, k)
	}
	capacity := s.cfg.MaxConcurrentTasks()
	available := capacity - len(keys)
	if available < 0 {
		available = 0
	}
	return &Status{
		Paused:             s.paused,
		ActiveKeys:         keys,
		Capacity:           capacity,
		Available:          available,
		PendingColumnTasks: s.pendingColumnTasks,
		PendingRowTasks:    s.pendingRowTasks,
	}
}

// claim reserves an active key if capacity allows. Returns false when
// the key is already live or the budget is exhausted.
func (s *Scheduler) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[key]; ok {
		return false
	}
	if len(s.active) >= s.cfg.MaxConcurrentTasks() {
		return false
	}
	s.active[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)
}

func (s *Scheduler) freeCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := s.cfg.MaxConcurrentTasks() - len(s.active)
	if free < 0 {
		free = 0
	}
	return free
}

// dispatchPending picks runnable work up to the free capacity, split
// evenly between column tasks and row batches so neither kind starves
// the other. One task per result at a time.
func (s *Scheduler) dispatchPending(ctx context.Context) error {
	free := s.freeCapacity()
	if free == 0 {
		return nil
	}
	perKind := free/2 + free%2

	if err := s.dispatchColumnTasks(ctx, perKind); err != nil {
		return err
	}
	return s.dispatchRowBatches(ctx, perKind)
}

func (s *Scheduler) dispatchColumnTasks(ctx context.Context, limit int) error {
	if limit <= 0 {
		return nil
	}
	// Within one result the lowest-priority (earliest-position) column
	// runs first so later columns see its cells; across results the
	// highest-priority winner goes first.
	var taskIDs []int64
	err := s.db.SelectContext(ctx, &taskIDs,
		`SELECT id FROM (
		     SELECT id, priority, result_id,
		            ROW_NUMBER() OVER (PARTITION BY result_id ORDER BY priority, id) AS rn
		     FROM eval_tasks WHERE status = $1
		 ) ranked
		 WHERE rn = 1
		 ORDER BY priority DESC, result_id
		 LIMIT $2`,
		models.TaskStatusPending, limit)
	if err != nil {
		return fmt.Errorf("loading pending tasks: %w", err)
	}

	for _, id := range taskIDs {
		s.launchColumnTask(ctx, id)
	}
	return nil
}

func (s *Scheduler) launchColumnTask(ctx context.Context, taskID int64) {
	key := columnKey(taskID)
	if !s.claim(key) {
		return
	}
	slog.Info("Dispatching column task", "task_id", taskID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(key)
		if err := s.columns.ExecuteTask(ctx, taskID); err != nil {
			slog.Error("Column task execution failed", "task_id", taskID, "error", err)
		}
	}()
}

func (s *Scheduler) dispatchRowBatches(ctx context.Context, limit int) error {
	if limit <= 0 {
		return nil
	}
	var resultIDs []int64
	err := s.db.SelectContext(ctx, &resultIDs,
		`SELECT DISTINCT result_id FROM eval_result_row_tasks
		 WHERE status = $1 ORDER BY result_id LIMIT $2`,
		models.RowTaskStatusPending, limit)
	if err != nil {
		return fmt.Errorf("loading pending row batches: %w", err)
	}

	for _, resultID := range resultIDs {
		s.launchRowBatch(ctx, resultID, nil)
	}
	return nil
}

func (s *Scheduler) launchRowBatch(ctx context.Context, resultID int64, itemIDs []int64) bool {
	key := rowBatchKey(resultID)
	if !s.claim(key) {
		return false
	}
	slog.Info("Dispatching row batch", "result_id", resultID, "items", len(itemIDs))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(key)
		if err := s.rows.ExecuteBatch(ctx, resultID, itemIDs); err != nil {
			slog.Error("Row batch execution failed", "result_id", resultID, "error", err)
		}
	}()
	return true
}

// ErrBatchRejected reports that a forced batch could not be dispatched:
// the batch is already live, the budget is exhausted, or the scheduler
// is paused.
var ErrBatchRejected = errors.New("row batch cannot be scheduled")

// ForceScheduleRowBatch dispatches a row batch immediately, bypassing
// the tick.
func (s *Scheduler) ForceScheduleRowBatch(ctx context.Context, resultID int64, itemIDs []int64) error {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return fmt.Errorf("%w: scheduler is paused", ErrBatchRejected)
	}
	if !s.launchRowBatch(ctx, resultID, itemIDs) {
		return fmt.Errorf("%w: result %d already running or at capacity", ErrBatchRejected, resultID)
	}
	return nil
}

// dispatchRetries re-arms tasks whose retry delay has elapsed: failed
// items go back to pending, then the task is launched again.
func (s *Scheduler) dispatchRetries(ctx context.Context) error {
	var tasks []models.Task
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM eval_tasks
		 WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
		 ORDER BY priority DESC, next_retry_at`,
		models.TaskStatusRetrying)
	if err != nil {
		return fmt.Errorf("loading retryable tasks: %w", err)
	}

	for _, task := range tasks {
		if s.freeCapacity() == 0 {
			return nil
		}
		reset, err := s.resetFailedItems(ctx, task.ID)
		if err != nil {
			slog.Error("Failed to reset items for retry", "task_id", task.ID, "error", err)
			continue
		}
		slog.Info("Retrying column task",
			"task_id", task.ID, "retry", task.CurrentRetry, "items_reset", reset)
		s.launchColumnTask(ctx, task.ID)
	}
	return nil
}

func (s *Scheduler) resetFailedItems(ctx context.Context, taskID int64) (int64, error) {
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

// sweepTimeouts fails running tasks that exceeded the configured
// timeout and have gone quiet (no log activity recently). A chatty
// long-running task is left alone.
func (s *Scheduler) sweepTimeouts(ctx context.Context) error {
	timeout := s.cfg.TaskTimeoutMinutes()
	deadline := time.Now().Add(-time.Duration(timeout) * time.Minute)
	quietSince := time.Now().Add(-logStaleness)

	var tasks []models.Task
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT t.* FROM eval_tasks t
		 WHERE t.status = $1 AND t.started_at IS NOT NULL AND t.started_at < $2
		   AND NOT EXISTS (
		       SELECT 1 FROM eval_task_logs l
		       WHERE l.task_id = t.id AND l.created_at > $3
		   )`,
		models.TaskStatusRunning, deadline, quietSince)
	if err != nil {
		return fmt.Errorf("loading timed out tasks: %w", err)
	}

	for _, task := range tasks {
		message := fmt.Sprintf("任务执行超时（超过 %d 分钟）", timeout)
		slog.Warn("Task timed out", "task_id", task.ID, "started_at", task.StartedAt)

		if _, err := s.db.ExecContext(ctx,
			`UPDATE eval_tasks
			 SET status = $1, error_message = $2, completed_at = now(), updated_at = now()
			 WHERE id = $3 AND status = $4`,
			models.TaskStatusFailed, message, task.ID, models.TaskStatusRunning); err != nil {
			slog.Error("Failed to mark task timed out", "task_id", task.ID, "error", err)
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE eval_task_items
			 SET status = $1, error_message = $2, updated_at = now()
			 WHERE task_id = $3 AND status = $4`,
			models.TaskItemStatusFailed, message, task.ID, models.TaskItemStatusRunning); err != nil {
			slog.Error("Failed to fail running items of timed out task", "task_id", task.ID, "error", err)
		}
		s.release(columnKey(task.ID))
	}
	return nil
}

// CleanupStartupOrphans resets work left running by a dead process:
// really-stuck tasks and row tasks go back to pending so the loop picks
// them up again. Called once at startup, before the scheduler starts.
// A running task with recent log activity belongs to a live replica and
// is left alone; row tasks use their updated_at as the liveness signal.
func CleanupStartupOrphans(ctx context.Context, db *sqlx.DB) error {
	quietSince := time.Now().Add(-logStaleness)

	var taskIDs []int64
	if err := db.SelectContext(ctx, &taskIDs,
		`SELECT t.id FROM eval_tasks t
		 WHERE t.status = $1
		   AND NOT EXISTS (
		       SELECT 1 FROM eval_task_logs l
		       WHERE l.task_id = t.id AND l.created_at > $2
		   )`,
		models.TaskStatusRunning, quietSince); err != nil {
		return fmt.Errorf("finding orphaned tasks: %w", err)
	}

	if len(taskIDs) > 0 {
		query, args, err := sqlx.In(
			`UPDATE eval_tasks
			 SET status = ?, started_at = NULL, updated_at = now()
			 WHERE id IN (?)`,
			models.TaskStatusPending, taskIDs)
		if err != nil {
			return fmt.Errorf("building orphan reset query: %w", err)
		}
		if _, err := db.ExecContext(ctx, db.Rebind(query), args...); err != nil {
			return fmt.Errorf("resetting orphaned tasks: %w", err)
		}

		query, args, err = sqlx.In(
			`UPDATE eval_task_items SET status = ?, updated_at = now()
			 WHERE task_id IN (?) AND status = ?`,
			models.TaskItemStatusPending, taskIDs, models.TaskItemStatusRunning)
		if err != nil {
			return fmt.Errorf("building orphan item reset query: %w", err)
		}
		if _, err := db.ExecContext(ctx, db.Rebind(query), args...); err != nil {
			return fmt.Errorf("resetting orphaned task items: %w", err)
		}
	}

	res, err := db.ExecContext(ctx,
		`UPDATE eval_result_row_tasks
		 SET status = $1, started_at = NULL, updated_at = now()
		 WHERE status = $2 AND updated_at < $3`,
		models.RowTaskStatusPending, models.RowTaskStatusRunning, quietSince)
	if err != nil {
		return fmt.Errorf("resetting orphaned row tasks: %w", err)
	}
	rows, _ := res.RowsAffected()

	if len(taskIDs) > 0 || rows > 0 {
		slog.Warn("Recovered orphaned work from previous run",
			"tasks_reset", len(taskIDs), "row_tasks_reset", rows)
	}
	return nil
}
