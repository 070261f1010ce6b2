package models

import "time"

// Task statuses.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
	TaskStatusRetrying  = "retrying"
)

// TaskItem statuses.
const (
	TaskItemStatusPending   = "pending"
	TaskItemStatusRunning   = "running"
	TaskItemStatusCompleted = "completed"
	TaskItemStatusFailed    = "failed"
	TaskItemStatusSkipped   = "skipped"
)

// Task log levels.
const (
	LogLevelDebug = "DEBUG"
	LogLevelInfo  = "INFO"
	LogLevelWarn  = "WARN"
	LogLevelError = "ERROR"
)

// TaskTypeColumnEvaluation is the only column-mode task type today.
const TaskTypeColumnEvaluation = "column_evaluation"

// Task evaluates one column of one result across its task items.
// At most one task per (result, column) may be pending/running/retrying.
type Task struct {
	ID             int64      `db:"id" json:"id"`
	PipelineID     int64      `db:"pipeline_id" json:"pipeline_id"`
	ResultID       int64      `db:"result_id" json:"result_id"`
	ColumnID       int64      `db:"column_id" json:"column_id"`
	UserID         int64      `db:"user_id" json:"user_id"`
	TaskType       string     `db:"task_type" json:"task_type"`
	Status         string     `db:"status" json:"status"`
	Priority       int        `db:"priority" json:"priority"`
	MaxRetries     int        `db:"max_retries" json:"max_retries"`
	CurrentRetry   int        `db:"current_retry" json:"current_retry"`
	TotalItems     int        `db:"total_items" json:"total_items"`
	CompletedItems int        `db:"completed_items" json:"completed_items"`
	FailedItems    int        `db:"failed_items" json:"failed_items"`
	Config         JSONMap    `db:"config" json:"config,omitempty"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	NextRetryAt    *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// ProgressPercentage returns completed items as a percentage of total.
func (t *Task) ProgressPercentage() float64 {
	if t.TotalItems == 0 {
		return 0.0
	}
	return float64(t.CompletedItems) / float64(t.TotalItems) * 100
}

// IsFinished reports whether the task reached a terminal status.
func (t *Task) IsFinished() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanRetry reports whether a failed task still has retry budget.
func (t *Task) CanRetry() bool {
	return t.Status == TaskStatusFailed && t.CurrentRetry < t.MaxRetries
}

// TaskItem is the unit of work: one cell of the task's column.
// Unique per (task, cell).
type TaskItem struct {
	ID              int64      `db:"id" json:"id"`
	TaskID          int64      `db:"task_id" json:"task_id"`
	CellID          int64      `db:"cell_id" json:"cell_id"`
	DatasetItemID   int64      `db:"dataset_item_id" json:"dataset_item_id"`
	Status          string     `db:"status" json:"status"`
	RetryCount      int        `db:"retry_count" json:"retry_count"`
	InputData       JSONMap    `db:"input_data" json:"input_data,omitempty"`
	OutputData      JSONMap    `db:"output_data" json:"output_data,omitempty"`
	ErrorMessage    *string    `db:"error_message" json:"error_message,omitempty"`
	ExecutionTimeMS *int64     `db:"execution_time_ms" json:"execution_time_ms,omitempty"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// IsFinished reports whether the item reached a terminal status.
func (i *TaskItem) IsFinished() bool {
	switch i.Status {
	case TaskItemStatusCompleted, TaskItemStatusFailed, TaskItemStatusSkipped:
		return true
	}
	return false
}

// TaskLog is an execution log line. Recent log activity also serves as
// the liveness signal for the scheduler's timeout sweep.
type TaskLog struct {
	ID         int64     `db:"id" json:"id"`
	TaskID     int64     `db:"task_id" json:"task_id"`
	TaskItemID *int64    `db:"task_item_id" json:"task_item_id,omitempty"`
	Level      string    `db:"level" json:"level"`
	Message    string    `db:"message" json:"message"`
	Details    JSONMap   `db:"details" json:"details,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
