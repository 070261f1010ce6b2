package models

import "time"

// Row task statuses.
const (
	RowTaskStatusPending   = "pending"
	RowTaskStatusRunning   = "running"
	RowTaskStatusCompleted = "completed"
	RowTaskStatusFailed    = "failed"
)

// Row verdicts. passed/unpassed reflect the final boolean column;
// failed means a column errored mid-row.
const (
	RowResultPassed   = "passed"
	RowResultUnpassed = "unpassed"
	RowResultFailed   = "failed"
)

// RowTask executes every column of one dataset item left to right.
// Unique per (result, dataset item).
type RowTask struct {
	ID                    int64      `db:"id" json:"id"`
	ResultID              int64      `db:"result_id" json:"result_id"`
	DatasetItemID         int64      `db:"dataset_item_id" json:"dataset_item_id"`
	Status                string     `db:"status" json:"status"`
	RowResult             *string    `db:"row_result" json:"row_result,omitempty"`
	CurrentColumnPosition *int       `db:"current_column_position" json:"current_column_position,omitempty"`
	ExecutionVariables    JSONMap    `db:"execution_variables" json:"execution_variables,omitempty"`
	ErrorMessage          *string    `db:"error_message" json:"error_message,omitempty"`
	ExecutionTimeMS       *int64     `db:"execution_time_ms" json:"execution_time_ms,omitempty"`
	StartedAt             *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt           *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// IsFinished reports whether the row task reached a terminal status.
func (t *RowTask) IsFinished() bool {
	return t.Status == RowTaskStatusCompleted || t.Status == RowTaskStatusFailed
}

// IsSuccessful reports whether the row completed with a verdict
// (a failed verdict is still an unsuccessful row).
func (t *RowTask) IsSuccessful() bool {
	if t.Status != RowTaskStatusCompleted || t.RowResult == nil {
		return false
	}
	return *t.RowResult == RowResultPassed || *t.RowResult == RowResultUnpassed
}
