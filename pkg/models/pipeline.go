package models

import "time"

// Column types. The first three are passthrough or generator columns;
// the rest are evaluation strategies.
const (
	ColumnTypeDatasetVariable = "dataset_variable"
	ColumnTypeHumanInput      = "human_input"
	ColumnTypePromptTemplate  = "prompt_template"

	ColumnTypeExact            = "exact"
	ColumnTypeExactMulti       = "exact_multi"
	ColumnTypeContains         = "contains"
	ColumnTypeRegex            = "regex"
	ColumnTypeKeywords         = "keywords"
	ColumnTypeJSONStructure    = "json_structure"
	ColumnTypeNumericDistance  = "numeric_distance"
	ColumnTypeLLMAssertion     = "llm_assertion"
	ColumnTypeCosineSimilarity = "cosine_similarity"
	ColumnTypeJSONExtraction   = "json_extraction"
	ColumnTypeParseValue       = "parse_value"
	ColumnTypeStaticValue      = "static_value"
	ColumnTypeTypeValidation   = "type_validation"
	ColumnTypeCoalesce         = "coalesce"
	ColumnTypeCount            = "count"
)

// DatasetVariableColumnName is the display name of the auto-managed
// position-0 column carrying the dataset item variables.
const DatasetVariableColumnName = "数据集变量"

// Result run types. A pipeline has exactly one staging result that backs
// the editable grid; each full run snapshots into a history result.
const (
	RunTypeStaging = "staging"
	RunTypeHistory = "history"
)

// Result statuses.
const (
	ResultStatusNew       = "new"
	ResultStatusRunning   = "running"
	ResultStatusCompleted = "completed"
	ResultStatusFailed    = "failed"
)

// Cell statuses.
const (
	CellStatusNew       = "new"
	CellStatusPending   = "pending"
	CellStatusRunning   = "running"
	CellStatusCompleted = "completed"
	CellStatusFailed    = "failed"
)

// Pipeline is an ordered set of evaluation columns bound to a dataset.
type Pipeline struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	ProjectID   int64     `db:"project_id" json:"project_id"`
	DatasetID   int64     `db:"dataset_id" json:"dataset_id"`
	UserID      int64     `db:"user_id" json:"user_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Column is a typed evaluation step. Config is the strategy-specific
// JSON configuration; its schema depends on ColumnType.
type Column struct {
	ID         int64     `db:"id" json:"id"`
	PipelineID int64     `db:"pipeline_id" json:"pipeline_id"`
	Name       string    `db:"name" json:"name"`
	ColumnType string    `db:"column_type" json:"column_type"`
	Position   int       `db:"position" json:"position"`
	Config     JSONMap   `db:"config" json:"config,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// IsExecutable reports whether the column produces work for an executor.
// dataset_variable and human_input cells are filled at result creation.
func (c *Column) IsExecutable() bool {
	return c.ColumnType != ColumnTypeDatasetVariable && c.ColumnType != ColumnTypeHumanInput
}

// IsBoolean reports whether the column yields a pass/fail verdict usable
// as the pipeline's final judgment column.
func (c *Column) IsBoolean() bool {
	switch c.ColumnType {
	case ColumnTypeExact, ColumnTypeExactMulti, ColumnTypeContains, ColumnTypeRegex:
		return true
	}
	return false
}

// Result is one execution (or the staging grid) of a pipeline.
type Result struct {
	ID             int64     `db:"id" json:"id"`
	PipelineID     int64     `db:"pipeline_id" json:"pipeline_id"`
	RunType        string    `db:"run_type" json:"run_type"`
	Status         string    `db:"status" json:"status"`
	TotalCount     int       `db:"total_count" json:"total_count"`
	PassedCount    int       `db:"passed_count" json:"passed_count"`
	FailedCount    int       `db:"failed_count" json:"failed_count"`
	UnpassedCount  int       `db:"unpassed_count" json:"unpassed_count"`
	SuccessRate    float64   `db:"success_rate" json:"success_rate"`
	PromptVersions JSONMap   `db:"prompt_versions" json:"prompt_versions,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Cell is one (dataset item, column) entry of a result matrix.
// Value carries the machine value (predicates store {"value": bool}),
// DisplayValue what the grid renders.
type Cell struct {
	ID            int64     `db:"id" json:"id"`
	PipelineID    int64     `db:"pipeline_id" json:"pipeline_id"`
	DatasetItemID int64     `db:"dataset_item_id" json:"dataset_item_id"`
	ColumnID      int64     `db:"eval_column_id" json:"eval_column_id"`
	ResultID      int64     `db:"result_id" json:"result_id"`
	Value         JSONMap   `db:"value" json:"value,omitempty"`
	DisplayValue  JSONValue `db:"display_value" json:"display_value,omitempty"`
	ErrorMessage  *string   `db:"error_message" json:"error_message,omitempty"`
	Status        string    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// TruthyCellValue reports whether a cell's stored value counts as a pass
// when rolling statistics up: boolean true, or one of the accepted
// string spellings.
func TruthyCellValue(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		switch val {
		case "true", "1", "yes", "pass", "passed":
			return true
		}
	}
	return false
}
