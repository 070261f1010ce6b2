package models

import "time"

// Dataset is a named collection of items sharing a variable schema.
type Dataset struct {
	ID        int64     `db:"id" json:"id"`
	ProjectID int64     `db:"project_id" json:"project_id"`
	Name      string    `db:"name" json:"name"`
	Variables JSONValue `db:"variables" json:"variables,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DatasetItem is one row of test data. VariablesValues maps variable
// name to value and seeds row execution.
type DatasetItem struct {
	ID              int64     `db:"id" json:"id"`
	DatasetID       int64     `db:"dataset_id" json:"dataset_id"`
	VariablesValues JSONMap   `db:"variables_values" json:"variables_values,omitempty"`
	IsEnabled       bool      `db:"is_enabled" json:"is_enabled"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}
