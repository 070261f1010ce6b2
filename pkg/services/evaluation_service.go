package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/prompthub/evalengine/pkg/models"
)

// defaultItemSelection is how many of the most recent enabled items a
// full evaluation uses when the caller picks none.
const defaultItemSelection = 5

// EvaluationService manages pipelines, results, and their cell
// matrices: the staging grid and history snapshots.
type EvaluationService struct {
	db *sqlx.DB
}

// NewEvaluationService creates the service.
func NewEvaluationService(db *sqlx.DB) *EvaluationService {
	return &EvaluationService{db: db}
}

// CreatePipelineRequest describes a new pipeline.
type CreatePipelineRequest struct {
	Name        string
	Description *string
	ProjectID   int64
	DatasetID   int64
	UserID      int64
}

// CreatePipeline creates a pipeline, its auto-managed dataset_variable
// column, and its staging result.
func (s *EvaluationService) CreatePipeline(ctx context.Context, req CreatePipelineRequest) (*models.Pipeline, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "name is required")
	}

	dataset, err := s.GetDataset(ctx, req.DatasetID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var p models.Pipeline
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO eval_pipelines (name, description, project_id, dataset_id, user_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, name, description, project_id, dataset_id, user_id, created_at, updated_at`,
		req.Name, req.Description, req.ProjectID, req.DatasetID, req.UserID,
	).StructScan(&p)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO eval_columns (pipeline_id, name, column_type, position, config)
		 VALUES ($1, $2, $3, 0, $4)`,
		p.ID, models.DatasetVariableColumnName, models.ColumnTypeDatasetVariable,
		models.JSONMap{"variables": dataset.Variables.V})
	if err != nil {
		return nil, fmt.Errorf("creating dataset_variable column: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO eval_results (pipeline_id, run_type, status) VALUES ($1, $2, $3)`,
		p.ID, models.RunTypeStaging, models.ResultStatusNew)
	if err != nil {
		return nil, fmt.Errorf("creating staging result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing pipeline: %w", err)
	}

	slog.Info("Pipeline created", "pipeline_id", p.ID, "dataset_id", req.DatasetID)
	return &p, nil
}

// GetPipeline loads a pipeline by id.
func (s *EvaluationService) GetPipeline(ctx context.Context, id int64) (*models.Pipeline, error) {
	var p models.Pipeline
	err := s.db.GetContext(ctx, &p, `SELECT * FROM eval_pipelines WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading pipeline: %w", err)
	}
	return &p, nil
}

// GetDataset loads a dataset by id.
func (s *EvaluationService) GetDataset(ctx context.Context, id int64) (*models.Dataset, error) {
	var d models.Dataset
	err := s.db.GetContext(ctx, &d, `SELECT * FROM datasets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading dataset: %w", err)
	}
	return &d, nil
}

// Columns returns the pipeline's columns ordered by position.
func (s *EvaluationService) Columns(ctx context.Context, pipelineID int64) ([]models.Column, error) {
	var cols []models.Column
	err := s.db.SelectContext(ctx, &cols,
		`SELECT * FROM eval_columns WHERE pipeline_id = $1 ORDER BY position`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("loading columns: %w", err)
	}
	return cols, nil
}

// StagingResult returns the pipeline's staging result.
func (s *EvaluationService) StagingResult(ctx context.Context, pipelineID int64) (*models.Result, error) {
	var r models.Result
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM eval_results WHERE pipeline_id = $1 AND run_type = $2
		 ORDER BY id LIMIT 1`, pipelineID, models.RunTypeStaging)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading staging result: %w", err)
	}
	return &r, nil
}

// GetResult loads a result by id.
func (s *EvaluationService) GetResult(ctx context.Context, id int64) (*models.Result, error) {
	var r models.Result
	err := s.db.GetContext(ctx, &r, `SELECT * FROM eval_results WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading result: %w", err)
	}
	return &r, nil
}

// ChangeDataset rebinds the pipeline to another dataset: staging cells
// are dropped and the dataset_variable column is rebuilt from the new
// dataset's variable schema.
func (s *EvaluationService) ChangeDataset(ctx context.Context, pipelineID, datasetID int64) error {
	dataset, err := s.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	staging, err := s.StagingResult(ctx, pipelineID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE eval_pipelines SET dataset_id = $1, updated_at = now() WHERE id = $2`,
		datasetID, pipelineID); err != nil {
		return fmt.Errorf("updating pipeline dataset: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM eval_cells WHERE result_id = $1`, staging.ID); err != nil {
		return fmt.Errorf("clearing staging cells: %w", err)
	}

	// Rebuild the dataset_variable column for the new schema.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM eval_columns WHERE pipeline_id = $1 AND column_type = $2`,
		pipelineID, models.ColumnTypeDatasetVariable); err != nil {
		return fmt.Errorf("removing dataset_variable column: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO eval_columns (pipeline_id, name, column_type, position, config)
		 VALUES ($1, $2, $3, 0, $4)`,
		pipelineID, models.DatasetVariableColumnName, models.ColumnTypeDatasetVariable,
		models.JSONMap{"variables": dataset.Variables.V}); err != nil {
		return fmt.Errorf("recreating dataset_variable column: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing dataset change: %w", err)
	}

	slog.Info("Pipeline dataset changed", "pipeline_id", pipelineID, "dataset_id", datasetID)
	return nil
}

// snapshotPromptVersions pins, for every prompt_template column, the
// prompt version that a run will execute with. Keys are prompt ids.
func (s *EvaluationService) snapshotPromptVersions(ctx context.Context, columns []models.Column) (models.JSONMap, error) {
	snapshot := models.JSONMap{}
	for _, col := range columns {
		if col.ColumnType != models.ColumnTypePromptTemplate {
			continue
		}
		promptID, ok := numericConfig(col.Config, "prompt_id")
		if !ok {
			continue
		}

		var row struct {
			VersionID     int64  `db:"id"`
			VersionNumber int    `db:"version_number"`
			PromptName    string `db:"name"`
		}
		err := s.db.GetContext(ctx, &row,
			`SELECT pv.id, pv.version_number, p.name
			 FROM prompt_versions pv JOIN prompts p ON p.id = pv.prompt_id
			 WHERE pv.prompt_id = $1 ORDER BY pv.id DESC LIMIT 1`, promptID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("snapshotting prompt %d: %w", promptID, err)
		}

		snapshot[strconv.FormatInt(promptID, 10)] = models.PromptVersionSnapshot{
			PromptID:      promptID,
			PromptName:    row.PromptName,
			VersionID:     row.VersionID,
			VersionNumber: row.VersionNumber,
			ColumnID:      col.ID,
			ColumnName:    col.Name,
		}
	}
	return snapshot, nil
}

// CreateResult creates a history result for the pipeline, snapshotting
// the prompt versions its prompt_template columns currently resolve to.
func (s *EvaluationService) CreateResult(ctx context.Context, pipelineID int64) (*models.Result, error) {
	columns, err := s.Columns(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.snapshotPromptVersions(ctx, columns)
	if err != nil {
		return nil, err
	}

	var r models.Result
	err = s.db.QueryRowxContext(ctx,
		`INSERT INTO eval_results (pipeline_id, run_type, status, prompt_versions)
		 VALUES ($1, $2, $3, $4)
		 RETURNING *`,
		pipelineID, models.RunTypeHistory, models.ResultStatusNew, snapshot,
	).StructScan(&r)
	if err != nil {
		return nil, fmt.Errorf("creating result: %w", err)
	}
	return &r, nil
}

// selectItems returns the dataset items a run covers: the explicitly
// chosen enabled items, or the most recent enabled ones.
func (s *EvaluationService) selectItems(ctx context.Context, datasetID int64, itemIDs []int64) ([]models.DatasetItem, error) {
	var items []models.DatasetItem
	if len(itemIDs) > 0 {
		query, args, err := sqlx.In(
			`SELECT * FROM dataset_items WHERE dataset_id = ? AND is_enabled = TRUE AND id IN (?)`,
			datasetID, itemIDs)
		if err != nil {
			return nil, fmt.Errorf("building item query: %w", err)
		}
		if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("loading selected items: %w", err)
		}
		return items, nil
	}

	err := s.db.SelectContext(ctx, &items,
		`SELECT * FROM dataset_items WHERE dataset_id = $1 AND is_enabled = TRUE
		 ORDER BY id DESC LIMIT $2`, datasetID, defaultItemSelection)
	if err != nil {
		return nil, fmt.Errorf("loading recent items: %w", err)
	}
	return items, nil
}

// FullEvaluation is the outcome of CreateFullEvaluation: the new result
// plus the ids of the column tasks queued for the scheduler.
type FullEvaluation struct {
	Result  *models.Result
	TaskIDs []int64
}

// CreateFullEvaluation validates the pipeline, creates a history result
// with its full cell matrix, and queues one column task per executable
// column. The scheduler picks the tasks up on its next tick.
func (s *EvaluationService) CreateFullEvaluation(ctx context.Context, pipelineID, userID int64, itemIDs []int64) (*FullEvaluation, error) {
	pipeline, err := s.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	columns, err := s.Columns(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	var nonDataset []models.Column
	for _, col := range columns {
		if col.ColumnType != models.ColumnTypeDatasetVariable {
			nonDataset = append(nonDataset, col)
		}
	}
	if len(nonDataset) == 0 {
		return nil, NewValidationError("columns", "流水线没有可评估的列")
	}
	last := nonDataset[len(nonDataset)-1]
	if !last.IsBoolean() {
		return nil, ErrLastColumnNotBoolean
	}

	items, err := s.selectItems(ctx, pipeline.DatasetID, itemIDs)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoEnabledItems
	}

	result, err := s.CreateResult(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Materialise the cell matrix. dataset_variable and human_input
	// cells complete immediately; executable cells start as new.
	for _, item := range items {
		for _, col := range columns {
			status := models.CellStatusNew
			var value models.JSONMap
			switch col.ColumnType {
			case models.ColumnTypeDatasetVariable:
				status = models.CellStatusCompleted
				value = item.VariablesValues
			case models.ColumnTypeHumanInput:
				status = models.CellStatusCompleted
				value = models.JSONMap{"value": col.Config["default_value"]}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO eval_cells
				 (pipeline_id, dataset_item_id, eval_column_id, result_id, value, status)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				pipelineID, item.ID, col.ID, result.ID, value, status); err != nil {
				return nil, fmt.Errorf("creating cell: %w", err)
			}
		}
	}

	// One column task per executable column; priority follows position
	// so earlier columns dispatch first.
	var taskIDs []int64
	for _, col := range columns {
		if !col.IsExecutable() {
			continue
		}
		var taskID int64
		err := tx.QueryRowxContext(ctx,
			`INSERT INTO eval_tasks
			 (pipeline_id, result_id, column_id, user_id, task_type, status, priority, total_items)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id`,
			pipelineID, result.ID, col.ID, userID, models.TaskTypeColumnEvaluation,
			models.TaskStatusPending, col.Position, len(items),
		).Scan(&taskID)
		if err != nil {
			return nil, fmt.Errorf("creating task for column %d: %w", col.ID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO eval_task_items (task_id, cell_id, dataset_item_id, status, input_data)
			 SELECT $1, c.id, c.dataset_item_id, $2,
			        jsonb_build_object('variables', di.variables_values)
			 FROM eval_cells c
			 JOIN dataset_items di ON di.id = c.dataset_item_id
			 WHERE c.result_id = $3 AND c.eval_column_id = $4 AND c.status = $5`,
			taskID, models.TaskItemStatusPending, result.ID, col.ID, models.CellStatusNew); err != nil {
			return nil, fmt.Errorf("creating task items for column %d: %w", col.ID, err)
		}
		taskIDs = append(taskIDs, taskID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing full evaluation: %w", err)
	}

	slog.Info("Full evaluation created",
		"pipeline_id", pipelineID, "result_id", result.ID,
		"items", len(items), "tasks", len(taskIDs))
	return &FullEvaluation{Result: result, TaskIDs: taskIDs}, nil
}

// numericConfig reads an integer-valued config key that JSON decoding
// may have produced as float64.
func numericConfig(cfg models.JSONMap, key string) (int64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
