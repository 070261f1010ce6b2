package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/prompthub/evalengine/pkg/executor"
	"github.com/prompthub/evalengine/pkg/services"
)

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// CreatePipelineRequest is the body of POST /api/v1/pipelines.
type CreatePipelineRequest struct {
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
	ProjectID   int64   `json:"project_id" binding:"required"`
	DatasetID   int64   `json:"dataset_id" binding:"required"`
	UserID      int64   `json:"user_id" binding:"required"`
}

// CreatePipeline handles POST /api/v1/pipelines.
func (s *Server) CreatePipeline(c *gin.Context) {
	var req CreatePipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pipeline, err := s.evaluation.CreatePipeline(c.Request.Context(), services.CreatePipelineRequest{
		Name:        req.Name,
		Description: req.Description,
		ProjectID:   req.ProjectID,
		DatasetID:   req.DatasetID,
		UserID:      req.UserID,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pipeline)
}

// GetPipeline handles GET /api/v1/pipelines/:id. The response bundles
// the pipeline with its columns and staging result.
func (s *Server) GetPipeline(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	pipeline, err := s.evaluation.GetPipeline(ctx, id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	columns, err := s.evaluation.Columns(ctx, id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	staging, err := s.evaluation.StagingResult(ctx, id)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pipeline":       pipeline,
		"columns":        columns,
		"staging_result": staging,
	})
}

// ChangeDatasetRequest is the body of PUT /api/v1/pipelines/:id/dataset.
type ChangeDatasetRequest struct {
	DatasetID int64 `json:"dataset_id" binding:"required"`
}

// ChangeDataset handles PUT /api/v1/pipelines/:id/dataset. Staging
// cells are cleared and the variable column rebuilt for the new
// dataset.
func (s *Server) ChangeDataset(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ChangeDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.evaluation.ChangeDataset(c.Request.Context(), id, req.DatasetID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// FullEvaluationRequest is the body of POST /api/v1/pipelines/:id/evaluations.
type FullEvaluationRequest struct {
	UserID  int64   `json:"user_id" binding:"required"`
	ItemIDs []int64 `json:"item_ids"`
}

// CreateFullEvaluation handles POST /api/v1/pipelines/:id/evaluations:
// it snapshots a history result, seeds the cell grid, and queues one
// column task per executable column. The scheduler picks them up on
// its next tick.
func (s *Server) CreateFullEvaluation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req FullEvaluationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	eval, err := s.evaluation.CreateFullEvaluation(c.Request.Context(), id, req.UserID, req.ItemIDs)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"result":   eval.Result,
		"task_ids": eval.TaskIDs,
	})
}

// SingleColumnRequest is the body of POST /api/v1/columns/:id/evaluate.
type SingleColumnRequest struct {
	DatasetItemID  int64          `json:"dataset_item_id" binding:"required"`
	PreviousValues map[string]any `json:"previous_values"`
	ValueOverride  map[string]any `json:"value_override"`
}

// EvaluateSingleColumn handles POST /api/v1/columns/:id/evaluate: a
// synchronous one-cell evaluation against the staging grid.
func (s *Server) EvaluateSingleColumn(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req SingleColumnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	value, err := s.rowExec.EvaluateSingleColumn(c.Request.Context(), executor.SingleColumnRequest{
		ColumnID:       id,
		DatasetItemID:  req.DatasetItemID,
		PreviousValues: req.PreviousValues,
		ValueOverride:  req.ValueOverride,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": value})
}
