package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prompthub/evalengine/pkg/scheduler"
)

// ExecuteRowBatchRequest is the body of POST /api/v1/results/:id/rows/execute.
type ExecuteRowBatchRequest struct {
	ItemIDs []int64 `json:"item_ids"`
}

// ExecuteRowBatch handles POST /api/v1/results/:id/rows/execute: it
// creates any missing row tasks and asks the scheduler to run the
// batch immediately. A 409 means the batch is already running or the
// concurrency budget is exhausted.
func (s *Server) ExecuteRowBatch(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ExecuteRowBatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := s.rowTasks.ExecuteBatch(c.Request.Context(), s.sched, id, req.ItemIDs); err != nil {
		if errors.Is(err, scheduler.ErrBatchRejected) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

// GetRowProgress handles GET /api/v1/results/:id/rows/progress.
func (s *Server) GetRowProgress(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	progress, err := s.rowTasks.GetProgress(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// GetRowStats handles GET /api/v1/results/:id/rows/stats.
func (s *Server) GetRowStats(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	stats, err := s.rowTasks.GetExecutionStats(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
