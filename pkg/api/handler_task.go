package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// CreateColumnTaskRequest is the body of POST /api/v1/results/:id/tasks.
type CreateColumnTaskRequest struct {
	ColumnID int64 `json:"column_id" binding:"required"`
	UserID   int64 `json:"user_id" binding:"required"`
}

// CreateColumnTask handles POST /api/v1/results/:id/tasks: it queues a
// re-evaluation of one column over the result's unevaluated cells. A
// 409 means a task for that (result, column) is still live.
func (s *Server) CreateColumnTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req CreateColumnTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.tasks.CreateTaskForColumn(c.Request.Context(), id, req.ColumnID, req.UserID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// GetTask handles GET /api/v1/tasks/:id.
func (s *Server) GetTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	task, err := s.tasks.GetTask(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetTaskProgress handles GET /api/v1/tasks/:id/progress.
func (s *Server) GetTaskProgress(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	progress, err := s.tasks.GetProgress(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// PauseTask handles POST /api/v1/tasks/:id/pause.
func (s *Server) PauseTask(c *gin.Context) {
	s.transitionTask(c, s.tasks.PauseTask)
}

// ResumeTask handles POST /api/v1/tasks/:id/resume.
func (s *Server) ResumeTask(c *gin.Context) {
	s.transitionTask(c, s.tasks.ResumeTask)
}

// CancelTask handles POST /api/v1/tasks/:id/cancel.
func (s *Server) CancelTask(c *gin.Context) {
	s.transitionTask(c, s.tasks.CancelTask)
}

// RetryTask handles POST /api/v1/tasks/:id/retry: it re-arms a failed
// task that still has retry budget.
func (s *Server) RetryTask(c *gin.Context) {
	s.transitionTask(c, s.tasks.RetryTask)
}

func (s *Server) transitionTask(c *gin.Context, fn func(ctx context.Context, id int64) error) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
