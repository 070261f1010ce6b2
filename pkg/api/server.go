// Package api exposes the engine over HTTP: pipeline management,
// evaluation kickoff, task and batch progress, and operational
// endpoints for the scheduler, rate limiter, and config.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prompthub/evalengine/pkg/config"
	"github.com/prompthub/evalengine/pkg/database"
	"github.com/prompthub/evalengine/pkg/executor"
	"github.com/prompthub/evalengine/pkg/llm"
	"github.com/prompthub/evalengine/pkg/scheduler"
	"github.com/prompthub/evalengine/pkg/services"
)

// Server holds the handler dependencies.
type Server struct {
	db         *database.Client
	cfg        *config.Store
	evaluation *services.EvaluationService
	tasks      *services.TaskService
	rowTasks   *services.RowTaskService
	rowExec    *executor.RowExecutor
	sched      *scheduler.Scheduler
	limiter    *llm.RateLimiter
}

// NewServer creates a new API server.
func NewServer(
	db *database.Client,
	cfg *config.Store,
	evaluation *services.EvaluationService,
	tasks *services.TaskService,
	rowTasks *services.RowTaskService,
	rowExec *executor.RowExecutor,
	sched *scheduler.Scheduler,
	limiter *llm.RateLimiter,
) *Server {
	return &Server{
		db:         db,
		cfg:        cfg,
		evaluation: evaluation,
		tasks:      tasks,
		rowTasks:   rowTasks,
		rowExec:    rowExec,
		sched:      sched,
		limiter:    limiter,
	}
}

// RegisterRoutes wires all endpoints onto the router.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/pipelines", s.CreatePipeline)
		v1.GET("/pipelines/:id", s.GetPipeline)
		v1.PUT("/pipelines/:id/dataset", s.ChangeDataset)
		v1.POST("/pipelines/:id/evaluations", s.CreateFullEvaluation)
		v1.POST("/columns/:id/evaluate", s.EvaluateSingleColumn)

		v1.POST("/results/:id/tasks", s.CreateColumnTask)
		v1.GET("/tasks/:id", s.GetTask)
		v1.GET("/tasks/:id/progress", s.GetTaskProgress)
		v1.POST("/tasks/:id/pause", s.PauseTask)
		v1.POST("/tasks/:id/resume", s.ResumeTask)
		v1.POST("/tasks/:id/cancel", s.CancelTask)
		v1.POST("/tasks/:id/retry", s.RetryTask)

		v1.POST("/results/:id/rows/execute", s.ExecuteRowBatch)
		v1.GET("/results/:id/rows/progress", s.GetRowProgress)
		v1.GET("/results/:id/rows/stats", s.GetRowStats)

		v1.GET("/system/scheduler", s.SchedulerStatus)
		v1.POST("/system/scheduler/pause", s.PauseScheduler)
		v1.POST("/system/scheduler/resume", s.ResumeScheduler)
		v1.GET("/system/rate-limiter", s.RateLimiterStats)
		v1.GET("/system/config", s.GetConfig)
		v1.PUT("/system/config", s.UpdateConfig)
		v1.POST("/system/config/reload", s.ReloadConfig)
	}
}

// Health returns the health status, including database reachability.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.SQLDB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"database":  dbHealth,
		"scheduler": s.sched.GetStatus(),
	})
}
