package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SchedulerStatus handles GET /api/v1/system/scheduler.
func (s *Server) SchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.sched.GetStatus())
}

// PauseScheduler handles POST /api/v1/system/scheduler/pause. Running
// work finishes; no new work is dispatched until resume.
func (s *Server) PauseScheduler(c *gin.Context) {
	s.sched.Pause()
	c.JSON(http.StatusOK, s.sched.GetStatus())
}

// ResumeScheduler handles POST /api/v1/system/scheduler/resume.
func (s *Server) ResumeScheduler(c *gin.Context) {
	s.sched.Resume()
	c.JSON(http.StatusOK, s.sched.GetStatus())
}

// RateLimiterStats handles GET /api/v1/system/rate-limiter.
func (s *Server) RateLimiterStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.limiter.Stats())
}

// GetConfig handles GET /api/v1/system/config.
func (s *Server) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.All())
}

// UpdateConfig handles PUT /api/v1/system/config. Values merge over
// the current configuration and persist to disk.
func (s *Server) UpdateConfig(c *gin.Context) {
	var values map[string]any
	if err := c.ShouldBindJSON(&values); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(values) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no values provided"})
		return
	}
	if err := s.cfg.Update(values); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.cfg.All())
}

// ReloadConfig handles POST /api/v1/system/config/reload: it re-reads
// the config file, dropping values removed from it.
func (s *Server) ReloadConfig(c *gin.Context) {
	if err := s.cfg.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.cfg.All())
}
