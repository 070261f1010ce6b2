// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/prompthub/evalengine/pkg/config"
	"github.com/prompthub/evalengine/pkg/services"
)

// taskCleaner is the slice of TaskService the loop needs.
type taskCleaner interface {
	CleanupCompletedTasks(ctx context.Context, olderThanDays int) (int64, error)
	PruneLogs(ctx context.Context, olderThanDays int) (int64, error)
}

var _ taskCleaner = (*services.TaskService)(nil)

// Service periodically enforces retention policies:
//   - Deletes finished tasks (with their items and logs) past the
//     completed-task retention window
//   - Prunes task logs past the log retention window
//
// All operations are idempotent.
type Service struct {
	cfg      *config.Store
	tasks    taskCleaner
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. The loop wakes up every
// interval; retention windows come from the config store at each run.
func NewService(cfg *config.Store, tasks taskCleaner, interval time.Duration) *Service {
	return &Service{
		cfg:      cfg,
		tasks:    tasks,
		interval: interval,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"task_retention_days", s.cfg.CleanupCompletedTasksDays(),
		"log_retention_days", s.cfg.LogRetentionDays(),
		"interval", s.interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.cleanupFinishedTasks(ctx)
	s.pruneLogs(ctx)
}

func (s *Service) cleanupFinishedTasks(ctx context.Context) {
	count, err := s.tasks.CleanupCompletedTasks(ctx, s.cfg.CleanupCompletedTasksDays())
	if err != nil {
		slog.Error("Retention: task cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed finished tasks", "count", count)
	}
}

func (s *Service) pruneLogs(ctx context.Context) {
	count, err := s.tasks.PruneLogs(ctx, s.cfg.LogRetentionDays())
	if err != nil {
		slog.Error("Retention: log pruning failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned task logs", "count", count)
	}
}
