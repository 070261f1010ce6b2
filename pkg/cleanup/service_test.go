package cleanup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prompthub/evalengine/pkg/config"
)

type fakeCleaner struct {
	taskDays []int
	logDays  []int
	taskErr  error
	logErr   error
}

func (f *fakeCleaner) CleanupCompletedTasks(ctx context.Context, olderThanDays int) (int64, error) {
	f.taskDays = append(f.taskDays, olderThanDays)
	return 3, f.taskErr
}

func (f *fakeCleaner) PruneLogs(ctx context.Context, olderThanDays int) (int64, error) {
	f.logDays = append(f.logDays, olderThanDays)
	return 10, f.logErr
}

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	store, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	return store
}

func TestRunAllUsesConfiguredRetention(t *testing.T) {
	cfg := newTestStore(t)
	require.NoError(t, cfg.Set(config.KeyCleanupCompletedTasksDays, 14))
	require.NoError(t, cfg.Set(config.KeyLogRetentionDays, 60))

	cleaner := &fakeCleaner{}
	svc := NewService(cfg, cleaner, time.Hour)
	svc.runAll(context.Background())

	assert.Equal(t, []int{14}, cleaner.taskDays)
	assert.Equal(t, []int{60}, cleaner.logDays)
}

func TestRunAllContinuesPastTaskCleanupFailure(t *testing.T) {
	cfg := newTestStore(t)
	cleaner := &fakeCleaner{taskErr: errors.New("db down")}
	svc := NewService(cfg, cleaner, time.Hour)
	svc.runAll(context.Background())

	// Log pruning still runs after the task cleanup error.
	assert.Len(t, cleaner.logDays, 1)
}

func TestStartStop(t *testing.T) {
	cfg := newTestStore(t)
	cleaner := &fakeCleaner{}
	svc := NewService(cfg, cleaner, time.Hour)

	svc.Start(context.Background())
	svc.Stop()

	// Start runs one pass immediately.
	assert.Len(t, cleaner.taskDays, 1)
	assert.Len(t, cleaner.logDays, 1)
}
