// Package config manages the engine's tunable settings as a JSON
// document persisted on disk. Values deep-merge over built-in defaults,
// writes are saved back immediately, and Reload picks up external edits
// at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Config keys.
const (
	KeyMaxConcurrentTasks        = "max_concurrent_tasks"
	KeyMaxConcurrentItemsPerTask = "max_concurrent_items_per_task"
	KeyTaskTimeoutMinutes        = "task_timeout_minutes"
	KeyRetryDelays               = "retry_delays"
	KeyCleanupCompletedTasksDays = "cleanup_completed_tasks_days"
	KeySchedulerIntervalSeconds  = "scheduler_interval_seconds"
	KeyLogRetentionDays          = "log_retention_days"
	KeyLLMRateQPS                = "llm_rate_qps"
	KeyLLMRateQPM                = "llm_rate_qpm"
)

func defaults() map[string]any {
	return map[string]any{
		KeyMaxConcurrentTasks:        5,
		KeyMaxConcurrentItemsPerTask: 10,
		KeyTaskTimeoutMinutes:        30,
		KeyRetryDelays:               []any{0, 30, 120, 300},
		KeyCleanupCompletedTasksDays: 7,
		KeySchedulerIntervalSeconds:  5,
		KeyLogRetentionDays:          30,
		KeyLLMRateQPS:                1.0,
		KeyLLMRateQPM:                60.0,
	}
}

// Store holds the merged configuration. Safe for concurrent use.
type Store struct {
	path string

	mu     sync.RWMutex
	values map[string]any
}

// Load reads the config file at path, merging it over defaults.
// A missing file is not an error; the defaults apply and the file is
// created on the first Set.
func Load(path string) (*Store, error) {
	s := &Store{path: path, values: defaults()}
	if err := s.loadFile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadFile() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		slog.Info("Config file not found, using defaults", "path", s.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", s.path, err)
	}

	var fileValues map[string]any
	if err := json.Unmarshal(data, &fileValues); err != nil {
		return fmt.Errorf("parsing config file %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range fileValues {
		s.values[k] = v
	}
	return nil
}

// Reload re-reads the config file over fresh defaults, discarding any
// in-memory values that are no longer in the file.
func (s *Store) Reload() error {
	s.mu.Lock()
	s.values = defaults()
	s.mu.Unlock()
	if err := s.loadFile(); err != nil {
		return err
	}
	slog.Info("Config reloaded", "path", s.path)
	return nil
}

// Set updates a key and persists the whole document.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return s.save()
}

// Update applies several keys at once and persists.
func (s *Store) Update(values map[string]any) error {
	s.mu.Lock()
	for k, v := range values {
		s.values[k] = v
	}
	s.mu.Unlock()
	return s.save()
}

func (s *Store) save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.values, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file %s: %w", s.path, err)
	}
	return nil
}

// Get returns the raw value for key, or nil when absent.
func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// All returns a copy of the current document.
func (s *Store) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// GetInt returns an integer value, falling back to def on absence or
// type mismatch. JSON numbers arrive as float64.
func (s *Store) GetInt(key string, def int) int {
	switch v := s.Get(key).(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// GetFloat returns a float value, falling back to def.
func (s *Store) GetFloat(key string, def float64) float64 {
	switch v := s.Get(key).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// GetBool returns a boolean value, falling back to def.
func (s *Store) GetBool(key string, def bool) bool {
	if v, ok := s.Get(key).(bool); ok {
		return v
	}
	return def
}

// GetIntSlice returns an integer list value, falling back to def.
func (s *Store) GetIntSlice(key string, def []int) []int {
	raw, ok := s.Get(key).([]any)
	if !ok {
		return def
	}
	out := make([]int, 0, len(raw))
	for _, e := range raw {
		switch v := e.(type) {
		case int:
			out = append(out, v)
		case float64:
			out = append(out, int(v))
		default:
			return def
		}
	}
	return out
}

// Convenience getters used across the engine.

func (s *Store) MaxConcurrentTasks() int        { return s.GetInt(KeyMaxConcurrentTasks, 5) }
func (s *Store) MaxConcurrentItemsPerTask() int { return s.GetInt(KeyMaxConcurrentItemsPerTask, 10) }
func (s *Store) TaskTimeoutMinutes() int        { return s.GetInt(KeyTaskTimeoutMinutes, 30) }
func (s *Store) RetryDelays() []int             { return s.GetIntSlice(KeyRetryDelays, []int{0, 30, 120, 300}) }
func (s *Store) CleanupCompletedTasksDays() int { return s.GetInt(KeyCleanupCompletedTasksDays, 7) }
func (s *Store) SchedulerIntervalSeconds() int  { return s.GetInt(KeySchedulerIntervalSeconds, 5) }
func (s *Store) LogRetentionDays() int          { return s.GetInt(KeyLogRetentionDays, 30) }
func (s *Store) LLMRateQPS() float64            { return s.GetFloat(KeyLLMRateQPS, 1.0) }
func (s *Store) LLMRateQPM() float64            { return s.GetFloat(KeyLLMRateQPM, 60.0) }
