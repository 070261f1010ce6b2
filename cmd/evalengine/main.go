// Evaluation engine server — provides the HTTP API, runs the task
// scheduler, and executes column and row evaluations.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/prompthub/evalengine/pkg/api"
	"github.com/prompthub/evalengine/pkg/cleanup"
	"github.com/prompthub/evalengine/pkg/config"
	"github.com/prompthub/evalengine/pkg/database"
	"github.com/prompthub/evalengine/pkg/executor"
	"github.com/prompthub/evalengine/pkg/llm"
	"github.com/prompthub/evalengine/pkg/scheduler"
	"github.com/prompthub/evalengine/pkg/services"
	"github.com/prompthub/evalengine/pkg/strategy"
)

const cleanupInterval = time.Hour

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting evaluation engine",
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(filepath.Join(*configDir, "engine.json"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	db := dbClient.DB()

	// 3. One-time startup orphan recovery
	if err := scheduler.CleanupStartupOrphans(ctx, db); err != nil {
		slog.Error("Failed to recover startup orphans", "error", err)
		// Non-fatal — continue
	}

	// 4. LLM client, feature resolution, prompt invocation
	chatClient, err := llm.NewOpenAIClientFromEnv()
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	resolver := llm.NewFeatureResolver(db)
	invoker := llm.NewInvoker(db, chatClient, resolver)
	limiter := llm.NewRateLimiter(cfg.LLMRateQPS(), cfg.LLMRateQPM())
	slog.Info("LLM stack initialized",
		"rate_qps", cfg.LLMRateQPS(), "rate_qpm", cfg.LLMRateQPM())

	// 5. Domain services and executors
	evaluationService := services.NewEvaluationService(db)
	taskService := services.NewTaskService(db, cfg)
	rowTaskService := services.NewRowTaskService(db)

	engine := strategy.NewEngine(invoker)
	columnExec := executor.NewColumnExecutor(db, engine, invoker, cfg, taskService)
	rowExec := executor.NewRowExecutor(db, engine, invoker, limiter, rowTaskService)
	slog.Info("Services initialized")

	// 6. Scheduler (before the HTTP server, so forced batches work)
	sched := scheduler.New(db, cfg, columnExec, rowExec)
	sched.Start(ctx)

	// 7. Retention
	cleanupService := cleanup.NewService(cfg, taskService, cleanupInterval)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	// 8. HTTP server
	server := api.NewServer(dbClient, cfg, evaluationService, taskService,
		rowTaskService, rowExec, sched, limiter)

	router := gin.New()
	router.Use(gin.Recovery())
	server.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Evaluation engine started successfully",
		"max_concurrent_tasks", cfg.MaxConcurrentTasks())

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop dispatching, let running work finish
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Scheduler stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — running tasks will be recovered at next startup")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
