package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/cache"
	"github.com/agentmesh/agentmesh-server/pkg/config"
	"github.com/agentmesh/agentmesh-server/pkg/database"
	"github.com/agentmesh/agentmesh-server/pkg/filelock"
	"github.com/agentmesh/agentmesh-server/pkg/handlers"
	"github.com/agentmesh/agentmesh-server/pkg/llm"
	"github.com/agentmesh/agentmesh-server/pkg/middleware"
	"github.com/agentmesh/agentmesh-server/pkg/repositories"
	"github.com/agentmesh/agentmesh-server/pkg/services"
	"github.com/agentmesh/agentmesh-server/pkg/workspace"
)

// Version is set at build time via ldflags
var Version = "dev"

// sweepInterval is how often abandoned file locks are cleaned up.
const sweepInterval = time.Hour

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Env == "local" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", cfg.Database.Host),
		zap.String("redis", cfg.Redis.Host),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model))

	// Migrations run over database/sql; the server itself uses pgx pools.
	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	if err := database.RunMigrations(migrationDB, cfg.MigrationsPath, logger); err != nil {
		migrationDB.Close()
		return err
	}
	migrationDB.Close()

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		// Cache is best-effort; run without it rather than refuse to start.
		logger.Warn("Redis unavailable, running without cache", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cacheLayer := cache.New(redisClient, logger)

	llmClient, err := llm.NewFromConfig(&cfg.LLM, logger)
	if err != nil {
		return err
	}
	gateway := llm.NewGateway(llmClient, logger).WithCallTimeout(cfg.LLM.Timeout())

	// Repositories
	ids := repositories.NewIDRepository(db)
	projectRepo := repositories.NewProjectRepository(db)
	taskRepo := repositories.NewTaskRepository(db)
	workflowRepo := repositories.NewWorkflowRepository(db, taskRepo)
	resultRepo := repositories.NewResultRepository(db)
	reportRepo := repositories.NewAuditReportRepository(db)
	fileLockRepo := repositories.NewFileLockRepository(db)

	// Services
	ws := workspace.NewManager(cfg.Workflow.ProjectsRoot, logger)
	planner := services.NewPlannerService(db, gateway, ids, projectRepo, workflowRepo, taskRepo, ws, cacheLayer, logger)
	auditor, err := services.NewAuditService(db, gateway, workflowRepo, taskRepo, resultRepo, reportRepo,
		cfg.Workflow.AuditCriteriaFile, cfg.Workflow.AuditConfidenceThreshold, logger)
	if err != nil {
		return err
	}
	synthesizer := services.NewSynthesisService(gateway, ws, logger)
	coordinator := services.NewCoordinatorService(db, taskRepo, workflowRepo, projectRepo,
		resultRepo, reportRepo, auditor, synthesizer, cacheLayer, logger)
	fileAccess := services.NewFileAccessService(filelock.NewManager(logger), fileLockRepo,
		cfg.Workflow.LockTimeout(), cfg.Workflow.LockExpiry(), logger)

	go fileAccess.RunSweeper(ctx, sweepInterval)

	// HTTP surface
	mux := http.NewServeMux()
	auth := handlers.NewAuthMiddleware(cfg.APIToken, logger)

	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewTasksHandler(planner, coordinator, logger).RegisterRoutes(mux, auth)
	handlers.NewResultsHandler(coordinator, logger).RegisterRoutes(mux, auth)
	handlers.NewWorkflowsHandler(coordinator, logger).RegisterRoutes(mux, auth)
	handlers.NewWorkersHandler(coordinator, logger).RegisterRoutes(mux, auth)
	handlers.NewFilesHandler(fileAccess, logger).RegisterRoutes(mux, auth)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting agentmesh-server",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
