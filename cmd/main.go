package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theoriahq/theoria-backend/internal/app"
	"github.com/theoriahq/theoria-backend/internal/data/db"
	researchrepo "github.com/theoriahq/theoria-backend/internal/data/repos/research"
	taskrepo "github.com/theoriahq/theoria-backend/internal/data/repos/tasks"
	theoryrepo "github.com/theoriahq/theoria-backend/internal/data/repos/theory"
	"github.com/theoriahq/theoria-backend/internal/http/handlers"
	"github.com/theoriahq/theoria-backend/internal/http/middleware"
	theorybuild "github.com/theoriahq/theoria-backend/internal/jobs/pipeline/theory_build"
	"github.com/theoriahq/theoria-backend/internal/jobs/runtime"
	"github.com/theoriahq/theoria-backend/internal/jobs/worker"
	"github.com/theoriahq/theoria-backend/internal/modules/theory/prompts"
	"github.com/theoriahq/theoria-backend/internal/modules/theory/steps"
	"github.com/theoriahq/theoria-backend/internal/observability"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/neo4jdb"
	"github.com/theoriahq/theoria-backend/internal/platform/openai"
	"github.com/theoriahq/theoria-backend/internal/platform/qdrant"
	"github.com/theoriahq/theoria-backend/internal/platform/redisx"
	"github.com/theoriahq/theoria-backend/internal/platform/vector"
	"github.com/theoriahq/theoria-backend/internal/server"
	"github.com/theoriahq/theoria-backend/internal/services"
)

func main() {
	cfg := app.LoadConfig()

	// Logger
	log, err := logger.New(cfg.Environment)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracing := observability.InitTracing(ctx, log, observability.TracingConfig{
		ServiceName: "theoria-backend",
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()
	if err := db.AutoMigrateAll(thePG); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}

	// Neo4j is optional; metric and explain paths fall back to relational
	// data when it is absent.
	graphClient, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		log.Warn("Neo4j init failed; continuing without graph features", "error", err)
		graphClient = nil
	}
	if graphClient != nil {
		defer graphClient.Close(context.Background())
	}

	// Redis is optional; single-node deployments run on in-process
	// locking and event fan-out.
	rdb, err := redisx.NewClientFromEnv(log)
	if err != nil {
		log.Warn("Redis init failed; using in-process locker and bus", "error", err)
		rdb = nil
	}
	var locker redisx.Locker
	var bus redisx.TaskBus
	if rdb != nil {
		if locker, err = redisx.NewLocker(log, rdb); err != nil {
			log.Error("Redis locker init failed", "error", err)
			os.Exit(1)
		}
		if bus, err = redisx.NewTaskBus(log, rdb); err != nil {
			log.Error("Redis task bus init failed", "error", err)
			os.Exit(1)
		}
	} else {
		locker = redisx.NewLocalLocker()
		bus = redisx.NewLocalTaskBus()
	}

	// Vector store
	qdrantCfg, err := qdrant.ResolveConfigFromEnv()
	if err != nil {
		log.Error("Qdrant config invalid", "error", err)
		os.Exit(1)
	}
	rawVectors, err := qdrant.NewVectorStore(log, qdrantCfg)
	if err != nil {
		log.Error("Qdrant init failed", "error", err)
		os.Exit(1)
	}
	vectors, err := vector.NewScopedStore(rawVectors)
	if err != nil {
		log.Error("Vector store init failed", "error", err)
		os.Exit(1)
	}

	// Model client
	aiClient, err := openai.NewClient(log, openai.NewCapabilityRegistryFromEnv())
	if err != nil {
		log.Error("OpenAI client init failed", "error", err)
		os.Exit(1)
	}

	prompts.RegisterAll()

	judgeRules, err := steps.LoadJudgeRules(cfg.JudgeRulesPath)
	if err != nil {
		log.Error("Judge rules load failed", "error", err, "path", cfg.JudgeRulesPath)
		os.Exit(1)
	}

	// Repos
	projectRepo := researchrepo.NewProjectRepo(thePG, log)
	categoryRepo := researchrepo.NewCategoryRepo(thePG, log)
	fragmentRepo := researchrepo.NewFragmentRepo(thePG, log)
	taskRunRepo := taskrepo.NewTaskRunRepo(thePG, log)
	theoryRepo := theoryrepo.NewTheoryRepo(thePG, log)
	claimRepo := theoryrepo.NewClaimRepo(thePG, log)

	// Worker
	registry := runtime.NewRegistry()
	buildPipeline := theorybuild.New(
		thePG,
		log,
		projectRepo,
		categoryRepo,
		fragmentRepo,
		theoryRepo,
		claimRepo,
		graphClient,
		aiClient,
		vectors,
		judgeRules,
		cfg.VectorNamespace,
	)
	if err := registry.Register(buildPipeline); err != nil {
		log.Error("Pipeline registration failed", "error", err)
		os.Exit(1)
	}
	theWorker := worker.NewWorker(thePG, log, taskRunRepo, registry, bus)
	theWorker.Start(ctx)

	// Services
	taskService, err := services.NewTaskService(log, taskRunRepo, projectRepo, locker, bus)
	if err != nil {
		log.Error("Task service init failed", "error", err)
		os.Exit(1)
	}
	theoryService, err := services.NewTheoryService(log, theoryRepo, claimRepo, projectRepo, categoryRepo, fragmentRepo, graphClient)
	if err != nil {
		log.Error("Theory service init failed", "error", err)
		os.Exit(1)
	}

	// Middleware
	authMiddleware, err := middleware.NewAuthMiddleware(log)
	if err != nil {
		log.Error("Auth middleware init failed", "error", err)
		os.Exit(1)
	}

	// Handlers and router
	theoryHandler := handlers.NewTheoryHandler(log, taskService, theoryService)
	router := server.NewRouter(server.RouterConfig{
		AuthMiddleware: authMiddleware,
		TheoryHandler:  theoryHandler,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}
	go func() {
		log.Info("Server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown error", "error", err)
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown error", "error", err)
		}
	}
}
