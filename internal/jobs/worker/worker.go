package worker

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	taskrepo "github.com/theoriahq/theoria-backend/internal/data/repos/tasks"
	"github.com/theoriahq/theoria-backend/internal/jobs/runtime"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/envutil"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/redisx"
)

type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     taskrepo.TaskRunRepo
	registry *runtime.Registry
	bus      redisx.TaskBus
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo taskrepo.TaskRunRepo, registry *runtime.Registry, bus redisx.TaskBus) *Worker {
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "TaskWorker"),
		repo:     repo,
		registry: registry,
		bus:      bus,
	}
}

func (w *Worker) Start(ctx context.Context) {
	concurrency := envutil.Int("WORKER_CONCURRENCY", 2)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Starting task worker pool", "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	maxAttempts := envutil.Int("WORKER_MAX_ATTEMPTS", 3)
	retryDelay := envutil.Duration("WORKER_RETRY_DELAY", 30*time.Second)
	staleRunning := envutil.Duration("WORKER_STALE_RUNNING", 15*time.Minute)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			run, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, maxAttempts, retryDelay, staleRunning)
			if err != nil {
				w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
				continue
			}
			if run == nil {
				continue
			}

			tc := runtime.NewContext(ctx, w.db, run, w.repo, w.bus)

			h, ok := w.registry.Get(run.TaskType)
			if !ok {
				w.log.Warn("No handler registered for task_type",
					"worker_id", workerID,
					"task_type", run.TaskType,
					"task_id", run.ID,
				)
				tc.Fail("dispatch", "no_handler", fmt.Errorf("no handler registered for task_type=%s", run.TaskType))
				continue
			}

			w.execute(ctx, workerID, tc, h)
		}
	}
}

func (w *Worker) execute(ctx context.Context, workerID int, tc *runtime.Context, h runtime.Handler) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeatLoop(hbCtx, tc)
	defer stopHeartbeat()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Task handler panic",
				"worker_id", workerID,
				"task_id", tc.Run.ID,
				"task_type", tc.Run.TaskType,
				"panic", r,
			)
			tc.Fail("panic", "panic", fmt.Errorf("handler panic: %v", r))
		}
	}()

	if runErr := h.Run(tc); runErr != nil {
		// Most pipelines call tc.Fail themselves; this is a safety net.
		tc.Fail("run", "run_error", runErr)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, tc *runtime.Context) {
	interval := envutil.Duration("WORKER_HEARTBEAT_INTERVAL", 15*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tc.Repo.Heartbeat(dbctx.Context{Ctx: ctx}, tc.Run.ID); err != nil {
				w.log.Warn("Heartbeat failed", "task_id", tc.Run.ID, "error", err)
			}
		}
	}
}
