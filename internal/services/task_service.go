package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	researchrepo "github.com/theoriahq/theoria-backend/internal/data/repos/research"
	taskrepo "github.com/theoriahq/theoria-backend/internal/data/repos/tasks"
	domain "github.com/theoriahq/theoria-backend/internal/domain/tasks"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	apperr "github.com/theoriahq/theoria-backend/internal/pkg/errors"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/redisx"
)

const enqueueLockTTL = 30 * time.Second

// TaskService owns the task-run lifecycle from the API side: single-flight
// enqueue, owner-scoped reads, cancellation, and live event subscription.
type TaskService interface {
	EnqueueTheoryBuild(ctx context.Context, ownerUserID, projectID uuid.UUID) (*domain.TaskRun, error)
	GetStatus(ctx context.Context, ownerUserID, taskID uuid.UUID) (*domain.TaskRun, error)
	Cancel(ctx context.Context, ownerUserID, taskID uuid.UUID) (*domain.TaskRun, error)
	Watch(ctx context.Context, ownerUserID, taskID uuid.UUID) (<-chan redisx.TaskEvent, func(), error)
}

type taskService struct {
	log      *logger.Logger
	runs     taskrepo.TaskRunRepo
	projects researchrepo.ProjectRepo
	locker   redisx.Locker
	bus      redisx.TaskBus
}

func NewTaskService(
	baseLog *logger.Logger,
	runs taskrepo.TaskRunRepo,
	projects researchrepo.ProjectRepo,
	locker redisx.Locker,
	bus redisx.TaskBus,
) (TaskService, error) {
	if runs == nil || projects == nil || locker == nil {
		return nil, fmt.Errorf("missing task service dependencies")
	}
	return &taskService{
		log:      baseLog.With("service", "TaskService"),
		runs:     runs,
		projects: projects,
		locker:   locker,
		bus:      bus,
	}, nil
}

// EnqueueTheoryBuild creates one queued run per project. The lock closes
// the check-then-create race between concurrent requests; the runnable
// check catches runs enqueued before this process started.
func (s *taskService) EnqueueTheoryBuild(ctx context.Context, ownerUserID, projectID uuid.UUID) (*domain.TaskRun, error) {
	if projectID == uuid.Nil {
		return nil, apperr.ErrInvalidArgument
	}
	dbc := dbctx.Context{Ctx: ctx}

	project, err := s.projects.GetByID(dbc, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.ErrNotFound
	}
	if project.OwnerUserID != ownerUserID {
		return nil, apperr.ErrUnauthorized
	}
	interviews, err := s.projects.CountInterviews(dbc, projectID)
	if err != nil {
		return nil, err
	}
	if interviews == 0 {
		return nil, fmt.Errorf("%w: project has no interviews", apperr.ErrInvalidArgument)
	}

	lockKey := fmt.Sprintf("theoria:lock:%s:%s", domain.TaskTypeTheoryBuild, projectID.String())
	lease, err := s.locker.Acquire(ctx, lockKey, enqueueLockTTL)
	if err != nil {
		if errors.Is(err, redisx.ErrLockHeld) {
			return nil, apperr.ErrRunConflict
		}
		return nil, err
	}
	defer func() {
		if rErr := lease.Release(ctx); rErr != nil {
			s.log.Warn("enqueue lock release failed", "key", lockKey, "error", rErr)
		}
	}()

	exists, err := s.runs.ExistsRunnableForProject(dbc, projectID, domain.TaskTypeTheoryBuild)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperr.ErrRunConflict
	}

	payload, err := json.Marshal(map[string]string{"project_id": projectID.String()})
	if err != nil {
		return nil, err
	}
	created, err := s.runs.Create(dbc, []*domain.TaskRun{{
		OwnerUserID:    ownerUserID,
		ProjectID:      projectID,
		TaskType:       domain.TaskTypeTheoryBuild,
		Status:         domain.StatusQueued,
		Step:           "queued",
		NextPollHintMs: 1000,
		Payload:        datatypes.JSON(payload),
	}})
	if err != nil {
		return nil, err
	}
	run := created[0]
	s.log.Info("theory build enqueued",
		"task_id", run.ID.String(),
		"project_id", projectID.String(),
	)
	return run, nil
}

func (s *taskService) GetStatus(ctx context.Context, ownerUserID, taskID uuid.UUID) (*domain.TaskRun, error) {
	run, err := s.ownedRun(ctx, ownerUserID, taskID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Cancel requests cooperative cancellation. A terminal run is returned
// unchanged so retried cancels stay idempotent; the pipeline observes the
// status flip at its next stage boundary.
func (s *taskService) Cancel(ctx context.Context, ownerUserID, taskID uuid.UUID) (*domain.TaskRun, error) {
	run, err := s.ownedRun(ctx, ownerUserID, taskID)
	if err != nil {
		return nil, err
	}
	if domain.Terminal(run.Status) {
		return run, nil
	}

	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now()
	ok, err := s.runs.UpdateFieldsUnlessStatus(dbc, run.ID,
		[]string{domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled},
		map[string]interface{}{
			"status":     domain.StatusCancelled,
			"locked_at":  nil,
			"updated_at": now,
		})
	if err != nil {
		return nil, err
	}
	if ok && s.bus != nil {
		_ = s.bus.Publish(ctx, redisx.TaskEvent{
			TaskID: run.ID.String(),
			Status: domain.StatusCancelled,
			Stage:  run.Step,
			At:     now.UnixMilli(),
		})
	}
	return s.runs.GetByID(dbc, run.ID)
}

func (s *taskService) Watch(ctx context.Context, ownerUserID, taskID uuid.UUID) (<-chan redisx.TaskEvent, func(), error) {
	if s.bus == nil {
		return nil, nil, fmt.Errorf("task events unavailable")
	}
	if _, err := s.ownedRun(ctx, ownerUserID, taskID); err != nil {
		return nil, nil, err
	}
	return s.bus.Subscribe(ctx, taskID.String())
}

func (s *taskService) ownedRun(ctx context.Context, ownerUserID, taskID uuid.UUID) (*domain.TaskRun, error) {
	if taskID == uuid.Nil {
		return nil, apperr.ErrInvalidArgument
	}
	run, err := s.runs.GetByID(dbctx.Context{Ctx: ctx}, taskID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apperr.ErrNotFound
	}
	if run.OwnerUserID != ownerUserID {
		return nil, apperr.ErrUnauthorized
	}
	return run, nil
}
