package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	researchrepo "github.com/theoriahq/theoria-backend/internal/data/repos/research"
	taskrepo "github.com/theoriahq/theoria-backend/internal/data/repos/tasks"
	researchdomain "github.com/theoriahq/theoria-backend/internal/domain/research"
	domain "github.com/theoriahq/theoria-backend/internal/domain/tasks"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	apperr "github.com/theoriahq/theoria-backend/internal/pkg/errors"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/redisx"
)

type taskServiceFixture struct {
	svc      TaskService
	runs     taskrepo.TaskRunRepo
	owner    uuid.UUID
	project  uuid.UUID
	emptyPrj uuid.UUID
}

func newTaskServiceFixture(t *testing.T) *taskServiceFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	for _, ddl := range []string{
		`CREATE TABLE project (
			id text PRIMARY KEY, owner_user_id text NOT NULL, name text NOT NULL,
			description text, settings text,
			created_at datetime, updated_at datetime, deleted_at datetime
		)`,
		`CREATE TABLE interview (
			id text PRIMARY KEY, project_id text NOT NULL, title text NOT NULL,
			participant text, conducted_at datetime, metadata text,
			created_at datetime, updated_at datetime, deleted_at datetime
		)`,
		`CREATE TABLE task_run (
			id text PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
			owner_user_id text NOT NULL, project_id text NOT NULL,
			task_type text NOT NULL, status text NOT NULL,
			step text NOT NULL DEFAULT '', progress integer NOT NULL DEFAULT 0,
			attempts integer NOT NULL DEFAULT 0, error_code text, error text,
			next_poll_hint_ms integer NOT NULL DEFAULT 1000,
			locked_at datetime, heartbeat_at datetime, last_error_at datetime,
			payload text, result text,
			created_at datetime, updated_at datetime, deleted_at datetime
		)`,
	} {
		require.NoError(t, db.Exec(ddl).Error)
	}

	owner := uuid.New()
	project := uuid.New()
	emptyPrj := uuid.New()
	require.NoError(t, db.Create(&researchdomain.Project{
		ID: project, OwnerUserID: owner, Name: "caregiving study",
	}).Error)
	require.NoError(t, db.Create(&researchdomain.Project{
		ID: emptyPrj, OwnerUserID: owner, Name: "empty study",
	}).Error)
	require.NoError(t, db.Create(&researchdomain.Interview{
		ID: uuid.New(), ProjectID: project, Title: "interview one",
	}).Error)

	log := logger.NewNop()
	runs := taskrepo.NewTaskRunRepo(db, log)
	projects := researchrepo.NewProjectRepo(db, log)
	svc, err := NewTaskService(log, runs, projects, redisx.NewLocalLocker(), redisx.NewLocalTaskBus())
	require.NoError(t, err)

	return &taskServiceFixture{svc: svc, runs: runs, owner: owner, project: project, emptyPrj: emptyPrj}
}

func TestEnqueueTheoryBuild(t *testing.T) {
	f := newTaskServiceFixture(t)
	ctx := context.Background()

	run, err := f.svc.EnqueueTheoryBuild(ctx, f.owner, f.project)
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, run.Status)
	require.Equal(t, "queued", run.Step)
	require.JSONEq(t, `{"project_id":"`+f.project.String()+`"}`, string(run.Payload))
}

func TestEnqueueSingleFlightPerProject(t *testing.T) {
	f := newTaskServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.EnqueueTheoryBuild(ctx, f.owner, f.project)
	require.NoError(t, err)

	// A queued run already exists for the project.
	_, err = f.svc.EnqueueTheoryBuild(ctx, f.owner, f.project)
	require.ErrorIs(t, err, apperr.ErrRunConflict)
}

func TestEnqueueValidation(t *testing.T) {
	f := newTaskServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.EnqueueTheoryBuild(ctx, f.owner, uuid.New())
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.EnqueueTheoryBuild(ctx, uuid.New(), f.project)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.svc.EnqueueTheoryBuild(ctx, f.owner, f.emptyPrj)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = f.svc.EnqueueTheoryBuild(ctx, f.owner, uuid.Nil)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newTaskServiceFixture(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	now := time.Now()
	run := &domain.TaskRun{
		ID: uuid.New(), OwnerUserID: f.owner, ProjectID: f.project,
		TaskType: domain.TaskTypeTheoryBuild, Status: domain.StatusRunning,
		Step: "paradigm", LockedAt: &now, CreatedAt: now, UpdatedAt: now,
	}
	_, err := f.runs.Create(dbc, []*domain.TaskRun{run})
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, f.owner, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.Nil(t, cancelled.LockedAt)

	// A second cancel returns the terminal run unchanged.
	again, err := f.svc.Cancel(ctx, f.owner, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, again.Status)
}

func TestGetStatusOwnership(t *testing.T) {
	f := newTaskServiceFixture(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	now := time.Now()
	run := &domain.TaskRun{
		ID: uuid.New(), OwnerUserID: f.owner, ProjectID: f.project,
		TaskType: domain.TaskTypeTheoryBuild, Status: domain.StatusQueued,
		Step: "queued", CreatedAt: now, UpdatedAt: now,
	}
	_, err := f.runs.Create(dbc, []*domain.TaskRun{run})
	require.NoError(t, err)

	got, err := f.svc.GetStatus(ctx, f.owner, run.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, got.ID)

	_, err = f.svc.GetStatus(ctx, uuid.New(), run.ID)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.svc.GetStatus(ctx, f.owner, uuid.New())
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestWatchPublishesCancelEvent(t *testing.T) {
	f := newTaskServiceFixture(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	now := time.Now()
	run := &domain.TaskRun{
		ID: uuid.New(), OwnerUserID: f.owner, ProjectID: f.project,
		TaskType: domain.TaskTypeTheoryBuild, Status: domain.StatusRunning,
		Step: "evidence", CreatedAt: now, UpdatedAt: now,
	}
	_, err := f.runs.Create(dbc, []*domain.TaskRun{run})
	require.NoError(t, err)

	events, cancelWatch, err := f.svc.Watch(ctx, f.owner, run.ID)
	require.NoError(t, err)
	defer cancelWatch()

	_, err = f.svc.Cancel(ctx, f.owner, run.ID)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, domain.StatusCancelled, ev.Status)
		require.Equal(t, run.ID.String(), ev.TaskID)
	case <-time.After(time.Second):
		t.Fatalf("no cancel event received")
	}
}
