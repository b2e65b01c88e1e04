package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	domain "github.com/theoriahq/theoria-backend/internal/domain/tasks"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
)

// openTestDB builds an in-memory sqlite database with the task_run schema.
// The uuid default lives in postgres; tests set ids explicitly.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	ddl := `CREATE TABLE task_run (
		id text PRIMARY KEY,
		owner_user_id text NOT NULL,
		project_id text NOT NULL,
		task_type text NOT NULL,
		status text NOT NULL,
		step text NOT NULL DEFAULT '',
		progress integer NOT NULL DEFAULT 0,
		attempts integer NOT NULL DEFAULT 0,
		error_code text,
		error text,
		next_poll_hint_ms integer NOT NULL DEFAULT 1000,
		locked_at datetime,
		heartbeat_at datetime,
		last_error_at datetime,
		payload text,
		result text,
		created_at datetime,
		updated_at datetime,
		deleted_at datetime
	)`
	if err := db.Exec(ddl).Error; err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func newTestRun(projectID uuid.UUID, status string) *domain.TaskRun {
	now := time.Now()
	return &domain.TaskRun{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		ProjectID:   projectID,
		TaskType:    domain.TaskTypeTheoryBuild,
		Status:      status,
		Step:        "queued",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestTaskRunCreateAndGet(t *testing.T) {
	repo := NewTaskRunRepo(openTestDB(t), logger.NewNop())
	dbc := dbctx.Context{Ctx: context.Background()}

	run := newTestRun(uuid.New(), domain.StatusQueued)
	created, err := repo.Create(dbc, []*domain.TaskRun{run})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 created run, got %d", len(created))
	}

	got, err := repo.GetByID(dbc, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != run.ID || got.Status != domain.StatusQueued {
		t.Fatalf("unexpected run: %+v", got)
	}

	missing, err := repo.GetByID(dbc, uuid.New())
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown id, got %+v", missing)
	}
}

func TestTaskRunUpdateFieldsUnlessStatus(t *testing.T) {
	repo := NewTaskRunRepo(openTestDB(t), logger.NewNop())
	dbc := dbctx.Context{Ctx: context.Background()}

	run := newTestRun(uuid.New(), domain.StatusRunning)
	if _, err := repo.Create(dbc, []*domain.TaskRun{run}); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := repo.UpdateFieldsUnlessStatus(dbc, run.ID,
		[]string{domain.StatusCancelled},
		map[string]interface{}{"progress": 40, "step": "paradigm"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !ok {
		t.Fatalf("expected update to apply")
	}

	// Flip to cancelled, then verify the guard blocks later writes. This is
	// the race a worker loses when a user cancels mid-stage.
	if err := repo.UpdateFields(dbc, run.ID, map[string]interface{}{"status": domain.StatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ok, err = repo.UpdateFieldsUnlessStatus(dbc, run.ID,
		[]string{domain.StatusCancelled},
		map[string]interface{}{"progress": 60})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if ok {
		t.Fatalf("guard must block updates on a cancelled run")
	}

	got, err := repo.GetByID(dbc, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Progress != 40 || got.Status != domain.StatusCancelled {
		t.Fatalf("cancelled run mutated: %+v", got)
	}

	// Multiple disallowed statuses use the NOT IN branch.
	ok, err = repo.UpdateFieldsUnlessStatus(dbc, run.ID,
		[]string{domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled},
		map[string]interface{}{"progress": 70})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if ok {
		t.Fatalf("terminal guard must block the update")
	}
}

func TestTaskRunExistsRunnableForProject(t *testing.T) {
	repo := NewTaskRunRepo(openTestDB(t), logger.NewNop())
	dbc := dbctx.Context{Ctx: context.Background()}
	projectID := uuid.New()

	exists, err := repo.ExistsRunnableForProject(dbc, projectID, domain.TaskTypeTheoryBuild)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatalf("no runs yet, expected false")
	}

	done := newTestRun(projectID, domain.StatusCompleted)
	if _, err := repo.Create(dbc, []*domain.TaskRun{done}); err != nil {
		t.Fatalf("create: %v", err)
	}
	exists, _ = repo.ExistsRunnableForProject(dbc, projectID, domain.TaskTypeTheoryBuild)
	if exists {
		t.Fatalf("terminal runs are not runnable")
	}

	queued := newTestRun(projectID, domain.StatusQueued)
	if _, err := repo.Create(dbc, []*domain.TaskRun{queued}); err != nil {
		t.Fatalf("create: %v", err)
	}
	exists, _ = repo.ExistsRunnableForProject(dbc, projectID, domain.TaskTypeTheoryBuild)
	if !exists {
		t.Fatalf("queued run should count as runnable")
	}

	// Other projects are unaffected.
	exists, _ = repo.ExistsRunnableForProject(dbc, uuid.New(), domain.TaskTypeTheoryBuild)
	if exists {
		t.Fatalf("runnable check leaked across projects")
	}
}

func TestTaskRunHeartbeatOnlyWhileRunning(t *testing.T) {
	repo := NewTaskRunRepo(openTestDB(t), logger.NewNop())
	dbc := dbctx.Context{Ctx: context.Background()}

	run := newTestRun(uuid.New(), domain.StatusRunning)
	if _, err := repo.Create(dbc, []*domain.TaskRun{run}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Heartbeat(dbc, run.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ := repo.GetByID(dbc, run.ID)
	if got.HeartbeatAt == nil {
		t.Fatalf("heartbeat not recorded")
	}

	if err := repo.UpdateFields(dbc, run.ID, map[string]interface{}{
		"status":       domain.StatusCancelled,
		"heartbeat_at": nil,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := repo.Heartbeat(dbc, run.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ = repo.GetByID(dbc, run.ID)
	if got.HeartbeatAt != nil {
		t.Fatalf("heartbeat must not touch non-running runs: %+v", got)
	}
}

func TestTaskRunGetLatestByProject(t *testing.T) {
	repo := NewTaskRunRepo(openTestDB(t), logger.NewNop())
	dbc := dbctx.Context{Ctx: context.Background()}
	projectID := uuid.New()

	old := newTestRun(projectID, domain.StatusCompleted)
	old.CreatedAt = time.Now().Add(-time.Hour)
	newer := newTestRun(projectID, domain.StatusQueued)
	if _, err := repo.Create(dbc, []*domain.TaskRun{old, newer}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetLatestByProject(dbc, projectID, domain.TaskTypeTheoryBuild)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got == nil || got.ID != newer.ID {
		t.Fatalf("expected the newest run, got %+v", got)
	}
}
