package theory_build

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	taskrepo "github.com/theoriahq/theoria-backend/internal/data/repos/tasks"
	domain "github.com/theoriahq/theoria-backend/internal/domain/tasks"
	taskrt "github.com/theoriahq/theoria-backend/internal/jobs/runtime"
	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/modules/theory/steps"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
)

func taskContextFixture(t *testing.T) (*taskrt.Context, taskrepo.TaskRunRepo) {
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
		owner_user_id text NOT NULL, project_id text NOT NULL,
		task_type text NOT NULL, status text NOT NULL,
		step text NOT NULL DEFAULT '', progress integer NOT NULL DEFAULT 0,
		attempts integer NOT NULL DEFAULT 0, error_code text, error text,
		next_poll_hint_ms integer NOT NULL DEFAULT 1000,
		locked_at datetime, heartbeat_at datetime, last_error_at datetime,
		payload text, result text,
		created_at datetime, updated_at datetime, deleted_at datetime
	)`
	if err := db.Exec(ddl).Error; err != nil {
		t.Fatalf("create schema: %v", err)
	}
	repo := taskrepo.NewTaskRunRepo(db, logger.NewNop())

	now := time.Now()
	run := &domain.TaskRun{
		ID: uuid.New(), OwnerUserID: uuid.New(), ProjectID: uuid.New(),
		TaskType: domain.TaskTypeTheoryBuild, Status: domain.StatusRunning,
		Step: "judge", NextPollHintMs: 1000,
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := repo.Create(dbctx.Context{Ctx: context.Background()}, []*domain.TaskRun{run}); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return taskrt.NewContext(context.Background(), db, run, repo, nil), repo
}

func storedRun(t *testing.T, repo taskrepo.TaskRunRepo, id uuid.UUID) *domain.TaskRun {
	t.Helper()
	run, err := repo.GetByID(dbctx.Context{Ctx: context.Background()}, id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return run
}

func TestFinishRunCompletesOnSuccess(t *testing.T) {
	tc, repo := taskContextFixture(t)
	out := steps.BuildOutput{
		TheoryID:   uuid.New(),
		Verdict:    "passed",
		ClaimCount: 7,
		Audit:      theory.NewRunAudit(),
	}

	finishRun(tc, out, nil)

	stored := storedRun(t, repo, tc.Run.ID)
	if stored.Status != domain.StatusCompleted || stored.Step != "done" {
		t.Fatalf("unexpected run state: %+v", stored)
	}
	var result map[string]any
	if err := json.Unmarshal(stored.Result, &result); err != nil {
		t.Fatalf("result not json: %v", err)
	}
	if result["theory_id"] != out.TheoryID.String() || result["verdict"] != "passed" {
		t.Fatalf("unexpected result payload: %v", result)
	}
}

// A failed quality gate is a completed run with an explicit verdict: the
// draft theory and its validation record are already stored, so the caller
// gets the theory id and the failing gates instead of a bare error code.
func TestFinishRunGateFailureCompletesWithResult(t *testing.T) {
	tc, repo := taskContextFixture(t)
	out := steps.BuildOutput{
		TheoryID:   uuid.New(),
		Verdict:    "failed",
		ClaimCount: 4,
		Audit:      theory.NewRunAudit(),
	}
	gateErr := &theory.QualityGateError{FailedRules: []string{"coverage", "consequence_balance"}}

	finishRun(tc, out, gateErr)

	stored := storedRun(t, repo, tc.Run.ID)
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("gate failure must still complete the run: %+v", stored)
	}
	if stored.Step != "quality_gate_failed" {
		t.Fatalf("unexpected final step: %q", stored.Step)
	}
	var result map[string]any
	if err := json.Unmarshal(stored.Result, &result); err != nil {
		t.Fatalf("result not json: %v", err)
	}
	if result["theory_id"] != out.TheoryID.String() || result["verdict"] != "failed" {
		t.Fatalf("draft theory not surfaced in result: %v", result)
	}
	rules, ok := result["failed_rules"].([]any)
	if !ok || len(rules) != 2 || rules[0] != "coverage" {
		t.Fatalf("failing gates not surfaced in result: %v", result["failed_rules"])
	}
}

func TestFinishRunMapsErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantStep string
		wantCode string
	}{
		{"budget", theory.ErrBudgetExceeded, "budget", "budget_exceeded"},
		{"evidence", fmt.Errorf("retrieve: %w", theory.ErrEvidenceUnavailable), "evidence", "evidence_unavailable"},
		{"pipeline", fmt.Errorf("neo4j session lost"), "judge", "pipeline_error"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tc, repo := taskContextFixture(t)
			finishRun(tc, steps.BuildOutput{}, tt.err)

			stored := storedRun(t, repo, tc.Run.ID)
			if stored.Status != domain.StatusFailed {
				t.Fatalf("expected failed run, got %+v", stored)
			}
			if stored.Step != tt.wantStep || stored.ErrorCode != tt.wantCode {
				t.Fatalf("expected %s/%s, got %s/%s", tt.wantStep, tt.wantCode, stored.Step, stored.ErrorCode)
			}
		})
	}
}

func TestFinishRunLeavesCancelledRunAlone(t *testing.T) {
	tc, repo := taskContextFixture(t)
	finishRun(tc, steps.BuildOutput{}, steps.ErrRunCancelled)

	stored := storedRun(t, repo, tc.Run.ID)
	if stored.Status != domain.StatusRunning {
		t.Fatalf("cancel propagation must not rewrite the run: %+v", stored)
	}
}
