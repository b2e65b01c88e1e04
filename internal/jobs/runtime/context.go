package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	taskrepo "github.com/theoriahq/theoria-backend/internal/data/repos/tasks"
	domain "github.com/theoriahq/theoria-backend/internal/domain/tasks"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/redisx"
)

// Context is the execution handle for one claimed task run. Pipelines never
// touch the task_run row directly; every lifecycle transition goes through
// here so the cancelled guard and the poll-hint invariant hold everywhere.
type Context struct {
	Ctx  context.Context
	DB   *gorm.DB
	Run  *domain.TaskRun
	Repo taskrepo.TaskRunRepo
	Bus  redisx.TaskBus

	payload map[string]any
}

func NewContext(ctx context.Context, db *gorm.DB, run *domain.TaskRun, repo taskrepo.TaskRunRepo, bus redisx.TaskBus) *Context {
	c := &Context{
		Ctx:  ctx,
		DB:   db,
		Run:  run,
		Repo: repo,
		Bus:  bus,
	}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Run == nil {
		return nil
	}
	if len(c.Run.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Run.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	s, ok := v.(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Cancelled re-reads the run's status. Pipelines call this at stage
// boundaries; a cancelled run stops before the next stage starts.
func (c *Context) Cancelled() bool {
	if c.Run == nil || c.Run.ID == uuid.Nil {
		return false
	}
	current, err := c.Repo.GetByID(dbctx.Context{Ctx: c.Ctx}, c.Run.ID)
	if err != nil || current == nil {
		return false
	}
	c.Run.Status = current.Status
	return current.Status == domain.StatusCancelled
}

// Progress publishes a non-terminal update. Both the percentage and the
// poll hint are monotone within a run: a stale or out-of-order caller can
// never walk either value backwards.
func (c *Context) Progress(step string, pct int, msg string, pollHintMs int) {
	if c == nil || c.Run == nil || c.Run.ID == uuid.Nil {
		return
	}
	now := time.Now()
	if pct < c.Run.Progress {
		pct = c.Run.Progress
	}
	hint := c.Run.NextPollHintMs
	if pollHintMs > hint {
		hint = pollHintMs
	}

	ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.Ctx}, c.Run.ID, []string{domain.StatusCancelled}, map[string]interface{}{
		"step":              step,
		"progress":          pct,
		"next_poll_hint_ms": hint,
		"heartbeat_at":      now,
		"updated_at":        now,
	})
	if !ok {
		return
	}

	c.Run.Step = step
	c.Run.Progress = pct
	c.Run.NextPollHintMs = hint
	c.Run.HeartbeatAt = &now
	c.Run.UpdatedAt = now

	c.publish(domain.StatusRunning, step, pct, msg)
}

// Fail marks the run terminally failed. A cancelled run is never
// overwritten.
func (c *Context) Fail(step, code string, err error) {
	if c == nil || c.Run == nil || c.Run.ID == uuid.Nil {
		return
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.Ctx}, c.Run.ID, []string{domain.StatusCancelled}, map[string]interface{}{
		"status":        domain.StatusFailed,
		"step":          step,
		"error_code":    code,
		"error":         msg,
		"last_error_at": now,
		"locked_at":     nil,
		"updated_at":    now,
	})
	if !ok {
		return
	}

	c.Run.Status = domain.StatusFailed
	c.Run.Step = step
	c.Run.ErrorCode = code
	c.Run.Error = msg
	c.Run.LastErrorAt = &now
	c.Run.LockedAt = nil
	c.Run.UpdatedAt = now

	c.publish(domain.StatusFailed, step, c.Run.Progress, msg)
}

// Succeed marks the run completed and stores the result payload.
func (c *Context) Succeed(finalStep string, result any) {
	if c == nil || c.Run == nil || c.Run.ID == uuid.Nil {
		return
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, err := json.Marshal(result)
		if err == nil {
			res = datatypes.JSON(b)
		}
	}

	ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.Ctx}, c.Run.ID, []string{domain.StatusCancelled}, map[string]interface{}{
		"status":       domain.StatusCompleted,
		"step":         finalStep,
		"progress":     100,
		"error_code":   "",
		"error":        "",
		"result":       res,
		"locked_at":    nil,
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if !ok {
		return
	}

	c.Run.Status = domain.StatusCompleted
	c.Run.Step = finalStep
	c.Run.Progress = 100
	c.Run.ErrorCode = ""
	c.Run.Error = ""
	c.Run.Result = res
	c.Run.LockedAt = nil
	c.Run.HeartbeatAt = &now
	c.Run.UpdatedAt = now

	c.publish(domain.StatusCompleted, finalStep, 100, "")
}

func (c *Context) publish(status, step string, pct int, msg string) {
	if c.Bus == nil {
		return
	}
	_ = c.Bus.Publish(c.Ctx, redisx.TaskEvent{
		TaskID:   c.Run.ID.String(),
		Status:   status,
		Stage:    step,
		Progress: float64(pct) / 100,
		Message:  msg,
		At:       time.Now().UnixMilli(),
	})
}
