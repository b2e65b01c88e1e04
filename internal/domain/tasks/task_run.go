package tasks

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const TaskTypeTheoryBuild = "theory_build"

// TaskRun tracks one asynchronous pipeline execution. NextPollHintMs tells
// polling clients how long to wait before the next status check; it only
// ever increases within a run.
type TaskRun struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	ProjectID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	TaskType       string         `gorm:"column:task_type;not null;index" json:"task_type"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	Step           string         `gorm:"column:step;not null" json:"step"`
	Progress       int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Attempts       int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ErrorCode      string         `gorm:"column:error_code" json:"error_code,omitempty"`
	Error          string         `gorm:"column:error" json:"error,omitempty"`
	NextPollHintMs int            `gorm:"column:next_poll_hint_ms;not null;default:1000" json:"next_poll_hint_ms"`
	LockedAt       *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt    *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt    *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	Payload        datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result         datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`
	CreatedAt      time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (TaskRun) TableName() string { return "task_run" }

// Terminal reports whether status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
