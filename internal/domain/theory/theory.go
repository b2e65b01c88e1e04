package theory

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusDraft     = "draft"
	StatusCompleted = "completed"
)

// Theory is the persisted output of one pipeline run: the selected central
// category, the paradigm structure, propositions and gaps, plus the
// validation and audit records from the run that produced it. A newer run
// for the same project supersedes the previous theory rather than
// overwriting it.
type Theory struct {
	ID                uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	CentralCategoryID uuid.UUID      `gorm:"type:uuid;not null" json:"central_category_id"`
	Justification     string         `gorm:"column:justification;type:text" json:"justification,omitempty"`
	Paradigm          datatypes.JSON `gorm:"column:paradigm;type:jsonb" json:"paradigm"`
	Propositions      datatypes.JSON `gorm:"column:propositions;type:jsonb" json:"propositions"`
	Gaps              datatypes.JSON `gorm:"column:gaps;type:jsonb" json:"gaps"`
	Validation        datatypes.JSON `gorm:"column:validation;type:jsonb" json:"validation,omitempty"`
	Audit             datatypes.JSON `gorm:"column:audit;type:jsonb" json:"audit,omitempty"`
	Status            string         `gorm:"column:status;not null;default:'draft';index" json:"status"`
	SupersededBy      *uuid.UUID     `gorm:"type:uuid;column:superseded_by;index" json:"superseded_by,omitempty"`
	CreatedAt         time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Theory) TableName() string { return "theory" }
