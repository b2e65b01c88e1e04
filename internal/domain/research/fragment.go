package research

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Fragment is one coded span of interview transcript. Position orders
// fragments within their interview; VectorID points at the embedding in
// the similarity index.
type Fragment struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	InterviewID uuid.UUID      `gorm:"type:uuid;not null;index" json:"interview_id"`
	Position    int            `gorm:"column:position;not null;default:0;index" json:"position"`
	StartMs     *int           `gorm:"column:start_ms" json:"start_ms,omitempty"`
	EndMs       *int           `gorm:"column:end_ms" json:"end_ms,omitempty"`
	Text        string         `gorm:"column:text;type:text;not null" json:"text"`
	VectorID    string         `gorm:"column:vector_id;index" json:"vector_id,omitempty"`
	CodedAt     *time.Time     `gorm:"column:coded_at;index" json:"coded_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Fragment) TableName() string { return "fragment" }
