package research

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Category groups related codes produced during axial coding. Categories
// are the nodes of the analysis graph the pipeline reasons over.
type Category struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	Name        string         `gorm:"column:name;not null;index" json:"name"`
	Description string         `gorm:"column:description;type:text" json:"description,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Category) TableName() string { return "category" }

// CategoryCode links a category to a member code.
type CategoryCode struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CategoryID uuid.UUID `gorm:"type:uuid;not null;index:idx_category_code,unique,priority:1" json:"category_id"`
	CodeID     uuid.UUID `gorm:"type:uuid;not null;index:idx_category_code,unique,priority:2" json:"code_id"`
	CreatedAt  time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (CategoryCode) TableName() string { return "category_code" }
