package research

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Code is an analyst-assigned label applied to fragments.
type Code struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	Label      string         `gorm:"column:label;not null;index" json:"label"`
	Definition string         `gorm:"column:definition;type:text" json:"definition,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Code) TableName() string { return "code" }

// CodeFragment links a code to a fragment it was applied to. Origin records
// whether the application came from the machine coder, a human analyst, or
// a human-confirmed machine suggestion.
type CodeFragment struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CodeID     uuid.UUID `gorm:"type:uuid;not null;index:idx_code_fragment,unique,priority:1" json:"code_id"`
	FragmentID uuid.UUID `gorm:"type:uuid;not null;index:idx_code_fragment,unique,priority:2" json:"fragment_id"`
	Confidence float64   `gorm:"column:confidence;not null;default:1" json:"confidence"`
	Origin     string    `gorm:"column:origin;not null;default:'human'" json:"origin"`
	CreatedAt  time.Time `gorm:"not null;default:now()" json:"created_at"`
}

const (
	CodeOriginMachine = "machine"
	CodeOriginHuman   = "human"
	CodeOriginHybrid  = "hybrid"
)

func (CodeFragment) TableName() string { return "code_fragment" }
