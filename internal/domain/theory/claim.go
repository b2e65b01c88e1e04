package theory

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	SectionParadigm    = "paradigm"
	SectionProposition = "proposition"
	SectionGap         = "gap"
)

// Claim is the relational mirror of one node written to the claim graph.
// The relational row is authoritative; the graph write is a post-commit
// projection. ID is derived deterministically from
// (theory_id, section, order, normalized text) so re-runs upsert instead
// of duplicating.
type Claim struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TheoryID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"theory_id"`
	ProjectID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	Section     string         `gorm:"column:section;not null;index" json:"section"`
	Order       int            `gorm:"column:sort_order;not null;default:0" json:"order"`
	Type        string         `gorm:"column:type;not null" json:"type"`
	Text        string         `gorm:"column:text;type:text;not null" json:"text"`
	CategoryIDs datatypes.JSON `gorm:"column:category_ids;type:jsonb" json:"category_ids,omitempty"`
	Support     datatypes.JSON `gorm:"column:support;type:jsonb" json:"support,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Claim) TableName() string { return "claim" }
