package theory

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/theoriahq/theoria-backend/internal/domain/theory"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
)

type TheoryRepo interface {
	Create(dbc dbctx.Context, t *domain.Theory) (*domain.Theory, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Theory, error)
	GetLatestCompletedByProject(dbc dbctx.Context, projectID uuid.UUID) (*domain.Theory, error)
	// MarkSuperseded points every other completed theory of the project at
	// the new one, preserving the supersession chain.
	MarkSuperseded(dbc dbctx.Context, projectID, newTheoryID uuid.UUID) error
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type theoryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTheoryRepo(db *gorm.DB, baseLog *logger.Logger) TheoryRepo {
	return &theoryRepo{
		db:  db,
		log: baseLog.With("repo", "TheoryRepo"),
	}
}

func (r *theoryRepo) Create(dbc dbctx.Context, t *domain.Theory) (*domain.Theory, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if t == nil {
		return nil, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

func (r *theoryRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Theory, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var t domain.Theory
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == uuid.Nil {
		return nil, nil
	}
	return &t, nil
}

func (r *theoryRepo) GetLatestCompletedByProject(dbc dbctx.Context, projectID uuid.UUID) (*domain.Theory, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return nil, nil
	}
	var t domain.Theory
	err := transaction.WithContext(dbc.Ctx).
		Where("project_id = ? AND status = ? AND superseded_by IS NULL", projectID, domain.StatusCompleted).
		Order("created_at DESC").
		Limit(1).
		Find(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == uuid.Nil {
		return nil, nil
	}
	return &t, nil
}

func (r *theoryRepo) MarkSuperseded(dbc dbctx.Context, projectID, newTheoryID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil || newTheoryID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Theory{}).
		Where("project_id = ? AND id <> ? AND superseded_by IS NULL", projectID, newTheoryID).
		Update("superseded_by", newTheoryID).Error
}

func (r *theoryRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(updates) == 0 {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Theory{}).
		Where("id = ?", id).
		Updates(updates).Error
}
