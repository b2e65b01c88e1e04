package research

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/theoriahq/theoria-backend/internal/domain/research"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
)

type ProjectRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Project, error)
	CountInterviews(dbc dbctx.Context, projectID uuid.UUID) (int64, error)
}

type projectRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return &projectRepo{
		db:  db,
		log: baseLog.With("repo", "ProjectRepo"),
	}
}

func (r *projectRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Project, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var project domain.Project
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&project).Error
	if err != nil {
		return nil, err
	}
	if project.ID == uuid.Nil {
		return nil, nil
	}
	return &project, nil
}

func (r *projectRepo) CountInterviews(dbc dbctx.Context, projectID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&domain.Interview{}).
		Where("project_id = ?", projectID).
		Count(&count).Error
	return count, err
}
