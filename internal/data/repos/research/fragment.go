package research

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/theoriahq/theoria-backend/internal/domain/research"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
)

type FragmentRepo interface {
	GetByIDs(dbc dbctx.Context, projectID uuid.UUID, ids []uuid.UUID) ([]*domain.Fragment, error)
	GetByVectorIDs(dbc dbctx.Context, projectID uuid.UUID, vectorIDs []string) ([]*domain.Fragment, error)
	// MostRecentlyCodedByCategory is the structured fallback when the vector
	// store is unreachable or holds nothing for a category: newest coded
	// fragments carrying any of the category's codes.
	MostRecentlyCodedByCategory(dbc dbctx.Context, projectID, categoryID uuid.UUID, limit int) ([]*domain.Fragment, error)
	CountDistinctInterviewsByCategory(dbc dbctx.Context, projectID, categoryID uuid.UUID) (int64, error)
}

type fragmentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFragmentRepo(db *gorm.DB, baseLog *logger.Logger) FragmentRepo {
	return &fragmentRepo{
		db:  db,
		log: baseLog.With("repo", "FragmentRepo"),
	}
}

func (r *fragmentRepo) GetByIDs(dbc dbctx.Context, projectID uuid.UUID, ids []uuid.UUID) ([]*domain.Fragment, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Fragment
	if projectID == uuid.Nil || len(ids) == 0 {
		return out, nil
	}
	err := transaction.WithContext(dbc.Ctx).
		Where("project_id = ? AND id IN ?", projectID, ids).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *fragmentRepo) GetByVectorIDs(dbc dbctx.Context, projectID uuid.UUID, vectorIDs []string) ([]*domain.Fragment, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Fragment
	if projectID == uuid.Nil || len(vectorIDs) == 0 {
		return out, nil
	}
	err := transaction.WithContext(dbc.Ctx).
		Where("project_id = ? AND vector_id IN ?", projectID, vectorIDs).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *fragmentRepo) MostRecentlyCodedByCategory(dbc dbctx.Context, projectID, categoryID uuid.UUID, limit int) ([]*domain.Fragment, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Fragment
	if projectID == uuid.Nil || categoryID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 {
		limit = 10
	}
	err := transaction.WithContext(dbc.Ctx).
		Model(&domain.Fragment{}).
		Distinct("fragment.*").
		Joins("JOIN code_fragment ON code_fragment.fragment_id = fragment.id").
		Joins("JOIN category_code ON category_code.code_id = code_fragment.code_id").
		Where("fragment.project_id = ? AND category_code.category_id = ?", projectID, categoryID).
		Order("fragment.coded_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *fragmentRepo) CountDistinctInterviewsByCategory(dbc dbctx.Context, projectID, categoryID uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == uuid.Nil || categoryID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&domain.Fragment{}).
		Distinct("fragment.interview_id").
		Joins("JOIN code_fragment ON code_fragment.fragment_id = fragment.id").
		Joins("JOIN category_code ON category_code.code_id = code_fragment.code_id").
		Where("fragment.project_id = ? AND category_code.category_id = ?", projectID, categoryID).
		Count(&count).Error
	return count, err
}
