package research

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/theoriahq/theoria-backend/internal/domain/research"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
)

// CategorySummary is a category plus the labels of its member codes,
// the text basis for phase-one relevance matching.
type CategorySummary struct {
	ID          uuid.UUID
	Name        string
	Description string
	CodeLabels  []string
}

// CoOccurrencePair counts fragments shared by two categories. CategoryA is
// always the lexically smaller id so each pair appears once.
type CoOccurrencePair struct {
	CategoryA uuid.UUID `gorm:"column:category_a"`
	CategoryB uuid.UUID `gorm:"column:category_b"`
	Weight    int64     `gorm:"column:weight"`
}

type CategoryRepo interface {
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*domain.Category, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Category, error)
	ListSummaries(dbc dbctx.Context, projectID uuid.UUID) ([]CategorySummary, error)
	CoOccurrencePairs(dbc dbctx.Context, projectID uuid.UUID) ([]CoOccurrencePair, error)
}

type categoryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCategoryRepo(db *gorm.DB, baseLog *logger.Logger) CategoryRepo {
	return &categoryRepo{
		db:  db,
		log: baseLog.With("repo", "CategoryRepo"),
	}
}

func (r *categoryRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*domain.Category, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Category
	if projectID == uuid.Nil {
		return out, nil
	}
	err := transaction.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("name ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *categoryRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Category, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Category
	if len(ids) == 0 {
		return out, nil
	}
	err := transaction.WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *categoryRepo) ListSummaries(dbc dbctx.Context, projectID uuid.UUID) ([]CategorySummary, error) {
	categories, err := r.ListByProject(dbc, projectID)
	if err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return []CategorySummary{}, nil
	}

	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}

	type labelRow struct {
		CategoryID uuid.UUID `gorm:"column:category_id"`
		Label      string    `gorm:"column:label"`
	}
	var rows []labelRow
	err = transaction.WithContext(dbc.Ctx).
		Table("category_code").
		Select("category_code.category_id, code.label").
		Joins("JOIN code ON code.id = category_code.code_id").
		Where("code.project_id = ?", projectID).
		Order("code.label ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	labelsByCategory := map[uuid.UUID][]string{}
	for _, row := range rows {
		labelsByCategory[row.CategoryID] = append(labelsByCategory[row.CategoryID], row.Label)
	}

	out := make([]CategorySummary, 0, len(categories))
	for _, c := range categories {
		out = append(out, CategorySummary{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			CodeLabels:  labelsByCategory[c.ID],
		})
	}
	return out, nil
}

// CoOccurrencePairs counts distinct fragments that carry codes from both
// categories of each pair. This is the relational basis for edge weights
// when the graph store is unavailable.
func (r *categoryRepo) CoOccurrencePairs(dbc dbctx.Context, projectID uuid.UUID) ([]CoOccurrencePair, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []CoOccurrencePair
	if projectID == uuid.Nil {
		return out, nil
	}
	err := transaction.WithContext(dbc.Ctx).Raw(`
		SELECT a.category_id AS category_a,
		       b.category_id AS category_b,
		       COUNT(DISTINCT cfa.fragment_id) AS weight
		FROM category_code a
		JOIN code_fragment cfa ON cfa.code_id = a.code_id
		JOIN code_fragment cfb ON cfb.fragment_id = cfa.fragment_id
		JOIN category_code b ON b.code_id = cfb.code_id
		JOIN category ca ON ca.id = a.category_id
		JOIN category cb ON cb.id = b.category_id
		WHERE ca.project_id = ?
		  AND cb.project_id = ?
		  AND a.category_id < b.category_id
		GROUP BY a.category_id, b.category_id
	`, projectID, projectID).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
