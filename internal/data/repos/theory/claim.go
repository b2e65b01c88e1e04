package theory

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/theoriahq/theoria-backend/internal/domain/theory"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
)

type ClaimRepo interface {
	// UpsertAll writes claims keyed by their deterministic ids; a re-run of
	// the same theory updates rows in place.
	UpsertAll(dbc dbctx.Context, claims []*domain.Claim) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Claim, error)
	ListByTheory(dbc dbctx.Context, theoryID uuid.UUID) ([]*domain.Claim, error)
}

type claimRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewClaimRepo(db *gorm.DB, baseLog *logger.Logger) ClaimRepo {
	return &claimRepo{
		db:  db,
		log: baseLog.With("repo", "ClaimRepo"),
	}
}

func (r *claimRepo) UpsertAll(dbc dbctx.Context, claims []*domain.Claim) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(claims) == 0 {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"text", "type", "category_ids", "support", "sort_order", "updated_at"}),
		}).
		Create(&claims).Error
}

func (r *claimRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Claim, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var claim domain.Claim
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&claim).Error
	if err != nil {
		return nil, err
	}
	if claim.ID == uuid.Nil {
		return nil, nil
	}
	return &claim, nil
}

func (r *claimRepo) ListByTheory(dbc dbctx.Context, theoryID uuid.UUID) ([]*domain.Claim, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Claim
	if theoryID == uuid.Nil {
		return out, nil
	}
	err := transaction.WithContext(dbc.Ctx).
		Where("theory_id = ?", theoryID).
		Order("section ASC, sort_order ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
