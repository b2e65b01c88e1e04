package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/theoriahq/theoria-backend/internal/data/graph"
	researchrepo "github.com/theoriahq/theoria-backend/internal/data/repos/research"
	theoryrepo "github.com/theoriahq/theoria-backend/internal/data/repos/theory"
	domain "github.com/theoriahq/theoria-backend/internal/domain/theory"
	modtheory "github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	apperr "github.com/theoriahq/theoria-backend/internal/pkg/errors"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/neo4jdb"
)

// ExplainCategory and ExplainFragment are the resolved endpoints of one
// claim's explain path.
type ExplainCategory struct {
	CategoryID uuid.UUID `json:"category_id"`
	Name       string    `json:"name"`
}

type ExplainFragment struct {
	FragmentID  uuid.UUID `json:"fragment_id"`
	InterviewID uuid.UUID `json:"interview_id"`
	Text        string    `json:"text"`
}

// ExplainResult traces a claim back to the categories it is about and the
// fragments that support or contradict it. Source records whether the path
// came from the claim graph or was reconstructed from the relational row.
type ExplainResult struct {
	Claim      *domain.Claim     `json:"claim"`
	About      []ExplainCategory `json:"about"`
	Support    []ExplainFragment `json:"support"`
	Contradict []ExplainFragment `json:"contradict"`
	Source     string            `json:"source"`
}

type TheoryService interface {
	// GetLatestTheory returns the current (non-superseded, completed) theory
	// for a project with its claims.
	GetLatestTheory(ctx context.Context, ownerUserID, projectID uuid.UUID) (*domain.Theory, []*domain.Claim, error)
	ExplainClaim(ctx context.Context, ownerUserID, theoryID, claimID uuid.UUID) (*ExplainResult, error)
}

type theoryService struct {
	log        *logger.Logger
	theories   theoryrepo.TheoryRepo
	claims     theoryrepo.ClaimRepo
	projects   researchrepo.ProjectRepo
	categories researchrepo.CategoryRepo
	fragments  researchrepo.FragmentRepo
	graph      *neo4jdb.Client
}

func NewTheoryService(
	baseLog *logger.Logger,
	theories theoryrepo.TheoryRepo,
	claims theoryrepo.ClaimRepo,
	projects researchrepo.ProjectRepo,
	categories researchrepo.CategoryRepo,
	fragments researchrepo.FragmentRepo,
	graphClient *neo4jdb.Client,
) (TheoryService, error) {
	if theories == nil || claims == nil || projects == nil {
		return nil, fmt.Errorf("missing theory service dependencies")
	}
	return &theoryService{
		log:        baseLog.With("service", "TheoryService"),
		theories:   theories,
		claims:     claims,
		projects:   projects,
		categories: categories,
		fragments:  fragments,
		graph:      graphClient,
	}, nil
}

func (s *theoryService) GetLatestTheory(ctx context.Context, ownerUserID, projectID uuid.UUID) (*domain.Theory, []*domain.Claim, error) {
	if projectID == uuid.Nil {
		return nil, nil, apperr.ErrInvalidArgument
	}
	dbc := dbctx.Context{Ctx: ctx}
	if err := s.checkProjectOwner(dbc, ownerUserID, projectID); err != nil {
		return nil, nil, err
	}
	t, err := s.theories.GetLatestCompletedByProject(dbc, projectID)
	if err != nil {
		return nil, nil, err
	}
	if t == nil {
		return nil, nil, apperr.ErrNotFound
	}
	claims, err := s.claims.ListByTheory(dbc, t.ID)
	if err != nil {
		return nil, nil, err
	}
	return t, claims, nil
}

// ExplainClaim resolves one claim's provenance. The claim graph answers
// when available; otherwise the relational support/category columns
// reconstruct the same path.
func (s *theoryService) ExplainClaim(ctx context.Context, ownerUserID, theoryID, claimID uuid.UUID) (*ExplainResult, error) {
	if theoryID == uuid.Nil || claimID == uuid.Nil {
		return nil, apperr.ErrInvalidArgument
	}
	dbc := dbctx.Context{Ctx: ctx}

	t, err := s.theories.GetByID(dbc, theoryID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperr.ErrNotFound
	}
	if err := s.checkProjectOwner(dbc, ownerUserID, t.ProjectID); err != nil {
		return nil, err
	}

	claim, err := s.claims.GetByID(dbc, claimID)
	if err != nil {
		return nil, err
	}
	if claim == nil || claim.TheoryID != theoryID {
		return nil, apperr.ErrNotFound
	}

	categoryIDs, supportIDs, contradictIDs, source := s.resolveLinks(ctx, claim)
	result := &ExplainResult{Claim: claim, Source: source}

	if len(categoryIDs) > 0 {
		cats, cErr := s.categories.GetByIDs(dbc, categoryIDs)
		if cErr != nil {
			return nil, cErr
		}
		for _, c := range cats {
			result.About = append(result.About, ExplainCategory{CategoryID: c.ID, Name: c.Name})
		}
	}
	result.Support, err = s.resolveFragments(dbc, t.ProjectID, supportIDs)
	if err != nil {
		return nil, err
	}
	result.Contradict, err = s.resolveFragments(dbc, t.ProjectID, contradictIDs)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// resolveLinks prefers the graph one-hop path and falls back to the
// relational jsonb columns, which carry the same references.
func (s *theoryService) resolveLinks(ctx context.Context, claim *domain.Claim) (categoryIDs, supportIDs, contradictIDs []uuid.UUID, source string) {
	neighbors, err := graph.FetchClaimNeighbors(ctx, s.graph, claim.ID)
	if err == nil && len(neighbors) > 0 {
		for _, n := range neighbors {
			switch n.Rel {
			case graph.ClaimRelAbout:
				categoryIDs = append(categoryIDs, n.TargetID)
			case graph.ClaimRelSupportedBy:
				supportIDs = append(supportIDs, n.TargetID)
			case graph.ClaimRelContradictedBy:
				contradictIDs = append(contradictIDs, n.TargetID)
			}
		}
		return categoryIDs, supportIDs, contradictIDs, "graph"
	}
	if err != nil {
		s.log.Debug("claim graph unavailable for explain; using relational columns", "claim_id", claim.ID.String(), "error", err)
	}

	if len(claim.CategoryIDs) > 0 {
		_ = json.Unmarshal(claim.CategoryIDs, &categoryIDs)
	}
	if len(claim.Support) > 0 {
		var refs []modtheory.EvidenceRef
		if jErr := json.Unmarshal(claim.Support, &refs); jErr == nil {
			for _, r := range refs {
				if r.Stance == "contradict" {
					contradictIDs = append(contradictIDs, r.FragmentID)
				} else {
					supportIDs = append(supportIDs, r.FragmentID)
				}
			}
		}
	}
	return categoryIDs, supportIDs, contradictIDs, "relational"
}

func (s *theoryService) resolveFragments(dbc dbctx.Context, projectID uuid.UUID, ids []uuid.UUID) ([]ExplainFragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	frags, err := s.fragments.GetByIDs(dbc, projectID, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ExplainFragment, 0, len(frags))
	for _, f := range frags {
		out = append(out, ExplainFragment{FragmentID: f.ID, InterviewID: f.InterviewID, Text: f.Text})
	}
	return out, nil
}

func (s *theoryService) checkProjectOwner(dbc dbctx.Context, ownerUserID, projectID uuid.UUID) error {
	project, err := s.projects.GetByID(dbc, projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return apperr.ErrNotFound
	}
	if project.OwnerUserID != ownerUserID {
		return apperr.ErrUnauthorized
	}
	return nil
}
