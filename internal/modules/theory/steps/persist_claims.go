package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/theoriahq/theoria-backend/internal/data/graph"
	theoryrepo "github.com/theoriahq/theoria-backend/internal/data/repos/theory"
	domain "github.com/theoriahq/theoria-backend/internal/domain/theory"
	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/neo4jdb"
)

// claimNamespaceUUID seeds deterministic claim ids. Never change it: a new
// namespace would orphan every previously persisted claim on re-run.
var claimNamespaceUUID = uuid.MustParse("b3a1f7d2-8c44-4e0b-9f6a-2d91c57e83aa")

// ClaimID derives the stable id for a claim from its position and
// normalized text. The same draft persisted twice produces the same ids.
func ClaimID(theoryID uuid.UUID, section string, order int, text string) uuid.UUID {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	seed := fmt.Sprintf("%s|%s|%d|%s", theoryID.String(), section, order, normalized)
	return uuid.NewSHA1(claimNamespaceUUID, []byte(seed))
}

// ClaimPersister flattens a judged draft into relational claim rows and a
// graph projection.
type ClaimPersister struct {
	log         *logger.Logger
	claimRepo   theoryrepo.ClaimRepo
	graphClient *neo4jdb.Client
}

func NewClaimPersister(log *logger.Logger, claimRepo theoryrepo.ClaimRepo, graphClient *neo4jdb.Client) *ClaimPersister {
	return &ClaimPersister{
		log:         log.With("step", "persist_claims"),
		claimRepo:   claimRepo,
		graphClient: graphClient,
	}
}

// Persist writes the claim rows inside the caller's transaction and returns
// the graph payload for SyncGraph. The relational write is authoritative.
func (p *ClaimPersister) Persist(dbc dbctx.Context, projectID, theoryID uuid.UUID, draft *theory.Draft) ([]graph.ClaimNode, []graph.ClaimLink, error) {
	claims, nodes, links := flattenDraft(projectID, theoryID, draft)
	if err := p.claimRepo.UpsertAll(dbc, claims); err != nil {
		return nil, nil, err
	}
	return nodes, links, nil
}

// SyncGraph projects the claims into neo4j. Runs after the relational
// commit; the caller records failure in the run audit and moves on.
func (p *ClaimPersister) SyncGraph(ctx context.Context, nodes []graph.ClaimNode, links []graph.ClaimLink) error {
	if err := graph.UpsertClaimGraph(ctx, p.graphClient, p.log, nodes, links); err != nil {
		p.log.Warn("claim graph sync failed", "error", err)
		return err
	}
	return nil
}

func flattenDraft(projectID, theoryID uuid.UUID, draft *theory.Draft) ([]*domain.Claim, []graph.ClaimNode, []graph.ClaimLink) {
	var claims []*domain.Claim
	var nodes []graph.ClaimNode
	var links []graph.ClaimLink

	add := func(section, claimType, text string, order int, categoryIDs []uuid.UUID, evidence []theory.EvidenceRef) {
		id := ClaimID(theoryID, section, order, text)
		claims = append(claims, &domain.Claim{
			ID:          id,
			TheoryID:    theoryID,
			ProjectID:   projectID,
			Section:     section,
			Order:       order,
			Type:        claimType,
			Text:        text,
			CategoryIDs: toJSON(categoryIDs),
			Support:     toJSON(evidence),
		})
		nodes = append(nodes, graph.ClaimNode{
			ID:        id,
			TheoryID:  theoryID,
			ProjectID: projectID,
			Section:   section,
			Type:      claimType,
			Order:     order,
			Text:      text,
		})
		for _, catID := range categoryIDs {
			links = append(links, graph.ClaimLink{ClaimID: id, TargetID: catID, Rel: graph.ClaimRelAbout})
		}
		for _, ref := range evidence {
			rel := graph.ClaimRelSupportedBy
			if ref.Stance == "contradict" {
				rel = graph.ClaimRelContradictedBy
			}
			links = append(links, graph.ClaimLink{ClaimID: id, TargetID: ref.FragmentID, Rel: rel})
		}
	}

	central := []uuid.UUID{draft.Central.CategoryID}
	order := 0
	addItems := func(claimType string, items []theory.ParadigmItem) {
		for _, it := range items {
			add(domain.SectionParadigm, claimType, it.Text, order, central, it.Evidence)
			order++
		}
	}
	addItems(SectionContext, draft.Paradigm.Context)
	addItems(SectionConditions, draft.Paradigm.Conditions)
	addItems(SectionActions, draft.Paradigm.Actions)
	addItems(SectionInterveningConditions, draft.Paradigm.InterveningConditions)
	for _, c := range draft.Paradigm.Consequences {
		add(domain.SectionParadigm, SectionConsequences, c.Text, order, central, c.Evidence)
		order++
	}

	for i, prop := range draft.Propositions {
		add(domain.SectionProposition, theory.ClaimKindProposition, prop.Text, i, prop.CategoryIDs, prop.Evidence)
	}
	for i, gap := range draft.Gaps {
		add(domain.SectionGap, theory.ClaimKindGap, gap.Text, i, nil, gap.Evidence)
	}
	return claims, nodes, links
}

func toJSON(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
