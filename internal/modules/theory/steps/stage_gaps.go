package steps

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/modules/theory/prompts"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/openai"
)

// SectionPropositions is the repair target owned by this stage; it sits
// outside the paradigm, so paradigm repairs never touch it.
const SectionPropositions = "propositions"

// GapsStage derives testable propositions and evidentiary gaps from the
// paradigm, then folds any construct that appears only in propositions back
// into the paradigm so the two stay coherent.
type GapsStage struct {
	log    *logger.Logger
	runner stageRunner
}

func NewGapsStage(log *logger.Logger, ai openai.Client) *GapsStage {
	l := log.With("stage", "gaps_and_propositions")
	return &GapsStage{log: l, runner: stageRunner{log: l, ai: ai}}
}

func (s *GapsStage) Run(ctx context.Context, sub *theory.CriticalSubgraph, index *theory.EvidenceIndex, central theory.CentralSelection, paradigm *theory.Paradigm, audit *theory.RunAudit) ([]theory.Proposition, []theory.Gap, error) {
	return s.run(ctx, sub, index, central, paradigm, "", audit)
}

// Repair regenerates the propositions and gaps with the judge's focus terms
// against the unchanged paradigm.
func (s *GapsStage) Repair(ctx context.Context, sub *theory.CriticalSubgraph, index *theory.EvidenceIndex, central theory.CentralSelection, paradigm *theory.Paradigm, focus string, audit *theory.RunAudit) ([]theory.Proposition, []theory.Gap, error) {
	return s.run(ctx, sub, index, central, paradigm, focus, audit)
}

func (s *GapsStage) run(ctx context.Context, sub *theory.CriticalSubgraph, index *theory.EvidenceIndex, central theory.CentralSelection, paradigm *theory.Paradigm, focus string, audit *theory.RunAudit) ([]theory.Proposition, []theory.Gap, error) {
	in := prompts.Input{
		ParadigmJSON:        mustJSON(paradigm),
		CentralCategoryJSON: centralJSON(sub, central),
		RepairFocus:         focus,
	}
	raw, err := s.runner.generate(ctx, prompts.PromptGapsAndPropositions, in, sub, index, audit)
	if err != nil {
		return nil, nil, err
	}

	var out struct {
		Propositions []theory.Proposition `json:"propositions"`
		Gaps         []theory.Gap         `json:"gaps"`
	}
	if err := decodeInto(raw, &out); err != nil {
		return nil, nil, fmt.Errorf("gaps decode: %w", err)
	}

	folded := FoldBackConstructs(paradigm, out.Propositions, sub, central.CategoryID)
	if folded > 0 {
		s.log.Debug("folded proposition constructs into paradigm", "count", folded)
	}
	return out.Propositions, out.Gaps, nil
}

// FoldBackConstructs finds categories referenced by propositions that the
// paradigm never covered (not the central category and not one of its
// neighbors) and appends them to intervening_conditions. The paradigm and
// the propositions then speak about the same construct set.
func FoldBackConstructs(paradigm *theory.Paradigm, props []theory.Proposition, sub *theory.CriticalSubgraph, centralID uuid.UUID) int {
	covered := map[uuid.UUID]struct{}{centralID: {}}
	for _, e := range sub.Edges {
		if e.FromID == centralID {
			covered[e.ToID] = struct{}{}
		}
		if e.ToID == centralID {
			covered[e.FromID] = struct{}{}
		}
	}
	names := make(map[uuid.UUID]string, len(sub.Nodes))
	for _, n := range sub.Nodes {
		names[n.CategoryID] = n.Name
	}

	evidenceByCategory := map[uuid.UUID][]theory.EvidenceRef{}
	for _, p := range props {
		for _, id := range p.CategoryIDs {
			if _, ok := covered[id]; ok {
				continue
			}
			if _, known := names[id]; !known {
				continue
			}
			evidenceByCategory[id] = append(evidenceByCategory[id], p.Evidence...)
		}
	}

	missing := make([]uuid.UUID, 0, len(evidenceByCategory))
	for id := range evidenceByCategory {
		missing = append(missing, id)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].String() < missing[j].String() })

	for _, id := range missing {
		paradigm.InterveningConditions = append(paradigm.InterveningConditions, theory.ParadigmItem{
			Text:     fmt.Sprintf("%s conditions the central phenomenon (introduced via propositions).", names[id]),
			Evidence: dedupeEvidence(evidenceByCategory[id]),
		})
	}
	return len(missing)
}

func dedupeEvidence(refs []theory.EvidenceRef) []theory.EvidenceRef {
	seen := map[string]struct{}{}
	out := make([]theory.EvidenceRef, 0, len(refs))
	for _, r := range refs {
		key := r.FragmentID.String() + "|" + r.Stance
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
