package steps

import (
	"context"
	"fmt"

	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/modules/theory/prompts"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/openai"
)

// Paradigm sections the repair path can target.
const (
	SectionContext               = "context"
	SectionConditions            = "conditions"
	SectionActions               = "actions"
	SectionInterveningConditions = "intervening_conditions"
	SectionConsequences          = "consequences"
)

// ParadigmStage builds the explanatory paradigm around the central
// category.
type ParadigmStage struct {
	runner stageRunner
}

func NewParadigmStage(log *logger.Logger, ai openai.Client) *ParadigmStage {
	return &ParadigmStage{runner: stageRunner{log: log.With("stage", "paradigm_build"), ai: ai}}
}

func (s *ParadigmStage) Run(ctx context.Context, sub *theory.CriticalSubgraph, index *theory.EvidenceIndex, central theory.CentralSelection, audit *theory.RunAudit) (theory.Paradigm, error) {
	return s.run(ctx, sub, index, central, nil, "", "", audit)
}

// Repair regenerates a single paradigm section with the judge's focus terms
// and merges it into the existing paradigm. Untargeted sections are kept
// exactly as they were.
func (s *ParadigmStage) Repair(ctx context.Context, sub *theory.CriticalSubgraph, index *theory.EvidenceIndex, central theory.CentralSelection, existing theory.Paradigm, section, focus string, audit *theory.RunAudit) (theory.Paradigm, error) {
	repaired, err := s.run(ctx, sub, index, central, &existing, section, focus, audit)
	if err != nil {
		return existing, err
	}
	merged := existing
	switch section {
	case SectionContext:
		merged.Context = repaired.Context
	case SectionConditions:
		merged.Conditions = repaired.Conditions
	case SectionActions:
		merged.Actions = repaired.Actions
	case SectionInterveningConditions:
		merged.InterveningConditions = repaired.InterveningConditions
	case SectionConsequences:
		merged.Consequences = repaired.Consequences
	default:
		return existing, fmt.Errorf("unknown paradigm section %q", section)
	}
	return merged, nil
}

func (s *ParadigmStage) run(ctx context.Context, sub *theory.CriticalSubgraph, index *theory.EvidenceIndex, central theory.CentralSelection, existing *theory.Paradigm, section, focus string, audit *theory.RunAudit) (theory.Paradigm, error) {
	in := prompts.Input{
		CentralCategoryJSON: centralJSON(sub, central),
		NeighborhoodJSON:    neighborhoodJSON(sub, central.CategoryID),
		RepairSection:       section,
		RepairFocus:         focus,
	}
	if existing != nil {
		in.ParadigmJSON = mustJSON(existing)
	}

	raw, err := s.runner.generate(ctx, prompts.PromptParadigmBuild, in, sub, index, audit)
	if err != nil {
		return theory.Paradigm{}, err
	}
	var paradigm theory.Paradigm
	if err := decodeInto(raw, &paradigm); err != nil {
		return theory.Paradigm{}, fmt.Errorf("paradigm decode: %w", err)
	}
	return paradigm, nil
}

func centralJSON(sub *theory.CriticalSubgraph, central theory.CentralSelection) string {
	name := ""
	for _, n := range sub.Nodes {
		if n.CategoryID == central.CategoryID {
			name = n.Name
			break
		}
	}
	return mustJSON(map[string]any{
		"category_id":   central.CategoryID.String(),
		"name":          name,
		"justification": central.Justification,
	})
}
