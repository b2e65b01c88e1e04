package steps

import (
	"context"
	"fmt"

	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/modules/theory/prompts"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/openai"
)

// CentralStage selects the single most explanatory category from the
// critical subgraph.
type CentralStage struct {
	runner stageRunner
}

func NewCentralStage(log *logger.Logger, ai openai.Client) *CentralStage {
	return &CentralStage{runner: stageRunner{log: log.With("stage", "central_category"), ai: ai}}
}

func (s *CentralStage) Run(ctx context.Context, sub *theory.CriticalSubgraph, index *theory.EvidenceIndex, audit *theory.RunAudit) (theory.CentralSelection, error) {
	in := prompts.Input{
		CandidatesJSON: subgraphCandidatesJSON(sub),
		SubgraphJSON:   subgraphJSON(sub),
	}
	raw, err := s.runner.generate(ctx, prompts.PromptCentralCategory, in, sub, index, audit)
	if err != nil {
		return theory.CentralSelection{}, err
	}

	var selection theory.CentralSelection
	if err := decodeInto(raw, &selection); err != nil {
		return theory.CentralSelection{}, fmt.Errorf("central selection decode: %w", err)
	}

	// The model must choose from the candidates, never invent.
	known := false
	for _, n := range sub.Nodes {
		if n.CategoryID == selection.CategoryID {
			known = true
			break
		}
	}
	if !known {
		return theory.CentralSelection{}, fmt.Errorf("central selection %q is not a candidate category", selection.CategoryID.String())
	}
	return selection, nil
}
