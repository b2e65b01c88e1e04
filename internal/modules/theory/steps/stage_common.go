package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/modules/theory/prompts"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/openai"
)

// Per-category evidence line counts for successive degradation steps.
// Step 0 means untrimmed.
var evidenceDegradeLevels = []int{8, 5, 3, 2, 1}

const stageReservedOutputTokens = 4096

// stageRunner is the budget-checked generation path every stage shares.
type stageRunner struct {
	log *logger.Logger
	ai  openai.Client
}

// generate renders the named prompt, degrades the evidence block until the
// request fits the model context, and returns the decoded JSON response.
// Degradation only trims data already in memory.
func (r *stageRunner) generate(ctx context.Context, name prompts.PromptName, baseIn prompts.Input, sub *theory.CriticalSubgraph, index *theory.EvidenceIndex, audit *theory.RunAudit) (map[string]any, error) {
	caps := r.ai.Capabilities()

	limit := 0
	var built prompts.Prompt
	var buildErr error
	render := func() theory.BudgetRequest {
		in := baseIn
		in.EvidenceBlock = RenderEvidenceBlock(sub, index, limit)
		built, buildErr = prompts.Build(name, in)
		if buildErr != nil {
			return theory.BudgetRequest{}
		}
		return theory.BudgetRequest{System: built.System, User: built.User}
	}
	degrade := func(step int) bool {
		if step > len(evidenceDegradeLevels) {
			return false
		}
		limit = evidenceDegradeLevels[step-1]
		return true
	}

	_, steps, err := theory.EnsureWithinBudget(r.log, render, caps, stageReservedOutputTokens, len(evidenceDegradeLevels), degrade)
	if buildErr != nil {
		return nil, buildErr
	}
	audit.DegradationSteps += steps
	if err != nil {
		return nil, err
	}

	raw, err := r.ai.GenerateJSON(ctx, built.System, built.User, built.SchemaName, built.Schema)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", built.Name, err)
	}
	return raw, nil
}

func decodeInto(raw map[string]any, out any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// RenderEvidenceBlock lays out evidence grouped by category in subgraph
// rank order, perCategoryLimit lines per category (0 means all). Each line
// starts with the fragment id so the model can cite it.
func RenderEvidenceBlock(sub *theory.CriticalSubgraph, index *theory.EvidenceIndex, perCategoryLimit int) string {
	if index == nil {
		return ""
	}
	var b strings.Builder
	for _, node := range sub.Nodes {
		items := index.ByCategory[node.CategoryID]
		if len(items) == 0 {
			continue
		}
		if perCategoryLimit > 0 && len(items) > perCategoryLimit {
			items = items[:perCategoryLimit]
		}
		fmt.Fprintf(&b, "## %s\n", node.Name)
		for _, it := range items {
			text := strings.ReplaceAll(it.Text, "\n", " ")
			fmt.Fprintf(&b, "%s\t%s\n", it.FragmentID.String(), text)
		}
	}
	return b.String()
}

// subgraphCandidatesJSON serializes the nodes for the selection prompt.
func subgraphCandidatesJSON(sub *theory.CriticalSubgraph) string {
	type candidate struct {
		CategoryID string  `json:"category_id"`
		Name       string  `json:"name"`
		Rank       int     `json:"rank"`
		Score      float64 `json:"score"`
		Role       string  `json:"role"`
	}
	out := make([]candidate, 0, len(sub.Nodes))
	for _, n := range sub.Nodes {
		out = append(out, candidate{
			CategoryID: n.CategoryID.String(),
			Name:       n.Name,
			Rank:       n.Rank,
			Score:      n.Score,
			Role:       n.Role,
		})
	}
	return mustJSON(out)
}

func subgraphJSON(sub *theory.CriticalSubgraph) string {
	type edge struct {
		From   string  `json:"from"`
		To     string  `json:"to"`
		Weight float64 `json:"weight"`
	}
	type payload struct {
		Basis string   `json:"centrality_basis"`
		Nodes []string `json:"nodes"`
		Edges []edge   `json:"edges"`
	}
	p := payload{Basis: sub.CentralityBasis}
	for _, n := range sub.Nodes {
		p.Nodes = append(p.Nodes, fmt.Sprintf("%s (%s)", n.Name, n.CategoryID.String()))
	}
	for _, e := range sub.Edges {
		p.Edges = append(p.Edges, edge{From: e.FromID.String(), To: e.ToID.String(), Weight: e.Weight})
	}
	return mustJSON(p)
}

// neighborhoodJSON serializes the central category's direct neighbors with
// edge strengths, sorted strongest first.
func neighborhoodJSON(sub *theory.CriticalSubgraph, centralID uuid.UUID) string {
	names := make(map[uuid.UUID]string, len(sub.Nodes))
	for _, n := range sub.Nodes {
		names[n.CategoryID] = n.Name
	}
	type neighbor struct {
		CategoryID string  `json:"category_id"`
		Name       string  `json:"name"`
		Weight     float64 `json:"weight"`
	}
	out := []neighbor{}
	for _, e := range sub.Edges {
		var other uuid.UUID
		switch centralID {
		case e.FromID:
			other = e.ToID
		case e.ToID:
			other = e.FromID
		default:
			continue
		}
		out = append(out, neighbor{CategoryID: other.String(), Name: names[other], Weight: e.Weight})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight == out[j].Weight {
			return out[i].CategoryID < out[j].CategoryID
		}
		return out[i].Weight > out[j].Weight
	})
	return mustJSON(out)
}
