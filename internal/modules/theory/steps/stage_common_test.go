package steps

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/theoriahq/theoria-backend/internal/modules/theory"
)

func evidenceIndexFixture() *theory.EvidenceIndex {
	index := theory.NewEvidenceIndex()
	index.ByCategory[catA] = []theory.EvidenceItem{
		{FragmentID: fragOne, InterviewID: interviewOne, Text: "first line\nwith a break"},
		{FragmentID: fragTwo, InterviewID: interviewTwo, Text: "second line"},
	}
	return index
}

func TestRenderEvidenceBlock(t *testing.T) {
	sub := foldFixture()
	index := evidenceIndexFixture()

	block := RenderEvidenceBlock(sub, index, 0)
	if !strings.HasPrefix(block, "## Autonomy\n") {
		t.Fatalf("categories must render in rank order: %q", block)
	}
	// Categories without evidence are skipped entirely.
	if strings.Contains(block, "Belonging") || strings.Contains(block, "Control") {
		t.Fatalf("empty categories should not render: %q", block)
	}
	if !strings.Contains(block, fragOne.String()+"\tfirst line with a break") {
		t.Fatalf("lines must be fragment-id prefixed and newline-flattened: %q", block)
	}

	// The per-category limit trims from the bottom.
	trimmed := RenderEvidenceBlock(sub, index, 1)
	if strings.Contains(trimmed, fragTwo.String()) {
		t.Fatalf("limit of 1 should drop the second item: %q", trimmed)
	}
	if !strings.Contains(trimmed, fragOne.String()) {
		t.Fatalf("limit of 1 should keep the top item: %q", trimmed)
	}

	if RenderEvidenceBlock(sub, nil, 0) != "" {
		t.Fatalf("nil index renders empty")
	}
}

func TestNeighborhoodJSON(t *testing.T) {
	sub := foldFixture()
	sub.Edges = []theory.SubgraphEdge{
		{FromID: catA, ToID: catB, Weight: 2},
		{FromID: catC, ToID: catA, Weight: 5},
		{FromID: catB, ToID: catC, Weight: 9}, // not incident to central
	}

	var out []struct {
		CategoryID string  `json:"category_id"`
		Name       string  `json:"name"`
		Weight     float64 `json:"weight"`
	}
	if err := json.Unmarshal([]byte(neighborhoodJSON(sub, catA)), &out); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 direct neighbors, got %+v", out)
	}
	// Strongest first, regardless of edge direction.
	if out[0].Name != "Control" || out[0].Weight != 5 {
		t.Fatalf("unexpected first neighbor: %+v", out[0])
	}
	if out[1].Name != "Belonging" {
		t.Fatalf("unexpected second neighbor: %+v", out[1])
	}
}

func TestSubgraphCandidatesJSON(t *testing.T) {
	var out []struct {
		CategoryID string `json:"category_id"`
		Name       string `json:"name"`
		Rank       int    `json:"rank"`
		Role       string `json:"role"`
	}
	if err := json.Unmarshal([]byte(subgraphCandidatesJSON(foldFixture())), &out); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(out) != 3 || out[0].CategoryID != catA.String() || out[0].Role != "top" {
		t.Fatalf("unexpected candidates: %+v", out)
	}
}
