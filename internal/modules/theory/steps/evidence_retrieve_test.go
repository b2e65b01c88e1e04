package steps

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	researchrepo "github.com/theoriahq/theoria-backend/internal/data/repos/research"
	domain "github.com/theoriahq/theoria-backend/internal/domain/research"
	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/vector"
)

// fakeVectorStore answers queries from a scripted queue. An exhausted queue
// means zero matches; a set error fails every call, which is how the outage
// tests drive it.
type fakeVectorStore struct {
	mu     sync.Mutex
	script [][]vector.VectorMatch
	err    error
	calls  int
}

func (f *fakeVectorStore) Upsert(ctx context.Context, namespace string, vectors []vector.Vector) error {
	return nil
}

func (f *fakeVectorStore) QueryMatches(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]vector.VectorMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.script) == 0 {
		return nil, nil
	}
	out := f.script[0]
	f.script = f.script[1:]
	return out, nil
}

func (f *fakeVectorStore) DeleteIDs(ctx context.Context, namespace string, ids []string) error {
	return nil
}

type fakeCategoryRepo struct {
	summaries []researchrepo.CategorySummary
}

func (f *fakeCategoryRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*domain.Category, error) {
	return nil, nil
}

func (f *fakeCategoryRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Category, error) {
	return nil, nil
}

func (f *fakeCategoryRepo) ListSummaries(dbc dbctx.Context, projectID uuid.UUID) ([]researchrepo.CategorySummary, error) {
	return f.summaries, nil
}

func (f *fakeCategoryRepo) CoOccurrencePairs(dbc dbctx.Context, projectID uuid.UUID) ([]researchrepo.CoOccurrencePair, error) {
	return nil, nil
}

func evidenceStepFixture(t *testing.T, inner vector.Store, frags *fakeFragmentRepo, categories []researchrepo.CategorySummary) *EvidenceStep {
	t.Helper()
	scoped, err := vector.NewScopedStore(inner)
	if err != nil {
		t.Fatalf("scoped store: %v", err)
	}
	cfg := DefaultEvidenceConfig()
	// Sequential queries keep the scripted store deterministic.
	cfg.Concurrency = 1
	return NewEvidenceStep(logger.NewNop(), scoped, &fakeModel{}, frags, &fakeCategoryRepo{summaries: categories}, "fragments", cfg)
}

func retrievalSubgraph() *theory.CriticalSubgraph {
	return &theory.CriticalSubgraph{
		Nodes: []theory.SubgraphNode{
			{CategoryID: catA, Name: "Autonomy", Rank: 1, Role: "top"},
			{CategoryID: catB, Name: "Belonging", Rank: 2, Role: "top"},
		},
	}
}

func recentFragments() map[uuid.UUID][]*domain.Fragment {
	return map[uuid.UUID][]*domain.Fragment{
		catA: {{ID: fragOne, ProjectID: judgeProjectID, InterviewID: interviewOne, Text: "quote one"}},
		catB: {{ID: fragTwo, ProjectID: judgeProjectID, InterviewID: interviewTwo, Text: "quote two"}},
	}
}

func TestRetrieveFallsBackWhenStoreHoldsNothing(t *testing.T) {
	// Every query succeeds and returns zero matches: the store is healthy
	// but nothing is indexed for the project.
	store := &fakeVectorStore{}
	frags := &fakeFragmentRepo{recent: recentFragments()}
	step := evidenceStepFixture(t, store, frags, []researchrepo.CategorySummary{
		{ID: catA, Name: "Autonomy"},
		{ID: catB, Name: "Belonging"},
	})
	audit := theory.NewRunAudit()

	index, err := step.Retrieve(context.Background(), dbctx.Context{Ctx: context.Background()}, judgeProjectID, retrievalSubgraph(), audit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !index.FallbackUsed || !audit.FallbackUsed {
		t.Fatalf("structured fallback should be flagged: index=%v audit=%v", index.FallbackUsed, audit.FallbackUsed)
	}
	if len(index.ByCategory[catA]) != 1 || index.ByCategory[catA][0].FragmentID != fragOne {
		t.Fatalf("category not backfilled from recent fragments: %+v", index.ByCategory)
	}
	if len(index.ByCategory[catB]) != 1 || index.ByCategory[catB][0].FragmentID != fragTwo {
		t.Fatalf("category not backfilled from recent fragments: %+v", index.ByCategory)
	}
	if index.DistinctInterviews() != 2 {
		t.Fatalf("interview tracking missing for fallback items: %d", index.DistinctInterviews())
	}
}

func TestRetrieveFallsBackOnVectorOutage(t *testing.T) {
	store := &fakeVectorStore{err: context.DeadlineExceeded}
	frags := &fakeFragmentRepo{recent: recentFragments()}
	step := evidenceStepFixture(t, store, frags, []researchrepo.CategorySummary{
		{ID: catA, Name: "Autonomy"},
		{ID: catB, Name: "Belonging"},
	})
	audit := theory.NewRunAudit()

	index, err := step.Retrieve(context.Background(), dbctx.Context{Ctx: context.Background()}, judgeProjectID, retrievalSubgraph(), audit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !index.FallbackUsed {
		t.Fatalf("outage must trigger the structured fallback")
	}
	if len(index.ByCategory) != 2 {
		t.Fatalf("expected both categories backfilled, got %d", len(index.ByCategory))
	}
}

func TestRetrievePrefersVectorPathWhenMatchesExist(t *testing.T) {
	// First the relevance pass for catA, then its full retrieval.
	store := &fakeVectorStore{script: [][]vector.VectorMatch{
		{{ID: "vec-1", Score: 0.9}},
		{{ID: "vec-1", Score: 0.9}, {ID: "vec-2", Score: 0.7}},
	}}
	frags := &fakeFragmentRepo{
		byVector: map[string]*domain.Fragment{
			"vec-1": {ID: fragOne, ProjectID: judgeProjectID, InterviewID: interviewOne, VectorID: "vec-1", Text: "quote one"},
			"vec-2": {ID: fragTwo, ProjectID: judgeProjectID, InterviewID: interviewTwo, VectorID: "vec-2", Text: "quote two"},
		},
		recent: recentFragments(),
	}
	step := evidenceStepFixture(t, store, frags, []researchrepo.CategorySummary{{ID: catA, Name: "Autonomy"}})
	audit := theory.NewRunAudit()

	sub := &theory.CriticalSubgraph{Nodes: []theory.SubgraphNode{{CategoryID: catA, Name: "Autonomy", Rank: 1, Role: "top"}}}
	index, err := step.Retrieve(context.Background(), dbctx.Context{Ctx: context.Background()}, judgeProjectID, sub, audit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if index.FallbackUsed || audit.FallbackUsed {
		t.Fatalf("vector path succeeded; fallback must not fire")
	}
	items := index.ByCategory[catA]
	if len(items) != 2 || items[0].FragmentID != fragOne || items[1].FragmentID != fragTwo {
		t.Fatalf("unexpected resolved items: %+v", items)
	}
	// Rows come back ranked by score with the fragment text swapped in.
	if items[0].Text != "quote one" || items[0].Score != 0.9 {
		t.Fatalf("fragment resolution lost text or score: %+v", items[0])
	}
}

func TestRetrieveSkipsFallbackForIrrelevantCategories(t *testing.T) {
	// catA passes its relevance check and retrieves; catB's best match
	// scores below the floor.
	store := &fakeVectorStore{script: [][]vector.VectorMatch{
		{{ID: "vec-1", Score: 0.9}},
		{{ID: "vec-1", Score: 0.9}},
		{{ID: "vec-9", Score: 0.05}},
	}}
	frags := &fakeFragmentRepo{
		byVector: map[string]*domain.Fragment{
			"vec-1": {ID: fragOne, ProjectID: judgeProjectID, InterviewID: interviewOne, VectorID: "vec-1", Text: "quote one"},
		},
		recent: recentFragments(),
	}
	step := evidenceStepFixture(t, store, frags, []researchrepo.CategorySummary{
		{ID: catA, Name: "Autonomy"},
		{ID: catB, Name: "Belonging"},
	})
	audit := theory.NewRunAudit()

	index, err := step.Retrieve(context.Background(), dbctx.Context{Ctx: context.Background()}, judgeProjectID, retrievalSubgraph(), audit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// catB had vectors but none relevant enough: that is a rejection, not
	// starvation, so it gets neither vector evidence nor fallback rows.
	if _, ok := index.ByCategory[catB]; ok {
		t.Fatalf("below-floor category must stay excluded: %+v", index.ByCategory)
	}
	if index.FallbackUsed {
		t.Fatalf("fallback must not fire for rejected categories")
	}
	if len(index.ByCategory[catA]) != 1 {
		t.Fatalf("healthy category lost its evidence: %+v", index.ByCategory)
	}
}

func TestRetrieveErrorsWhenNothingResolves(t *testing.T) {
	store := &fakeVectorStore{err: context.DeadlineExceeded}
	frags := &fakeFragmentRepo{} // no recent fragments either
	step := evidenceStepFixture(t, store, frags, []researchrepo.CategorySummary{{ID: catA, Name: "Autonomy"}})

	_, err := step.Retrieve(context.Background(), dbctx.Context{Ctx: context.Background()}, judgeProjectID, retrievalSubgraph(), theory.NewRunAudit())
	if err != theory.ErrEvidenceUnavailable {
		t.Fatalf("expected ErrEvidenceUnavailable, got %v", err)
	}
}

func evidenceItems(interview uuid.UUID, n int) []theory.EvidenceItem {
	out := make([]theory.EvidenceItem, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, theory.EvidenceItem{FragmentID: uuid.New(), InterviewID: interview})
	}
	return out
}

func TestApplyDiversityCapLimitsPerInterview(t *testing.T) {
	// Cap 0.4 at limit 5 allows ceil(2.0) = 2 items per interview.
	items := append(evidenceItems(interviewOne, 4), evidenceItems(interviewTwo, 4)...)
	out := applyDiversityCap(items, 0.4, 5)

	counts := map[uuid.UUID]int{}
	for _, it := range out {
		counts[it.InterviewID]++
	}
	if counts[interviewOne] != 2 || counts[interviewTwo] != 2 {
		t.Fatalf("expected 2 per interview, got %v", counts)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 items total, got %d", len(out))
	}
}

func TestApplyDiversityCapPreservesOrderAndLimit(t *testing.T) {
	items := evidenceItems(interviewOne, 2)
	items = append(items, evidenceItems(interviewTwo, 2)...)
	items = append(items, evidenceItems(interviewOne, 2)...)

	out := applyDiversityCap(items, 1.0, 3)
	if len(out) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(out))
	}
	for i := range out {
		if out[i].FragmentID != items[i].FragmentID {
			t.Fatalf("rank order not preserved at %d", i)
		}
	}
}

func TestApplyDiversityCapDegenerateInputs(t *testing.T) {
	items := evidenceItems(interviewOne, 3)
	// Non-positive or out-of-range cap disables the per-interview limit.
	if out := applyDiversityCap(items, 0, 10); len(out) != 3 {
		t.Fatalf("zero cap should pass everything through, got %d", len(out))
	}
	if out := applyDiversityCap(items, 1.5, 10); len(out) != 3 {
		t.Fatalf("out-of-range cap should pass everything through, got %d", len(out))
	}
	// Zero limit means no overall cap.
	if out := applyDiversityCap(items, 1.0, 0); len(out) != 3 {
		t.Fatalf("zero limit should keep all items, got %d", len(out))
	}
}

func TestSummaryText(t *testing.T) {
	sum := researchrepo.CategorySummary{
		Name:        "Belonging",
		Description: "Ties to neighbors and kin.",
		CodeLabels:  []string{"visits", "shared meals"},
	}

	text := summaryText(sum, "")
	if !strings.HasPrefix(text, "Belonging. Ties to neighbors and kin.") {
		t.Fatalf("unexpected prefix: %q", text)
	}
	if !strings.Contains(text, "Codes: visits, shared meals") {
		t.Fatalf("code labels missing: %q", text)
	}
	if strings.Contains(text, "Focus:") {
		t.Fatalf("no focus requested but present: %q", text)
	}

	biased := summaryText(sum, "wider interview spread")
	if !strings.Contains(biased, "Focus: wider interview spread") {
		t.Fatalf("focus terms missing: %q", biased)
	}

	bare := summaryText(researchrepo.CategorySummary{Name: "Drift"}, "")
	if bare != "Drift" {
		t.Fatalf("expected bare name for empty summary, got %q", bare)
	}
}
