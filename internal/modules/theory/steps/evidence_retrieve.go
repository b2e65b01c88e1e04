package steps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	researchrepo "github.com/theoriahq/theoria-backend/internal/data/repos/research"
	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/openai"
	"github.com/theoriahq/theoria-backend/internal/platform/vector"
)

// EvidenceConfig bounds the retrieval pass.
type EvidenceConfig struct {
	// ProbeTopK is the phase-one relevance probe size per category.
	ProbeTopK int
	// TopKPerCategory is the phase-two retrieval size per surviving category.
	TopKPerCategory int
	// RelevanceFloor is the minimum best probe score for a category to
	// survive into phase two.
	RelevanceFloor float64
	// DiversityCap is the maximum share of a category's evidence any single
	// interview may contribute.
	DiversityCap float64
	// MaxQueries caps total vector queries per run.
	MaxQueries int
	// QueryTimeout bounds each individual vector query.
	QueryTimeout time.Duration
	// Concurrency bounds simultaneous vector queries.
	Concurrency int
	// FallbackLimit is how many fragments the structured fallback pulls per
	// category.
	FallbackLimit int
}

func DefaultEvidenceConfig() EvidenceConfig {
	return EvidenceConfig{
		ProbeTopK:       5,
		TopKPerCategory: 12,
		RelevanceFloor:  0.25,
		DiversityCap:    0.4,
		MaxQueries:      64,
		QueryTimeout:    8 * time.Second,
		Concurrency:     4,
		FallbackLimit:   8,
	}
}

type EvidenceStep struct {
	log          *logger.Logger
	store        *vector.ScopedStore
	ai           openai.Client
	fragmentRepo researchrepo.FragmentRepo
	categoryRepo researchrepo.CategoryRepo
	cfg          EvidenceConfig
	namespace    string

	embedCache *gocache.Cache
	limiter    *rate.Limiter
}

func NewEvidenceStep(
	log *logger.Logger,
	store *vector.ScopedStore,
	ai openai.Client,
	fragmentRepo researchrepo.FragmentRepo,
	categoryRepo researchrepo.CategoryRepo,
	namespace string,
	cfg EvidenceConfig,
) *EvidenceStep {
	if cfg.ProbeTopK <= 0 {
		cfg = DefaultEvidenceConfig()
	}
	return &EvidenceStep{
		log:          log.With("step", "evidence_retrieve"),
		store:        store,
		ai:           ai,
		fragmentRepo: fragmentRepo,
		categoryRepo: categoryRepo,
		cfg:          cfg,
		namespace:    namespace,
		embedCache:   gocache.New(30*time.Minute, 10*time.Minute),
		limiter:      rate.NewLimiter(rate.Limit(10), 5),
	}
}

// Retrieve runs the two-phase evidence pass for the subgraph categories.
func (s *EvidenceStep) Retrieve(ctx context.Context, dbc dbctx.Context, projectID uuid.UUID, sub *theory.CriticalSubgraph, audit *theory.RunAudit) (*theory.EvidenceIndex, error) {
	return s.retrieve(ctx, dbc, projectID, sub, audit, "")
}

// RetrieveBiased re-runs retrieval with the focus terms folded into each
// category's query text. Used by judge-driven repairs to surface evidence
// the first pass under-weighted.
func (s *EvidenceStep) RetrieveBiased(ctx context.Context, dbc dbctx.Context, projectID uuid.UUID, sub *theory.CriticalSubgraph, audit *theory.RunAudit, focus string) (*theory.EvidenceIndex, error) {
	return s.retrieve(ctx, dbc, projectID, sub, audit, strings.TrimSpace(focus))
}

func (s *EvidenceStep) retrieve(ctx context.Context, dbc dbctx.Context, projectID uuid.UUID, sub *theory.CriticalSubgraph, audit *theory.RunAudit, focus string) (*theory.EvidenceIndex, error) {
	summaries, err := s.categoryRepo.ListSummaries(dbc, projectID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]researchrepo.CategorySummary, len(summaries))
	for _, sum := range summaries {
		byID[sum.ID] = sum
	}

	index := theory.NewEvidenceIndex()
	var mu sync.Mutex
	queries := 0
	// Categories whose probe found vectors but scored below the relevance
	// floor. They were rejected on evidence, not starved of it, so the
	// structured fallback leaves them alone.
	rejected := map[uuid.UUID]struct{}{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, node := range sub.Nodes {
		node := node
		sum, ok := byID[node.CategoryID]
		if !ok {
			continue
		}

		mu.Lock()
		if queries+2 > s.cfg.MaxQueries {
			mu.Unlock()
			s.log.Warn("evidence query budget exhausted", "project_id", projectID.String(), "category_id", node.CategoryID.String())
			break
		}
		queries += 2
		mu.Unlock()

		g.Go(func() error {
			items, belowFloor, qErr := s.retrieveCategory(gctx, projectID, sum, focus)
			if qErr != nil {
				s.log.Warn("vector retrieval failed for category", "category_id", node.CategoryID.String(), "error", qErr)
				return nil
			}
			if belowFloor {
				mu.Lock()
				rejected[node.CategoryID] = struct{}{}
				mu.Unlock()
				return nil
			}
			resolved, rErr := s.resolveFragments(dbc, projectID, items)
			if rErr != nil {
				return rErr
			}
			mu.Lock()
			defer mu.Unlock()
			if len(resolved) > 0 {
				index.ByCategory[node.CategoryID] = resolved
				for _, it := range resolved {
					index.Interviews[it.InterviewID] = struct{}{}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	audit.EvidenceQueries += queries

	// Categories the vector path starved fall back to the newest coded
	// fragments. This covers query errors, a healthy store with nothing
	// indexed for the project, and total outages alike.
	for _, node := range sub.Nodes {
		if _, ok := index.ByCategory[node.CategoryID]; ok {
			continue
		}
		if _, ok := rejected[node.CategoryID]; ok {
			continue
		}
		frags, fbErr := s.fragmentRepo.MostRecentlyCodedByCategory(dbc, projectID, node.CategoryID, s.cfg.FallbackLimit)
		if fbErr != nil {
			s.log.Error("structured evidence fallback failed", "category_id", node.CategoryID.String(), "error", fbErr)
			continue
		}
		items := make([]theory.EvidenceItem, 0, len(frags))
		for _, f := range frags {
			items = append(items, theory.EvidenceItem{
				FragmentID:  f.ID,
				InterviewID: f.InterviewID,
				Text:        f.Text,
			})
		}
		items = applyDiversityCap(items, s.cfg.DiversityCap, s.cfg.TopKPerCategory)
		if len(items) > 0 {
			index.ByCategory[node.CategoryID] = items
			for _, it := range items {
				index.Interviews[it.InterviewID] = struct{}{}
			}
			index.FallbackUsed = true
		}
	}

	if len(index.ByCategory) == 0 {
		return nil, theory.ErrEvidenceUnavailable
	}
	audit.FallbackUsed = audit.FallbackUsed || index.FallbackUsed
	audit.DistinctInterviews = index.DistinctInterviews()
	return index, nil
}

// retrieveCategory is the probe-then-retrieve pass for one category. The
// probe queries the fragment collection with a small K; category summary
// vectors are not indexed separately, so the summary embedding against the
// fragment space stands in for the coarse pass. belowFloor reports a probe
// that found vectors but none relevant enough to continue.
func (s *EvidenceStep) retrieveCategory(ctx context.Context, projectID uuid.UUID, sum researchrepo.CategorySummary, focus string) (items []theory.EvidenceItem, belowFloor bool, err error) {
	text := summaryText(sum, focus)
	embedding, err := s.embed(ctx, text)
	if err != nil {
		return nil, false, err
	}
	filter := map[string]any{vector.ScopeKey: projectID.String()}

	probe, err := s.query(ctx, embedding, s.cfg.ProbeTopK, filter)
	if err != nil {
		return nil, false, err
	}
	if len(probe) == 0 {
		return nil, false, nil
	}
	if probe[0].Score < s.cfg.RelevanceFloor {
		return nil, true, nil
	}

	matches, err := s.query(ctx, embedding, s.cfg.TopKPerCategory*2, filter)
	if err != nil {
		return nil, false, err
	}
	items = make([]theory.EvidenceItem, 0, len(matches))
	for _, m := range matches {
		items = append(items, theory.EvidenceItem{Score: m.Score, Text: m.ID})
	}
	// Text temporarily carries the vector id until resolveFragments swaps in
	// the fragment row.
	return items, false, nil
}

func (s *EvidenceStep) query(ctx context.Context, embedding []float32, topK int, filter map[string]any) ([]vector.VectorMatch, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	return s.store.QueryMatches(qctx, s.namespace, embedding, topK, filter)
}

func (s *EvidenceStep) resolveFragments(dbc dbctx.Context, projectID uuid.UUID, items []theory.EvidenceItem) ([]theory.EvidenceItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	vectorIDs := make([]string, 0, len(items))
	scoreByVectorID := make(map[string]float64, len(items))
	for _, it := range items {
		vectorIDs = append(vectorIDs, it.Text)
		scoreByVectorID[it.Text] = it.Score
	}
	frags, err := s.fragmentRepo.GetByVectorIDs(dbc, projectID, vectorIDs)
	if err != nil {
		return nil, err
	}
	resolved := make([]theory.EvidenceItem, 0, len(frags))
	for _, f := range frags {
		resolved = append(resolved, theory.EvidenceItem{
			FragmentID:  f.ID,
			InterviewID: f.InterviewID,
			Text:        f.Text,
			Score:       scoreByVectorID[f.VectorID],
		})
	}
	sort.SliceStable(resolved, func(i, j int) bool {
		if resolved[i].Score == resolved[j].Score {
			return resolved[i].FragmentID.String() < resolved[j].FragmentID.String()
		}
		return resolved[i].Score > resolved[j].Score
	})
	return applyDiversityCap(resolved, s.cfg.DiversityCap, s.cfg.TopKPerCategory), nil
}

func (s *EvidenceStep) embed(ctx context.Context, text string) ([]float32, error) {
	key := embedCacheKey(text)
	if cached, ok := s.embedCache.Get(key); ok {
		if vec, ok := cached.([]float32); ok {
			return vec, nil
		}
	}
	vecs, err := s.ai.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed returned %d vectors for 1 input", len(vecs))
	}
	s.embedCache.Set(key, vecs[0], gocache.DefaultExpiration)
	return vecs[0], nil
}

func embedCacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func summaryText(sum researchrepo.CategorySummary, focus string) string {
	var b strings.Builder
	b.WriteString(sum.Name)
	if strings.TrimSpace(sum.Description) != "" {
		b.WriteString(". ")
		b.WriteString(sum.Description)
	}
	if len(sum.CodeLabels) > 0 {
		b.WriteString(" Codes: ")
		b.WriteString(strings.Join(sum.CodeLabels, ", "))
	}
	if focus != "" {
		b.WriteString(" Focus: ")
		b.WriteString(focus)
	}
	return b.String()
}

// applyDiversityCap keeps at most ceil(cap*limit) items per interview and
// at most limit items overall, preserving the incoming rank order.
func applyDiversityCap(items []theory.EvidenceItem, diversityCap float64, limit int) []theory.EvidenceItem {
	if limit <= 0 {
		limit = len(items)
	}
	if diversityCap <= 0 || diversityCap > 1 {
		diversityCap = 1
	}
	perInterview := int(math.Ceil(diversityCap * float64(limit)))
	if perInterview < 1 {
		perInterview = 1
	}
	counts := map[uuid.UUID]int{}
	out := make([]theory.EvidenceItem, 0, limit)
	for _, it := range items {
		if len(out) >= limit {
			break
		}
		if counts[it.InterviewID] >= perInterview {
			continue
		}
		counts[it.InterviewID]++
		out = append(out, it)
	}
	return out
}
