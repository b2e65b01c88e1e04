package steps

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/theoriahq/theoria-backend/internal/data/graph"
	researchrepo "github.com/theoriahq/theoria-backend/internal/data/repos/research"
	"github.com/theoriahq/theoria-backend/internal/modules/theory"
	"github.com/theoriahq/theoria-backend/internal/pkg/dbctx"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/neo4jdb"
)

// SubgraphBudget caps the critical subgraph selection.
type SubgraphBudget struct {
	// TopK categories by centrality enter directly.
	TopK int
	// StrengthFloor is the minimum edge weight for a neighbor or bridge
	// edge to count as strong.
	StrengthFloor float64
	// MaxNodes caps the whole selection, bridges included.
	MaxNodes int
}

func DefaultSubgraphBudget() SubgraphBudget {
	return SubgraphBudget{TopK: 5, StrengthFloor: 2.0, MaxNodes: 12}
}

type MetricsStep struct {
	log          *logger.Logger
	graphClient  *neo4jdb.Client
	categoryRepo researchrepo.CategoryRepo
}

func NewMetricsStep(log *logger.Logger, graphClient *neo4jdb.Client, categoryRepo researchrepo.CategoryRepo) *MetricsStep {
	return &MetricsStep{
		log:          log.With("step", "graph_metrics"),
		graphClient:  graphClient,
		categoryRepo: categoryRepo,
	}
}

// Compute loads the project's category graph, computes centrality (graph
// store first, relational fallback), and selects the critical subgraph.
func (s *MetricsStep) Compute(ctx context.Context, dbc dbctx.Context, projectID uuid.UUID, budget SubgraphBudget) (*theory.CriticalSubgraph, error) {
	categories, err := s.categoryRepo.ListByProject(dbc, projectID)
	if err != nil {
		return nil, err
	}
	pairs, err := s.categoryRepo.CoOccurrencePairs(dbc, projectID)
	if err != nil {
		return nil, err
	}

	var metrics *graph.MetricsResult
	if s.graphClient != nil && s.graphClient.Driver != nil {
		if syncErr := graph.SyncCategoryGraph(ctx, s.graphClient, s.log, projectID, categories, pairs); syncErr != nil {
			s.log.Warn("category graph sync failed; using relational metrics", "project_id", projectID.String(), "error", syncErr)
		} else {
			metrics, err = graph.FetchCategoryMetrics(ctx, s.graphClient, s.log, projectID)
			if err != nil {
				s.log.Warn("graph metrics failed; using relational metrics", "project_id", projectID.String(), "error", err)
				metrics = nil
			}
		}
	}
	if metrics == nil {
		metrics = graph.RelationalMetrics(categories, pairs)
	}

	names := make(map[uuid.UUID]string, len(categories))
	for _, c := range categories {
		names[c.ID] = c.Name
	}
	sub := SelectSubgraph(metrics, names, budget)
	return sub, nil
}

// SelectSubgraph picks the top-K categories by centrality, their strong
// neighbors, and bridge nodes connecting otherwise-separate clusters.
// Ties break by rank then lexicographic id so repeated runs on unchanged
// data select identically.
func SelectSubgraph(metrics *graph.MetricsResult, names map[uuid.UUID]string, budget SubgraphBudget) *theory.CriticalSubgraph {
	if budget.TopK <= 0 {
		budget.TopK = 5
	}
	if budget.MaxNodes < budget.TopK {
		budget.MaxNodes = budget.TopK * 2
	}

	ranked := make([]graph.CategoryMetric, len(metrics.Centrality))
	copy(ranked, metrics.Centrality)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score == ranked[j].Score {
			return ranked[i].CategoryID.String() < ranked[j].CategoryID.String()
		}
		return ranked[i].Score > ranked[j].Score
	})

	rank := make(map[uuid.UUID]int, len(ranked))
	score := make(map[uuid.UUID]float64, len(ranked))
	for i, m := range ranked {
		rank[m.CategoryID] = i + 1
		score[m.CategoryID] = m.Score
	}

	selected := map[uuid.UUID]string{}
	topCount := budget.TopK
	if topCount > len(ranked) {
		topCount = len(ranked)
	}
	for i := 0; i < topCount; i++ {
		selected[ranked[i].CategoryID] = "top"
	}

	strong := make([]graph.CategoryEdge, 0, len(metrics.Edges))
	for _, e := range metrics.Edges {
		if e.Weight >= budget.StrengthFloor {
			strong = append(strong, e)
		}
	}
	sort.SliceStable(strong, func(i, j int) bool {
		if strong[i].Weight == strong[j].Weight {
			if strong[i].FromID == strong[j].FromID {
				return strong[i].ToID.String() < strong[j].ToID.String()
			}
			return strong[i].FromID.String() < strong[j].FromID.String()
		}
		return strong[i].Weight > strong[j].Weight
	})

	// Bridge nodes before neighbor expansion: an unselected node adjacent
	// (via strong edges) to top nodes in two or more different clusters,
	// where clusters are the union-find components of the top set. Expanding
	// neighbors first would absorb every candidate and lose the label.
	uf := newUnionFind()
	for id := range selected {
		uf.add(id)
	}
	for _, e := range strong {
		_, fromIn := selected[e.FromID]
		_, toIn := selected[e.ToID]
		if fromIn && toIn {
			uf.union(e.FromID, e.ToID)
		}
	}
	type bridgeCandidate struct {
		id       uuid.UUID
		clusters map[uuid.UUID]struct{}
	}
	candidates := map[uuid.UUID]*bridgeCandidate{}
	for _, e := range strong {
		maybeBridge := func(outside, inside uuid.UUID) {
			if _, in := selected[outside]; in {
				return
			}
			if _, in := selected[inside]; !in {
				return
			}
			c, ok := candidates[outside]
			if !ok {
				c = &bridgeCandidate{id: outside, clusters: map[uuid.UUID]struct{}{}}
				candidates[outside] = c
			}
			c.clusters[uf.find(inside)] = struct{}{}
		}
		maybeBridge(e.FromID, e.ToID)
		maybeBridge(e.ToID, e.FromID)
	}
	bridges := make([]uuid.UUID, 0, len(candidates))
	for id, c := range candidates {
		if len(c.clusters) >= 2 {
			bridges = append(bridges, id)
		}
	}
	sort.Slice(bridges, func(i, j int) bool {
		ri, rj := rank[bridges[i]], rank[bridges[j]]
		if ri == rj {
			return bridges[i].String() < bridges[j].String()
		}
		return ri < rj
	})
	for _, id := range bridges {
		if len(selected) >= budget.MaxNodes {
			break
		}
		selected[id] = "bridge"
	}

	// Strong neighbors of the selection fill the remaining budget.
	for _, e := range strong {
		if len(selected) >= budget.MaxNodes {
			break
		}
		_, fromIn := selected[e.FromID]
		_, toIn := selected[e.ToID]
		if fromIn && !toIn {
			selected[e.ToID] = "neighbor"
		} else if toIn && !fromIn {
			selected[e.FromID] = "neighbor"
		}
	}

	nodes := make([]theory.SubgraphNode, 0, len(selected))
	for id, role := range selected {
		nodes = append(nodes, theory.SubgraphNode{
			CategoryID: id,
			Name:       names[id],
			Score:      score[id],
			Rank:       rank[id],
			Role:       role,
		})
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Rank == nodes[j].Rank {
			return nodes[i].CategoryID.String() < nodes[j].CategoryID.String()
		}
		return nodes[i].Rank < nodes[j].Rank
	})

	edges := make([]theory.SubgraphEdge, 0)
	for _, e := range metrics.Edges {
		_, fromIn := selected[e.FromID]
		_, toIn := selected[e.ToID]
		if fromIn && toIn {
			edges = append(edges, theory.SubgraphEdge{FromID: e.FromID, ToID: e.ToID, Weight: e.Weight})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].FromID == edges[j].FromID {
			return edges[i].ToID.String() < edges[j].ToID.String()
		}
		return edges[i].FromID.String() < edges[j].FromID.String()
	})

	return &theory.CriticalSubgraph{
		Nodes:           nodes,
		Edges:           edges,
		CentralityBasis: metrics.Basis,
	}
}

type unionFind struct {
	parent map[uuid.UUID]uuid.UUID
}

func newUnionFind() *unionFind {
	return &unionFind{parent: map[uuid.UUID]uuid.UUID{}}
}

func (u *unionFind) add(id uuid.UUID) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
	}
}

func (u *unionFind) find(id uuid.UUID) uuid.UUID {
	u.add(id)
	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[id] != root {
		next := u.parent[id]
		u.parent[id] = root
		id = next
	}
	return root
}

func (u *unionFind) union(a, b uuid.UUID) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// Deterministic root choice.
	if ra.String() < rb.String() {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
