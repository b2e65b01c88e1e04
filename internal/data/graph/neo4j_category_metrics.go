package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	research "github.com/theoriahq/theoria-backend/internal/data/repos/research"
	domain "github.com/theoriahq/theoria-backend/internal/domain/research"
	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/neo4jdb"
)

const (
	// CentralityBasisPageRank means the GDS PageRank procedure ran.
	CentralityBasisPageRank = "gds_pagerank"
	// CentralityBasisWeightedDegree means the cypher fallback computed
	// weighted degree because GDS was unavailable.
	CentralityBasisWeightedDegree = "weighted_degree"
	// CentralityBasisRelational means neo4j itself was unavailable and
	// metrics came from the relational co-occurrence query.
	CentralityBasisRelational = "relational_cooccurrence"
)

type CategoryMetric struct {
	CategoryID uuid.UUID
	Score      float64
}

type CategoryEdge struct {
	FromID uuid.UUID
	ToID   uuid.UUID
	Weight float64
}

// MetricsResult carries the centrality ranking and the weighted edges it
// was computed from, plus the basis flag recorded in the run audit.
type MetricsResult struct {
	Centrality []CategoryMetric
	Edges      []CategoryEdge
	Basis      string
}

// SyncCategoryGraph mirrors the project's categories and co-occurrence
// pairs into neo4j so metrics queries run against fresh data.
func SyncCategoryGraph(ctx context.Context, client *neo4jdb.Client, log *logger.Logger, projectID uuid.UUID, categories []*domain.Category, pairs []research.CoOccurrencePair) error {
	if client == nil || client.Driver == nil {
		return nil
	}
	if projectID == uuid.Nil {
		return fmt.Errorf("neo4j category graph sync: missing projectID")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	nodes := make([]map[string]any, 0, len(categories))
	for _, c := range categories {
		if c == nil || c.ID == uuid.Nil {
			continue
		}
		nodes = append(nodes, map[string]any{
			"id":         c.ID.String(),
			"project_id": projectID.String(),
			"name":       c.Name,
			"synced_at":  now,
		})
	}

	rels := make([]map[string]any, 0, len(pairs))
	for _, p := range pairs {
		if p.CategoryA == uuid.Nil || p.CategoryB == uuid.Nil {
			continue
		}
		rels = append(rels, map[string]any{
			"from_id":   p.CategoryA.String(),
			"to_id":     p.CategoryB.String(),
			"weight":    float64(p.Weight),
			"synced_at": now,
		})
	}

	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	if res, err := session.Run(ctx, `CREATE CONSTRAINT category_id_unique IF NOT EXISTS FOR (c:Category) REQUIRE c.id IS UNIQUE`, nil); err != nil {
		if log != nil {
			log.Warn("neo4j schema init failed (continuing)", "error", err)
		}
	} else {
		_, _ = res.Consume(ctx)
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if len(nodes) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $nodes AS n
MERGE (c:Category {id: n.id})
SET c += n
`, map[string]any{"nodes": nodes})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		if len(rels) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $rels AS r
MATCH (a:Category {id: r.from_id})
MATCH (b:Category {id: r.to_id})
MERGE (a)-[e:CO_OCCURS]->(b)
SET e.weight = r.weight,
    e.synced_at = r.synced_at
`, map[string]any{"rels": rels})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// FetchCategoryMetrics computes centrality for every category of the
// project. It tries GDS PageRank first and falls back to weighted degree
// when the procedure is missing; the basis is never left blank.
func FetchCategoryMetrics(ctx context.Context, client *neo4jdb.Client, log *logger.Logger, projectID uuid.UUID) (*MetricsResult, error) {
	if client == nil || client.Driver == nil {
		return nil, fmt.Errorf("neo4j unavailable")
	}
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing projectID")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	edges, err := fetchCategoryEdges(ctx, session, projectID)
	if err != nil {
		return nil, err
	}

	centrality, err := runPageRank(ctx, client, projectID)
	basis := CentralityBasisPageRank
	if err != nil {
		if log != nil {
			log.Warn("GDS pagerank unavailable; using weighted degree", "project_id", projectID.String(), "error", err)
		}
		centrality, err = runWeightedDegree(ctx, session, projectID)
		basis = CentralityBasisWeightedDegree
		if err != nil {
			return nil, err
		}
	}

	return &MetricsResult{Centrality: centrality, Edges: edges, Basis: basis}, nil
}

func fetchCategoryEdges(ctx context.Context, session neo4j.SessionWithContext, projectID uuid.UUID) ([]CategoryEdge, error) {
	result, err := session.Run(ctx, `
MATCH (a:Category {project_id: $project_id})-[e:CO_OCCURS]->(b:Category {project_id: $project_id})
RETURN a.id AS from_id, b.id AS to_id, e.weight AS weight
`, map[string]any{"project_id": projectID.String()})
	if err != nil {
		return nil, err
	}
	var out []CategoryEdge
	for result.Next(ctx) {
		rec := result.Record()
		edge, ok := edgeFromRecord(rec)
		if ok {
			out = append(out, edge)
		}
	}
	return out, result.Err()
}

func edgeFromRecord(rec *neo4j.Record) (CategoryEdge, bool) {
	fromRaw, _ := rec.Get("from_id")
	toRaw, _ := rec.Get("to_id")
	weightRaw, _ := rec.Get("weight")

	fromStr, _ := fromRaw.(string)
	toStr, _ := toRaw.(string)
	fromID, errA := uuid.Parse(fromStr)
	toID, errB := uuid.Parse(toStr)
	if errA != nil || errB != nil {
		return CategoryEdge{}, false
	}
	weight := 0.0
	switch w := weightRaw.(type) {
	case float64:
		weight = w
	case int64:
		weight = float64(w)
	}
	return CategoryEdge{FromID: fromID, ToID: toID, Weight: weight}, true
}

// runPageRank projects the per-project subgraph into an ephemeral named
// graph, streams PageRank, and drops the projection. Any failure is
// surfaced so the caller can fall back.
func runPageRank(ctx context.Context, client *neo4jdb.Client, projectID uuid.UUID) ([]CategoryMetric, error) {
	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	graphName := "theoria_metrics_" + strings.ReplaceAll(projectID.String(), "-", "")
	params := map[string]any{
		"graph_name": graphName,
		"node_query": fmt.Sprintf("MATCH (c:Category {project_id: '%s'}) RETURN id(c) AS id", projectID.String()),
		"rel_query": fmt.Sprintf(
			"MATCH (a:Category {project_id: '%s'})-[e:CO_OCCURS]-(b:Category {project_id: '%s'}) RETURN id(a) AS source, id(b) AS target, e.weight AS weight",
			projectID.String(), projectID.String()),
	}

	dropProjection := func() {
		res, err := session.Run(ctx, `CALL gds.graph.drop($graph_name, false)`, map[string]any{"graph_name": graphName})
		if err == nil {
			_, _ = res.Consume(ctx)
		}
	}
	dropProjection()

	res, err := session.Run(ctx, `CALL gds.graph.project.cypher($graph_name, $node_query, $rel_query)`, params)
	if err != nil {
		return nil, err
	}
	if _, err := res.Consume(ctx); err != nil {
		return nil, err
	}
	defer dropProjection()

	res, err = session.Run(ctx, `
CALL gds.pageRank.stream($graph_name, {relationshipWeightProperty: 'weight'})
YIELD nodeId, score
RETURN gds.util.asNode(nodeId).id AS id, score
ORDER BY score DESC
`, map[string]any{"graph_name": graphName})
	if err != nil {
		return nil, err
	}

	var out []CategoryMetric
	for res.Next(ctx) {
		rec := res.Record()
		idRaw, _ := rec.Get("id")
		scoreRaw, _ := rec.Get("score")
		idStr, _ := idRaw.(string)
		id, parseErr := uuid.Parse(idStr)
		if parseErr != nil {
			continue
		}
		score, _ := scoreRaw.(float64)
		out = append(out, CategoryMetric{CategoryID: id, Score: score})
	}
	return out, res.Err()
}

func runWeightedDegree(ctx context.Context, session neo4j.SessionWithContext, projectID uuid.UUID) ([]CategoryMetric, error) {
	result, err := session.Run(ctx, `
MATCH (c:Category {project_id: $project_id})
OPTIONAL MATCH (c)-[e:CO_OCCURS]-(:Category {project_id: $project_id})
RETURN c.id AS id, coalesce(sum(e.weight), 0.0) AS score
ORDER BY score DESC
`, map[string]any{"project_id": projectID.String()})
	if err != nil {
		return nil, err
	}
	var out []CategoryMetric
	for result.Next(ctx) {
		rec := result.Record()
		idRaw, _ := rec.Get("id")
		scoreRaw, _ := rec.Get("score")
		idStr, _ := idRaw.(string)
		id, parseErr := uuid.Parse(idStr)
		if parseErr != nil {
			continue
		}
		score := 0.0
		switch s := scoreRaw.(type) {
		case float64:
			score = s
		case int64:
			score = float64(s)
		}
		out = append(out, CategoryMetric{CategoryID: id, Score: score})
	}
	return out, result.Err()
}

// RelationalMetrics builds a MetricsResult from the co-occurrence pairs
// alone, for deployments without a graph store. Centrality degrades to
// weighted degree over the relational edges.
func RelationalMetrics(categories []*domain.Category, pairs []research.CoOccurrencePair) *MetricsResult {
	degree := map[uuid.UUID]float64{}
	for _, c := range categories {
		if c != nil && c.ID != uuid.Nil {
			degree[c.ID] = 0
		}
	}
	edges := make([]CategoryEdge, 0, len(pairs))
	for _, p := range pairs {
		w := float64(p.Weight)
		edges = append(edges, CategoryEdge{FromID: p.CategoryA, ToID: p.CategoryB, Weight: w})
		degree[p.CategoryA] += w
		degree[p.CategoryB] += w
	}
	centrality := make([]CategoryMetric, 0, len(degree))
	for id, score := range degree {
		centrality = append(centrality, CategoryMetric{CategoryID: id, Score: score})
	}
	return &MetricsResult{Centrality: centrality, Edges: edges, Basis: CentralityBasisRelational}
}
