package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/theoriahq/theoria-backend/internal/platform/logger"
	"github.com/theoriahq/theoria-backend/internal/platform/neo4jdb"
)

const (
	ClaimRelAbout          = "ABOUT"
	ClaimRelSupportedBy    = "SUPPORTED_BY"
	ClaimRelContradictedBy = "CONTRADICTED_BY"
)

type ClaimNode struct {
	ID        uuid.UUID
	TheoryID  uuid.UUID
	ProjectID uuid.UUID
	Section   string
	Type      string
	Order     int
	Text      string
}

// ClaimLink connects a claim to a category (ABOUT) or a fragment
// (SUPPORTED_BY / CONTRADICTED_BY).
type ClaimLink struct {
	ClaimID  uuid.UUID
	TargetID uuid.UUID
	Rel      string
}

// ClaimNeighbor is one hop of the explain path.
type ClaimNeighbor struct {
	Rel      string
	TargetID uuid.UUID
	Label    string
}

// UpsertClaimGraph projects a theory's claims into neo4j. Claim ids are
// deterministic, so MERGE makes re-runs idempotent. This runs after the
// relational commit; callers treat failure as audit-only.
func UpsertClaimGraph(ctx context.Context, client *neo4jdb.Client, log *logger.Logger, claims []ClaimNode, links []ClaimLink) error {
	if client == nil || client.Driver == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(claims) == 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	nodes := make([]map[string]any, 0, len(claims))
	for _, c := range claims {
		if c.ID == uuid.Nil {
			continue
		}
		nodes = append(nodes, map[string]any{
			"id":         c.ID.String(),
			"theory_id":  c.TheoryID.String(),
			"project_id": c.ProjectID.String(),
			"section":    c.Section,
			"type":       c.Type,
			"sort_order": int64(c.Order),
			"text":       c.Text,
			"synced_at":  now,
		})
	}

	byRel := map[string][]map[string]any{}
	for _, l := range links {
		if l.ClaimID == uuid.Nil || l.TargetID == uuid.Nil {
			continue
		}
		switch l.Rel {
		case ClaimRelAbout, ClaimRelSupportedBy, ClaimRelContradictedBy:
		default:
			return fmt.Errorf("unknown claim link relation %q", l.Rel)
		}
		byRel[l.Rel] = append(byRel[l.Rel], map[string]any{
			"claim_id":  l.ClaimID.String(),
			"target_id": l.TargetID.String(),
			"synced_at": now,
		})
	}

	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	if res, err := session.Run(ctx, `CREATE CONSTRAINT claim_id_unique IF NOT EXISTS FOR (c:Claim) REQUIRE c.id IS UNIQUE`, nil); err != nil {
		if log != nil {
			log.Warn("neo4j schema init failed (continuing)", "error", err)
		}
	} else {
		_, _ = res.Consume(ctx)
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
UNWIND $nodes AS n
MERGE (c:Claim {id: n.id})
SET c += n
`, map[string]any{"nodes": nodes})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}

		if rels := byRel[ClaimRelAbout]; len(rels) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $rels AS r
MATCH (c:Claim {id: r.claim_id})
MERGE (t:Category {id: r.target_id})
MERGE (c)-[e:ABOUT]->(t)
SET e.synced_at = r.synced_at
`, map[string]any{"rels": rels})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		if rels := byRel[ClaimRelSupportedBy]; len(rels) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $rels AS r
MATCH (c:Claim {id: r.claim_id})
MERGE (f:Fragment {id: r.target_id})
MERGE (c)-[e:SUPPORTED_BY]->(f)
SET e.synced_at = r.synced_at
`, map[string]any{"rels": rels})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		if rels := byRel[ClaimRelContradictedBy]; len(rels) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $rels AS r
MATCH (c:Claim {id: r.claim_id})
MERGE (f:Fragment {id: r.target_id})
MERGE (c)-[e:CONTRADICTED_BY]->(f)
SET e.synced_at = r.synced_at
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

// FetchClaimNeighbors returns the one-hop explain path for a claim: the
// categories it is about and the fragments supporting or contradicting it.
func FetchClaimNeighbors(ctx context.Context, client *neo4jdb.Client, claimID uuid.UUID) ([]ClaimNeighbor, error) {
	if client == nil || client.Driver == nil {
		return nil, fmt.Errorf("neo4j unavailable")
	}
	if claimID == uuid.Nil {
		return nil, fmt.Errorf("missing claimID")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
MATCH (c:Claim {id: $claim_id})-[e]->(t)
RETURN type(e) AS rel, t.id AS target_id, labels(t)[0] AS label
`, map[string]any{"claim_id": claimID.String()})
	if err != nil {
		return nil, err
	}

	var out []ClaimNeighbor
	for result.Next(ctx) {
		rec := result.Record()
		relRaw, _ := rec.Get("rel")
		targetRaw, _ := rec.Get("target_id")
		labelRaw, _ := rec.Get("label")

		rel, _ := relRaw.(string)
		targetStr, _ := targetRaw.(string)
		label, _ := labelRaw.(string)
		targetID, parseErr := uuid.Parse(targetStr)
		if parseErr != nil {
			continue
		}
		out = append(out, ClaimNeighbor{Rel: rel, TargetID: targetID, Label: label})
	}
	return out, result.Err()
}
