package vector

import "context"

// Vector is one embedded fragment ready for indexing.
type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]any
}

// VectorMatch is a similarity hit ordered by descending score.
type VectorMatch struct {
	ID    string
	Score float64
}

// Store is the similarity index over fragment embeddings. Namespace is a
// logical partition (one per project); implementations must never let a
// query in one namespace see another namespace's vectors.
type Store interface {
	Upsert(ctx context.Context, namespace string, vectors []Vector) error
	QueryMatches(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]VectorMatch, error)
	DeleteIDs(ctx context.Context, namespace string, ids []string) error
}
