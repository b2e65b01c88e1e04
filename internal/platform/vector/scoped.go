package vector

import (
	"context"
	"fmt"
	"strings"
)

// ErrMissingScope means a query reached the store without a project filter.
var ErrMissingScope = fmt.Errorf("vector query missing project scope")

// ScopeKey is the payload field every indexed vector carries and every
// query must constrain.
const ScopeKey = "project_id"

// ScopedStore wraps a Store and rejects any query or upsert that is not
// pinned to a single project. The check happens before any network call so
// a bad caller can never leak cross-project evidence.
type ScopedStore struct {
	inner Store
}

func NewScopedStore(inner Store) (*ScopedStore, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner store required")
	}
	return &ScopedStore{inner: inner}, nil
}

func (s *ScopedStore) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	for _, v := range vectors {
		if !hasScope(v.Metadata) {
			return fmt.Errorf("vector %q: %w", v.ID, ErrMissingScope)
		}
	}
	return s.inner.Upsert(ctx, namespace, vectors)
}

func (s *ScopedStore) QueryMatches(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]VectorMatch, error) {
	if !filterHasScope(filter) {
		return nil, ErrMissingScope
	}
	return s.inner.QueryMatches(ctx, namespace, q, topK, filter)
}

func (s *ScopedStore) DeleteIDs(ctx context.Context, namespace string, ids []string) error {
	return s.inner.DeleteIDs(ctx, namespace, ids)
}

func hasScope(metadata map[string]any) bool {
	v, ok := metadata[ScopeKey]
	if !ok {
		return false
	}
	str, ok := v.(string)
	return ok && strings.TrimSpace(str) != ""
}

// filterHasScope accepts either a top-level equality on ScopeKey or a
// ScopeKey condition inside every branch of a $and block.
func filterHasScope(filter map[string]any) bool {
	if len(filter) == 0 {
		return false
	}
	if v, ok := filter[ScopeKey]; ok {
		switch typed := v.(type) {
		case string:
			return strings.TrimSpace(typed) != ""
		case map[string]any:
			if eq, ok := typed["$eq"].(string); ok {
				return strings.TrimSpace(eq) != ""
			}
		}
		return false
	}
	if branches, ok := filter["$and"].([]any); ok {
		for _, b := range branches {
			m, ok := b.(map[string]any)
			if ok && filterHasScope(m) {
				return true
			}
		}
	}
	return false
}
