// Package index maintains the vector search index over registered entities
// and keeps it converged with the store through the change-event bus.
package index

import (
	"context"
	"time"

	"github.com/ashita-ai/torii/internal/model"
)

// Entry is one indexed entity.
type Entry struct {
	Namespace string
	Type      model.EntityType
	Path      string
	Vector    []float32
	Tags      []string
	Enabled   bool
	UpdatedAt time.Time
}

// Query is a similarity search request. Filters are conjunctive; empty
// fields do not constrain.
type Query struct {
	Namespace   string
	Vector      []float32
	Limit       int
	Type        model.EntityType
	Tags        []string
	EnabledOnly bool
	Paths       []string
}

// Hit is one search result. Ordering is score descending, then updated_at
// descending, then path ascending, so equal-scored results are stable
// across calls and replicas.
type Hit struct {
	Namespace string
	Type      model.EntityType
	Path      string
	Score     float32
	UpdatedAt time.Time
}

// Index is the contract shared by the in-memory index and the remote
// Qdrant-backed one. Implementations must be safe for concurrent use.
type Index interface {
	Upsert(ctx context.Context, e Entry) error
	Remove(ctx context.Context, ns string, typ model.EntityType, path string) error
	// SetEnabled flips the enabled flag without touching the vector.
	SetEnabled(ctx context.Context, ns string, typ model.EntityType, path string, enabled bool) error
	Search(ctx context.Context, q Query) ([]Hit, error)
	Healthy(ctx context.Context) error
	Close() error
}

func matchesFilters(e Entry, q Query) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.EnabledOnly && !e.Enabled {
		return false
	}
	if len(q.Paths) > 0 {
		found := false
		for _, p := range q.Paths {
			if p == e.Path {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, want := range q.Tags {
		found := false
		for _, t := range e.Tags {
			if t == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
