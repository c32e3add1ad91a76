package index

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/ashita-ai/torii/internal/model"
)

// Memory is an exact in-memory index. Every query scores every entry, which
// is fine at registry scale (thousands of entities, not millions); the
// Qdrant index exists for deployments past that point.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func entryKey(ns string, typ model.EntityType, path string) string {
	return ns + "/" + model.EmbeddingKey(typ, path)
}

func (m *Memory) Upsert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entryKey(e.Namespace, e.Type, e.Path)] = e
	return nil
}

func (m *Memory) Remove(_ context.Context, ns string, typ model.EntityType, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, entryKey(ns, typ, path))
	return nil
}

func (m *Memory) SetEnabled(_ context.Context, ns string, typ model.EntityType, path string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entryKey(ns, typ, path)
	if e, ok := m.entries[key]; ok {
		e.Enabled = enabled
		m.entries[key] = e
	}
	return nil
}

func (m *Memory) Search(_ context.Context, q Query) ([]Hit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	m.mu.RLock()
	hits := make([]Hit, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Namespace != q.Namespace || !matchesFilters(e, q) {
			continue
		}
		hits = append(hits, Hit{
			Namespace: e.Namespace,
			Type:      e.Type,
			Path:      e.Path,
			Score:     cosine(q.Vector, e.Vector),
			UpdatedAt: e.UpdatedAt,
		})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].UpdatedAt.Equal(hits[j].UpdatedAt) {
			return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
		}
		return hits[i].Path < hits[j].Path
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *Memory) Healthy(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// Len reports the number of indexed entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
