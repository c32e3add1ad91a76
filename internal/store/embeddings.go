package store

import (
	"context"
	"errors"

	"github.com/ashita-ai/torii/internal/backend"
	"github.com/ashita-ai/torii/internal/model"
)

// PutEmbedding upserts an embedding record. The key combines entity type
// and path so a server and an agent on the same path never collide.
func (s *Store) PutEmbedding(ctx context.Context, ns string, rec model.EmbeddingRecord) error {
	doc, err := backend.Encode(rec)
	if err != nil {
		return err
	}
	key := model.EmbeddingKey(rec.EntityType, rec.EntityPath)
	return s.driver.Put(ctx, backend.EmbeddingsCollection(ns, s.dim), key, doc)
}

// GetEmbedding fetches the stored embedding record for an entity, or
// ErrNotFound when it was never indexed.
func (s *Store) GetEmbedding(ctx context.Context, ns string, typ model.EntityType, path string) (model.EmbeddingRecord, error) {
	doc, err := s.driver.Get(ctx, backend.EmbeddingsCollection(ns, s.dim), model.EmbeddingKey(typ, path))
	if err != nil {
		return model.EmbeddingRecord{}, err
	}
	var rec model.EmbeddingRecord
	if err := backend.Decode(doc, &rec); err != nil {
		return model.EmbeddingRecord{}, err
	}
	return rec, nil
}

// DeleteEmbedding removes an entity's embedding record. Missing records are
// fine; the sync worker deletes on a best-effort basis.
func (s *Store) DeleteEmbedding(ctx context.Context, ns string, typ model.EntityType, path string) error {
	_, err := s.driver.Delete(ctx, backend.EmbeddingsCollection(ns, s.dim), model.EmbeddingKey(typ, path))
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

// ListEmbeddings streams every embedding record in the namespace, used by
// the index to rebuild its in-memory state at startup.
func (s *Store) ListEmbeddings(ctx context.Context, ns string, fn func(model.EmbeddingRecord) error) error {
	col := backend.EmbeddingsCollection(ns, s.dim)
	offset := 0
	for {
		page, err := s.driver.List(ctx, col, backend.Query{
			Sort:   &backend.Sort{Field: "updated_at", Desc: true},
			Limit:  listPageSize,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		for _, doc := range page {
			var rec model.EmbeddingRecord
			if err := backend.Decode(doc, &rec); err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(page) < listPageSize {
			return nil
		}
		offset += listPageSize
	}
}

// VectorSearch runs a similarity query against the persisted embeddings.
// The in-memory index is the normal search path; this exists for the
// native-backend rebuild check and the fallback search mode.
func (s *Store) VectorSearch(ctx context.Context, ns string, query []float32, k int, typ model.EntityType) ([]backend.Match, error) {
	var filter backend.Filter
	if typ != "" {
		filter = backend.Filter{{Field: "entity_type", Op: backend.OpEq, Value: string(typ)}}
	}
	return s.driver.VectorSearch(ctx, backend.EmbeddingsCollection(ns, s.dim), query, k, filter)
}
