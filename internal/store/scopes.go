package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/torii/internal/backend"
	"github.com/ashita-ai/torii/internal/model"
)

// PutScope creates or replaces a scope definition and notifies the policy
// watcher through the bus.
func (s *Store) PutScope(ctx context.Context, ns string, sc model.Scope) (model.Scope, error) {
	if err := model.ValidateScope(sc); err != nil {
		return model.Scope{}, err
	}
	col := backend.ScopesCollection(ns)
	now := time.Now().UTC()
	op := model.OpUpdated
	prev, err := s.driver.Get(ctx, col, sc.Name)
	switch {
	case errors.Is(err, model.ErrNotFound):
		op = model.OpCreated
		sc.CreatedAt = now
	case err != nil:
		return model.Scope{}, err
	default:
		var old model.Scope
		if err := backend.Decode(prev, &old); err != nil {
			return model.Scope{}, err
		}
		sc.CreatedAt = old.CreatedAt
	}
	sc.UpdatedAt = now
	rec, err := backend.Encode(sc)
	if err != nil {
		return model.Scope{}, err
	}
	if err := s.driver.Put(ctx, col, sc.Name, rec); err != nil {
		return model.Scope{}, err
	}
	s.bus.Publish(model.ChangeEvent{
		Namespace: ns,
		Type:      model.EntityScopeRecord,
		Path:      sc.Name,
		Op:        op,
		At:        now,
	})
	return sc, nil
}

// GetScope fetches a scope by name.
func (s *Store) GetScope(ctx context.Context, ns, name string) (model.Scope, error) {
	rec, err := s.driver.Get(ctx, backend.ScopesCollection(ns), name)
	if err != nil {
		return model.Scope{}, err
	}
	var sc model.Scope
	if err := backend.Decode(rec, &sc); err != nil {
		return model.Scope{}, err
	}
	return sc, nil
}

// DeleteScope removes a scope. Identities still carrying the group simply
// stop matching; no entity is touched.
func (s *Store) DeleteScope(ctx context.Context, ns, name string) error {
	existed, err := s.driver.Delete(ctx, backend.ScopesCollection(ns), name)
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("store: scope %s: %w", name, model.ErrNotFound)
	}
	s.bus.Publish(model.ChangeEvent{
		Namespace: ns,
		Type:      model.EntityScopeRecord,
		Path:      name,
		Op:        model.OpDeleted,
		At:        time.Now().UTC(),
	})
	return nil
}

// ListScopes returns every scope in the namespace, name order.
func (s *Store) ListScopes(ctx context.Context, ns string) ([]model.Scope, error) {
	recs, err := s.driver.List(ctx, backend.ScopesCollection(ns), backend.Query{
		Sort: &backend.Sort{Field: "name"},
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Scope, 0, len(recs))
	for _, rec := range recs {
		var sc model.Scope
		if err := backend.Decode(rec, &sc); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}
