package registry

import (
	"context"

	"github.com/ashita-ai/torii/internal/model"
)

// Scope management requires a global admin grant: a scope record granting
// admin on a single server path is not enough to edit policy.

// PutScope creates or replaces a scope record. The policy watcher picks
// the change up from the bus.
func (r *Registry) PutScope(ctx context.Context, ns string, sc model.Scope, id model.Identity) (model.Scope, error) {
	return guard(r, "put_scope", func() (model.Scope, error) {
		if err := r.requireAdmin(id, "*"); err != nil {
			return model.Scope{}, err
		}
		return r.store.PutScope(ctx, ns, sc)
	})
}

// DeleteScope removes a scope record.
func (r *Registry) DeleteScope(ctx context.Context, ns, name string, id model.Identity) error {
	_, err := guard(r, "delete_scope", func() (struct{}, error) {
		if err := r.requireAdmin(id, "*"); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, r.store.DeleteScope(ctx, ns, name)
	})
	return err
}

// ListScopes returns every scope record, sorted by name.
func (r *Registry) ListScopes(ctx context.Context, ns string, id model.Identity) ([]model.Scope, error) {
	return guard(r, "list_scopes", func() ([]model.Scope, error) {
		if err := r.requireAdmin(id, "*"); err != nil {
			return nil, err
		}
		return readRetry(ctx, func() ([]model.Scope, error) {
			return r.store.ListScopes(ctx, ns)
		})
	})
}
