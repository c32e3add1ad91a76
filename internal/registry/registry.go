// Package registry is the orchestrator tying the store, the policy engine,
// the embedding provider, and the vector index into the operation surface
// the termination layer calls. Every mutation is scope-gated and serialized
// per entity path; reads are filtered to what the caller may list.
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/torii/internal/embedding"
	"github.com/ashita-ai/torii/internal/index"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/scopes"
	"github.com/ashita-ai/torii/internal/store"
)

// PolicySource yields the current scope-table snapshot. Satisfied by
// scopes.Watcher; tests hand in a fixed table.
type PolicySource interface {
	Table() *scopes.Table
}

// Syncer is the slice of the index sync worker the registry needs: a
// bounded wait for read-your-writes on search.
type Syncer interface {
	WaitSynced(ctx context.Context) bool
}

// Options tune the orchestrator.
type Options struct {
	// SyncWaitMax bounds how long a search waits for the index to catch
	// up with the store. Zero disables the wait.
	SyncWaitMax time.Duration
}

// Registry exposes the control-plane operations.
type Registry struct {
	store    *store.Store
	provider embedding.Provider
	idx      index.Index
	syncer   Syncer
	policy   PolicySource
	logger   *slog.Logger
	opts     Options

	locks *pathLocks
}

// New wires the orchestrator. syncer may be nil when no bounded sync-wait
// is wanted (searches then read whatever the index currently holds).
func New(st *store.Store, provider embedding.Provider, idx index.Index, syncer Syncer, policy PolicySource, logger *slog.Logger, opts Options) *Registry {
	return &Registry{
		store:    st,
		provider: provider,
		idx:      idx,
		syncer:   syncer,
		policy:   policy,
		logger:   logger,
		opts:     opts,
		locks:    newPathLocks(),
	}
}

// guard runs fn with panic recovery. A recovered panic is logged with a
// correlation id and surfaced as an opaque internal error.
func guard[T any](r *Registry, op string, fn func() (T, error)) (out T, err error) {
	defer func() {
		if p := recover(); p != nil {
			cid := uuid.NewString()
			r.logger.Error("registry: panic recovered",
				"op", op, "correlation_id", cid, "panic", p)
			var zero T
			out, err = zero, &model.InternalError{CorrelationID: cid}
		}
	}()
	return fn()
}

// readRetry retries an idempotent read once with jitter when the backend
// reports unavailability. Writes are never retried here; the caller owns
// write retry semantics.
func readRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	out, err := fn()
	if err == nil || !errors.Is(err, model.ErrBackendUnavailable) {
		return out, err
	}
	delay := 25*time.Millisecond + time.Duration(rand.Int63n(int64(50*time.Millisecond)))
	select {
	case <-ctx.Done():
		return out, err
	case <-time.After(delay):
	}
	return fn()
}

func mutationKey(ns string, typ model.EntityType, path string) string {
	return ns + "/" + string(typ) + ":" + path
}

// requireAdmin gates a mutation: only identities holding the admin method
// on the target path (or the synthetic admin group) may proceed.
func (r *Registry) requireAdmin(id model.Identity, path string) error {
	dec := r.policy.Table().Evaluate(id, model.Operation{
		ServicePath: path,
		Method:      model.MethodAdmin,
	})
	if !dec.Allow {
		return fmt.Errorf("registry: %s for %s: %w", dec.Reason, id.Subject, model.ErrForbidden)
	}
	return nil
}

// mayList reports whether the identity can see the entity at all. Listing
// is the minimum read grant; get, list, and search all filter on it.
func (r *Registry) mayList(id model.Identity, path string) bool {
	return r.policy.Table().Evaluate(id, model.Operation{
		ServicePath: path,
		Method:      model.MethodList,
	}).Allow
}

// RegisterServer creates a server entity. Admin-gated.
func (r *Registry) RegisterServer(ctx context.Context, ns string, srv model.Server, id model.Identity) (model.Server, error) {
	return guard(r, "register_server", func() (model.Server, error) {
		if err := r.requireAdmin(id, srv.Path); err != nil {
			return model.Server{}, err
		}
		release := r.locks.lock(mutationKey(ns, model.EntityServer, srv.Path))
		defer release()
		return r.store.CreateServer(ctx, ns, srv)
	})
}

// RegisterAgent creates an agent entity. Admin-gated.
func (r *Registry) RegisterAgent(ctx context.Context, ns string, ag model.Agent, id model.Identity) (model.Agent, error) {
	return guard(r, "register_agent", func() (model.Agent, error) {
		if err := r.requireAdmin(id, ag.Path); err != nil {
			return model.Agent{}, err
		}
		release := r.locks.lock(mutationKey(ns, model.EntityAgent, ag.Path))
		defer release()
		return r.store.CreateAgent(ctx, ns, ag)
	})
}

// UpdateServer replaces a server registration. Admin-gated; created_at and
// health are preserved by the store.
func (r *Registry) UpdateServer(ctx context.Context, ns string, srv model.Server, id model.Identity) (model.Server, error) {
	return guard(r, "update_server", func() (model.Server, error) {
		if err := r.requireAdmin(id, srv.Path); err != nil {
			return model.Server{}, err
		}
		release := r.locks.lock(mutationKey(ns, model.EntityServer, srv.Path))
		defer release()
		return r.store.UpdateServer(ctx, ns, srv)
	})
}

// UpdateAgent replaces an agent registration. Admin-gated.
func (r *Registry) UpdateAgent(ctx context.Context, ns string, ag model.Agent, id model.Identity) (model.Agent, error) {
	return guard(r, "update_agent", func() (model.Agent, error) {
		if err := r.requireAdmin(id, ag.Path); err != nil {
			return model.Agent{}, err
		}
		release := r.locks.lock(mutationKey(ns, model.EntityAgent, ag.Path))
		defer release()
		return r.store.UpdateAgent(ctx, ns, ag)
	})
}

// Delete removes an entity. Admin-gated. Scan records survive the delete.
func (r *Registry) Delete(ctx context.Context, ns string, typ model.EntityType, path string, id model.Identity) error {
	_, err := guard(r, "delete_entity", func() (struct{}, error) {
		if err := r.requireAdmin(id, path); err != nil {
			return struct{}{}, err
		}
		release := r.locks.lock(mutationKey(ns, typ, path))
		defer release()
		return struct{}{}, r.store.DeleteRegistrable(ctx, ns, typ, path)
	})
	return err
}

// Toggle sets the enabled flag. Admin-gated; returns the resulting state.
func (r *Registry) Toggle(ctx context.Context, ns string, typ model.EntityType, path string, enabled bool, id model.Identity) (bool, error) {
	return guard(r, "toggle_entity", func() (bool, error) {
		if err := r.requireAdmin(id, path); err != nil {
			return false, err
		}
		release := r.locks.lock(mutationKey(ns, typ, path))
		defer release()
		return r.store.ToggleEnabled(ctx, ns, typ, path, enabled)
	})
}

// Get returns one entity snapshot, health subrecord included. The caller
// must hold at least the list grant for the path.
func (r *Registry) Get(ctx context.Context, ns string, typ model.EntityType, path string, id model.Identity) (model.Registrable, error) {
	return guard(r, "get_entity", func() (model.Registrable, error) {
		if !r.mayList(id, path) {
			return nil, fmt.Errorf("registry: get %s: %w", path, model.ErrForbidden)
		}
		return readRetry(ctx, func() (model.Registrable, error) {
			return r.store.GetRegistrable(ctx, ns, typ, path)
		})
	})
}

// List returns a lazy sequence of entities the caller may list, ordered by
// updated_at descending. Permission filtering happens per element, so a
// denied entity costs nothing to the caller.
func (r *Registry) List(ctx context.Context, ns string, typ model.EntityType, opts store.ListOptions, id model.Identity) iter.Seq2[model.Registrable, error] {
	return func(yield func(model.Registrable, error) bool) {
		for reg, err := range r.store.Registrables(ctx, ns, typ, opts) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !r.mayList(id, reg.EntityPath()) {
				continue
			}
			if !yield(reg, nil) {
				return
			}
		}
	}
}

// AuthorizeCall evaluates the caller against the current scope table. Pure
// and non-blocking; gateway data paths call this per request.
func (r *Registry) AuthorizeCall(id model.Identity, op model.Operation) model.Decision {
	return r.policy.Table().Evaluate(id, op)
}

// LoadScopeTable builds a fresh snapshot straight from the store, bypassing
// the watcher. The termination layer uses it for administrative inspection.
func (r *Registry) LoadScopeTable(ctx context.Context, ns string, adminScope string) (*scopes.Table, error) {
	return guard(r, "load_scope_table", func() (*scopes.Table, error) {
		records, err := readRetry(ctx, func() ([]model.Scope, error) {
			return r.store.ListScopes(ctx, ns)
		})
		if err != nil {
			return nil, err
		}
		return scopes.NewTable(records, adminScope), nil
	})
}
