// Package store exposes typed CRUD over the backend driver for every
// registry entity, enforces uniqueness and lifecycle rules, and emits a
// change event on the bus after every successful mutation.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/ashita-ai/torii/internal/backend"
	"github.com/ashita-ai/torii/internal/model"
)

// listPageSize is how many records the lazy iterator fetches per driver call.
const listPageSize = 100

// Store is the entity store (servers, agents, scopes, scans, embeddings).
type Store struct {
	driver backend.Driver
	bus    *Bus
	logger *slog.Logger
	dim    int
}

// New wires a store over the driver. dim is the embedding dimension used to
// name the per-namespace embedding collections.
func New(driver backend.Driver, dim int, logger *slog.Logger) *Store {
	return &Store{
		driver: driver,
		bus:    NewBus(),
		logger: logger,
		dim:    dim,
	}
}

// Bus returns the change-event bus for subscribers (index, supervisor,
// policy watcher, SSE stream).
func (s *Store) Bus() *Bus { return s.bus }

// Dimension returns the embedding dimension the store was configured with.
func (s *Store) Dimension() int { return s.dim }

// EnsureNamespace idempotently creates every collection a namespace needs.
func (s *Store) EnsureNamespace(ctx context.Context, ns string) error {
	if err := model.ValidateNamespace(ns); err != nil {
		return err
	}
	specs := []backend.CollectionSpec{
		{Name: backend.ServersCollection(ns), Indexes: []string{"is_enabled", "updated_at"}},
		{Name: backend.AgentsCollection(ns), Indexes: []string{"is_enabled", "updated_at"}},
		{Name: backend.ScopesCollection(ns)},
		{Name: backend.ScansCollection(ns), Indexes: []string{"entity_path", "status"}},
		{
			Name:    backend.EmbeddingsCollection(ns, s.dim),
			Indexes: []string{"entity_type", "updated_at"},
			Vector:  &backend.VectorSpec{Field: "vector", Dimension: s.dim},
		},
	}
	for _, spec := range specs {
		if err := s.driver.EnsureSchema(ctx, spec); err != nil {
			return fmt.Errorf("store: ensure %s: %w", spec.Name, err)
		}
	}
	return nil
}

// Ping reports backend reachability.
func (s *Store) Ping(ctx context.Context) error { return s.driver.Ping(ctx) }

func registrableCollection(ns string, typ model.EntityType) (string, error) {
	switch typ {
	case model.EntityServer:
		return backend.ServersCollection(ns), nil
	case model.EntityAgent:
		return backend.AgentsCollection(ns), nil
	default:
		return "", fmt.Errorf("store: %w: entity type %q", model.ErrInvalid, typ)
	}
}

// CreateServer inserts a new server. The path must be unique within the
// namespace; an existing path fails with ErrConflict.
func (s *Store) CreateServer(ctx context.Context, ns string, srv model.Server) (model.Server, error) {
	if err := model.ValidateServer(srv); err != nil {
		return model.Server{}, err
	}
	now := time.Now().UTC()
	srv.CreatedAt = now
	srv.UpdatedAt = now
	srv.Health = model.Health{State: model.HealthUnknown}
	if err := s.insert(ctx, ns, model.EntityServer, srv.Path, srv); err != nil {
		return model.Server{}, err
	}
	s.publish(ns, model.EntityServer, srv.Path, model.OpCreated, srv)
	return srv, nil
}

// CreateAgent inserts a new agent.
func (s *Store) CreateAgent(ctx context.Context, ns string, ag model.Agent) (model.Agent, error) {
	if err := model.ValidateAgent(ag); err != nil {
		return model.Agent{}, err
	}
	now := time.Now().UTC()
	ag.CreatedAt = now
	ag.UpdatedAt = now
	ag.Health = model.Health{State: model.HealthUnknown}
	if err := s.insert(ctx, ns, model.EntityAgent, ag.Path, ag); err != nil {
		return model.Agent{}, err
	}
	s.publish(ns, model.EntityAgent, ag.Path, model.OpCreated, ag)
	return ag, nil
}

// GetServer fetches a server by path.
func (s *Store) GetServer(ctx context.Context, ns, path string) (model.Server, error) {
	var srv model.Server
	if err := s.get(ctx, ns, model.EntityServer, path, &srv); err != nil {
		return model.Server{}, err
	}
	return srv, nil
}

// GetAgent fetches an agent by path.
func (s *Store) GetAgent(ctx context.Context, ns, path string) (model.Agent, error) {
	var ag model.Agent
	if err := s.get(ctx, ns, model.EntityAgent, path, &ag); err != nil {
		return model.Agent{}, err
	}
	return ag, nil
}

// GetRegistrable fetches either kind by type and path.
func (s *Store) GetRegistrable(ctx context.Context, ns string, typ model.EntityType, path string) (model.Registrable, error) {
	switch typ {
	case model.EntityServer:
		return s.GetServer(ctx, ns, path)
	case model.EntityAgent:
		return s.GetAgent(ctx, ns, path)
	default:
		return nil, fmt.Errorf("store: %w: entity type %q", model.ErrInvalid, typ)
	}
}

// UpdateServer replaces an existing server's document, preserving creation
// time and health. Callers serialize per path above this layer.
func (s *Store) UpdateServer(ctx context.Context, ns string, srv model.Server) (model.Server, error) {
	if err := model.ValidateServer(srv); err != nil {
		return model.Server{}, err
	}
	prev, err := s.GetServer(ctx, ns, srv.Path)
	if err != nil {
		return model.Server{}, err
	}
	srv.CreatedAt = prev.CreatedAt
	srv.Health = prev.Health
	srv.UpdatedAt = time.Now().UTC()
	if err := s.put(ctx, ns, model.EntityServer, srv.Path, srv); err != nil {
		return model.Server{}, err
	}
	s.publish(ns, model.EntityServer, srv.Path, model.OpUpdated, srv)
	return srv, nil
}

// UpdateAgent replaces an existing agent's document.
func (s *Store) UpdateAgent(ctx context.Context, ns string, ag model.Agent) (model.Agent, error) {
	if err := model.ValidateAgent(ag); err != nil {
		return model.Agent{}, err
	}
	prev, err := s.GetAgent(ctx, ns, ag.Path)
	if err != nil {
		return model.Agent{}, err
	}
	ag.CreatedAt = prev.CreatedAt
	ag.Health = prev.Health
	ag.UpdatedAt = time.Now().UTC()
	if err := s.put(ctx, ns, model.EntityAgent, ag.Path, ag); err != nil {
		return model.Agent{}, err
	}
	s.publish(ns, model.EntityAgent, ag.Path, model.OpUpdated, ag)
	return ag, nil
}

// ToggleEnabled flips is_enabled and returns the new state. Idempotent: a
// toggle to the current state writes nothing and emits no event.
func (s *Store) ToggleEnabled(ctx context.Context, ns string, typ model.EntityType, path string, enabled bool) (bool, error) {
	reg, err := s.GetRegistrable(ctx, ns, typ, path)
	if err != nil {
		return false, err
	}
	if reg.Enabled() == enabled {
		return enabled, nil
	}
	now := time.Now().UTC()
	switch v := reg.(type) {
	case model.Server:
		v.IsEnabled = enabled
		v.UpdatedAt = now
		if err := s.put(ctx, ns, typ, path, v); err != nil {
			return false, err
		}
		s.publish(ns, typ, path, model.OpToggled, v)
	case model.Agent:
		v.IsEnabled = enabled
		v.UpdatedAt = now
		if err := s.put(ctx, ns, typ, path, v); err != nil {
			return false, err
		}
		s.publish(ns, typ, path, model.OpToggled, v)
	}
	return enabled, nil
}

// SetHealth writes the supervisor's health subrecord without touching
// updated_at, so health churn never reorders listings or re-embeds.
func (s *Store) SetHealth(ctx context.Context, ns string, typ model.EntityType, path string, h model.Health) error {
	reg, err := s.GetRegistrable(ctx, ns, typ, path)
	if err != nil {
		return err
	}
	switch v := reg.(type) {
	case model.Server:
		v.Health = h
		return s.put(ctx, ns, typ, path, v)
	case model.Agent:
		v.Health = h
		return s.put(ctx, ns, typ, path, v)
	}
	return nil
}

// DeleteRegistrable removes an entity. Derived state (embedding record,
// index entry, probe target) is torn down by the event subscribers; scan
// records are retained for audit.
func (s *Store) DeleteRegistrable(ctx context.Context, ns string, typ model.EntityType, path string) error {
	col, err := registrableCollection(ns, typ)
	if err != nil {
		return err
	}
	existed, err := s.driver.Delete(ctx, col, path)
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("store: %s %s: %w", typ, path, model.ErrNotFound)
	}
	s.publish(ns, typ, path, model.OpDeleted, nil)
	return nil
}

// ListOptions narrow a registrable listing.
type ListOptions struct {
	Tag         string
	EnabledOnly bool
	PageSize    int
}

// Registrables returns a lazy sequence of entities ordered by updated_at
// descending. The sequence pages through the driver on demand and restarts
// from the top each time it is ranged over.
func (s *Store) Registrables(ctx context.Context, ns string, typ model.EntityType, opts ListOptions) iter.Seq2[model.Registrable, error] {
	return func(yield func(model.Registrable, error) bool) {
		col, err := registrableCollection(ns, typ)
		if err != nil {
			yield(nil, err)
			return
		}
		var filter backend.Filter
		if opts.EnabledOnly {
			filter = append(filter, backend.Cond{Field: "is_enabled", Op: backend.OpEq, Value: true})
		}
		if opts.Tag != "" {
			filter = append(filter, backend.Cond{Field: "tags", Op: backend.OpContains, Value: opts.Tag})
		}
		pageSize := opts.PageSize
		if pageSize <= 0 {
			pageSize = listPageSize
		}
		offset := 0
		for {
			page, err := s.driver.List(ctx, col, backend.Query{
				Filter: filter,
				Sort:   &backend.Sort{Field: "updated_at", Desc: true},
				Limit:  pageSize,
				Offset: offset,
			})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page {
				reg, err := decodeRegistrable(typ, rec)
				if !yield(reg, err) {
					return
				}
				if err != nil {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			offset += pageSize
		}
	}
}

// FindByTag returns all entities of a type carrying the tag.
func (s *Store) FindByTag(ctx context.Context, ns string, typ model.EntityType, tag string) ([]model.Registrable, error) {
	var out []model.Registrable
	for reg, err := range s.Registrables(ctx, ns, typ, ListOptions{Tag: tag}) {
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

func decodeRegistrable(typ model.EntityType, rec backend.Record) (model.Registrable, error) {
	switch typ {
	case model.EntityServer:
		var srv model.Server
		if err := backend.Decode(rec, &srv); err != nil {
			return nil, err
		}
		return srv, nil
	case model.EntityAgent:
		var ag model.Agent
		if err := backend.Decode(rec, &ag); err != nil {
			return nil, err
		}
		return ag, nil
	default:
		return nil, fmt.Errorf("store: %w: entity type %q", model.ErrInvalid, typ)
	}
}

func (s *Store) insert(ctx context.Context, ns string, typ model.EntityType, key string, v any) error {
	col, err := registrableCollection(ns, typ)
	if err != nil {
		return err
	}
	rec, err := backend.Encode(v)
	if err != nil {
		return err
	}
	if err := s.driver.Insert(ctx, col, key, rec); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return fmt.Errorf("store: %s %s already registered: %w", typ, key, model.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Store) put(ctx context.Context, ns string, typ model.EntityType, key string, v any) error {
	col, err := registrableCollection(ns, typ)
	if err != nil {
		return err
	}
	rec, err := backend.Encode(v)
	if err != nil {
		return err
	}
	return s.driver.Put(ctx, col, key, rec)
}

func (s *Store) get(ctx context.Context, ns string, typ model.EntityType, key string, out any) error {
	col, err := registrableCollection(ns, typ)
	if err != nil {
		return err
	}
	rec, err := s.driver.Get(ctx, col, key)
	if err != nil {
		return err
	}
	return backend.Decode(rec, out)
}

func (s *Store) publish(ns string, typ model.EntityType, path string, op model.ChangeOp, snapshot model.Registrable) {
	s.bus.Publish(model.ChangeEvent{
		Namespace: ns,
		Type:      typ,
		Path:      path,
		Op:        op,
		Snapshot:  snapshot,
		At:        time.Now().UTC(),
	})
}
