package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/torii/internal/index"
	"github.com/ashita-ai/torii/internal/model"
)

// SearchRequest is a semantic discovery query.
type SearchRequest struct {
	Namespace string
	Query     string
	K         int
	// Type narrows to servers or agents; empty searches both.
	Type model.EntityType
	// Tags restrict to entries carrying every listed tag.
	Tags []string
	// EnabledOnly hides disabled entities. Default keeps them visible.
	EnabledOnly bool
	// WaitSynced asks for read-your-writes: the search waits (bounded by
	// the registry's SyncWaitMax) for the index to catch up first.
	WaitSynced bool
}

// SearchHit pairs a ranked index hit with its current store snapshot.
type SearchHit struct {
	Entity model.Registrable
	Score  float32
}

// SearchResult is the ranked answer. Synced is false when a requested
// sync-wait timed out; results are still returned, possibly stale.
type SearchResult struct {
	Hits   []SearchHit
	Synced bool
}

const defaultSearchK = 10

// Search embeds the query text and runs a similarity search, filtered to
// entities the caller may list. Ordering is score descending with
// deterministic tie-breaks, identical across invocations.
func (r *Registry) Search(ctx context.Context, req SearchRequest, id model.Identity) (SearchResult, error) {
	return guard(r, "search_entities", func() (SearchResult, error) {
		if req.Query == "" {
			return SearchResult{}, fmt.Errorf("registry: query must not be empty: %w", model.ErrInvalid)
		}
		k := req.K
		if k <= 0 {
			k = defaultSearchK
		}

		vecs, err := r.provider.EmbedBatch(ctx, []string{req.Query})
		if err != nil {
			return SearchResult{}, fmt.Errorf("registry: embed query: %w", err)
		}

		synced := true
		if req.WaitSynced && r.syncer != nil && r.opts.SyncWaitMax > 0 {
			waitCtx, cancel := context.WithTimeout(ctx, r.opts.SyncWaitMax)
			synced = r.syncer.WaitSynced(waitCtx)
			cancel()
		}

		// Over-fetch so permission filtering and vanished entities do not
		// shrink the answer below k.
		hits, err := readRetry(ctx, func() ([]index.Hit, error) {
			return r.idx.Search(ctx, index.Query{
				Namespace:   req.Namespace,
				Vector:      vecs[0],
				Limit:       k * 2,
				Type:        req.Type,
				Tags:        req.Tags,
				EnabledOnly: req.EnabledOnly,
			})
		})
		if err != nil {
			return SearchResult{}, fmt.Errorf("registry: index search: %w", err)
		}

		out := SearchResult{Synced: synced, Hits: make([]SearchHit, 0, min(k, len(hits)))}
		for _, h := range hits {
			if len(out.Hits) == k {
				break
			}
			if !r.mayList(id, h.Path) {
				continue
			}
			reg, err := r.store.GetRegistrable(ctx, req.Namespace, h.Type, h.Path)
			if err != nil {
				// Deleted between index read and snapshot fetch.
				if errors.Is(err, model.ErrNotFound) {
					continue
				}
				return SearchResult{}, err
			}
			out.Hits = append(out.Hits, SearchHit{Entity: reg, Score: h.Score})
		}
		return out, nil
	})
}
