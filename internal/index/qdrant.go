package index

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/torii/internal/model"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// pointNamespace seeds the deterministic point IDs. Qdrant point IDs must
// be UUIDs or integers; hashing namespace/type/path into a v5 UUID keeps
// upserts idempotent without a separate mapping table.
var pointNamespace = uuid.MustParse("8a6e1bd0-5ba7-4e9b-b6c9-0d7f34c1a6ee")

func pointID(ns string, typ model.EntityType, path string) *qdrant.PointId {
	return qdrant.NewID(uuid.NewSHA1(pointNamespace, []byte(entryKey(ns, typ, path))).String())
}

// Qdrant is the remote index for deployments where the in-memory index no
// longer fits. It satisfies the same Index contract.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error; the inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("index: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("index: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrant connects to the Qdrant server via gRPC.
func NewQdrant(cfg QdrantConfig, logger *slog.Logger) (*Qdrant, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Qdrant{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures all payload indexes are present. CreateFieldIndex is idempotent
// on Qdrant, so indexes added after the collection was first created are
// backfilled on restart.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("index: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("index: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"namespace", "entity_type", "entity_path", "tags"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("index: ensure index on %q: %w", field, err)
		}
	}

	boolType := qdrant.FieldType_FieldTypeBool
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "enabled",
		FieldType:      &boolType,
	}); err != nil {
		return fmt.Errorf("index: ensure index on %q: %w", "enabled", err)
	}

	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, e Entry) error {
	tags := make([]any, len(e.Tags))
	for i, t := range e.Tags {
		tags[i] = t
	}
	payload := map[string]any{
		"namespace":       e.Namespace,
		"entity_type":     string(e.Type),
		"entity_path":     e.Path,
		"tags":            tags,
		"enabled":         e.Enabled,
		"updated_at_unix": float64(e.UpdatedAt.UnixNano()) / 1e9,
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      pointID(e.Namespace, e.Type, e.Path),
			Vectors: qdrant.NewVectorsDense(e.Vector),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("index: qdrant upsert %s: %w", e.Path, err)
	}
	return nil
}

func (q *Qdrant) Remove(ctx context.Context, ns string, typ model.EntityType, path string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{pointID(ns, typ, path)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("index: qdrant delete %s: %w", path, err)
	}
	return nil
}

func (q *Qdrant) SetEnabled(ctx context.Context, ns string, typ model.EntityType, path string, enabled bool) error {
	_, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Payload:        qdrant.NewValueMap(map[string]any{"enabled": enabled}),
		PointsSelector: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{pointID(ns, typ, path)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("index: qdrant set enabled %s: %w", path, err)
	}
	return nil
}

func (q *Qdrant) Search(ctx context.Context, query Query) ([]Hit, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("namespace", query.Namespace),
	}
	if query.Type != "" {
		must = append(must, qdrant.NewMatch("entity_type", string(query.Type)))
	}
	if query.EnabledOnly {
		must = append(must, qdrant.NewMatchBool("enabled", true))
	}
	if len(query.Paths) > 0 {
		must = append(must, qdrant.NewMatchKeywords("entity_path", query.Paths...))
	}
	for _, tag := range query.Tags {
		must = append(must, qdrant.NewMatch("tags", tag))
	}

	fetchLimit := uint64(limit)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(query.Vector),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: qdrant query: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		payload := sp.Payload
		path := payload["entity_path"].GetStringValue()
		if path == "" {
			continue
		}
		sec := payload["updated_at_unix"].GetDoubleValue()
		hits = append(hits, Hit{
			Namespace: query.Namespace,
			Type:      model.EntityType(payload["entity_type"].GetStringValue()),
			Path:      path,
			Score:     sp.Score,
			UpdatedAt: time.Unix(0, int64(sec*1e9)).UTC(),
		})
	}

	// Qdrant only orders by score; re-sort so ties break the same way the
	// in-memory index breaks them.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].UpdatedAt.Equal(hits[j].UpdatedAt) {
			return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
		}
		return hits[i].Path < hits[j].Path
	})
	return hits, nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds; concurrent checks after expiry are deduplicated via singleflight.
func (q *Qdrant) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context; if that caller
	// cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("index: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so it is wrapped in a pointer.
func (q *Qdrant) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *Qdrant) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}
