package sqlite_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ashita-ai/torii/internal/backend"
	"github.com/ashita-ai/torii/internal/backend/sqlite"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/testutil"
)

func newDriver(t *testing.T) *sqlite.Driver {
	t.Helper()
	d, err := sqlite.New(":memory:", testutil.TestLogger())
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	spec := backend.CollectionSpec{Name: "sq.idempotent", Indexes: []string{"status"}}
	for i := 0; i < 2; i++ {
		if err := d.EnsureSchema(ctx, spec); err != nil {
			t.Fatalf("EnsureSchema call %d: %v", i+1, err)
		}
	}
	if err := d.Put(ctx, spec.Name, "a", backend.Record{"status": "active"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestCRUDRoundTrip(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	if err := d.EnsureSchema(ctx, backend.CollectionSpec{Name: "sq.crud"}); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	if _, err := d.Get(ctx, "sq.crud", "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}

	if err := d.Insert(ctx, "sq.crud", "x", backend.Record{"name": "first"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := d.Insert(ctx, "sq.crud", "x", backend.Record{"name": "dup"}); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("duplicate Insert: got %v, want ErrConflict", err)
	}

	if err := d.Put(ctx, "sq.crud", "x", backend.Record{"name": "second"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := d.Get(ctx, "sq.crud", "x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["name"] != "second" {
		t.Fatalf("got name %v, want second", got["name"])
	}

	existed, err := d.Delete(ctx, "sq.crud", "x")
	if err != nil || !existed {
		t.Fatalf("Delete: existed=%v err=%v", existed, err)
	}
	existed, err = d.Delete(ctx, "sq.crud", "x")
	if err != nil || existed {
		t.Fatalf("second Delete: existed=%v err=%v", existed, err)
	}
}

func TestListFiltersAndSort(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	if err := d.EnsureSchema(ctx, backend.CollectionSpec{Name: "sq.list", Indexes: []string{"kind"}}); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	seed := map[string]backend.Record{
		"a": {"kind": "server", "tags": []any{"ml", "prod"}, "rank": 3.0},
		"b": {"kind": "agent", "tags": []any{"prod"}, "rank": 1.0},
		"c": {"kind": "server", "tags": []any{"dev"}, "rank": 2.0},
	}
	for k, rec := range seed {
		if err := d.Put(ctx, "sq.list", k, rec); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	recs, err := d.List(ctx, "sq.list", backend.Query{
		Filter: backend.Filter{{Field: "kind", Op: backend.OpEq, Value: "server"}},
	})
	if err != nil {
		t.Fatalf("List eq: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("eq filter: got %d records, want 2", len(recs))
	}

	recs, err = d.List(ctx, "sq.list", backend.Query{
		Filter: backend.Filter{{Field: "tags", Op: backend.OpContains, Value: "prod"}},
	})
	if err != nil {
		t.Fatalf("List contains: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("contains filter: got %d records, want 2", len(recs))
	}

	recs, err = d.List(ctx, "sq.list", backend.Query{
		Filter: backend.Filter{{Field: "kind", Op: backend.OpIn, Value: []any{"agent", "other"}}},
	})
	if err != nil {
		t.Fatalf("List in: %v", err)
	}
	if len(recs) != 1 || recs[0]["kind"] != "agent" {
		t.Fatalf("in filter: got %v", recs)
	}

	recs, err = d.List(ctx, "sq.list", backend.Query{Sort: &backend.Sort{Field: "rank", Desc: true}})
	if err != nil {
		t.Fatalf("List sorted: %v", err)
	}
	wantRanks := []float64{3, 2, 1}
	for i, w := range wantRanks {
		if recs[i]["rank"] != w {
			t.Fatalf("position %d: got rank %v, want %v", i, recs[i]["rank"], w)
		}
	}
}

func TestVectorSearchFallback(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	spec := backend.CollectionSpec{
		Name:   "sq.vectors",
		Vector: &backend.VectorSpec{Field: "embedding", Dimension: 3},
	}
	if err := d.EnsureSchema(ctx, spec); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	seed := map[string][]float32{
		"north": {0, 1, 0},
		"east":  {1, 0, 0},
		"tilt":  {0.9, 0.1, 0},
	}
	for k, v := range seed {
		if err := d.Put(ctx, spec.Name, k, backend.Record{"name": k, "embedding": v}); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	matches, err := d.VectorSearch(ctx, spec.Name, []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Key != "east" || matches[1].Key != "tilt" {
		t.Fatalf("got order %s, %s; want east, tilt", matches[0].Key, matches[1].Key)
	}
	if matches[0].Score < matches[1].Score {
		t.Fatalf("scores not descending: %f < %f", matches[0].Score, matches[1].Score)
	}

	// Repeated searches over the same store must return identical orderings.
	for i := 0; i < 5; i++ {
		again, err := d.VectorSearch(ctx, spec.Name, []float32{1, 0, 0}, 2, nil)
		if err != nil {
			t.Fatalf("VectorSearch repeat %d: %v", i, err)
		}
		for j := range matches {
			if again[j] != matches[j] {
				t.Fatalf("repeat %d: got %v, want %v", i, again, matches)
			}
		}
	}
}

func TestVectorSearchTiesBreakByKey(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	spec := backend.CollectionSpec{
		Name:   "sq.ties",
		Vector: &backend.VectorSpec{Field: "embedding", Dimension: 2},
	}
	if err := d.EnsureSchema(ctx, spec); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	for _, k := range []string{"zeta", "alpha", "mid"} {
		if err := d.Put(ctx, spec.Name, k, backend.Record{"embedding": []float32{1, 0}}); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	matches, err := d.VectorSearch(ctx, spec.Name, []float32{1, 0}, 0, nil)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, k := range want {
		if matches[i].Key != k {
			t.Fatalf("position %d: got %s, want %s", i, matches[i].Key, k)
		}
	}
}

func TestVectorSearchRequiresVectorSpec(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	if err := d.EnsureSchema(ctx, backend.CollectionSpec{Name: "sq.plain"}); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if _, err := d.VectorSearch(ctx, "sq.plain", []float32{1}, 1, nil); !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("search without vector spec: got %v, want ErrInvalid", err)
	}
}
