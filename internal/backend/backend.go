// Package backend defines the persistence driver contract for the registry.
//
// A driver provides key-scoped document storage per collection plus top-k
// cosine vector search. Two implementations exist: postgres (pgvector,
// native ANN) and sqlite (client-side exact search). The driver is the only
// component that performs I/O against persistent storage.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
)

// Record is a stored document. Values are the JSON-decoded forms
// (string, float64, bool, []any, map[string]any), except the configured
// vector field which drivers round-trip as []float32.
type Record map[string]any

// Op is a filter comparison operator.
type Op string

const (
	// OpEq matches a field equal to the given value.
	OpEq Op = "eq"
	// OpIn matches a field equal to any of the given values.
	OpIn Op = "in"
	// OpContains matches an array field containing the given element.
	OpContains Op = "contains"
)

// Cond is a single predicate on a top-level document field.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Filter is a conjunction of conditions. An empty filter matches everything.
type Filter []Cond

// Sort orders a listing by a top-level document field.
type Sort struct {
	Field string
	Desc  bool
}

// Query bundles the options for List.
type Query struct {
	Filter Filter
	Sort   *Sort
	Limit  int
	Offset int
}

// Match is one vector-search hit.
type Match struct {
	Key   string
	Score float32
}

// VectorSpec configures the vector index of a collection.
type VectorSpec struct {
	// Field is the record field holding the []float32 vector.
	Field string
	// Dimension is fixed per collection; puts with a different length fail.
	Dimension int
}

// CollectionSpec describes a collection for EnsureSchema. EnsureSchema is
// idempotent; drivers remember the spec so later puts and searches know the
// collection's vector configuration.
type CollectionSpec struct {
	Name    string
	Indexes []string
	Vector  *VectorSpec
}

// Driver is the narrow persistence contract. Single-key operations are
// atomic; multi-key consistency is not promised.
type Driver interface {
	// EnsureSchema creates the collection and its indexes if missing.
	EnsureSchema(ctx context.Context, spec CollectionSpec) error

	// Get returns the record stored under key, or model.ErrNotFound.
	Get(ctx context.Context, collection, key string) (Record, error)

	// Put upserts a record under key.
	Put(ctx context.Context, collection, key string, rec Record) error

	// Insert stores a new record under key, failing with model.ErrConflict
	// if the key already exists.
	Insert(ctx context.Context, collection, key string, rec Record) error

	// Delete removes the record under key, reporting whether it existed.
	Delete(ctx context.Context, collection, key string) (bool, error)

	// List returns records matching the query in the requested order.
	List(ctx context.Context, collection string, q Query) ([]Record, error)

	// VectorSearch returns the top-k records by cosine similarity to the
	// query vector, optionally restricted by filter. Scores are in [-1, 1],
	// descending.
	VectorSearch(ctx context.Context, collection string, vector []float32, k int, filter Filter) ([]Match, error)

	// Ping reports backend reachability.
	Ping(ctx context.Context) error

	// Close releases the driver's resources.
	Close(ctx context.Context) error
}

// Encode converts a typed value into a Record via its JSON form.
func Encode(v any) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("backend: encode record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("backend: encode record: %w", err)
	}
	return rec, nil
}

// Decode converts a Record back into a typed value via its JSON form.
func Decode(rec Record, out any) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("backend: decode record: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("backend: decode record: %w", err)
	}
	return nil
}

// Matches evaluates a filter against a record. Drivers without native
// predicate pushdown use this as the reference semantics; drivers with
// pushdown must behave identically.
func (f Filter) Matches(rec Record) bool {
	for _, c := range f {
		if !c.matches(rec) {
			return false
		}
	}
	return true
}

func (c Cond) matches(rec Record) bool {
	got, ok := rec[c.Field]
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return looseEqual(got, c.Value)
	case OpIn:
		vals, ok := c.Value.([]any)
		if !ok {
			if ss, ok := c.Value.([]string); ok {
				for _, s := range ss {
					if looseEqual(got, s) {
						return true
					}
				}
			}
			return false
		}
		for _, v := range vals {
			if looseEqual(got, v) {
				return true
			}
		}
		return false
	case OpContains:
		arr, ok := got.([]any)
		if !ok {
			return false
		}
		for _, el := range arr {
			if looseEqual(el, c.Value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// looseEqual compares across the numeric widenings JSON decoding produces.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	fa, aok := asFloat(a)
	fb, bok := asFloat(b)
	if aok && bok {
		return fa == fb
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
