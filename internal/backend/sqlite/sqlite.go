// Package sqlite implements the backend driver on an embedded SQLite
// database. Documents are stored as JSON text; filters, ordering, and
// vector search are evaluated client-side with exact cosine similarity.
//
// This is the fallback driver for deployments without a document store
// with native ANN, and the fixture store for tests (":memory:").
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	sqlite3 "modernc.org/sqlite"

	"github.com/ashita-ai/torii/internal/backend"
	"github.com/ashita-ai/torii/internal/model"
)

// Driver is a SQLite-backed backend.Driver.
type Driver struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.RWMutex
	specs map[string]backend.CollectionSpec
}

// New opens (or creates) the database at path. An empty path opens an
// in-memory database. The connection pool is capped at one connection so
// in-memory databases see a single coherent store.
func New(path string, logger *slog.Logger) (*Driver, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{`PRAGMA journal_mode = WAL`, `PRAGMA foreign_keys = ON`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return &Driver{
		db:     db,
		logger: logger,
		specs:  make(map[string]backend.CollectionSpec),
	}, nil
}

// EnsureSchema creates the collection table and its secondary indexes if
// missing, and remembers the spec for later vector handling.
func (d *Driver) EnsureSchema(ctx context.Context, spec backend.CollectionSpec) error {
	table, err := backend.TableName(spec.Name)
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, doc TEXT NOT NULL)`, table,
	)); err != nil {
		return d.wrap("ensure schema", err)
	}
	for _, field := range spec.Indexes {
		if !validField(field) {
			return fmt.Errorf("sqlite: %w: index field %q", model.ErrInvalid, field)
		}
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s (json_extract(doc, '$.%s'))`,
			table, field, table, field)
		if _, err := d.db.ExecContext(ctx, idx); err != nil {
			return d.wrap("ensure index", err)
		}
	}
	d.mu.Lock()
	d.specs[spec.Name] = spec
	d.mu.Unlock()
	return nil
}

// Get returns the record under key or model.ErrNotFound.
func (d *Driver) Get(ctx context.Context, collection, key string) (backend.Record, error) {
	table, err := backend.TableName(collection)
	if err != nil {
		return nil, err
	}
	var doc string
	err = d.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE key = ?`, table), key,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: %s/%s: %w", collection, key, model.ErrNotFound)
	}
	if err != nil {
		return nil, d.wrap("get", err)
	}
	return decodeDoc(doc)
}

// Put upserts the record under key.
func (d *Driver) Put(ctx context.Context, collection, key string, rec backend.Record) error {
	table, err := backend.TableName(collection)
	if err != nil {
		return err
	}
	if err := d.checkVector(collection, rec); err != nil {
		return err
	}
	doc, err := encodeDoc(rec)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, doc) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET doc = excluded.doc`, table,
	), key, doc)
	if err != nil {
		return d.wrap("put", err)
	}
	return nil
}

// Insert stores a new record, failing with model.ErrConflict if the key
// already exists.
func (d *Driver) Insert(ctx context.Context, collection, key string, rec backend.Record) error {
	table, err := backend.TableName(collection)
	if err != nil {
		return err
	}
	if err := d.checkVector(collection, rec); err != nil {
		return err
	}
	doc, err := encodeDoc(rec)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, doc) VALUES (?, ?)`, table,
	), key, doc)
	if isConstraint(err) {
		return fmt.Errorf("sqlite: %s/%s: %w", collection, key, model.ErrConflict)
	}
	if err != nil {
		return d.wrap("insert", err)
	}
	return nil
}

// Delete removes the record under key, reporting whether it existed.
func (d *Driver) Delete(ctx context.Context, collection, key string) (bool, error) {
	table, err := backend.TableName(collection)
	if err != nil {
		return false, err
	}
	res, err := d.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, table), key)
	if err != nil {
		return false, d.wrap("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, d.wrap("delete", err)
	}
	return n > 0, nil
}

// List scans the collection and evaluates the query client-side.
func (d *Driver) List(ctx context.Context, collection string, q backend.Query) ([]backend.Record, error) {
	recs, _, err := d.scan(ctx, collection, q.Filter)
	if err != nil {
		return nil, err
	}
	if q.Sort != nil {
		sortRecords(recs, *q.Sort)
	}
	if q.Offset > 0 {
		if q.Offset >= len(recs) {
			return nil, nil
		}
		recs = recs[q.Offset:]
	}
	if q.Limit > 0 && len(recs) > q.Limit {
		recs = recs[:q.Limit]
	}
	return recs, nil
}

// VectorSearch computes exact cosine similarity across the collection and
// returns the top-k matches, scores descending. Ties break by key ascending
// so repeated queries return identical orderings.
func (d *Driver) VectorSearch(ctx context.Context, collection string, vector []float32, k int, filter backend.Filter) ([]backend.Match, error) {
	d.mu.RLock()
	spec, ok := d.specs[collection]
	d.mu.RUnlock()
	if !ok || spec.Vector == nil {
		return nil, fmt.Errorf("sqlite: %w: collection %q has no vector index", model.ErrInvalid, collection)
	}
	recs, keys, err := d.scan(ctx, collection, filter)
	if err != nil {
		return nil, err
	}

	matches := make([]backend.Match, 0, len(recs))
	for i, rec := range recs {
		vec := recordVector(rec, spec.Vector.Field)
		if len(vec) != len(vector) {
			continue
		}
		matches = append(matches, backend.Match{Key: keys[i], Score: Cosine(vector, vec)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Ping verifies the database handle is usable.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return d.wrap("ping", err)
	}
	return nil
}

// Close shuts the database handle.
func (d *Driver) Close(context.Context) error {
	return d.db.Close()
}

func (d *Driver) scan(ctx context.Context, collection string, filter backend.Filter) ([]backend.Record, []string, error) {
	table, err := backend.TableName(collection)
	if err != nil {
		return nil, nil, err
	}
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, doc FROM %s`, table))
	if err != nil {
		return nil, nil, d.wrap("scan", err)
	}
	defer rows.Close()

	var recs []backend.Record
	var keys []string
	for rows.Next() {
		var key, doc string
		if err := rows.Scan(&key, &doc); err != nil {
			return nil, nil, d.wrap("scan", err)
		}
		rec, err := decodeDoc(doc)
		if err != nil {
			return nil, nil, err
		}
		if !filter.Matches(rec) {
			continue
		}
		recs = append(recs, rec)
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, d.wrap("scan", err)
	}
	return recs, keys, nil
}

// checkVector enforces the collection's declared dimension on write.
func (d *Driver) checkVector(collection string, rec backend.Record) error {
	d.mu.RLock()
	spec, ok := d.specs[collection]
	d.mu.RUnlock()
	if !ok || spec.Vector == nil {
		return nil
	}
	vec := recordVector(rec, spec.Vector.Field)
	if vec == nil {
		return nil
	}
	if len(vec) != spec.Vector.Dimension {
		return fmt.Errorf("sqlite: %w: vector dimension %d, collection expects %d",
			model.ErrInvalid, len(vec), spec.Vector.Dimension)
	}
	return nil
}

func (d *Driver) wrap(op string, err error) error {
	return fmt.Errorf("sqlite: %s: %v: %w", op, err, model.ErrBackendUnavailable)
}

func isConstraint(err error) bool {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	// Primary result code 19 is SQLITE_CONSTRAINT; extended codes keep it
	// in the low byte.
	return serr.Code()&0xff == 19
}

func encodeDoc(rec backend.Record) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode doc: %w", err)
	}
	return string(raw), nil
}

func decodeDoc(doc string) (backend.Record, error) {
	var rec backend.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("sqlite: decode doc: %w", err)
	}
	return rec, nil
}

// recordVector extracts a []float32 from the raw decoded forms a vector
// field may take after JSON round-trips.
func recordVector(rec backend.Record, field string) []float32 {
	switch v := rec[field].(type) {
	case []float32:
		return v
	case []any:
		out := make([]float32, len(v))
		for i, el := range v {
			f, ok := el.(float64)
			if !ok {
				return nil
			}
			out[i] = float32(f)
		}
		return out
	default:
		return nil
	}
}

// Cosine returns the cosine similarity of two equal-length vectors.
// A zero vector yields similarity 0.
func Cosine(a, b []float32) float32 {
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

func sortRecords(recs []backend.Record, s backend.Sort) {
	sort.SliceStable(recs, func(i, j int) bool {
		c := compareValues(recs[i][s.Field], recs[j][s.Field])
		if s.Desc {
			return c > 0
		}
		return c < 0
	})
}

// compareValues orders the JSON scalar types; mixed types order by type name
// so the result is at least deterministic.
func compareValues(a, b any) int {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

func validField(f string) bool {
	if f == "" || len(f) > 64 {
		return false
	}
	for i := 0; i < len(f); i++ {
		c := f[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			continue
		}
		return false
	}
	return true
}
