// Package postgres implements the backend driver on PostgreSQL with the
// pgvector extension. Documents live in a JSONB column; vector collections
// carry a typed vector column with an HNSW cosine index, so top-k search is
// native ANN rather than a client-side scan.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/ashita-ai/torii/internal/backend"
	"github.com/ashita-ai/torii/internal/model"
)

// Driver is a Postgres-backed backend.Driver.
type Driver struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu    sync.RWMutex
	specs map[string]backend.CollectionSpec
}

// New connects a pool to dsn and registers pgvector types on each
// connection. Registration is best-effort before EnsureSchema has created
// the extension; later connections pick the types up.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Driver, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("postgres: pgvector types not registered yet", "error", err)
		}
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %v: %w", err, model.ErrBackendUnavailable)
	}
	return &Driver{
		pool:   pool,
		logger: logger,
		specs:  make(map[string]backend.CollectionSpec),
	}, nil
}

// EnsureSchema creates the table, its secondary expression indexes, and the
// vector column + HNSW index when the spec declares one. Idempotent.
func (d *Driver) EnsureSchema(ctx context.Context, spec backend.CollectionSpec) error {
	table, err := backend.TableName(spec.Name)
	if err != nil {
		return err
	}

	vectorCol := ""
	if spec.Vector != nil {
		if _, err := d.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
			return d.wrap("create extension", err)
		}
		vectorCol = fmt.Sprintf(", embedding vector(%d)", spec.Vector.Dimension)
	}
	if _, err := d.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, doc JSONB NOT NULL%s)`, table, vectorCol,
	)); err != nil {
		return d.wrap("ensure table", err)
	}

	for _, field := range spec.Indexes {
		if !validField(field) {
			return fmt.Errorf("postgres: %w: index field %q", model.ErrInvalid, field)
		}
		if _, err := d.pool.Exec(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s ((doc->>'%s'))`, table, field, table, field,
		)); err != nil {
			return d.wrap("ensure index", err)
		}
	}
	if spec.Vector != nil {
		if _, err := d.pool.Exec(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, table, table,
		)); err != nil {
			return d.wrap("ensure vector index", err)
		}
	}

	d.mu.Lock()
	d.specs[spec.Name] = spec
	d.mu.Unlock()
	return nil
}

// Get returns the record under key or model.ErrNotFound. The stored vector,
// if any, is re-injected into the record under the spec's vector field.
func (d *Driver) Get(ctx context.Context, collection, key string) (backend.Record, error) {
	table, err := backend.TableName(collection)
	if err != nil {
		return nil, err
	}
	spec := d.spec(collection)

	var doc []byte
	var rec backend.Record
	if spec != nil && spec.Vector != nil {
		var vec *pgvector.Vector
		err = d.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT doc, embedding FROM %s WHERE key = $1`, table), key,
		).Scan(&doc, &vec)
		if err == nil {
			if rec, err = decodeDoc(doc); err == nil && vec != nil {
				rec[spec.Vector.Field] = vec.Slice()
			}
		}
	} else {
		err = d.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT doc FROM %s WHERE key = $1`, table), key,
		).Scan(&doc)
		if err == nil {
			rec, err = decodeDoc(doc)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: %s/%s: %w", collection, key, model.ErrNotFound)
	}
	if err != nil {
		return nil, d.wrap("get", err)
	}
	return rec, nil
}

// Put upserts the record under key.
func (d *Driver) Put(ctx context.Context, collection, key string, rec backend.Record) error {
	return d.write(ctx, collection, key, rec, true)
}

// Insert stores a new record, failing with model.ErrConflict when the key
// already exists.
func (d *Driver) Insert(ctx context.Context, collection, key string, rec backend.Record) error {
	return d.write(ctx, collection, key, rec, false)
}

func (d *Driver) write(ctx context.Context, collection, key string, rec backend.Record, upsert bool) error {
	table, err := backend.TableName(collection)
	if err != nil {
		return err
	}
	spec := d.spec(collection)

	doc := rec
	var vec *pgvector.Vector
	if spec != nil && spec.Vector != nil {
		raw := recordVector(rec, spec.Vector.Field)
		if raw != nil {
			if len(raw) != spec.Vector.Dimension {
				return fmt.Errorf("postgres: %w: vector dimension %d, collection expects %d",
					model.ErrInvalid, len(raw), spec.Vector.Dimension)
			}
			v := pgvector.NewVector(raw)
			vec = &v
			// The vector lives in its typed column, not the JSONB doc.
			doc = make(backend.Record, len(rec))
			for k, val := range rec {
				if k != spec.Vector.Field {
					doc[k] = val
				}
			}
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("postgres: encode doc: %w", err)
	}

	var sql string
	args := []any{key, raw}
	if spec != nil && spec.Vector != nil {
		if upsert {
			sql = fmt.Sprintf(`INSERT INTO %s (key, doc, embedding) VALUES ($1, $2, $3)
				ON CONFLICT (key) DO UPDATE SET doc = excluded.doc, embedding = excluded.embedding`, table)
		} else {
			sql = fmt.Sprintf(`INSERT INTO %s (key, doc, embedding) VALUES ($1, $2, $3)`, table)
		}
		args = append(args, vec)
	} else {
		if upsert {
			sql = fmt.Sprintf(`INSERT INTO %s (key, doc) VALUES ($1, $2)
				ON CONFLICT (key) DO UPDATE SET doc = excluded.doc`, table)
		} else {
			sql = fmt.Sprintf(`INSERT INTO %s (key, doc) VALUES ($1, $2)`, table)
		}
	}

	if _, err := d.pool.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: %s/%s: %w", collection, key, model.ErrConflict)
		}
		return d.wrap("write", err)
	}
	return nil
}

// Delete removes the record under key, reporting whether it existed.
func (d *Driver) Delete(ctx context.Context, collection, key string) (bool, error) {
	table, err := backend.TableName(collection)
	if err != nil {
		return false, err
	}
	tag, err := d.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, table), key)
	if err != nil {
		return false, d.wrap("delete", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns records matching the query, pushed down to SQL.
func (d *Driver) List(ctx context.Context, collection string, q backend.Query) ([]backend.Record, error) {
	table, err := backend.TableName(collection)
	if err != nil {
		return nil, err
	}
	where, args, err := compileFilter(q.Filter, 1)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(`SELECT doc FROM %s%s`, table, where)
	if q.Sort != nil {
		if !validField(q.Sort.Field) {
			return nil, fmt.Errorf("postgres: %w: sort field %q", model.ErrInvalid, q.Sort.Field)
		}
		dir := "ASC"
		if q.Sort.Desc {
			dir = "DESC"
		}
		expr := fmt.Sprintf(`doc->>'%s'`, q.Sort.Field)
		// RFC3339 strings with differing fractional-second precision do
		// not sort chronologically as text; compare timestamps as such.
		if timeField(q.Sort.Field) {
			expr = "(" + expr + ")::timestamptz"
		}
		sql += fmt.Sprintf(` ORDER BY %s %s, key ASC`, expr, dir)
	} else {
		sql += ` ORDER BY key ASC`
	}
	if q.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	if q.Offset > 0 {
		sql += fmt.Sprintf(` OFFSET %d`, q.Offset)
	}

	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, d.wrap("list", err)
	}
	defer rows.Close()

	var recs []backend.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, d.wrap("list", err)
		}
		rec, err := decodeDoc(doc)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, d.wrap("list", err)
	}
	return recs, nil
}

// VectorSearch runs native ANN over the HNSW index. Score is cosine
// similarity (1 - cosine distance); ties break by key ascending.
func (d *Driver) VectorSearch(ctx context.Context, collection string, vector []float32, k int, filter backend.Filter) ([]backend.Match, error) {
	table, err := backend.TableName(collection)
	if err != nil {
		return nil, err
	}
	spec := d.spec(collection)
	if spec == nil || spec.Vector == nil {
		return nil, fmt.Errorf("postgres: %w: collection %q has no vector index", model.ErrInvalid, collection)
	}
	if len(vector) != spec.Vector.Dimension {
		return nil, fmt.Errorf("postgres: %w: query vector dimension %d, collection expects %d",
			model.ErrInvalid, len(vector), spec.Vector.Dimension)
	}

	where, args, err := compileFilter(filter, 2)
	if err != nil {
		return nil, err
	}
	cond := "embedding IS NOT NULL"
	if where != "" {
		cond += " AND " + where[len(" WHERE "):]
	}
	if k <= 0 {
		k = 10
	}

	sql := fmt.Sprintf(
		`SELECT key, 1 - (embedding <=> $1) AS score FROM %s WHERE %s ORDER BY embedding <=> $1, key ASC LIMIT %d`,
		table, cond, k,
	)
	allArgs := append([]any{pgvector.NewVector(vector)}, args...)

	rows, err := d.pool.Query(ctx, sql, allArgs...)
	if err != nil {
		return nil, d.wrap("vector search", err)
	}
	defer rows.Close()

	var matches []backend.Match
	for rows.Next() {
		var m backend.Match
		var score float64
		if err := rows.Scan(&m.Key, &score); err != nil {
			return nil, d.wrap("vector search", err)
		}
		m.Score = float32(score)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, d.wrap("vector search", err)
	}
	return matches, nil
}

// Ping checks connectivity.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %v: %w", err, model.ErrBackendUnavailable)
	}
	return nil
}

// Close shuts down the pool.
func (d *Driver) Close(context.Context) error {
	d.pool.Close()
	return nil
}

func (d *Driver) spec(collection string) *backend.CollectionSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if spec, ok := d.specs[collection]; ok {
		return &spec
	}
	return nil
}

// validField restricts field names that are interpolated into SQL to
// snake_case identifiers.
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

// timeField reports whether a document field holds an RFC3339 timestamp.
func timeField(f string) bool {
	return f == "created_at" || f == "updated_at"
}

// compileFilter turns a filter conjunction into a WHERE clause. Equality
// and array containment compile to JSONB containment (@>), which is index-
// assisted and type-faithful; OpIn compiles to text-array membership.
func compileFilter(f backend.Filter, firstArg int) (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	var conds []string
	var args []any
	n := firstArg
	for _, c := range f {
		if !validField(c.Field) {
			return "", nil, fmt.Errorf("postgres: %w: filter field %q", model.ErrInvalid, c.Field)
		}
		switch c.Op {
		case backend.OpEq:
			obj, err := json.Marshal(map[string]any{c.Field: c.Value})
			if err != nil {
				return "", nil, fmt.Errorf("postgres: compile filter: %w", err)
			}
			conds = append(conds, fmt.Sprintf(`doc @> $%d::jsonb`, n))
			args = append(args, obj)
			n++
		case backend.OpContains:
			obj, err := json.Marshal(map[string]any{c.Field: []any{c.Value}})
			if err != nil {
				return "", nil, fmt.Errorf("postgres: compile filter: %w", err)
			}
			conds = append(conds, fmt.Sprintf(`doc @> $%d::jsonb`, n))
			args = append(args, obj)
			n++
		case backend.OpIn:
			vals, err := stringValues(c.Value)
			if err != nil {
				return "", nil, err
			}
			conds = append(conds, fmt.Sprintf(`doc->>'%s' = ANY($%d::text[])`, c.Field, n))
			args = append(args, vals)
			n++
		default:
			return "", nil, fmt.Errorf("postgres: %w: filter op %q", model.ErrInvalid, c.Op)
		}
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args, nil
}

func stringValues(v any) ([]string, error) {
	switch vs := v.(type) {
	case []string:
		return vs, nil
	case []any:
		out := make([]string, len(vs))
		for i, el := range vs {
			s, ok := el.(string)
			if !ok {
				return nil, fmt.Errorf("postgres: %w: in-filter values must be strings", model.ErrInvalid)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("postgres: %w: in-filter values must be a list", model.ErrInvalid)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (d *Driver) wrap(op string, err error) error {
	return fmt.Errorf("postgres: %s: %v: %w", op, err, model.ErrBackendUnavailable)
}

func decodeDoc(doc []byte) (backend.Record, error) {
	var rec backend.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("postgres: decode doc: %w", err)
	}
	return rec, nil
}

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
