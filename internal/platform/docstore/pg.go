package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is the PostgreSQL implementation of Store. All collections share one
// `documents` table keyed by (collection, id) with a JSONB body; see
// migrations/001_documents.sql.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG creates a PostgreSQL-backed document store on the given pool. The
// pool's lifecycle is owned by the caller.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func (s *PG) Get(ctx context.Context, collection, id string) (Document, error) {
	return getDoc(ctx, s.pool, collection, id, false)
}

func (s *PG) Set(ctx context.Context, collection, id string, doc Document) error {
	return setDoc(ctx, s.pool, collection, id, doc)
}

func (s *PG) Update(ctx context.Context, collection, id string, fields Document) error {
	return updateDoc(ctx, s.pool, collection, id, fields)
}

func (s *PG) Delete(ctx context.Context, collection, id string) error {
	return deleteDoc(ctx, s.pool, collection, id)
}

func (s *PG) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	return queryDocs(ctx, s.pool, collection, q)
}

func (s *PG) Count(ctx context.Context, collection string, filters []Filter) (int, error) {
	return countDocs(ctx, s.pool, collection, filters)
}

// Transaction wraps fn in a database transaction. Documents read through
// tx.Get are locked FOR UPDATE until commit, and LockGroup maps onto a
// transaction-scoped advisory lock.
func (s *PG) Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Get(ctx context.Context, collection, id string) (Document, error) {
	return getDoc(ctx, t.tx, collection, id, true)
}

func (t *pgTx) Set(ctx context.Context, collection, id string, doc Document) error {
	return setDoc(ctx, t.tx, collection, id, doc)
}

func (t *pgTx) Update(ctx context.Context, collection, id string, fields Document) error {
	return updateDoc(ctx, t.tx, collection, id, fields)
}

func (t *pgTx) Delete(ctx context.Context, collection, id string) error {
	return deleteDoc(ctx, t.tx, collection, id)
}

func (t *pgTx) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	return queryDocs(ctx, t.tx, collection, q)
}

func (t *pgTx) Count(ctx context.Context, collection string, filters []Filter) (int, error) {
	return countDocs(ctx, t.tx, collection, filters)
}

func (t *pgTx) LockGroup(ctx context.Context, collection, key string) error {
	_, err := t.tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, collection+"/"+key)
	if err != nil {
		return classify(fmt.Errorf("acquire group lock: %w", err))
	}
	return nil
}

// ---- shared statement helpers ----

func getDoc(ctx context.Context, q pgQuerier, collection, id string, forUpdate bool) (Document, error) {
	sql := `SELECT body FROM documents WHERE collection = $1 AND id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var raw []byte
	if err := q.QueryRow(ctx, sql, collection, id).Scan(&raw); err != nil {
		return nil, classify(err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func setDoc(ctx context.Context, q pgQuerier, collection, id string, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", collection, id, err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO documents (collection, id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body`,
		collection, id, raw)
	return classify(err)
}

func updateDoc(ctx context.Context, q pgQuerier, collection, id string, fields Document) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode patch %s/%s: %w", collection, id, err)
	}
	tag, err := q.Exec(ctx, `
		UPDATE documents SET body = body || $3::jsonb
		WHERE collection = $1 AND id = $2`,
		collection, id, raw)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func deleteDoc(ctx context.Context, q pgQuerier, collection, id string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func queryDocs(ctx context.Context, q pgQuerier, collection string, query Query) ([]Document, error) {
	sql, args, err := buildQuerySQL(collection, query)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, classify(err)
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode document in %s: %w", collection, err)
		}
		docs = append(docs, doc)
	}
	return docs, classify(rows.Err())
}

func countDocs(ctx context.Context, q pgQuerier, collection string, filters []Filter) (int, error) {
	var b strings.Builder
	b.WriteString(`SELECT COUNT(*) FROM documents WHERE collection = $1`)
	args := []interface{}{collection}
	if err := appendFilters(&b, &args, filters); err != nil {
		return 0, err
	}

	var total int
	if err := q.QueryRow(ctx, b.String(), args...).Scan(&total); err != nil {
		return 0, classify(err)
	}
	return total, nil
}

func buildQuerySQL(collection string, q Query) (string, []interface{}, error) {
	var b strings.Builder
	b.WriteString(`SELECT body FROM documents WHERE collection = $1`)
	args := []interface{}{collection}
	if err := appendFilters(&b, &args, q.Filters); err != nil {
		return "", nil, err
	}

	// Order/filter fields are code-level constants, never request input,
	// so interpolating the field name is safe.
	if q.OrderBy != nil {
		expr := fmt.Sprintf("body->>'%s'", q.OrderBy.Field)
		if q.OrderBy.Numeric {
			expr = fmt.Sprintf("(body->>'%s')::numeric", q.OrderBy.Field)
		}
		b.WriteString(" ORDER BY " + expr)
		if q.OrderBy.Desc {
			b.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.Offset)
	}
	return b.String(), args, nil
}

func appendFilters(b *strings.Builder, args *[]interface{}, filters []Filter) error {
	for _, f := range filters {
		predicate, err := json.Marshal(Document{f.Field: f.Value})
		if err != nil {
			return fmt.Errorf("encode filter on %s: %w", f.Field, err)
		}
		*args = append(*args, predicate)
		fmt.Fprintf(b, " AND body @> $%d::jsonb", len(*args))
	}
	return nil
}

// classify maps driver errors onto the docstore error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), pgconn.Timeout(err):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		var pgErr *pgconn.PgError
		// 08xxx: connection exceptions; 57P03: cannot_connect_now.
		if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P03") {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}
}
