package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"example.com/nfcstats/internal/docstore"
)

// Documents implements docstore.Store on a single JSONB table.
//
// Transactions run at READ COMMITTED and lock every document they read with
// FOR UPDATE, so a read-modify-write on an existing document is serialized
// per key. Two transactions racing to create the same key collide on the
// primary key; the loser is retried from the start.
type Documents struct {
	db          *DB
	clock       quartz.Clock
	maxAttempts int
}

var _ docstore.Store = (*Documents)(nil)

func NewDocuments(db *DB, clock quartz.Clock, maxAttempts int) *Documents {
	if maxAttempts <= 0 {
		maxAttempts = docstore.DefaultMaxAttempts
	}
	return &Documents{db: db, clock: clock, maxAttempts: maxAttempts}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getDocument(ctx context.Context, q querier, collection, key string, forUpdate bool) (*docstore.Document, error) {
	sql := "SELECT data, created_at, updated_at FROM documents WHERE collection = $1 AND key = $2"
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var (
		raw              []byte
		created, updated time.Time
	)
	err := q.QueryRow(ctx, sql, collection, key).Scan(&raw, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	data, err := docstore.DecodeData(raw)
	if err != nil {
		return nil, err
	}
	return &docstore.Document{
		Collection: collection,
		Key:        key,
		Data:       data,
		CreatedAt:  created.UTC(),
		UpdatedAt:  updated.UTC(),
	}, nil
}

func (s *Documents) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	return getDocument(ctx, s.db.Pool, collection, key, false)
}

func (s *Documents) MergeUpsert(ctx context.Context, collection, key string, fields docstore.Fields) (docstore.WriteResult, error) {
	var res docstore.WriteResult
	err := s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		res, err = tx.MergeUpsert(ctx, collection, key, fields)
		return err
	})
	return res, err
}

func (s *Documents) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return docstore.RetryConflicts(ctx, s.maxAttempts, isRetryable, func() error {
		return pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
			return fn(ctx, &pgTx{tx: tx, now: s.clock.Now()})
		})
	})
}

func (s *Documents) Query(ctx context.Context, collection string, q docstore.Query) (docstore.QueryResult, error) {
	sql, args, err := buildQuery(collection, q)
	if err != nil {
		return docstore.QueryResult{}, err
	}
	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return docstore.QueryResult{}, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out docstore.QueryResult
	for rows.Next() {
		var (
			key              string
			raw              []byte
			created, updated time.Time
		)
		if err := rows.Scan(&key, &raw, &created, &updated); err != nil {
			return docstore.QueryResult{}, fmt.Errorf("scan %s: %w", collection, err)
		}
		data, err := docstore.DecodeData(raw)
		if err != nil {
			return docstore.QueryResult{}, err
		}
		out.Documents = append(out.Documents, docstore.Document{
			Collection: collection,
			Key:        key,
			Data:       data,
			CreatedAt:  created.UTC(),
			UpdatedAt:  updated.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return docstore.QueryResult{}, fmt.Errorf("iter %s: %w", collection, err)
	}
	if q.Limit > 0 && len(out.Documents) > q.Limit {
		out.Documents = out.Documents[:q.Limit]
		out.HasMore = true
	}
	return out, nil
}

func (s *Documents) Ready(ctx context.Context) error { return s.db.Ready(ctx) }

func (s *Documents) Close() error {
	s.db.Close()
	return nil
}

type pgTx struct {
	tx  pgx.Tx
	now time.Time
}

func (t *pgTx) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	return getDocument(ctx, t.tx, collection, key, true)
}

func (t *pgTx) Set(ctx context.Context, collection, key string, fields docstore.Fields) error {
	data, err := docstore.ApplyMerge(nil, fields, t.now)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO documents (collection, key, data, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, $4, $4)
ON CONFLICT (collection, key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		collection, key, string(raw), t.now)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, key, err)
	}
	return nil
}

func (t *pgTx) MergeUpsert(ctx context.Context, collection, key string, fields docstore.Fields) (docstore.WriteResult, error) {
	var existing map[string]any
	doc, err := t.Get(ctx, collection, key)
	created := errors.Is(err, docstore.ErrNotFound)
	switch {
	case created:
	case err != nil:
		return docstore.WriteResult{}, err
	default:
		existing = doc.Data
	}

	data, err := docstore.ApplyMerge(existing, fields, t.now)
	if err != nil {
		return docstore.WriteResult{}, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return docstore.WriteResult{}, fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}

	if created {
		// A concurrent creator makes this fail with 23505; the whole
		// transaction is then retried and takes the update path.
		_, err = t.tx.Exec(ctx,
			"INSERT INTO documents (collection, key, data, created_at, updated_at) VALUES ($1, $2, $3::jsonb, $4, $4)",
			collection, key, string(raw), t.now)
	} else {
		_, err = t.tx.Exec(ctx,
			"UPDATE documents SET data = $3::jsonb, updated_at = $4 WHERE collection = $1 AND key = $2",
			collection, key, string(raw), t.now)
	}
	if err != nil {
		return docstore.WriteResult{}, fmt.Errorf("merge %s/%s: %w", collection, key, err)
	}
	return docstore.WriteResult{Created: created}, nil
}

// isRetryable reports serialization failures, deadlocks and lost create races.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}
