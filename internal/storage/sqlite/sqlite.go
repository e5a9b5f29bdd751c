// Package sqlite is the embedded docstore backend. It serves local runs and
// the service test suites; production deployments use the postgres backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"example.com/nfcstats/internal/docstore"
	"example.com/nfcstats/internal/timefmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    key        TEXT NOT NULL,
    data       TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (collection, key)
);
CREATE INDEX IF NOT EXISTS documents_last_seen_idx ON documents (collection, json_extract(data, '$.lastSeen'));
CREATE INDEX IF NOT EXISTS documents_updated_at_idx ON documents (collection, json_extract(data, '$.updatedAt'));
CREATE INDEX IF NOT EXISTS documents_event_ts_idx ON documents (collection, json_extract(data, '$.timestamp'));
`

// Store implements docstore.Store on a SQLite file.
//
// Transactions begin IMMEDIATE, taking the database write lock up front, so
// writers are serialized and a read-modify-write never observes a stale row.
// Lock contention beyond the busy timeout is retried.
type Store struct {
	db          *sql.DB
	clock       quartz.Clock
	maxAttempts int
}

var _ docstore.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, clock quartz.Clock, maxAttempts int) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = docstore.DefaultMaxAttempts
	}
	return &Store{db: db, clock: clock, maxAttempts: maxAttempts}, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q querier, collection, key string) (*docstore.Document, error) {
	var raw, created, updated string
	err := q.QueryRowContext(ctx,
		"SELECT data, created_at, updated_at FROM documents WHERE collection = ? AND key = ?",
		collection, key).Scan(&raw, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return toDocument(collection, key, raw, created, updated)
}

func toDocument(collection, key, raw, created, updated string) (*docstore.Document, error) {
	data, err := docstore.DecodeData([]byte(raw))
	if err != nil {
		return nil, err
	}
	doc := &docstore.Document{Collection: collection, Key: key, Data: data}
	if doc.CreatedAt, err = timefmt.Parse(created); err != nil {
		return nil, err
	}
	if doc.UpdatedAt, err = timefmt.Parse(updated); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	return getDocument(ctx, s.db, collection, key)
}

func (s *Store) MergeUpsert(ctx context.Context, collection, key string, fields docstore.Fields) (docstore.WriteResult, error) {
	var res docstore.WriteResult
	err := s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var err error
		res, err = tx.MergeUpsert(ctx, collection, key, fields)
		return err
	})
	return res, err
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return docstore.RetryConflicts(ctx, s.maxAttempts, isRetryable, func() error {
		return s.runOnce(ctx, fn)
	})
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx, &sqlTx{tx: tx, now: s.clock.Now()}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) (docstore.QueryResult, error) {
	query, args, err := buildQuery(collection, q)
	if err != nil {
		return docstore.QueryResult{}, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return docstore.QueryResult{}, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out docstore.QueryResult
	for rows.Next() {
		var key, raw, created, updated string
		if err := rows.Scan(&key, &raw, &created, &updated); err != nil {
			return docstore.QueryResult{}, fmt.Errorf("scan %s: %w", collection, err)
		}
		doc, err := toDocument(collection, key, raw, created, updated)
		if err != nil {
			return docstore.QueryResult{}, err
		}
		out.Documents = append(out.Documents, *doc)
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

func (s *Store) Ready(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

type sqlTx struct {
	tx  *sql.Tx
	now time.Time
}

func (t *sqlTx) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	return getDocument(ctx, t.tx, collection, key)
}

func (t *sqlTx) Set(ctx context.Context, collection, key string, fields docstore.Fields) error {
	raw, err := encode(nil, fields, t.now)
	if err != nil {
		return err
	}
	now := timefmt.Store(t.now)
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO documents (collection, key, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (collection, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		collection, key, raw, now, now)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, key, err)
	}
	return nil
}

func (t *sqlTx) MergeUpsert(ctx context.Context, collection, key string, fields docstore.Fields) (docstore.WriteResult, error) {
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

	raw, err := encode(existing, fields, t.now)
	if err != nil {
		return docstore.WriteResult{}, err
	}
	now := timefmt.Store(t.now)
	if created {
		_, err = t.tx.ExecContext(ctx,
			"INSERT INTO documents (collection, key, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			collection, key, raw, now, now)
	} else {
		_, err = t.tx.ExecContext(ctx,
			"UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND key = ?",
			raw, now, collection, key)
	}
	if err != nil {
		return docstore.WriteResult{}, fmt.Errorf("merge %s/%s: %w", collection, key, err)
	}
	return docstore.WriteResult{Created: created}, nil
}

func encode(existing map[string]any, fields docstore.Fields, now time.Time) (string, error) {
	data, err := docstore.ApplyMerge(existing, fields, now)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(raw), nil
}

// isRetryable reports lock contention that outlasted the busy timeout.
func isRetryable(err error) bool {
	var se *sqlitedrv.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
