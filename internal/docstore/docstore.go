// Package docstore defines the durable keyed document store the services are
// written against, plus the pieces every backend shares: field transforms,
// the merge algorithm, query validation and conflict retry.
//
// Documents are JSON objects addressed by (collection, key). Writes are
// partial-field merges; transforms (Increment, Append, ServerTimestamp) are
// resolved against the stored document at write time, inside the backend's
// transaction, so concurrent writers never lose increments.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when no document exists for the key.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when a transaction could not commit after retries.
	ErrConflict = errors.New("transaction conflict")
)

// Fields is a partial document. Values are plain JSON-compatible values,
// time.Time values, arbitrary structs (encoded through encoding/json), or
// transforms created by this package.
type Fields map[string]any

// Document is a stored document.
type Document struct {
	Collection string
	Key        string
	Data       map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DataTo decodes the document data into v.
func (d *Document) DataTo(v any) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", d.Collection, d.Key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", d.Collection, d.Key, err)
	}
	return nil
}

// WriteResult reports what a merge-upsert did.
type WriteResult struct {
	Created bool
}

// Tx is the view of the store inside a transaction. Reads observe the
// transaction's own earlier writes.
type Tx interface {
	Get(ctx context.Context, collection, key string) (*Document, error)
	// Set replaces the whole document.
	Set(ctx context.Context, collection, key string, fields Fields) error
	MergeUpsert(ctx context.Context, collection, key string, fields Fields) (WriteResult, error)
}

// Store is the durable document store.
//
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, collection, key string) (*Document, error)
	MergeUpsert(ctx context.Context, collection, key string, fields Fields) (WriteResult, error)
	// RunTransaction runs fn atomically. fn may be invoked more than once when
	// the backend detects a write conflict; it must not have side effects
	// outside tx. When retries are exhausted the error wraps ErrConflict.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Query(ctx context.Context, collection string, q Query) (QueryResult, error)
	Ready(ctx context.Context) error
	Close() error
}
