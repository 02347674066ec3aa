// Package docstore provides a small document-store abstraction over a
// transactional backing store. Records are schemaless JSON documents grouped
// into named collections and addressed by string ids.
//
// Two implementations exist: a PostgreSQL JSONB store for production and an
// in-memory store for tests and ephemeral development runs.
package docstore

import (
	"context"
	"errors"
)

// Document is a schemaless JSON object. Values follow encoding/json
// conventions: numbers decode as float64, nested objects as
// map[string]interface{}.
type Document = map[string]interface{}

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrTransient marks failures that the caller may retry with backoff,
	// such as store timeouts or lost connections.
	ErrTransient = errors.New("docstore: transient store failure")
)

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Filter is an equality predicate on a top-level document field.
type Filter struct {
	Field string
	Value interface{}
}

// Order sorts query results by a top-level document field. Numeric selects
// numeric comparison instead of the default lexicographic comparison.
type Order struct {
	Field   string
	Desc    bool
	Numeric bool
}

// Query describes a filtered, ordered, paginated scan over a collection.
// Field names in filters and ordering come from code, never from request
// input.
type Query struct {
	Filters []Filter
	OrderBy *Order
	Limit   int
	Offset  int
}

// Reader is the read surface shared by the store and its transactions.
type Reader interface {
	// Get returns the document with the given id, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Query returns documents matching q.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// Count returns the number of documents matching the filters.
	Count(ctx context.Context, collection string, filters []Filter) (int, error)
}

// Writer is the write surface shared by the store and its transactions.
type Writer interface {
	// Set stores doc under id, overwriting any existing document.
	Set(ctx context.Context, collection, id string, doc Document) error

	// Update shallow-merges fields into an existing document and returns
	// ErrNotFound when the document does not exist.
	Update(ctx context.Context, collection, id string, fields Document) error

	// Delete removes a document, returning ErrNotFound when absent.
	Delete(ctx context.Context, collection, id string) error
}

// Tx is the view of the store inside a transaction. Get acquires an
// exclusive lock on the document for the remainder of the transaction, so a
// read-decide-write sequence against one document is race free.
type Tx interface {
	Reader
	Writer

	// LockGroup serializes transactions that lock the same (collection, key)
	// pair. It exists for decisions scoped wider than a single document,
	// such as the latest version across an owner's records of one type.
	LockGroup(ctx context.Context, collection, key string) error
}

// Store is the document-store contract consumed by the domain layer. The
// non-transactional Writer methods are conveniences for mutations outside
// any conflict-sensitive path; anything that reads a document and then
// writes a decision derived from it must run inside Transaction.
type Store interface {
	Reader
	Writer

	// Transaction runs fn atomically: either every write made through tx is
	// committed, or none is.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
