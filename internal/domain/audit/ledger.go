// Package audit maintains the append-only mutation trail for health
// records. Entries are written once and never updated or deleted; the
// ledger outlives even hard-deleted records.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medisync/medisync/internal/platform/docstore"
)

// Collection is the document-store collection holding audit entries.
const Collection = "health_records_audit"

// Action identifies the mutation an entry records.
type Action string

const (
	ActionCreate          Action = "create"
	ActionUpdate          Action = "update"
	ActionDelete          Action = "delete"
	ActionHardDelete      Action = "hard_delete"
	ActionResolveConflict Action = "resolve_conflict"
)

// Entry is one immutable audit record. Entries for a record are totally
// ordered by Timestamp.
type Entry struct {
	ID        string                 `json:"id"`
	RecordID  string                 `json:"record_id"`
	Action    Action                 `json:"action"`
	ActorID   string                 `json:"actor_id"`
	Snapshot  map[string]interface{} `json:"snapshot"`
	Timestamp time.Time              `json:"timestamp"`
}

// Ledger appends audit entries to the document store. Each append is an
// independent single-document write; the ledger never re-reads its own
// prior state, so appends may interleave freely between concurrent
// requests.
type Ledger struct {
	store docstore.Store
}

// NewLedger creates a Ledger on the given store.
func NewLedger(store docstore.Store) *Ledger {
	return &Ledger{store: store}
}

// Append writes one entry. Failures are returned to the caller, which
// decides whether they are fatal; the record store treats them as a
// degraded mode, not a rollback trigger.
func (l *Ledger) Append(ctx context.Context, recordID string, action Action, actorID string, snapshot map[string]interface{}) (*Entry, error) {
	entry := &Entry{
		ID:        uuid.NewString(),
		RecordID:  recordID,
		Action:    action,
		ActorID:   actorID,
		Snapshot:  snapshot,
		Timestamp: time.Now().UTC(),
	}

	doc := docstore.Document{
		"id":        entry.ID,
		"record_id": entry.RecordID,
		"action":    string(entry.Action),
		"actor_id":  entry.ActorID,
		"snapshot":  entry.Snapshot,
		"timestamp": entry.Timestamp.Format(time.RFC3339Nano),
	}
	if err := l.store.Set(ctx, Collection, entry.ID, doc); err != nil {
		return nil, fmt.Errorf("append audit entry for %s: %w", recordID, err)
	}
	return entry, nil
}

// ListByRecord returns every entry for a record in timestamp order. It
// backs the compliance export endpoint and is not part of the mutation
// path.
func (l *Ledger) ListByRecord(ctx context.Context, recordID string) ([]*Entry, error) {
	docs, err := l.store.Query(ctx, Collection, docstore.Query{
		Filters: []docstore.Filter{{Field: "record_id", Value: recordID}},
		OrderBy: &docstore.Order{Field: "timestamp"},
	})
	if err != nil {
		return nil, fmt.Errorf("list audit entries for %s: %w", recordID, err)
	}

	entries := make([]*Entry, 0, len(docs))
	for _, doc := range docs {
		entry, err := entryFromDoc(doc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func entryFromDoc(doc docstore.Document) (*Entry, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode audit entry: %w", err)
	}

	var aux struct {
		ID        string                 `json:"id"`
		RecordID  string                 `json:"record_id"`
		Action    string                 `json:"action"`
		ActorID   string                 `json:"actor_id"`
		Snapshot  map[string]interface{} `json:"snapshot"`
		Timestamp string                 `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return nil, fmt.Errorf("decode audit entry: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("decode audit entry %s: timestamp: %w", aux.ID, err)
	}
	return &Entry{
		ID:        aux.ID,
		RecordID:  aux.RecordID,
		Action:    Action(aux.Action),
		ActorID:   aux.ActorID,
		Snapshot:  aux.Snapshot,
		Timestamp: ts,
	}, nil
}
