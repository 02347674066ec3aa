package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Memory is an in-memory Store used by tests and ephemeral development
// servers. Documents are normalized through encoding/json on write so value
// types match what the JSONB store produces on read.
//
// Transactions hold the store-wide write lock for their whole duration and
// restore a snapshot on rollback, which is stricter than the per-document
// locking of the SQL store but observationally equivalent.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]Document)}
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(collection, id)
}

func (m *Memory) Set(ctx context.Context, collection, id string, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set(collection, id, doc)
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(collection, id, fields)
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delete(collection, id)
}

func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.query(collection, q)
}

func (m *Memory) Count(ctx context.Context, collection string, filters []Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count(collection, filters)
}

// Transaction serializes against all other operations. If fn returns an
// error the store is restored to its state at transaction start.
func (m *Memory) Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(ctx, &memoryTx{store: m}); err != nil {
		m.collections = snapshot
		return err
	}
	return nil
}

// memoryTx operates on the already-locked store.
type memoryTx struct {
	store *Memory
}

func (t *memoryTx) Get(ctx context.Context, collection, id string) (Document, error) {
	return t.store.get(collection, id)
}

func (t *memoryTx) Set(ctx context.Context, collection, id string, doc Document) error {
	return t.store.set(collection, id, doc)
}

func (t *memoryTx) Update(ctx context.Context, collection, id string, fields Document) error {
	return t.store.update(collection, id, fields)
}

func (t *memoryTx) Delete(ctx context.Context, collection, id string) error {
	return t.store.delete(collection, id)
}

func (t *memoryTx) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	return t.store.query(collection, q)
}

func (t *memoryTx) Count(ctx context.Context, collection string, filters []Filter) (int, error) {
	return t.store.count(collection, filters)
}

// LockGroup is a no-op: memory transactions are already fully serialized.
func (t *memoryTx) LockGroup(ctx context.Context, collection, key string) error {
	return nil
}

// ---- unsynchronized internals, caller holds m.mu ----

func (m *Memory) get(collection, id string) (Document, error) {
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(doc)
}

func (m *Memory) set(collection, id string, doc Document) error {
	normalized, err := clone(doc)
	if err != nil {
		return err
	}
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]Document)
	}
	m.collections[collection][id] = normalized
	return nil
}

func (m *Memory) update(collection, id string, fields Document) error {
	existing, ok := m.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	merged, err := clone(existing)
	if err != nil {
		return err
	}
	patch, err := clone(fields)
	if err != nil {
		return err
	}
	for k, v := range patch {
		merged[k] = v
	}
	m.collections[collection][id] = merged
	return nil
}

func (m *Memory) delete(collection, id string) error {
	if _, ok := m.collections[collection][id]; !ok {
		return ErrNotFound
	}
	delete(m.collections[collection], id)
	return nil
}

func (m *Memory) query(collection string, q Query) ([]Document, error) {
	var matched []Document
	for _, doc := range m.collections[collection] {
		if matchesFilters(doc, q.Filters) {
			copied, err := clone(doc)
			if err != nil {
				return nil, err
			}
			matched = append(matched, copied)
		}
	}

	if q.OrderBy != nil {
		order := *q.OrderBy
		sort.SliceStable(matched, func(i, j int) bool {
			less := compareField(matched[i][order.Field], matched[j][order.Field], order.Numeric)
			if order.Desc {
				return !less && !equalField(matched[i][order.Field], matched[j][order.Field], order.Numeric)
			}
			return less
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (m *Memory) count(collection string, filters []Filter) (int, error) {
	total := 0
	for _, doc := range m.collections[collection] {
		if matchesFilters(doc, filters) {
			total++
		}
	}
	return total, nil
}

func (m *Memory) snapshot() map[string]map[string]Document {
	snap := make(map[string]map[string]Document, len(m.collections))
	for name, coll := range m.collections {
		docs := make(map[string]Document, len(coll))
		for id, doc := range coll {
			docs[id] = doc
		}
		snap[name] = docs
	}
	return snap
}

func matchesFilters(doc Document, filters []Filter) bool {
	for _, f := range filters {
		want, err := normalizeValue(f.Value)
		if err != nil {
			return false
		}
		got, ok := doc[f.Field]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func compareField(a, b interface{}, numeric bool) bool {
	if numeric {
		return toFloat(a) < toFloat(b)
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

func equalField(a, b interface{}, numeric bool) bool {
	if numeric {
		return toFloat(a) == toFloat(b)
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

// clone deep-copies a document through encoding/json, normalizing value
// types along the way.
func clone(doc Document) (Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	return out, nil
}

func normalizeValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
