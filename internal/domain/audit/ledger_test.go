package audit

import (
	"context"
	"testing"
	"time"

	"github.com/medisync/medisync/internal/platform/docstore"
)

func TestLedger_AppendAndListByRecord(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(docstore.NewMemory())

	first, err := ledger.Append(ctx, "rec-1", ActionCreate, "alice", map[string]interface{}{"version": 1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.ID == "" {
		t.Error("expected generated entry id")
	}
	if first.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}

	if _, err := ledger.Append(ctx, "rec-1", ActionUpdate, "alice", map[string]interface{}{"version": 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// An entry for another record must not bleed into rec-1's trail.
	if _, err := ledger.Append(ctx, "rec-2", ActionCreate, "bob", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := ledger.ListByRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("ListByRecord: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != ActionCreate || entries[1].Action != ActionUpdate {
		t.Errorf("expected create then update, got %s then %s", entries[0].Action, entries[1].Action)
	}
	if !entries[0].Timestamp.Before(entries[1].Timestamp) && !entries[0].Timestamp.Equal(entries[1].Timestamp) {
		t.Error("expected entries in timestamp order")
	}
	if entries[0].ActorID != "alice" {
		t.Errorf("expected actor alice, got %s", entries[0].ActorID)
	}
	if entries[1].Snapshot["version"] != float64(2) {
		t.Errorf("expected snapshot to round-trip, got %v", entries[1].Snapshot)
	}
}

func TestLedger_ListByRecord_Empty(t *testing.T) {
	ledger := NewLedger(docstore.NewMemory())

	entries, err := ledger.ListByRecord(context.Background(), "no-such-record")
	if err != nil {
		t.Fatalf("ListByRecord: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty trail, got %d entries", len(entries))
	}
}

func TestLedger_TimestampsAreUTC(t *testing.T) {
	ledger := NewLedger(docstore.NewMemory())

	entry, err := ledger.Append(context.Background(), "rec-1", ActionDelete, "alice", nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.Timestamp.Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got %v", entry.Timestamp.Location())
	}
}
