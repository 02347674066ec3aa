package records

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medisync/medisync/internal/domain/audit"
	"github.com/medisync/medisync/internal/platform/docstore"
)

// fakeLedger records appends in memory. failAppend simulates a ledger
// outage so degraded-write behavior can be asserted.
type fakeLedger struct {
	mu         sync.Mutex
	entries    []*audit.Entry
	failAppend bool
}

func (l *fakeLedger) Append(ctx context.Context, recordID string, action audit.Action, actorID string, snapshot map[string]interface{}) (*audit.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAppend {
		return nil, errors.New("ledger unavailable")
	}
	entry := &audit.Entry{
		ID:       uuid.NewString(),
		RecordID: recordID,
		Action:   action,
		ActorID:  actorID,
		Snapshot: snapshot,
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

func (l *fakeLedger) ListByRecord(ctx context.Context, recordID string) ([]*audit.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*audit.Entry
	for _, e := range l.entries {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *fakeLedger) actions(recordID string) []audit.Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []audit.Action
	for _, e := range l.entries {
		if e.RecordID == recordID {
			out = append(out, e.Action)
		}
	}
	return out
}

func newTestService() (*Service, *fakeLedger) {
	ledger := &fakeLedger{}
	svc := NewService(docstore.NewMemory(), ledger, zerolog.Nop())
	return svc, ledger
}

func mustCreate(t *testing.T, svc *Service, owner string, payload Payload, clientVersion int64) *HealthRecord {
	t.Helper()
	rec, conflict, err := svc.Create(context.Background(), CreateParams{
		OwnerID:       owner,
		Payload:       payload,
		ClientVersion: clientVersion,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if conflict != nil {
		t.Fatalf("Create: unexpected conflict %+v", conflict)
	}
	return rec
}

func TestCreate_FirstRecord(t *testing.T) {
	svc, ledger := newTestService()

	rec := mustCreate(t, svc, "alice", MedicalHistoryPayload{Title: "Asthma"}, 1)

	if rec.ID == "" {
		t.Error("expected generated id")
	}
	if rec.Version != 1 {
		t.Errorf("expected version 1, got %d", rec.Version)
	}
	if rec.CreatedBy != "alice" {
		t.Errorf("expected created_by to default to owner, got %s", rec.CreatedBy)
	}
	if rec.SyncStatus != SyncSynced {
		t.Errorf("expected default sync status synced, got %s", rec.SyncStatus)
	}
	if got := ledger.actions(rec.ID); len(got) != 1 || got[0] != audit.ActionCreate {
		t.Errorf("expected one create audit entry, got %v", got)
	}
}

func TestCreate_ShadowConflict(t *testing.T) {
	svc, _ := newTestService()
	mustCreate(t, svc, "alice", MedicalHistoryPayload{Title: "Asthma"}, 1)

	// A second offline device replays its own create with the same
	// pre-assigned version.
	rec, conflict, err := svc.Create(context.Background(), CreateParams{
		OwnerID:       "alice",
		Payload:       MedicalHistoryPayload{Title: "Asthma (device B)"},
		ClientVersion: 1,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec != nil {
		t.Fatal("expected create to be rejected")
	}
	if conflict == nil {
		t.Fatal("expected conflict")
	}
	if conflict.ServerVersion != 1 || conflict.ClientVersion != 1 {
		t.Errorf("expected server=1 client=1, got %+v", conflict)
	}
}

func TestCreate_HigherVersionAccepted(t *testing.T) {
	svc, _ := newTestService()
	mustCreate(t, svc, "alice", MedicalHistoryPayload{Title: "Asthma"}, 1)

	rec, conflict, err := svc.Create(context.Background(), CreateParams{
		OwnerID:       "alice",
		Payload:       MedicalHistoryPayload{Title: "Asthma revised"},
		ClientVersion: 2,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if conflict != nil {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}
	if rec.Version != 2 {
		t.Errorf("expected version 2, got %d", rec.Version)
	}
}

func TestCreate_DifferentTypeOrOwnerNoConflict(t *testing.T) {
	svc, _ := newTestService()
	mustCreate(t, svc, "alice", MedicalHistoryPayload{Title: "Asthma"}, 1)

	// Same owner, different type.
	mustCreate(t, svc, "alice", DiagnosisPayload{Description: "flu"}, 1)
	// Same type, different owner.
	mustCreate(t, svc, "bob", MedicalHistoryPayload{Title: "Diabetes"}, 1)
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := []CreateParams{
		{Payload: MedicalHistoryPayload{Title: "x"}, ClientVersion: 1},                                // no owner
		{OwnerID: "alice", ClientVersion: 1},                                                         // no payload
		{OwnerID: "alice", Payload: MedicalHistoryPayload{}, ClientVersion: 1},                       // invalid payload
		{OwnerID: "alice", Payload: MedicalHistoryPayload{Title: "x"}, ClientVersion: 0},             // bad version
		{OwnerID: "alice", Payload: MedicalHistoryPayload{Title: "x"}, ClientVersion: 1, SyncStatus: "weird"}, // bad status
	}
	for i, p := range cases {
		if _, _, err := svc.Create(ctx, p); !errors.Is(err, ErrInvalid) {
			t.Errorf("case %d: expected ErrInvalid, got %v", i, err)
		}
	}
}

func TestGet_OwnershipCollapsesToNotFound(t *testing.T) {
	svc, _ := newTestService()
	rec := mustCreate(t, svc, "alice", MedicalHistoryPayload{Title: "Asthma"}, 1)
	ctx := context.Background()

	if _, err := svc.Get(ctx, rec.ID, "alice"); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := svc.Get(ctx, rec.ID, "mallory"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected foreign owner to see ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(ctx, "no-such-id", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing record, got %v", err)
	}
}

func TestList_FiltersAndPagination(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		mustCreate(t, svc, "alice", MedicalHistoryPayload{Title: "entry"}, i)
	}
	mustCreate(t, svc, "alice", DiagnosisPayload{Description: "flu"}, 1)
	mustCreate(t, svc, "bob", MedicalHistoryPayload{Title: "other owner"}, 1)

	recs, total, err := svc.List(ctx, ListParams{OwnerID: "alice"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 4 || len(recs) != 4 {
		t.Fatalf("expected 4 records for alice, got len=%d total=%d", len(recs), total)
	}

	recs, total, err = svc.List(ctx, ListParams{OwnerID: "alice", RecordType: TypeMedicalHistory})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 {
		t.Errorf("expected 3 medical history records, got %d", total)
	}

	recs, total, err = svc.List(ctx, ListParams{OwnerID: "alice", Page: 2, PageSize: 3})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 4 || len(recs) != 1 {
		t.Errorf("expected second page with 1 of 4, got len=%d total=%d", len(recs), total)
	}

	if _, _, err := svc.List(ctx, ListParams{OwnerID: "alice", RecordType: "dental"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for unknown type, got %v", err)
	}
}

func TestUpdate_AcceptAndConflict(t *testing.T) {
	svc, ledger := newTestService()
	ctx := context.Background()
	rec := mustCreate(t, svc, "alice", DiagnosisPayload{Description: "flu", Severity: "mild"}, 1)

	updated, conflict, err := svc.Update(ctx, rec.ID, "alice", map[string]interface{}{"severity": "moderate"}, 2)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if conflict != nil {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}
	dx := updated.Payload.(DiagnosisPayload)
	if dx.Severity != "moderate" || dx.Description != "flu" {
		t.Errorf("expected merged payload, got %+v", dx)
	}

	// A stale client replays client_version 2 against server version 2.
	updated, conflict, err = svc.Update(ctx, rec.ID, "alice", map[string]interface{}{"severity": "severe"}, 2)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated != nil {
		t.Fatal("expected stale update to be rejected")
	}
	if conflict == nil {
		t.Fatal("expected conflict")
	}
	if conflict.ServerVersion != 2 || conflict.ClientVersion != 2 || conflict.RecordID != rec.ID {
		t.Errorf("unexpected conflict envelope: %+v", conflict)
	}
	if conflict.ServerData == nil || conflict.ServerData.Payload.(DiagnosisPayload).Severity != "moderate" {
		t.Error("expected conflict to carry current server state")
	}

	// Rejected write leaves the record untouched and unaudited.
	current, err := svc.Get(ctx, rec.ID, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if current.Version != 2 || current.Payload.(DiagnosisPayload).Severity != "moderate" {
		t.Errorf("conflict must not mutate the record, got %+v", current)
	}
	if got := ledger.actions(rec.ID); len(got) != 2 {
		t.Errorf("expected create+update audit entries only, got %v", got)
	}
}

func TestUpdate_OwnershipAndMissing(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	rec := mustCreate(t, svc, "alice", DiagnosisPayload{Description: "flu"}, 1)

	if _, _, err := svc.Update(ctx, rec.ID, "mallory", map[string]interface{}{"notes": "x"}, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign owner, got %v", err)
	}
	if _, _, err := svc.Update(ctx, "no-such-id", "alice", map[string]interface{}{"notes": "x"}, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing record, got %v", err)
	}
	if _, _, err := svc.Update(ctx, rec.ID, "alice", nil, 0); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for version 0, got %v", err)
	}
}

func TestUpdate_ConcurrentWritersOneWins(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	rec := mustCreate(t, svc, "alice", DiagnosisPayload{Description: "flu"}, 1)

	// Both devices observed version 1 and try to commit version 2.
	type result struct {
		updated  *HealthRecord
		conflict *Conflict
		err      error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for _, note := range []string{"device-a", "device-b"} {
		wg.Add(1)
		go func(note string) {
			defer wg.Done()
			u, c, err := svc.Update(ctx, rec.ID, "alice", map[string]interface{}{"notes": note}, 2)
			results <- result{u, c, err}
		}(note)
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for r := range results {
		if r.err != nil {
			t.Fatalf("Update: %v", r.err)
		}
		if r.updated != nil {
			wins++
		}
		if r.conflict != nil {
			conflicts++
			if r.conflict.ServerVersion != 2 {
				t.Errorf("loser must observe the winner's version, got %d", r.conflict.ServerVersion)
			}
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Errorf("expected exactly one winner and one conflict, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestDelete_SoftKeepsRecordReadable(t *testing.T) {
	svc, ledger := newTestService()
	ctx := context.Background()
	rec := mustCreate(t, svc, "alice", TreatmentPayload{Name: "physio"}, 1)

	deleted, err := svc.Delete(ctx, rec.ID, "alice", true)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected delete to succeed")
	}

	// Soft-deleted records stay retrievable by id.
	got, err := svc.Get(ctx, rec.ID, "alice")
	if err != nil {
		t.Fatalf("Get after soft delete: %v", err)
	}
	if !got.IsDeleted || got.DeletedAt == nil {
		t.Errorf("expected deletion flags to be set, got %+v", got)
	}

	// But listings hide them unless asked.
	_, total, err := svc.List(ctx, ListParams{OwnerID: "alice"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 0 {
		t.Errorf("expected soft-deleted record hidden from listing, got %d", total)
	}
	_, total, err = svc.List(ctx, ListParams{OwnerID: "alice", IncludeDeleted: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 {
		t.Errorf("expected include_deleted listing to show it, got %d", total)
	}

	if got := ledger.actions(rec.ID); got[len(got)-1] != audit.ActionDelete {
		t.Errorf("expected delete audit entry, got %v", got)
	}
}

func TestDelete_HardRemovesButAuditSurvives(t *testing.T) {
	svc, ledger := newTestService()
	ctx := context.Background()
	rec := mustCreate(t, svc, "alice", TreatmentPayload{Name: "physio"}, 1)

	deleted, err := svc.Delete(ctx, rec.ID, "alice", false)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected delete to succeed")
	}

	if _, err := svc.Get(ctx, rec.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected record gone, got %v", err)
	}

	// The trail outlives its subject and stays admin-accessible.
	entries, err := svc.AuditTrail(ctx, rec.ID, "auditor", true)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(entries) != 2 || entries[1].Action != audit.ActionHardDelete {
		t.Errorf("expected create+hard_delete entries, got %v", ledger.actions(rec.ID))
	}
	if entries[1].Snapshot["id"] != rec.ID {
		t.Error("expected hard delete snapshot to capture the record")
	}
}

func TestDelete_MissingOrForeign(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	rec := mustCreate(t, svc, "alice", TreatmentPayload{Name: "physio"}, 1)

	deleted, err := svc.Delete(ctx, "no-such-id", "alice", true)
	if err != nil || deleted {
		t.Errorf("expected deleted=false for missing record, got %v %v", deleted, err)
	}
	deleted, err = svc.Delete(ctx, rec.ID, "mallory", true)
	if err != nil || deleted {
		t.Errorf("expected deleted=false for foreign owner, got %v %v", deleted, err)
	}
}

func TestResolveConflict(t *testing.T) {
	svc, ledger := newTestService()
	ctx := context.Background()
	rec := mustCreate(t, svc, "alice", DiagnosisPayload{Description: "flu", Severity: "mild"}, 3)

	resolved, err := svc.ResolveConflict(ctx, "alice", ResolveParams{
		RecordID:      rec.ID,
		ChosenVersion: 3,
		ResolvedData:  map[string]interface{}{"description": "flu", "severity": "moderate", "notes": "merged by hand"},
	})
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if resolved.Version != 4 {
		t.Errorf("expected resolution to bump to version 4, got %d", resolved.Version)
	}
	if resolved.ConflictResolvedAt == nil {
		t.Error("expected conflict_resolved_at to be set")
	}
	dx := resolved.Payload.(DiagnosisPayload)
	if dx.Severity != "moderate" || dx.Notes != "merged by hand" {
		t.Errorf("expected resolved payload committed, got %+v", dx)
	}

	if got := ledger.actions(rec.ID); got[len(got)-1] != audit.ActionResolveConflict {
		t.Errorf("expected resolve_conflict audit entry, got %v", got)
	}
}

func TestResolveConflict_InvalidResolvedData(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	rec := mustCreate(t, svc, "alice", DiagnosisPayload{Description: "flu"}, 1)

	if _, err := svc.ResolveConflict(ctx, "alice", ResolveParams{RecordID: rec.ID, ResolvedData: map[string]interface{}{"description": ""}}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for payload failing validation, got %v", err)
	}
	if _, err := svc.ResolveConflict(ctx, "alice", ResolveParams{RecordID: rec.ID}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for missing resolved_data, got %v", err)
	}
	if _, err := svc.ResolveConflict(ctx, "mallory", ResolveParams{RecordID: rec.ID, ResolvedData: map[string]interface{}{"description": "x"}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign owner, got %v", err)
	}

	// A failed resolution must not bump the version.
	got, _ := svc.Get(ctx, rec.ID, "alice")
	if got.Version != 1 {
		t.Errorf("expected version unchanged after failed resolution, got %d", got.Version)
	}
}

func TestListPendingSync(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, _, err := svc.Create(ctx, CreateParams{
		OwnerID:       "alice",
		Payload:       VitalSignPayload{Measurement: "heart_rate", Value: 70},
		ClientVersion: 1,
		SyncStatus:    SyncPending,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mustCreate(t, svc, "alice", DiagnosisPayload{Description: "flu"}, 1)

	pending, err := svc.ListPendingSync(ctx, "alice")
	if err != nil {
		t.Fatalf("ListPendingSync: %v", err)
	}
	if len(pending) != 1 || pending[0].SyncStatus != SyncPending {
		t.Errorf("expected one pending record, got %v", pending)
	}
}

func TestAuditTrail_OwnerOnly(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	rec := mustCreate(t, svc, "alice", DiagnosisPayload{Description: "flu"}, 1)

	entries, err := svc.AuditTrail(ctx, rec.ID, "alice", false)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}

	if _, err := svc.AuditTrail(ctx, rec.ID, "mallory", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign non-admin, got %v", err)
	}
}

func TestAuditFailureDoesNotRollBackWrites(t *testing.T) {
	svc, ledger := newTestService()
	ledger.failAppend = true
	ctx := context.Background()

	rec, conflict, err := svc.Create(ctx, CreateParams{
		OwnerID:       "alice",
		Payload:       DiagnosisPayload{Description: "flu"},
		ClientVersion: 1,
	})
	if err != nil || conflict != nil {
		t.Fatalf("Create with failing ledger: rec=%v conflict=%v err=%v", rec, conflict, err)
	}

	// The record committed despite the ledger outage.
	if _, err := svc.Get(ctx, rec.ID, "alice"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	if _, _, err := svc.Update(ctx, rec.ID, "alice", map[string]interface{}{"notes": "x"}, 2); err != nil {
		t.Fatalf("Update with failing ledger: %v", err)
	}
	got, _ := svc.Get(ctx, rec.ID, "alice")
	if got.Version != 2 {
		t.Errorf("expected update to stand, got version %d", got.Version)
	}
}
