package records

import (
	"errors"
	"testing"
	"time"
)

func TestRecordDocRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	deleted := now.Add(time.Hour)
	rec := &HealthRecord{
		ID:         "rec-1",
		OwnerID:    "alice",
		RecordType: TypeVitalSign,
		Payload:    VitalSignPayload{Measurement: "heart_rate", Value: 71, Unit: "bpm"},
		Version:    4,
		CreatedAt:  now,
		UpdatedAt:  now,
		CreatedBy:  "alice",
		IsDeleted:  true,
		DeletedAt:  &deleted,
		SyncStatus: SyncPending,
	}

	doc, err := recordToDoc(rec)
	if err != nil {
		t.Fatalf("recordToDoc: %v", err)
	}
	back, err := recordFromDoc(doc)
	if err != nil {
		t.Fatalf("recordFromDoc: %v", err)
	}

	if back.ID != rec.ID || back.OwnerID != rec.OwnerID || back.Version != rec.Version {
		t.Errorf("identity fields mismatch: %+v", back)
	}
	if !back.CreatedAt.Equal(now) || !back.UpdatedAt.Equal(now) {
		t.Errorf("timestamps mismatch: created=%v updated=%v", back.CreatedAt, back.UpdatedAt)
	}
	if back.DeletedAt == nil || !back.DeletedAt.Equal(deleted) {
		t.Errorf("deleted_at mismatch: %v", back.DeletedAt)
	}
	if back.SyncStatus != SyncPending {
		t.Errorf("sync status mismatch: %s", back.SyncStatus)
	}
	vs, ok := back.Payload.(VitalSignPayload)
	if !ok {
		t.Fatalf("expected VitalSignPayload, got %T", back.Payload)
	}
	if vs.Measurement != "heart_rate" || vs.Value != 71 || vs.Unit != "bpm" {
		t.Errorf("payload mismatch: %+v", vs)
	}
}

func TestEncodedTimesOrderLexicographically(t *testing.T) {
	earlier := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	later := earlier.Add(time.Millisecond)
	if encodeTime(earlier) >= encodeTime(later) {
		t.Errorf("expected %q < %q", encodeTime(earlier), encodeTime(later))
	}
}

func TestMergePayload(t *testing.T) {
	current := DiagnosisPayload{Description: "flu", Severity: "mild", Notes: "rest"}

	merged, err := mergePayload(TypeDiagnosis, current, map[string]interface{}{"severity": "moderate"})
	if err != nil {
		t.Fatalf("mergePayload: %v", err)
	}
	dx := merged.(DiagnosisPayload)
	if dx.Severity != "moderate" {
		t.Errorf("expected patched severity, got %s", dx.Severity)
	}
	if dx.Description != "flu" || dx.Notes != "rest" {
		t.Errorf("expected untouched fields to survive, got %+v", dx)
	}
}

func TestMergePayload_CannotInvalidateRecord(t *testing.T) {
	current := DiagnosisPayload{Description: "flu"}
	if _, err := mergePayload(TypeDiagnosis, current, map[string]interface{}{"description": ""}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid when patch clears a required field, got %v", err)
	}
}
