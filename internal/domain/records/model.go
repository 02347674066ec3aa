package records

import (
	"errors"
	"fmt"
	"time"
)

// RecordType is the closed set of health-record categories. It is a fixed
// tag, not extensible at runtime; the payload schema is selected by it.
type RecordType string

const (
	TypeMedicalHistory RecordType = "medical_history"
	TypePrescription   RecordType = "prescription"
	TypeLabReport      RecordType = "lab_report"
	TypeVitalSign      RecordType = "vital_sign"
	TypeDiagnosis      RecordType = "diagnosis"
	TypeTreatment      RecordType = "treatment"
)

var recordTypes = map[RecordType]bool{
	TypeMedicalHistory: true,
	TypePrescription:   true,
	TypeLabReport:      true,
	TypeVitalSign:      true,
	TypeDiagnosis:      true,
	TypeTreatment:      true,
}

// ParseRecordType validates a record-type string.
func ParseRecordType(s string) (RecordType, error) {
	t := RecordType(s)
	if !recordTypes[t] {
		return "", fmt.Errorf("%w: unknown record type %q", ErrInvalid, s)
	}
	return t, nil
}

// SyncStatus is a caller-visible reconciliation hint. It is never consulted
// for conflict detection; version comparison alone decides that.
type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncPending  SyncStatus = "pending"
	SyncConflict SyncStatus = "conflict"
)

func (s SyncStatus) valid() bool {
	return s == SyncSynced || s == SyncPending || s == SyncConflict
}

// HealthRecord is a versioned, patient-owned medical record.
//
// Version starts at the value supplied by the creating client and strictly
// increases on every accepted write; it is never reused and never decreases.
type HealthRecord struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"owner_id"`
	RecordType         RecordType `json:"record_type"`
	Payload            Payload    `json:"payload"`
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CreatedBy          string     `json:"created_by"`
	IsDeleted          bool       `json:"is_deleted"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
	SyncStatus         SyncStatus `json:"sync_status"`
	ConflictResolvedAt *time.Time `json:"conflict_resolved_at,omitempty"`
}

// Conflict is the domain result of a rejected write: the caller's claimed
// version does not exceed the stored one. It is a normal return value, not
// an error, so create and update surface it as a structured 409 body.
type Conflict struct {
	RecordID      string        `json:"record_id,omitempty"`
	ServerVersion int64         `json:"server_version"`
	ClientVersion int64         `json:"client_version"`
	ServerData    *HealthRecord `json:"server_data,omitempty"`
}

var (
	// ErrNotFound covers both a genuinely absent record and a record owned
	// by someone else; the two are indistinguishable to callers so record
	// existence never leaks across owners.
	ErrNotFound = errors.New("records: record not found")

	// ErrInvalid marks input rejected before any store interaction.
	ErrInvalid = errors.New("records: invalid input")
)
