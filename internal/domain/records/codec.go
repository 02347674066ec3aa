package records

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/medisync/medisync/internal/platform/docstore"
)

// Timestamps persist as RFC3339Nano UTC strings so lexicographic ordering
// in the document store matches temporal ordering.
const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// recordToDoc flattens a HealthRecord into a store document. The payload is
// embedded as a nested JSON object so patch merges operate on its fields.
func recordToDoc(r *HealthRecord) (docstore.Document, error) {
	payload, err := payloadToMap(r.Payload)
	if err != nil {
		return nil, err
	}

	doc := docstore.Document{
		"id":          r.ID,
		"owner_id":    r.OwnerID,
		"record_type": string(r.RecordType),
		"payload":     payload,
		"version":     r.Version,
		"created_at":  encodeTime(r.CreatedAt),
		"updated_at":  encodeTime(r.UpdatedAt),
		"created_by":  r.CreatedBy,
		"is_deleted":  r.IsDeleted,
		"sync_status": string(r.SyncStatus),
	}
	if r.DeletedAt != nil {
		doc["deleted_at"] = encodeTime(*r.DeletedAt)
	}
	if r.ConflictResolvedAt != nil {
		doc["conflict_resolved_at"] = encodeTime(*r.ConflictResolvedAt)
	}
	return doc, nil
}

func recordFromDoc(doc docstore.Document) (*HealthRecord, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode stored record: %w", err)
	}

	var aux struct {
		ID                 string          `json:"id"`
		OwnerID            string          `json:"owner_id"`
		RecordType         string          `json:"record_type"`
		Payload            json.RawMessage `json:"payload"`
		Version            int64           `json:"version"`
		CreatedAt          string          `json:"created_at"`
		UpdatedAt          string          `json:"updated_at"`
		CreatedBy          string          `json:"created_by"`
		IsDeleted          bool            `json:"is_deleted"`
		DeletedAt          string          `json:"deleted_at"`
		SyncStatus         string          `json:"sync_status"`
		ConflictResolvedAt string          `json:"conflict_resolved_at"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return nil, fmt.Errorf("decode stored record: %w", err)
	}

	recordType, err := ParseRecordType(aux.RecordType)
	if err != nil {
		return nil, fmt.Errorf("decode stored record %s: %w", aux.ID, err)
	}
	payload, err := DecodePayload(recordType, aux.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode stored record %s: %w", aux.ID, err)
	}

	rec := &HealthRecord{
		ID:         aux.ID,
		OwnerID:    aux.OwnerID,
		RecordType: recordType,
		Payload:    payload,
		Version:    aux.Version,
		CreatedBy:  aux.CreatedBy,
		IsDeleted:  aux.IsDeleted,
		SyncStatus: SyncStatus(aux.SyncStatus),
	}

	if rec.CreatedAt, err = decodeTime(aux.CreatedAt); err != nil {
		return nil, fmt.Errorf("decode stored record %s: created_at: %w", aux.ID, err)
	}
	if rec.UpdatedAt, err = decodeTime(aux.UpdatedAt); err != nil {
		return nil, fmt.Errorf("decode stored record %s: updated_at: %w", aux.ID, err)
	}
	if aux.DeletedAt != "" {
		t, err := decodeTime(aux.DeletedAt)
		if err != nil {
			return nil, fmt.Errorf("decode stored record %s: deleted_at: %w", aux.ID, err)
		}
		rec.DeletedAt = &t
	}
	if aux.ConflictResolvedAt != "" {
		t, err := decodeTime(aux.ConflictResolvedAt)
		if err != nil {
			return nil, fmt.Errorf("decode stored record %s: conflict_resolved_at: %w", aux.ID, err)
		}
		rec.ConflictResolvedAt = &t
	}
	return rec, nil
}

// payloadToMap converts a typed payload into the generic object form the
// store keeps.
func payloadToMap(p Payload) (map[string]interface{}, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

// mergePayload applies patch as a shallow merge over the current payload
// object and decodes the result back into the record's typed variant, so a
// patch can never change a record's shape out from under its type tag.
func mergePayload(t RecordType, current Payload, patch map[string]interface{}) (Payload, error) {
	base, err := payloadToMap(current)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		base[k] = v
	}
	raw, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encode merged payload: %w", err)
	}
	return DecodePayload(t, raw)
}
