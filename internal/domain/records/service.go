package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medisync/medisync/internal/domain/audit"
	"github.com/medisync/medisync/internal/platform/docstore"
)

// Collection is the document-store collection holding health records.
const Collection = "health_records"

// Ledger is the audit collaborator of the record store. The store is its
// only writer; reads back it only the compliance export.
type Ledger interface {
	Append(ctx context.Context, recordID string, action audit.Action, actorID string, snapshot map[string]interface{}) (*audit.Entry, error)
	ListByRecord(ctx context.Context, recordID string) ([]*audit.Entry, error)
}

// Service is the authoritative record store: CRUD over health records with
// ownership enforcement, optimistic-concurrency conflict detection, and an
// audit entry per accepted mutation.
//
// Every conflict check runs inside a store transaction together with the
// write it guards, so two racing writers can never both observe the same
// server version and both commit.
type Service struct {
	store  docstore.Store
	ledger Ledger
	logger zerolog.Logger
}

// NewService creates a record store on an injected document store and audit
// ledger. The store handle's lifecycle is owned by the process entry point.
func NewService(store docstore.Store, ledger Ledger, logger zerolog.Logger) *Service {
	return &Service{store: store, ledger: ledger, logger: logger}
}

// CreateParams are the inputs of Create. ClientVersion is the version the
// offline client pre-assigned before connectivity returned; SyncStatus
// defaults to synced.
type CreateParams struct {
	OwnerID       string
	CreatedBy     string
	Payload       Payload
	ClientVersion int64
	SyncStatus    SyncStatus
}

// Create stores a new record with version = ClientVersion. If any
// non-deleted record already exists for the same (owner, type) pair and
// ClientVersion does not exceed its latest version, the create would
// silently shadow newer server state and a Conflict is returned instead.
func (s *Service) Create(ctx context.Context, p CreateParams) (*HealthRecord, *Conflict, error) {
	if p.OwnerID == "" {
		return nil, nil, fmt.Errorf("%w: owner_id is required", ErrInvalid)
	}
	if p.Payload == nil {
		return nil, nil, fmt.Errorf("%w: payload is required", ErrInvalid)
	}
	if err := p.Payload.Validate(); err != nil {
		return nil, nil, err
	}
	if p.ClientVersion < 1 {
		return nil, nil, fmt.Errorf("%w: client_version must be >= 1", ErrInvalid)
	}
	if p.SyncStatus == "" {
		p.SyncStatus = SyncSynced
	}
	if !p.SyncStatus.valid() {
		return nil, nil, fmt.Errorf("%w: invalid sync_status %q", ErrInvalid, p.SyncStatus)
	}
	if p.CreatedBy == "" {
		p.CreatedBy = p.OwnerID
	}

	now := time.Now().UTC()
	rec := &HealthRecord{
		ID:         uuid.NewString(),
		OwnerID:    p.OwnerID,
		RecordType: p.Payload.Type(),
		Payload:    p.Payload,
		Version:    p.ClientVersion,
		CreatedAt:  now,
		UpdatedAt:  now,
		CreatedBy:  p.CreatedBy,
		SyncStatus: p.SyncStatus,
	}
	doc, err := recordToDoc(rec)
	if err != nil {
		return nil, nil, err
	}

	var conflict *Conflict
	err = s.store.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		// Serialize shadow checks per owner/type group: two concurrent
		// creates for the same pair must observe each other.
		if err := tx.LockGroup(ctx, Collection, groupKey(rec.OwnerID, rec.RecordType)); err != nil {
			return err
		}

		latest, err := latestVersion(ctx, tx, rec.OwnerID, rec.RecordType)
		if err != nil {
			return err
		}
		if Decide(p.ClientVersion, latest) == DecisionConflict {
			conflict = &Conflict{ServerVersion: latest, ClientVersion: p.ClientVersion}
			return nil
		}
		return tx.Set(ctx, Collection, rec.ID, doc)
	})
	if err != nil {
		return nil, nil, err
	}
	if conflict != nil {
		s.logger.Info().
			Str("owner_id", rec.OwnerID).
			Str("record_type", string(rec.RecordType)).
			Int64("client_version", conflict.ClientVersion).
			Int64("server_version", conflict.ServerVersion).
			Msg("create rejected: version conflict")
		return nil, conflict, nil
	}

	s.appendAudit(ctx, rec.ID, audit.ActionCreate, p.CreatedBy, doc)
	s.logger.Info().Str("record_id", rec.ID).Str("owner_id", rec.OwnerID).Msg("health record created")
	return rec, nil, nil
}

// Get returns the caller's record by id. Records owned by other users look
// exactly like missing ones. Soft-deleted records remain retrievable by
// direct lookup; only listings hide them.
func (s *Service) Get(ctx context.Context, recordID, callerID string) (*HealthRecord, error) {
	doc, err := s.store.Get(ctx, Collection, recordID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := recordFromDoc(doc)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != callerID {
		s.logger.Warn().
			Str("record_id", recordID).
			Str("caller_id", callerID).
			Msg("cross-owner record access denied")
		return nil, ErrNotFound
	}
	return rec, nil
}

// ListParams filter and paginate List. Page is 1-indexed.
type ListParams struct {
	OwnerID        string
	RecordType     RecordType // empty means all types
	Page           int
	PageSize       int
	IncludeDeleted bool
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// List returns the owner's records ordered by updated_at descending,
// excluding soft-deleted records unless asked otherwise. The second result
// is the total match count across all pages.
func (s *Service) List(ctx context.Context, p ListParams) ([]*HealthRecord, int, error) {
	if p.OwnerID == "" {
		return nil, 0, fmt.Errorf("%w: owner_id is required", ErrInvalid)
	}
	if p.RecordType != "" && !recordTypes[p.RecordType] {
		return nil, 0, fmt.Errorf("%w: unknown record type %q", ErrInvalid, p.RecordType)
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = defaultPageSize
	}
	if p.PageSize > maxPageSize {
		p.PageSize = maxPageSize
	}

	filters := []docstore.Filter{{Field: "owner_id", Value: p.OwnerID}}
	if p.RecordType != "" {
		filters = append(filters, docstore.Filter{Field: "record_type", Value: string(p.RecordType)})
	}
	if !p.IncludeDeleted {
		filters = append(filters, docstore.Filter{Field: "is_deleted", Value: false})
	}

	docs, err := s.store.Query(ctx, Collection, docstore.Query{
		Filters: filters,
		OrderBy: &docstore.Order{Field: "updated_at", Desc: true},
		Limit:   p.PageSize,
		Offset:  (p.Page - 1) * p.PageSize,
	})
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.Count(ctx, Collection, filters)
	if err != nil {
		return nil, 0, err
	}

	recs := make([]*HealthRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := recordFromDoc(doc)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, rec)
	}
	return recs, total, nil
}

// Update applies patch as a shallow merge over the record's payload,
// guarded by the version rule: the write commits only when clientVersion
// exceeds the stored version, otherwise the full current record comes back
// inside the Conflict so the client can merge and resolve.
func (s *Service) Update(ctx context.Context, recordID, callerID string, patch map[string]interface{}, clientVersion int64) (*HealthRecord, *Conflict, error) {
	if recordID == "" {
		return nil, nil, fmt.Errorf("%w: record_id is required", ErrInvalid)
	}
	if clientVersion < 1 {
		return nil, nil, fmt.Errorf("%w: client_version must be >= 1", ErrInvalid)
	}

	var (
		conflict *Conflict
		updated  *HealthRecord
		fields   docstore.Document
	)
	err := s.store.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		rec, err := s.lockRecord(ctx, tx, recordID, callerID)
		if err != nil {
			return err
		}

		if Decide(clientVersion, rec.Version) == DecisionConflict {
			conflict = &Conflict{
				RecordID:      recordID,
				ServerVersion: rec.Version,
				ClientVersion: clientVersion,
				ServerData:    rec,
			}
			return nil
		}

		merged, err := mergePayload(rec.RecordType, rec.Payload, patch)
		if err != nil {
			return err
		}
		payload, err := payloadToMap(merged)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		fields = docstore.Document{
			"payload":     payload,
			"version":     clientVersion,
			"updated_at":  encodeTime(now),
			"sync_status": string(SyncSynced),
		}
		if err := tx.Update(ctx, Collection, recordID, fields); err != nil {
			return err
		}

		rec.Payload = merged
		rec.Version = clientVersion
		rec.UpdatedAt = now
		rec.SyncStatus = SyncSynced
		updated = rec
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if conflict != nil {
		s.logger.Info().
			Str("record_id", recordID).
			Int64("client_version", conflict.ClientVersion).
			Int64("server_version", conflict.ServerVersion).
			Msg("update rejected: version conflict")
		return nil, conflict, nil
	}

	s.appendAudit(ctx, recordID, audit.ActionUpdate, callerID, fields)
	s.logger.Info().Str("record_id", recordID).Int64("version", updated.Version).Msg("health record updated")
	return updated, nil, nil
}

// Delete removes a record: softly by default (flagged, retained, still
// readable by id), or permanently when soft is false. The audit entry for
// a hard delete survives the deletion of its subject. Returns false when
// the record does not exist or belongs to someone else.
func (s *Service) Delete(ctx context.Context, recordID, callerID string, soft bool) (bool, error) {
	rec, err := s.Get(ctx, recordID, callerID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	if soft {
		fields := docstore.Document{
			"is_deleted": true,
			"deleted_at": encodeTime(now),
			"updated_at": encodeTime(now),
		}
		if err := s.store.Update(ctx, Collection, recordID, fields); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		s.appendAudit(ctx, recordID, audit.ActionDelete, callerID, map[string]interface{}{"soft_delete": true})
	} else {
		if err := s.store.Delete(ctx, Collection, recordID); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		snapshot, err := recordToDoc(rec)
		if err != nil {
			snapshot = map[string]interface{}{}
		}
		s.appendAudit(ctx, recordID, audit.ActionHardDelete, callerID, snapshot)
	}

	s.logger.Info().Str("record_id", recordID).Bool("soft", soft).Msg("health record deleted")
	return true, nil
}

// ResolveParams carry a client's chosen reconciliation of a conflict.
// ChosenVersion is advisory: it says which side's data the client picked
// and is recorded only in the audit trail.
type ResolveParams struct {
	RecordID      string
	ChosenVersion int64
	ResolvedData  map[string]interface{}
}

// ResolveConflict commits the caller's merged payload as a new version.
// The new version is always the stored version plus one, regardless of
// ChosenVersion, so resolution itself can never produce another conflict;
// it is the terminal step of the protocol.
func (s *Service) ResolveConflict(ctx context.Context, callerID string, p ResolveParams) (*HealthRecord, error) {
	if p.RecordID == "" {
		return nil, fmt.Errorf("%w: record_id is required", ErrInvalid)
	}
	if p.ResolvedData == nil {
		return nil, fmt.Errorf("%w: resolved_data is required", ErrInvalid)
	}

	var resolved *HealthRecord
	err := s.store.Transaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		rec, err := s.lockRecord(ctx, tx, p.RecordID, callerID)
		if err != nil {
			return err
		}

		raw, err := json.Marshal(p.ResolvedData)
		if err != nil {
			return fmt.Errorf("%w: malformed resolved_data: %v", ErrInvalid, err)
		}
		payload, err := DecodePayload(rec.RecordType, raw)
		if err != nil {
			return err
		}
		payloadMap, err := payloadToMap(payload)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		newVersion := rec.Version + 1
		fields := docstore.Document{
			"payload":              payloadMap,
			"version":              newVersion,
			"updated_at":           encodeTime(now),
			"sync_status":          string(SyncSynced),
			"conflict_resolved_at": encodeTime(now),
		}
		if err := tx.Update(ctx, Collection, p.RecordID, fields); err != nil {
			return err
		}

		rec.Payload = payload
		rec.Version = newVersion
		rec.UpdatedAt = now
		rec.SyncStatus = SyncSynced
		rec.ConflictResolvedAt = &now
		resolved = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, p.RecordID, audit.ActionResolveConflict, callerID, map[string]interface{}{
		"chosen_version":   p.ChosenVersion,
		"resolved_version": resolved.Version,
		"resolved_payload": p.ResolvedData,
	})
	s.logger.Info().Str("record_id", p.RecordID).Int64("version", resolved.Version).Msg("conflict resolved")
	return resolved, nil
}

// ListPendingSync returns the owner's records still marked pending, a hook
// for client reconciliation. The query mutates nothing.
func (s *Service) ListPendingSync(ctx context.Context, ownerID string) ([]*HealthRecord, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner_id is required", ErrInvalid)
	}

	docs, err := s.store.Query(ctx, Collection, docstore.Query{
		Filters: []docstore.Filter{
			{Field: "owner_id", Value: ownerID},
			{Field: "sync_status", Value: string(SyncPending)},
		},
		OrderBy: &docstore.Order{Field: "updated_at", Desc: true},
	})
	if err != nil {
		return nil, err
	}

	recs := make([]*HealthRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := recordFromDoc(doc)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// AuditTrail exports the ledger for one record. Owners see their own
// records; admins may inspect any trail, including ones whose record has
// been hard-deleted.
func (s *Service) AuditTrail(ctx context.Context, recordID, callerID string, admin bool) ([]*audit.Entry, error) {
	if !admin {
		if _, err := s.Get(ctx, recordID, callerID); err != nil {
			return nil, err
		}
	}
	return s.ledger.ListByRecord(ctx, recordID)
}

// lockRecord fetches a record under the transaction's exclusive lock and
// enforces ownership, collapsing foreign-owner access into ErrNotFound.
func (s *Service) lockRecord(ctx context.Context, tx docstore.Tx, recordID, callerID string) (*HealthRecord, error) {
	doc, err := tx.Get(ctx, Collection, recordID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := recordFromDoc(doc)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != callerID {
		s.logger.Warn().
			Str("record_id", recordID).
			Str("caller_id", callerID).
			Msg("cross-owner record access denied")
		return nil, ErrNotFound
	}
	return rec, nil
}

// latestVersion finds the highest version among the owner's non-deleted
// records of one type, or 0 when none exist.
func latestVersion(ctx context.Context, tx docstore.Tx, ownerID string, t RecordType) (int64, error) {
	docs, err := tx.Query(ctx, Collection, docstore.Query{
		Filters: []docstore.Filter{
			{Field: "owner_id", Value: ownerID},
			{Field: "record_type", Value: string(t)},
			{Field: "is_deleted", Value: false},
		},
		OrderBy: &docstore.Order{Field: "version", Desc: true, Numeric: true},
		Limit:   1,
	})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	rec, err := recordFromDoc(docs[0])
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

func groupKey(ownerID string, t RecordType) string {
	return ownerID + "/" + string(t)
}

// appendAudit records a mutation in the ledger. A failed append never rolls
// back the primary write; the gap is logged so operations can follow up.
func (s *Service) appendAudit(ctx context.Context, recordID string, action audit.Action, actorID string, snapshot map[string]interface{}) {
	if _, err := s.ledger.Append(ctx, recordID, action, actorID, snapshot); err != nil {
		s.logger.Warn().
			Err(err).
			Str("record_id", recordID).
			Str("action", string(action)).
			Msg("audit append failed; record mutation stands")
	}
}
