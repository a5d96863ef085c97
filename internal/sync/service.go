package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrScopeViolation indicates a push or pull targeting a facility outside
	// the caller's tenant scope. Raised before any side effect.
	ErrScopeViolation = errors.New("sync: facility outside caller scope")
	// ErrEmptyBatch indicates a push with no operations.
	ErrEmptyBatch = errors.New("sync: push batch is empty")
)

// OpIDCollisionError reports a client-generated op id reused for different
// content. The whole batch is rejected; nothing is ingested.
type OpIDCollisionError struct {
	OpID OpID
}

func (e *OpIDCollisionError) Error() string {
	return fmt.Sprintf("sync: op id %q reused with different payload", e.OpID.String())
}

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "sync.service.new"
	opPush       = "sync.push"
	opPull       = "sync.pull"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for conflict audit rows.
type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service implements the push/pull sync protocol over the operation ledger.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Push ingests a batch of client operations into the ledger idempotently.
// The batch either lands atomically or not at all: an op id reused with
// different content rejects the whole batch before any row is written.
func (s *Service) Push(ctx context.Context, scope Scope, targetFacility FacilityID, ops []Operation) ([]OpResult, error) {
	if s.db == nil {
		s.logError(opPush, "missing_database", errMissingDatabase)
		return nil, newServiceError(opPush, "missing_database", errMissingDatabase)
	}
	if len(ops) == 0 {
		return nil, ErrEmptyBatch
	}
	if err := s.checkScope(ctx, scope, targetFacility); err != nil {
		return nil, err
	}

	receivedAt := s.clock().UTC().Unix()
	results := make([]OpResult, len(ops))

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existingByOpID, err := s.loadExistingEntries(tx, scope, ops)
		if err != nil {
			return err
		}

		// Classify every op before touching the allocator: a collision
		// anywhere in the batch must leave the ledger untouched.
		accepted := make([]int, 0, len(ops))
		batchHashes := map[OpID]string{}
		for index, op := range ops {
			hash := HashPayload(op.PayloadJSON)
			if existing, ok := existingByOpID[op.OpID]; ok {
				if existing.PayloadHash != hash {
					return &OpIDCollisionError{OpID: op.OpID}
				}
				results[index] = OpResult{OpID: op.OpID, Status: OpStatusDuplicate, Revision: existing.Revision}
				continue
			}
			if earlierHash, ok := batchHashes[op.OpID]; ok {
				if earlierHash != hash {
					return &OpIDCollisionError{OpID: op.OpID}
				}
				results[index] = OpResult{OpID: op.OpID, Status: OpStatusDuplicate}
				continue
			}
			batchHashes[op.OpID] = hash
			accepted = append(accepted, index)
		}

		if len(accepted) == 0 {
			return nil
		}

		revisions, err := NextRevisions(tx, scope.TenantID, len(accepted))
		if err != nil {
			s.logError(opPush, "revision_allocation_failed", err, zap.String("tenant_id", scope.TenantID.String()))
			return newServiceError(opPush, "revision_allocation_failed", err)
		}

		entries := make([]LedgerEntry, 0, len(accepted))
		var tombstones []Tombstone
		var conflicts []ConflictAuditEntry
		lastUpsertByEntity := map[string]*LedgerEntry{}

		for position, index := range accepted {
			op := ops[index]
			entry := LedgerEntry{
				TenantID:         scope.TenantID.String(),
				Revision:         revisions[position],
				FacilityID:       scope.FacilityID.String(),
				OpID:             op.OpID.String(),
				DeviceID:         scope.DeviceID.String(),
				ActorID:          scope.ActorID,
				EntityType:       op.EntityType,
				EntityID:         op.EntityID,
				OpKind:           op.Kind,
				ClientTimestamp:  op.ClientTimestamp,
				PayloadJSON:      op.PayloadJSON,
				PayloadHash:      batchHashes[op.OpID],
				ServerReceivedAt: receivedAt,
			}
			entries = append(entries, entry)
			results[index] = OpResult{OpID: op.OpID, Status: OpStatusIngested, Revision: entry.Revision}

			if op.Kind == OpKindDelete {
				tombstones = append(tombstones, Tombstone{
					TenantID:          entry.TenantID,
					DeletedRevision:   entry.Revision,
					FacilityID:        entry.FacilityID,
					EntityType:        entry.EntityType,
					EntityID:          entry.EntityID,
					DeletedByOpID:     entry.OpID,
					DeletedByDeviceID: entry.DeviceID,
					ServerReceivedAt:  receivedAt,
				})
				continue
			}

			prior, err := s.priorUpsert(tx, scope, entry, lastUpsertByEntity)
			if err != nil {
				return err
			}
			if prior != nil {
				overwrite := resolveOverwrite(prior, &entries[len(entries)-1], receivedAt)
				for _, conflict := range overwrite {
					entryID, err := s.idProvider.NewID()
					if err != nil {
						s.logError(opPush, "id_generation_failed", err)
						return newServiceError(opPush, "id_generation_failed", err)
					}
					conflict.EntryID = entryID
					conflicts = append(conflicts, conflict)
				}
			}
			lastUpsertByEntity[entityKey(entry.EntityType, entry.EntityID)] = &entries[len(entries)-1]
		}

		// Insert-or-ignore keyed on (tenant, facility, op_id): a retried
		// network call that raced a committed twin must not double-insert.
		insert := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"}, {Name: "facility_id"}, {Name: "op_id"},
			},
			DoNothing: true,
		}).Create(&entries)
		if insert.Error != nil {
			s.logError(opPush, "ledger_insert_failed", insert.Error, zap.String("tenant_id", scope.TenantID.String()))
			return newServiceError(opPush, "ledger_insert_failed", insert.Error)
		}

		if len(tombstones) > 0 {
			insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tombstones)
			if insert.Error != nil {
				s.logError(opPush, "tombstone_insert_failed", insert.Error, zap.String("tenant_id", scope.TenantID.String()))
				return newServiceError(opPush, "tombstone_insert_failed", insert.Error)
			}
		}

		if len(conflicts) > 0 {
			if err := tx.Create(&conflicts).Error; err != nil {
				s.logError(opPush, "conflict_audit_insert_failed", err, zap.String("tenant_id", scope.TenantID.String()))
				return newServiceError(opPush, "conflict_audit_insert_failed", err)
			}
		}

		return nil
	})

	if txErr != nil {
		return nil, txErr
	}
	return results, nil
}

// Pull serves the ordered delta feed since a cursor. Ledger upserts and
// tombstones share one cursor space because both draw revisions from the
// same per-tenant allocator. Pull is side-effect-free and repeatable.
func (s *Service) Pull(ctx context.Context, scope Scope, targetFacility FacilityID, cursor Cursor, limit int) (Page, error) {
	if s.db == nil {
		s.logError(opPull, "missing_database", errMissingDatabase)
		return Page{}, newServiceError(opPull, "missing_database", errMissingDatabase)
	}
	if limit <= 0 {
		return Page{}, newServiceError(opPull, "invalid_limit", fmt.Errorf("limit must be positive, got %d", limit))
	}
	if err := s.checkScope(ctx, scope, targetFacility); err != nil {
		return Page{}, err
	}

	var entries []LedgerEntry
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND facility_id = ? AND revision > ? AND op_kind = ?",
			scope.TenantID.String(), scope.FacilityID.String(), cursor.Int64(), OpKindUpsert).
		Order("revision ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		s.logError(opPull, "ledger_query_failed", err, zap.String("tenant_id", scope.TenantID.String()))
		return Page{}, newServiceError(opPull, "ledger_query_failed", err)
	}

	var tombstones []Tombstone
	err = s.db.WithContext(ctx).
		Where("tenant_id = ? AND facility_id = ? AND deleted_revision > ?",
			scope.TenantID.String(), scope.FacilityID.String(), cursor.Int64()).
		Order("deleted_revision ASC").
		Limit(limit).
		Find(&tombstones).Error
	if err != nil {
		s.logError(opPull, "tombstone_query_failed", err, zap.String("tenant_id", scope.TenantID.String()))
		return Page{}, newServiceError(opPull, "tombstone_query_failed", err)
	}

	feed := make([]FeedEntry, 0, len(entries)+len(tombstones))
	for _, entry := range entries {
		feed = append(feed, FeedEntry{
			Revision:        entry.Revision,
			OpID:            entry.OpID,
			DeviceID:        entry.DeviceID,
			EntityType:      entry.EntityType,
			EntityID:        entry.EntityID,
			Kind:            OpKindUpsert,
			PayloadJSON:     entry.PayloadJSON,
			ClientTimestamp: entry.ClientTimestamp,
			ReceivedAt:      entry.ServerReceivedAt,
		})
	}
	for _, tombstone := range tombstones {
		feed = append(feed, FeedEntry{
			Revision:   tombstone.DeletedRevision,
			OpID:       tombstone.DeletedByOpID,
			DeviceID:   tombstone.DeletedByDeviceID,
			EntityType: tombstone.EntityType,
			EntityID:   tombstone.EntityID,
			Kind:       OpKindDelete,
			ReceivedAt: tombstone.ServerReceivedAt,
		})
	}
	sort.Slice(feed, func(left, right int) bool {
		return feed[left].Revision < feed[right].Revision
	})
	if len(feed) > limit {
		feed = feed[:limit]
	}

	page := Page{Entries: feed, NextCursor: cursor.Int64(), HasMore: len(feed) == limit}
	if len(feed) > 0 {
		page.NextCursor = feed[len(feed)-1].Revision
	}
	return page, nil
}

// HighestRevision reports the tenant's current revision high-water mark.
// Used by the realtime notifier; never consumes an allocation.
func (s *Service) HighestRevision(ctx context.Context, tenantID TenantID) (int64, error) {
	var counter RevisionCounter
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID.String()).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, newServiceError(opPull, "counter_query_failed", err)
	}
	return counter.Value, nil
}

// checkScope rejects requests whose target facility is not the caller's, or
// whose facility is not provisioned under the caller's tenant. Runs before
// any allocator call or write.
func (s *Service) checkScope(ctx context.Context, scope Scope, targetFacility FacilityID) error {
	if targetFacility.String() != scope.FacilityID.String() {
		return fmt.Errorf("%w: target %q", ErrScopeViolation, targetFacility.String())
	}
	var facility Facility
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND facility_id = ?", scope.TenantID.String(), scope.FacilityID.String()).
		Take(&facility).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: facility %q not in tenant %q", ErrScopeViolation, scope.FacilityID.String(), scope.TenantID.String())
	}
	if err != nil {
		return newServiceError(opPush, "facility_lookup_failed", err)
	}
	return nil
}

func (s *Service) loadExistingEntries(tx *gorm.DB, scope Scope, ops []Operation) (map[OpID]LedgerEntry, error) {
	opIDs := make([]string, 0, len(ops))
	for _, op := range ops {
		opIDs = append(opIDs, op.OpID.String())
	}

	var existing []LedgerEntry
	err := tx.
		Where("tenant_id = ? AND facility_id = ? AND op_id IN ?",
			scope.TenantID.String(), scope.FacilityID.String(), opIDs).
		Find(&existing).Error
	if err != nil {
		s.logError(opPush, "ledger_lookup_failed", err, zap.String("tenant_id", scope.TenantID.String()))
		return nil, newServiceError(opPush, "ledger_lookup_failed", err)
	}

	byOpID := make(map[OpID]LedgerEntry, len(existing))
	for _, entry := range existing {
		byOpID[OpID(entry.OpID)] = entry
	}
	return byOpID, nil
}

// priorUpsert finds the most recent upsert for the same entity, preferring
// entries accepted earlier in this batch over committed rows.
func (s *Service) priorUpsert(tx *gorm.DB, scope Scope, entry LedgerEntry, inBatch map[string]*LedgerEntry) (*LedgerEntry, error) {
	if prior, ok := inBatch[entityKey(entry.EntityType, entry.EntityID)]; ok {
		return prior, nil
	}

	var prior LedgerEntry
	err := tx.
		Where("tenant_id = ? AND facility_id = ? AND entity_type = ? AND entity_id = ? AND op_kind = ?",
			scope.TenantID.String(), scope.FacilityID.String(), entry.EntityType, entry.EntityID, OpKindUpsert).
		Order("revision DESC").
		Take(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opPush, "prior_entry_lookup_failed", err, zap.String("tenant_id", scope.TenantID.String()))
		return nil, newServiceError(opPush, "prior_entry_lookup_failed", err)
	}
	return &prior, nil
}

func entityKey(entityType, entityID string) string {
	return entityType + "\x00" + entityID
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("sync service error", attrs...)
}
