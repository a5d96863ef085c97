package sync

import (
	"errors"
	"fmt"
	"strings"
)

// OpKind enumerates supported client operations.
type OpKind string

const (
	// OpKindUpsert represents an insert or update payload.
	OpKindUpsert OpKind = "upsert"
	// OpKindDelete marks an entity as deleted.
	OpKindDelete OpKind = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidTenantID indicates that a tenant identifier is empty or exceeds storage bounds.
	ErrInvalidTenantID = errors.New("sync: invalid tenant id")
	// ErrInvalidFacilityID indicates that a facility identifier is empty or exceeds storage bounds.
	ErrInvalidFacilityID = errors.New("sync: invalid facility id")
	// ErrInvalidOpID indicates that a client operation identifier is empty or exceeds storage bounds.
	ErrInvalidOpID = errors.New("sync: invalid op id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("sync: invalid device id")
	// ErrInvalidEntityRef indicates that an entity type or id is empty or exceeds storage bounds.
	ErrInvalidEntityRef = errors.New("sync: invalid entity reference")
	// ErrInvalidOpKind indicates an unsupported operation kind.
	ErrInvalidOpKind = errors.New("sync: invalid op kind")
	// ErrInvalidCursor indicates that a pull cursor is not a non-negative integer.
	ErrInvalidCursor = errors.New("sync: invalid cursor")
	// ErrInvalidTimestamp indicates that a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("sync: invalid unix timestamp")
)

func validateIdentifier(rawInput string, kind error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", kind, maxIdentifierLength)
	}
	return trimmed, nil
}

// TenantID represents a validated tenant identifier.
type TenantID string

// NewTenantID validates raw input and returns a TenantID.
func NewTenantID(rawInput string) (TenantID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidTenantID)
	return TenantID(value), err
}

// String returns the underlying string identifier.
func (id TenantID) String() string {
	return string(id)
}

// FacilityID represents a validated facility identifier.
type FacilityID string

// NewFacilityID validates raw input and returns a FacilityID.
func NewFacilityID(rawInput string) (FacilityID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidFacilityID)
	return FacilityID(value), err
}

// String returns the underlying string identifier.
func (id FacilityID) String() string {
	return string(id)
}

// OpID represents a validated client-generated idempotency key.
type OpID string

// NewOpID validates raw input and returns an OpID.
func NewOpID(rawInput string) (OpID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidOpID)
	return OpID(value), err
}

// String returns the underlying string identifier.
func (id OpID) String() string {
	return string(id)
}

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidDeviceID)
	return DeviceID(value), err
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// Cursor represents a validated pull cursor: the highest revision already consumed.
type Cursor int64

// NewCursor validates the value and returns a Cursor.
func NewCursor(value int64) (Cursor, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCursor, value)
	}
	return Cursor(value), nil
}

// Int64 exposes the raw revision value.
func (c Cursor) Int64() int64 {
	return int64(c)
}

// ParseOpKind maps raw wire input to an OpKind.
func ParseOpKind(rawInput string) (OpKind, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(OpKindUpsert):
		return OpKindUpsert, nil
	case string(OpKindDelete):
		return OpKindDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOpKind, rawInput)
	}
}

// Facility records a facility's membership in a tenant. Rows are provisioned
// by the surrounding platform; this subsystem only reads them for scope checks.
type Facility struct {
	TenantID   string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	FacilityID string `gorm:"column:facility_id;primaryKey;size:190;not null"`
	Name       string `gorm:"column:name;size:320"`
}

// TableName provides the explicit table binding for GORM.
func (Facility) TableName() string {
	return "facilities"
}

// RevisionCounter holds the per-tenant revision high-water mark.
type RevisionCounter struct {
	TenantID string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	Value    int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RevisionCounter) TableName() string {
	return "revision_counters"
}

// LedgerEntry models one accepted client mutation. Rows are append-only:
// they are never updated or deleted once committed.
type LedgerEntry struct {
	TenantID         string `gorm:"column:tenant_id;primaryKey;size:190;not null;uniqueIndex:idx_ledger_op_identity,priority:1;index:idx_ledger_scope_revision,priority:1"`
	Revision         int64  `gorm:"column:revision;primaryKey;not null;index:idx_ledger_scope_revision,priority:3"`
	FacilityID       string `gorm:"column:facility_id;size:190;not null;uniqueIndex:idx_ledger_op_identity,priority:2;index:idx_ledger_scope_revision,priority:2"`
	OpID             string `gorm:"column:op_id;size:190;not null;uniqueIndex:idx_ledger_op_identity,priority:3"`
	DeviceID         string `gorm:"column:device_id;size:190;not null"`
	ActorID          string `gorm:"column:actor_id;size:190"`
	EntityType       string `gorm:"column:entity_type;size:190;not null"`
	EntityID         string `gorm:"column:entity_id;size:190;not null"`
	OpKind           OpKind `gorm:"column:op_kind;size:16;not null"`
	ClientTimestamp  int64  `gorm:"column:client_timestamp_s;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	PayloadHash      string `gorm:"column:payload_hash;size:64;not null"`
	ServerReceivedAt int64  `gorm:"column:server_received_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LedgerEntry) TableName() string {
	return "sync_ledger"
}

// Tombstone models a deletion marker stamped with a revision from the same
// allocator as ledger entries, so both merge into one ordered feed.
type Tombstone struct {
	TenantID          string `gorm:"column:tenant_id;primaryKey;size:190;not null;index:idx_tombstone_scope_revision,priority:1"`
	DeletedRevision   int64  `gorm:"column:deleted_revision;primaryKey;not null;index:idx_tombstone_scope_revision,priority:3"`
	FacilityID        string `gorm:"column:facility_id;size:190;not null;index:idx_tombstone_scope_revision,priority:2"`
	EntityType        string `gorm:"column:entity_type;size:190;not null"`
	EntityID          string `gorm:"column:entity_id;size:190;not null"`
	DeletedByOpID     string `gorm:"column:deleted_by_op_id;size:190;not null"`
	DeletedByDeviceID string `gorm:"column:deleted_by_device_id;size:190;not null"`
	ServerReceivedAt  int64  `gorm:"column:server_received_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Tombstone) TableName() string {
	return "sync_tombstones"
}

// Operation describes one validated client mutation within a push batch.
type Operation struct {
	OpID            OpID
	EntityType      string
	EntityID        string
	Kind            OpKind
	PayloadJSON     string
	ClientTimestamp int64
}

// Scope identifies the authenticated caller's tenant, facility and device.
type Scope struct {
	TenantID   TenantID
	FacilityID FacilityID
	DeviceID   DeviceID
	ActorID    string
}

// OpStatus reports how the ledger treated a pushed operation.
type OpStatus string

const (
	// OpStatusIngested means a new ledger row was written for this op.
	OpStatusIngested OpStatus = "ingested"
	// OpStatusDuplicate means an identical op was already in the ledger.
	OpStatusDuplicate OpStatus = "duplicate"
)

// OpResult is the per-operation outcome of a push.
type OpResult struct {
	OpID     OpID
	Status   OpStatus
	Revision int64
}

// FeedEntry is one element of the ordered delta feed served by Pull.
// Upserts come from the ledger; deletes come from the tombstone store.
type FeedEntry struct {
	Revision        int64
	OpID            string
	DeviceID        string
	EntityType      string
	EntityID        string
	Kind            OpKind
	PayloadJSON     string
	ClientTimestamp int64
	ReceivedAt      int64
}

// Page is one pull response: entries ordered ascending by revision.
type Page struct {
	Entries    []FeedEntry
	NextCursor int64
	HasMore    bool
}
