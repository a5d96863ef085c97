package sync

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	prefix string
	index  int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.index++
	return fmt.Sprintf("%s-%d", g.prefix, g.index), nil
}

type failingIDGenerator struct{}

func (failingIDGenerator) NewID() (string, error) {
	return "", errors.New("exhausted ids")
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "sync.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Facility{}, &RevisionCounter{}, &LedgerEntry{}, &Tombstone{}, &ConflictAuditEntry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1750000000, 0) },
		IDProvider: &staticIDGenerator{prefix: "conflict"},
	})
	if err != nil {
		t.Fatalf("failed to build sync service: %v", err)
	}
	return service, db
}

func seedFacility(t *testing.T, db *gorm.DB, tenantID, facilityID string) {
	t.Helper()
	if err := db.Create(&Facility{TenantID: tenantID, FacilityID: facilityID}).Error; err != nil {
		t.Fatalf("failed to seed facility: %v", err)
	}
}

func mustScope(t *testing.T, tenantID, facilityID, deviceID string) Scope {
	t.Helper()
	tenant, err := NewTenantID(tenantID)
	if err != nil {
		t.Fatalf("unexpected tenant id error: %v", err)
	}
	facility, err := NewFacilityID(facilityID)
	if err != nil {
		t.Fatalf("unexpected facility id error: %v", err)
	}
	device, err := NewDeviceID(deviceID)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return Scope{TenantID: tenant, FacilityID: facility, DeviceID: device, ActorID: "actor-1"}
}

func mustOpID(t *testing.T, value string) OpID {
	t.Helper()
	id, err := NewOpID(value)
	if err != nil {
		t.Fatalf("unexpected op id error: %v", err)
	}
	return id
}

func upsertOp(t *testing.T, opID, entityID, payload string) Operation {
	t.Helper()
	return Operation{
		OpID:            mustOpID(t, opID),
		EntityType:      "patient",
		EntityID:        entityID,
		Kind:            OpKindUpsert,
		PayloadJSON:     payload,
		ClientTimestamp: 1749990000,
	}
}

func deleteOp(t *testing.T, opID, entityID string) Operation {
	t.Helper()
	return Operation{
		OpID:            mustOpID(t, opID),
		EntityType:      "patient",
		EntityID:        entityID,
		Kind:            OpKindDelete,
		ClientTimestamp: 1749990000,
	}
}
